package rtc

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithFields(logrus.Fields{"prefix": "rtc"})

func SetLogger(l *logrus.Entry) {
	logger = l
}
