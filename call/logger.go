package call

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithFields(logrus.Fields{"prefix": "call"})

func SetLogger(l *logrus.Entry) {
	logger = l
}
