package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/muesli/reflow/wordwrap"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	bolt "go.etcd.io/bbolt"
	"maunium.net/go/mautrix/id"

	"github.com/42wim/matterrtc/bridge"
	"github.com/42wim/matterrtc/bridge/matrix"
	"github.com/42wim/matterrtc/call"
	"github.com/42wim/matterrtc/config"
	"github.com/42wim/matterrtc/rtc"
)

var (
	version = "0.1.0-dev"
	githash string
	logger  *logrus.Entry
	v       *viper.Viper
)

const (
	summaryWidth    = 100
	shutdownTimeout = 10 * time.Second
)

func main() {
	ourlog := logrus.New()
	ourlog.SetFormatter(&prefixed.TextFormatter{PrefixPadding: 14, FullTimestamp: true})
	logger = ourlog.WithFields(logrus.Fields{"prefix": "main"})

	flagConfig := flag.String("config", "matterrtc.toml", "config file")
	flagDebug := flag.Bool("debug", false, "enable debug logging")
	flagTrace := flag.Bool("trace", false, "enable trace logging")
	flagVersion := flag.Bool("version", false, "show version")
	flagGops := flag.Bool("gops", false, "enable gops agent")
	flagStart := flag.String("start", "", "start a call in this room id")
	flagJoin := flag.String("join", "", "join the active call in this room id")
	flagMode := flag.String("mode", "video", "call mode: audio or video")
	flagDirect := flag.Bool("direct", false, "treat --start room as a direct chat and ring")
	flagName := flag.String("name", "", "room name shown in the call url")
	flag.Parse()

	if *flagVersion {
		fmt.Printf("version: %s %s\n", version, githash)
		return
	}

	if *flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			logger.Error(err)
		}
		defer agent.Close()
	}

	cfgfile := *flagConfig
	if _, err := os.Stat(cfgfile); err != nil && !flag.CommandLine.Changed("config") {
		cfgfile = ""
	}

	var err error

	v, err = config.LoadConfig(cfgfile)
	if err != nil {
		logger.Fatalf("loading config failed: %s", err)
	}

	if *flagDebug || v.GetBool("debug") {
		logger.Info("enabling debug")
		ourlog.SetLevel(logrus.DebugLevel)
		v.Set("debug", true)
	}

	if *flagTrace || v.GetBool("trace") {
		logger.Info("enabling trace")
		ourlog.SetLevel(logrus.TraceLevel)
		v.Set("trace", true)
	}

	rtc.SetLogger(ourlog.WithFields(logrus.Fields{"prefix": "rtc"}))
	call.SetLogger(ourlog.WithFields(logrus.Fields{"prefix": "call"}))

	mode, err := call.ParseMode(*flagMode)
	if err != nil {
		logger.Fatal(err)
	}

	logger.Infof("running version %s %s", version, githash)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore()
	defer closeStore()

	service := rtc.NewService(store, nil)
	dispatcher := rtc.NewDispatcher(service, v.GetDuration("rtc.sweepinterval"))

	dispatcher.OnEvent(bridge.EventChannelUpdate, func(ev *bridge.Event) {
		update := ev.Data.(*bridge.ChannelUpdateEvent)
		logger.Debugf("room %s is now %q (direct %t)", update.ChannelID, update.Name, update.Direct)
	})

	eventChan := make(chan *bridge.Event, 1000)
	connected := make(chan struct{})

	cred := bridge.Credentials{
		Login:  v.GetString("matrix.login"),
		Pass:   v.GetString("matrix.password"),
		Server: v.GetString("matrix.server"),
		Token:  v.GetString("matrix.token"),
	}

	br, err := matrix.New(v, cred, eventChan)
	if err != nil {
		logger.Fatalf("matrix login failed: %s", err)
	}

	me := br.GetMe()
	dispatcher.SetIdentity(id.UserID(me.User), id.DeviceID(me.DeviceID))

	// the consumer must run before the initial sync starts filling eventChan
	go dispatcher.Run(ctx, eventChan)

	coordinator := call.NewCoordinator(br, service, call.LogLauncher{}, config.CallSettings(v))

	incoming := call.NewIncomingManager(service, br)
	incoming.OnIncoming(func(c call.IncomingCall) {
		printSummary(fmt.Sprintf("incoming call from %s in %s, run with --join %s to answer",
			c.CallerName, c.RoomName, c.RoomID))
	})

	states := make(chan rtc.RoomState, 100)
	service.Subscribe(states)
	defer service.Unsubscribe(states)

	go incoming.Run(ctx, states)

	br.Start(func() { close(connected) })

	select {
	case <-connected:
		logger.Infof("connected as %s (%s)", me.User, me.DeviceID)
	case <-ctx.Done():
		shutdown(coordinator, br)
		return
	}

	switch {
	case *flagStart != "":
		roomID := id.RoomID(*flagStart)
		res := coordinator.StartCall(ctx, roomID, roomName(br, roomID, *flagName), *flagDirect || br.IsDirect(*flagStart), mode)
		printResult(res)
		go printStates(ctx, service, roomID)
	case *flagJoin != "":
		roomID := id.RoomID(*flagJoin)
		res := coordinator.JoinCall(ctx, roomID, roomName(br, roomID, *flagName), mode)
		printResult(res)
		go printStates(ctx, service, roomID)
	}

	<-ctx.Done()

	shutdown(coordinator, br)
}

func openStore() (rtc.CallStateStore, func()) {
	path := v.GetString("rtc.ackdb")
	if path == "" {
		return rtc.NewMemoryCallStateStore(), func() {}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		logger.Fatalf("opening %s failed: %s", path, err)
	}

	store, err := rtc.NewBoltCallStateStore(db)
	if err != nil {
		logger.Fatalf("preparing %s failed: %s", path, err)
	}

	return store, func() {
		if err := db.Close(); err != nil {
			logger.Error(err)
		}
	}
}

func roomName(br bridge.Bridger, roomID id.RoomID, override string) string {
	if override != "" {
		return override
	}

	return br.GetChannelName(string(roomID))
}

func shutdown(coordinator *call.Coordinator, br bridge.Bridger) {
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	coordinator.Close(ctx)

	if err := br.Logout(); err != nil {
		logger.Error(err)
	}
}

func printResult(res call.Result) {
	if !res.OK {
		logger.Errorf("%s (%s)", res.UserMessage, res.Err)
		return
	}

	printSummary("call " + res.CallID + "\n" + res.URL + "\n" + res.DeepLink)
}

func printStates(ctx context.Context, service *rtc.Service, roomID id.RoomID) {
	ch, cancel := service.Watch(roomID)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case state := <-ch:
			printSummary(summarize(state))
		}
	}
}

func summarize(state rtc.RoomState) string {
	var users []string

	for _, p := range state.AggregatedParticipants {
		users = append(users, fmt.Sprintf("%s (%d/%d devices)", p.UserID, p.ConnectedDevicesCount, p.DevicesCount))
	}

	return fmt.Sprintf("%s: %s, call %q, %d participants: %s",
		state.RoomID, state.Phase, state.CallID(), state.ParticipantsCount, strings.Join(users, ", "))
}

func printSummary(text string) {
	fmt.Println(wordwrap.String(text, summaryWidth))
}
