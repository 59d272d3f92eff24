package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/bus"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/config"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/events"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/metrics"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/session"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/transport"
)

var (
	conf      *config.File
	sess      *session.Session
	sseHub    *events.EventHub
	registry  *prometheus.Registry
	scheduler *RunScheduler
)

const sessionShutdownTimeout = 30 * time.Second

// transportDelays paces bus retries. Zero selects transport.DefaultDelays.
var transportDelays transport.Delays

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logrus.StandardLogger()))
	router.GET("/status", getStatus)
	router.POST("/connect", postConnect)
	router.POST("/cycling/start", postStartCycling)
	router.POST("/cycling/stop", postStopCycling)
	router.POST("/cycle-count/reset", postResetCycleCount)
	router.GET("/transitions", getTransitions)
	router.GET("/config", getConfig)
	router.PUT("/setpoints", setSetpoints)
	router.PUT("/hold", setHold)
	router.PUT("/tolerance", setTolerance)
	router.GET("/schedule", getSchedule)
	router.PUT("/schedule", setSchedule)
	router.POST("/schedule/postpone", postPostponeSchedule)
	router.POST("/schedule/skip", postSkipSchedule)
	router.GET("/events", streamEvents)
	router.GET("/metrics", gin.WrapH(metrics.HTTPHandler(registry)))
	router.GET("/version", getVersion)

	return router
}

// setup builds the package state from a loaded config.
func setup(c *config.File, ch bus.Channel) {
	conf = c
	sseHub = events.NewEventHub()
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sess = session.New(ch, session.Options{
		Transport: transport.Options{
			Resource:                  conf.Resource(),
			Retries:                   conf.Retries(),
			Timeout:                   conf.Timeout(),
			ExtendedTimeoutMultiplier: conf.ExtendedTimeoutMultiplier(),
			Delays:                    transportDelays,
		},
		Hub:            sseHub,
		Recorder:       metrics.NewPrometheusRecorder(registry),
		StatusInterval: conf.StatusInterval(),
	})

	scheduler = NewRunScheduler(scheduledStart, scheduledPreCheck)
	scheduler.OnUpcoming = notifyUpcoming
	scheduler.OnError = notifyScheduleError
}

// Options configures Run.
type Options struct {
	ConfigPath   string
	SocketPath   string
	AllowNonRoot bool

	// MetricsAddress overrides the config file's metrics address when set.
	MetricsAddress string
	// Simulate drives a simulated chamber instead of the configured controller.
	Simulate bool
}

func Run(opts Options) error {
	unixSocketPath := opts.SocketPath

	c, err := config.NewFile(opts.ConfigPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	if err := c.Validate(); err != nil {
		logrus.Fatal(err)
	}
	logrus.WithFields(c.LogrusFields()).Infof("config loaded")

	var ch bus.Channel
	if opts.Simulate {
		logrus.Warn("using a simulated chamber")
		ch = bus.NewSimulator(bus.SimulatorOptions{Scale: 1, Rate: 2})
	} else {
		ch, err = bus.NewChannel(config.BusConfig(c))
		if err != nil {
			logrus.Fatalf("failed to set up GPIB controller: %v", err)
		}
	}
	setup(c, ch)
	router := setupRoutes()

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			if err := reloadConfig(); err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			logrus.Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler: router,
	}

	// A previous daemon that was killed leaves its socket behind.
	if err := os.Remove(unixSocketPath); err != nil && !os.IsNotExist(err) {
		logrus.Fatal(err)
	}
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || opts.AllowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	var metricsSrv *http.Server
	addr := conf.MetricsAddress()
	if opts.MetricsAddress != "" {
		addr = opts.MetricsAddress
	}
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.HTTPHandler(registry))
		metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logrus.Infof("metrics listening on %s", addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Errorf("metrics server failed: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		connectLoop(ctx)
		sess.RunStatusPoller(ctx)
	}()

	if expr := conf.Schedule(); expr != "" {
		if err := scheduler.Schedule(expr); err != nil {
			logrus.Errorf("ignoring schedule: %v", err)
		}
	}
	scheduler.Run()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	logrus.Info("shutting down http server")
	sseHub.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("failed to shutdown metrics server: %v", err)
		}
	}
	shutdownCancel()

	scheduler.Stop()
	cancel()

	logrus.Info("stopping cycling and turning the chamber off")
	sessCtx, sessCancel := context.WithTimeout(context.Background(), sessionShutdownTimeout)
	defer sessCancel()
	if err := sess.Shutdown(sessCtx); err != nil {
		logrus.Errorf("chamber shutdown incomplete: %v", err)
	}

	logrus.WithField("cycles", sess.CycleCount()).Info("exiting")
	return nil
}

func reloadConfig() error {
	if err := conf.Load(); err != nil {
		return err
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	logrus.WithFields(conf.LogrusFields()).Debug("reloaded config")
	return scheduler.Schedule(conf.Schedule())
}
