package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/agent"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/config"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/history"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/host"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/job/cache"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/marker"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/platform/slotfile"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/retry"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/sigcontext"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/storage"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/transport"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/transport/broker"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/transport/frame"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/transport/httpget"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/transport/objectstore"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "otawatch",
		Usage: "over-the-air firmware update agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "TOML or YAML configuration `FILE`",
				EnvVars: []string{"OTAWATCH_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "load environment variables from `FILE` before reading the configuration",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log at debug level",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				logging.Set(logging.Level("debug"))
			}
			// "debuggable" builds log every chunk and callback, far more than
			// the debug level of a release build.
			if logging.Debuggable {
				log := logging.New("main")
				log.Info("low-level logging.Debuggable is enabled in this build")
				log.Warn("logging.Debuggable produces large volumes of logs")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run update checks on schedule until stopped",
				Action: runAgent,
			},
			{
				Name:  "check",
				Usage: "run one update cycle now and exit",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "direct", Usage: "fetch the image directly instead of a job document"},
				},
				Action: checkOnce,
			},
			{
				Name:   "validate",
				Usage:  "confirm the running image after a reboot into a new one",
				Action: validateRunning,
			},
			{
				Name:   "slots",
				Usage:  "print the slot table",
				Action: printSlots,
			},
			{
				Name:  "history",
				Usage: "print recent update cycles",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "n", Value: 10, Usage: "number of cycles"},
				},
				Action: printHistory,
			},
			{
				Name:  "unit",
				Usage: "print a systemd service unit for the agent",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "binary", Value: "/usr/bin/otawatch"},
					&cli.StringFlag{Name: "watchdog", Usage: "WatchdogSec for the unit"},
				},
				Action: printUnit,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.New("main").WithError(err).Fatal("otawatch failed")
	}
}

// loadConfig reads the configuration named by the global flags and applies
// its logging settings.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("env-file"); path != "" {
		if err := config.LoadEnvFile(path); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, setter := range cfg.Setters() {
		logging.Set(setter)
	}
	if c.Bool("debug") {
		logging.Set(logging.Level("debug"))
	}
	return cfg, nil
}

func newMedium(cfg *config.Config) (*slotfile.Medium, error) {
	m, err := slotfile.New(logging.New("slots"), slotfile.Config{
		Dir:         cfg.Storage.Dir,
		Slots:       cfg.Storage.Slots,
		Capacity:    cfg.Storage.Capacity,
		RunningFile: cfg.Storage.RunningFile,
	})
	return m, errors.WithMessage(err, "could not set up slots")
}

func newWriter(cfg *config.Config, m *slotfile.Medium) *storage.Writer {
	var opts []storage.Option
	if cfg.Storage.Journal != "" {
		opts = append(opts, storage.WithJournal(storage.NewFileJournal(cfg.Storage.Journal)))
	}
	return storage.New(logging.New("storage"), m, opts...)
}

// newRegistry builds a transport for every connection kind.
func newRegistry(ctx context.Context, cfg *config.Config) (*transport.Registry, error) {
	log := logging.New("transport")
	registry := transport.NewRegistry(
		httpget.New(logging.Sub(log, "http"), ota.ConnectionHTTP, nil),
		httpget.New(logging.Sub(log, "https"), ota.ConnectionHTTPS, nil),
		frame.New(logging.Sub(log, "frame"), nil),
	)

	b, err := broker.New(logging.Sub(log, "broker"), broker.Config{
		PublishTopic: marker.PublisherTopic(cfg.Broker.TopicPrefix, cfg.Device.Board),
		Username:     cfg.Broker.Username,
		Password:     cfg.Broker.Password,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not set up broker transport")
	}
	registry.Register(b)

	store, err := objectstore.NewFromConfig(ctx, logging.Sub(log, "objectstore"), objectstore.Config{
		Region:       cfg.ObjectStore.Region,
		Endpoint:     cfg.ObjectStore.Endpoint,
		UsePathStyle: cfg.ObjectStore.PathStyle,
	})
	if err != nil {
		// Only s3:// endpoints need it.
		log.WithError(err).Warn("object store transport unavailable")
	} else {
		registry.RegisterObjectStore(store)
	}
	return registry, nil
}

func newRestarter(cfg *config.Config) host.Restarter {
	log := logging.New("host")
	paths := host.Paths{RootFS: cfg.Host.RootFS}
	switch cfg.Agent.Restart {
	case config.RestartReboot:
		return host.NewRebooter(log, paths)
	case config.RestartUnit:
		return host.NewServiceRestarter(log, paths, cfg.Agent.RestartUnit)
	}
	return host.Nop{}
}

// progress logs what the agent reports, standing in for an embedding
// application's callback.
func progress(log logging.Logger) func(context.Context, ota.Snapshot) ota.Result {
	lastPercent := -1
	return func(ctx context.Context, snap ota.Snapshot) ota.Result {
		fields := logrus.Fields{
			"state": snap.State.String(),
			"flow":  snap.Flow.String(),
		}
		switch snap.Reason {
		case ota.ReasonFailure:
			log.WithFields(fields).WithField("error", snap.Err).Warn("update failed")
		case ota.ReasonSuccess:
			if snap.State == ota.StateOTAComplete {
				log.WithFields(fields).Info("update succeeded")
			}
		case ota.ReasonStateChange:
			if snap.State != ota.StateStorageWrite {
				break
			}
			// Every tenth of the image.
			if pct := snap.Progress.Percent(); pct/10 != lastPercent/10 {
				lastPercent = pct
				log.WithFields(fields).WithField("percent", pct).Info("downloading")
			}
		}
		return ota.ResultContinue
	}
}

// newAgent wires the agent from cfg. The returned function releases what it
// opened.
func newAgent(ctx context.Context, cfg *config.Config) (*agent.Agent, func(), error) {
	log := logging.New("agent")
	device, err := cfg.DeviceIdentity()
	if err != nil {
		return nil, nil, err
	}
	endpoint, err := cfg.Endpoint()
	if err != nil {
		return nil, nil, err
	}
	registry, err := newRegistry(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	medium, err := newMedium(cfg)
	if err != nil {
		return nil, nil, err
	}

	deps := agent.Deps{
		Transports: registry,
		Writer:     newWriter(cfg, medium),
		Retry:      retry.New(cfg.RetryConfig()),
		Rejections: cache.NewRejectionCache(cfg.Agent.RejectTTL.Duration),
		Callback:   progress(logging.New("progress")),
		Restarter:  newRestarter(cfg),
		Notifier:   host.NewNotifier(logging.New("notify")),
	}
	release := func() {}
	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			log.WithError(err).Warn("update history unavailable")
		} else {
			deps.History = store
			release = func() { store.Close() }
		}
	}

	a, err := agent.New(log, agent.Config{
		Device:              device,
		Flow:                cfg.Flow(),
		Endpoint:            endpoint,
		DirectSize:          cfg.Server.ImageSize,
		SendResult:          cfg.SendResult(),
		ValidateAfterReboot: cfg.Agent.ValidateAfterReboot,
		RestartOnActivate:   cfg.Agent.Restart != config.RestartNone && cfg.Agent.Restart != "",
		ChunkSize:           cfg.Agent.ChunkSize,
		DeviceTopicPrefix:   cfg.Broker.DeviceTopicPrefix,
		PacketInterval:      cfg.Timing.PacketInterval.Duration,
		JobCheckTimeout:     cfg.Timing.JobCheckTimeout.Duration,
		DataCheckTimeout:    cfg.Timing.DataCheckTimeout.Duration,
	}, deps)
	if err != nil {
		release()
		return nil, nil, err
	}
	return a, release, nil
}

func runAgent(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := logging.New("main")

	ctx, cancel := sigcontext.WithSignalCancel(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, release, err := newAgent(ctx, cfg)
	if err != nil {
		return errors.WithMessage(err, "initialization error")
	}
	defer release()

	stopSignals := sigcontext.OnSignal(ctx, func(os.Signal) {
		log.Info("update requested by signal")
		if err := a.RequestUpdateNow(ctx, false); err != nil {
			log.WithError(err).Warn("unable to request update")
		}
	}, syscall.SIGUSR1)
	defer stopSignals()

	err = a.Run(ctx)
	log.WithField("state", a.State().String()).Info("agent stopped")
	return errors.WithMessage(err, "run error")
}

func checkOnce(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := sigcontext.WithSignalCancel(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, release, err := newAgent(ctx, cfg)
	if err != nil {
		return errors.WithMessage(err, "initialization error")
	}
	defer release()

	if err := a.Check(ctx, c.Bool("direct")); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, a.LastError().String())
	return nil
}

func validateRunning(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	device, err := cfg.DeviceIdentity()
	if err != nil {
		return err
	}
	medium, err := newMedium(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timing.JobCheckTimeout.Duration)
	defer cancel()

	validation, err := newWriter(cfg, medium).ValidateAfterReboot(ctx, ota.Descriptor{Board: device.Board, Version: device.Version})
	if ota.CodeOf(err) == ota.CodeBadArg {
		fmt.Fprintln(c.App.Writer, "nothing to validate")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, validation.String())
	if validation == storage.Rejected {
		return cli.Exit("running image rejected", 1)
	}
	return nil
}

func printSlots(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	medium, err := newMedium(cfg)
	if err != nil {
		return err
	}
	status, err := medium.Status(c.Context)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tSTATE\tRUNNING\tVERSION\tBOARD")
	for _, slot := range status.Slots {
		version, board := "-", "-"
		if d := slot.Descriptor; d != nil {
			version, board = d.Version.String(), d.Board
		}
		fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\n", slot.Slot, slot.State, slot.Running, version, board)
	}
	return w.Flush()
}

func printHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(c.Context, c.Int("n"))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tTOOK\tFLOW\tCONNECTION\tVERSION\tBYTES\tRESULT")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.Started.Format(time.RFC3339),
			e.Finished.Sub(e.Started).Round(time.Millisecond),
			e.Flow, e.Connection, e.Version, e.Bytes, e.Code)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	last, err := store.LastSuccess(c.Context)
	if err != nil {
		return err
	}
	if last != nil {
		fmt.Fprintf(c.App.Writer, "\nlast update: %s at %s\n", last.Version, last.Finished.Format(time.RFC3339))
	}
	return nil
}

func printUnit(c *cli.Context) error {
	_, err := io.Copy(c.App.Writer, host.ServiceUnit(host.UnitOptions{
		Binary:     c.String("binary"),
		ConfigPath: c.String("config"),
		Watchdog:   c.String("watchdog"),
	}))
	return err
}
