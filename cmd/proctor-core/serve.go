package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tiroq/proctor/internal/config"
	"github.com/tiroq/proctor/internal/daemon"
	"github.com/tiroq/proctor/internal/diaglog"
	"github.com/tiroq/proctor/internal/emitter"
	"github.com/tiroq/proctor/internal/pidfile"
	"github.com/tiroq/proctor/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proctoring daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l := newLogger(cfg)
	defer func() { _ = l.Sync() }()

	l.Info("starting proctor-core",
		zap.String("version", version),
		zap.Int("pid", os.Getpid()),
		zap.String("addr", cfg.Server.Addr),
		zap.String("store", cfg.Store.Backend))

	runtime := dir()
	pf, err := pidfile.Acquire(pidfile.PathIn(string(runtime), app))
	if err != nil {
		if errors.Is(err, pidfile.ErrAlreadyRunning) {
			l.Error("proctor-core is already running", zap.Error(err))
		}
		return err
	}
	defer func() {
		if err := pf.Release(); err != nil {
			l.Warn("failed to remove PID file", zap.Error(err))
		}
	}()

	diaglog.Version = version
	diag, err := diaglog.New(cfg.Diag.Path, cfg.Diag.Enabled)
	if err != nil {
		l.Warn("could not open diagnostic log, continuing without it", zap.String("path", cfg.Diag.Path), zap.Error(err))
		diag = diaglog.NewNoOp()
	}
	defer func() { _ = diag.Close() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	events := openPublisher(ctx, cfg, l)
	defer func() { _ = events.Close() }()

	d, err := daemon.New(daemon.Options{
		Config:     cfg,
		Logger:     l,
		Diag:       diag,
		Store:      st,
		Events:     events,
		RuntimeDir: runtime,
		Version:    version,
	})
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return store.NewMemory(), func() {}, nil
	case config.BackendPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pg, err := store.NewPostgres(connectCtx, cfg.Store.DSN, cfg.Store.Namespace)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return pg, func() { _ = pg.Close() }, nil
	default:
		f, err := store.OpenFile(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open session file: %w", err)
		}
		return f, func() {}, nil
	}
}

// openPublisher connects to the MQTT broker when one is configured. A broker
// that is down at startup is not fatal: the client keeps reconnecting.
func openPublisher(ctx context.Context, cfg *config.Config, l *zap.Logger) emitter.Publisher {
	if cfg.MQTT.Broker == "" {
		return emitter.Nop{}
	}
	p := emitter.NewMQTTPublisher(emitter.MQTTConfig{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Topic:    cfg.MQTT.Topic,
		QoS:      byte(cfg.MQTT.QoS),
	}, l)
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Connect(connectCtx); err != nil {
		l.Warn("mqtt broker unavailable, events will be dropped until it is reachable",
			zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
	}
	return p
}
