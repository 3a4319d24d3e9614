package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/kinect-multiplexer/internal/config"
	"github.com/dgnsrekt/kinect-multiplexer/internal/control"
	"github.com/dgnsrekt/kinect-multiplexer/internal/device"
	"github.com/dgnsrekt/kinect-multiplexer/internal/events"
	"github.com/dgnsrekt/kinect-multiplexer/internal/notify"
	"github.com/dgnsrekt/kinect-multiplexer/internal/render"
	"github.com/dgnsrekt/kinect-multiplexer/internal/server"
	"github.com/dgnsrekt/kinect-multiplexer/internal/stream"
)

func serveCmd() *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run capture loops and serve every configured endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, noWatch)
		},
	}

	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file when it changes")

	return cmd
}

func newDriver(c config.DeviceConfig) (device.Driver, error) {
	switch c.Driver {
	case "synthetic":
		return device.NewSyntheticDriver(c.FPS), nil
	default:
		return nil, fmt.Errorf("unknown device driver: %s", c.Driver)
	}
}

func runServe(cmd *cobra.Command, noWatch bool) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	logger.Info("configuration loaded",
		zap.Int("streams", len(cfg.Streams)),
		zap.String("driver", cfg.Device.Driver),
		zap.String("controlAddr", cfg.Control.Addr),
		zap.Bool("httpEnabled", cfg.HTTP.Enabled),
		zap.String("start", cfg.Session.Start),
		zap.Bool("notify", cfg.Notify.Enabled),
	)

	driver, err := newDriver(cfg.Device)
	if err != nil {
		return err
	}

	specs, err := cfg.Specs()
	if err != nil {
		return err
	}

	pipeline := render.NewPipeline(render.JPEGEncoder{})
	notifier := notify.New(cfg.Notify, logger.Named("notify"))

	manager, err := stream.NewManager(specs, driver, pipeline, cfg.CaptureSettings(), notifier, logger)
	if err != nil {
		return fmt.Errorf("creating streams: %w", err)
	}

	opts := server.Options{
		Session:      cfg.SessionSettings(),
		WriteTimeout: cfg.Session.WriteTimeout,
		ContentType:  pipeline.ContentType(),
	}

	feed := events.NewFeed(manager, cfg.Events.Interval, logger.Named("events"))
	reload := server.NewReloadManager(manager, logger.Named("reload"))

	endpoints, err := buildEndpoints(manager, feed, reload, opts)
	if err != nil {
		return err
	}

	if !noWatch {
		startWatcher(reload)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		feed.Run(ctx)
	}()

	runErr := server.Run(ctx, endpoints, logger.Named("listen"))
	if errors.Is(runErr, server.ErrNoListeners) {
		logger.Error("no endpoint could be bound")
	}

	// Run returns once every endpoint has stopped.
	logger.Info("shutting down")
	cancel()
	wg.Wait()
	logger.Info("multiplexer stopped")
	return runErr
}

func buildEndpoints(manager *stream.Manager, feed *events.Feed, reload *server.ReloadManager, opts server.Options) ([]server.Endpoint, error) {
	var endpoints []server.Endpoint

	for _, sc := range cfg.Streams {
		if sc.RawAddr == "" {
			continue
		}
		st, err := manager.Get(sc.ID)
		if err != nil {
			return nil, err
		}
		name := "raw:" + sc.ID
		acceptor := server.NewAcceptor(name, server.RawStreamHandler(st, opts, logger.Named("session")), logger)
		endpoints = append(endpoints, server.Endpoint{Name: name, Addr: sc.RawAddr, Serve: acceptor.Serve})
	}

	if cfg.Control.Addr != "" {
		dispatcher := control.NewDispatcher(manager, logger.Named("control"))
		handler := server.ControlHandler(dispatcher, cfg.ControlStream(), cfg.Session.WriteTimeout)
		acceptor := server.NewAcceptor("control", handler, logger)
		endpoints = append(endpoints, server.Endpoint{Name: "control", Addr: cfg.Control.Addr, Serve: acceptor.Serve})
	}

	if cfg.HTTP.Enabled {
		srv := server.NewServer(manager, feed, reload, opts, logger.Named("http"))
		for _, lc := range cfg.HTTP.Listeners {
			streamID := lc.Stream
			if streamID == "" {
				streamID = manager.Default()
			}
			router, err := server.NewRouter(srv, streamID, logger.Named("http"))
			if err != nil {
				return nil, err
			}
			endpoints = append(endpoints, server.Endpoint{
				Name:  "http:" + streamID,
				Addr:  lc.Addr,
				Serve: server.HTTPServe(router),
			})
		}
	}

	return endpoints, nil
}

func startWatcher(reload *server.ReloadManager) {
	watcher, err := config.NewWatcher(cfgFile)
	if errors.Is(err, config.ErrNoConfigFile) {
		logger.Info("no config file in use, hot reload disabled")
		return
	}
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
		return
	}

	watcher.Start(
		func(next *config.Config) {
			result, err := reload.Reload(next)
			if err != nil {
				logger.Warn("config reload", zap.String("file", watcher.File()), zap.Error(err))
			}
			if result != nil {
				logger.Info("config applied",
					zap.String("file", watcher.File()),
					zap.Uint64("generation", result.Generation),
				)
			}
		},
		func(err error) {
			logger.Warn("ignoring invalid config change", zap.String("file", watcher.File()), zap.Error(err))
		},
	)
	logger.Info("watching config file", zap.String("file", watcher.File()))
}
