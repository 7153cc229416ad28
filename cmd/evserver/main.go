package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/vincentwuo/evserver"
	"github.com/vincentwuo/evserver/pkg/config"
	"github.com/vincentwuo/evserver/pkg/metrics"
	"github.com/vincentwuo/evserver/pkg/processor"
	"github.com/vincentwuo/evserver/pkg/respool"
	"github.com/vincentwuo/evserver/pkg/util"
)

var (
	configFile  = flag.String("f", "", "config file (yaml, toml or json). Flags override it.")
	bindAddr    = flag.String("bind", "", "addr to accept connections. Example: 0.0.0.0:9006")
	workerNum   = flag.Int("n", 0, "the number of workers. default 0 will set it to the number of CPU cores")
	maxConns    = flag.Int64("c", 0, "max concurrent connections. '0' means no limit")
	idleTimeout = flag.Int("timeout", 0, "(unit:millisecond) close connections idle for this long")
	trigMode    = flag.Int("trig", 3, "0: LT+LT, 1: listener LT + conn ET, 2: listener ET + conn LT, 3: ET+ET")
	metricsAddr = flag.String("metrics", "", "addr to serve prometheus metrics on. Empty disables it")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, stopLog, err := util.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create logger:", err)
		os.Exit(1)
	}
	defer stopLog()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		stopLog()
		os.Exit(1)
	}
}

// applyFlags copies the flags given on the command line over cfg.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "bind":
			cfg.Server.BindAddr = *bindAddr
		case "n":
			cfg.Server.Workers = *workerNum
		case "c":
			cfg.Server.MaxConns = *maxConns
		case "timeout":
			cfg.Server.IdleTimeout = time.Duration(*idleTimeout) * time.Millisecond
		case "trig":
			cfg.Server.TrigMode = *trigMode
		case "metrics":
			cfg.Metrics.Enabled = *metricsAddr != ""
			cfg.Metrics.Addr = *metricsAddr
		}
	})
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if err := raiseFileLimit(); err != nil {
		logger.Warn("raise RLIMIT_NOFILE", zap.Error(err))
	}

	var recorder metrics.Recorder = metrics.Noop{}
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorder = metrics.NewPrometheus(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
		metricsSrv = &http.Server{
			Addr:         cfg.Metrics.Addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	newProcessor, closePool, err := processorFactory(cfg)
	if err != nil {
		return err
	}
	defer closePool()

	srv, err := evserver.NewServer(cfg.Server.BindAddr, newProcessor,
		evserver.WithWorkerNum(cfg.Server.Workers),
		evserver.WithMaxConns(cfg.Server.MaxConns),
		evserver.WithMaxConnsPerIP(cfg.Server.MaxConnsPerIP),
		evserver.WithAcceptRate(cfg.Server.AcceptRate, cfg.Server.AcceptBurst),
		evserver.WithIdleTimeout(cfg.Server.IdleTimeout),
		evserver.WithEdgeTriggered(cfg.Server.ConnEdgeTriggered(), cfg.Server.ListenerEdgeTriggered()),
		evserver.WithMaxEvents(cfg.Server.MaxEvents),
		evserver.WithReadBufferSize(cfg.Server.ReadBufferSize),
		evserver.WithMaxReadLoop(cfg.Server.MaxReadLoop),
		evserver.WithLinger(cfg.Server.Linger),
		evserver.WithBusyMessage(cfg.Server.BusyMessage),
		evserver.WithLogger(logger),
		evserver.WithMetrics(recorder),
		evserver.WithLockOSThread(true),
	)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
		logger.Info("closing server...")
	case err := <-serveErr:
		if !errors.Is(err, evserver.ErrServerClosed) {
			return err
		}
	}
	err = srv.Close()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info("closing server...done")
	return err
}

// processorFactory builds per-connection echo processors. With a resource pool
// configured, processing is gated by it and peers that find it exhausted get
// the busy message.
func processorFactory(cfg *config.Config) (evserver.ProcessorFactory, func() error, error) {
	if cfg.ResourcePool.Size == 0 {
		return func(*evserver.Conn) evserver.RequestProcessor {
			return processor.NewEcho()
		}, func() error { return nil }, nil
	}

	pool, err := respool.New(cfg.ResourcePool.Size, func() (struct{}, error) {
		return struct{}{}, nil
	}, nil)
	if err != nil {
		return nil, nil, err
	}
	return func(*evserver.Conn) evserver.RequestProcessor {
		return processor.NewGuarded(processor.Lift[struct{}](processor.NewEcho()), pool, cfg.Server.BusyMessage)
	}, pool.Close, nil
}

func raiseFileLimit() error {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return err
	}
	if lim.Cur >= lim.Max {
		return nil
	}
	lim.Cur = lim.Max
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &lim)
}
