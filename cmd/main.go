package cmd

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"go.uber.org/zap"

	"github.com/d3rp3tt3/router/core"
	"github.com/d3rp3tt3/router/pkg/config"
	"github.com/d3rp3tt3/router/pkg/logging"
)

var (
	configPathFlag = flag.String("config", "", "path to config file")
	overrideEnv    = flag.String("override-env", "", "env file name to override env variables")
	memprofile     = flag.String("memprofile", "", "write memory profile to this file")
	cpuprofile     = flag.String("cpuprofile", "", "write cpu profile to file")
)

func Main() {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal("Could not create CPU profile", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("Could not start CPU profile", err)
		}
	}

	result, err := config.LoadConfig(*configPathFlag, *overrideEnv)
	if err != nil {
		log.Fatal("Could not load config", zap.Error(err))
	}
	cfg := &result.Config

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGHUP,  // process is detached from terminal
		syscall.SIGTERM, // default for kill
		syscall.SIGQUIT, // ctrl + \
		syscall.SIGINT,  // ctrl+c
	)
	defer stop()

	logLevel, err := logging.ZapLogLevelFromString(cfg.LogLevel)
	if err != nil {
		log.Fatal("Could not parse log level", zap.Error(err))
	}

	logger := logging.New(!cfg.JSONLog, cfg.DevelopmentMode, logLevel).
		With(
			zap.String("component", "@d3rp3tt3/router"),
			zap.String("service_version", core.Version),
		)

	if !result.DefaultLoaded {
		logger.Info("Config file not found, using environment and defaults", zap.String("path", config.DefaultConfigPath))
	} else {
		logger.Info("Config file loaded", zap.String("path", result.Path))
	}

	router, err := NewRouter(Params{
		Config:     cfg,
		ConfigPath: result.Path,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Could not create router", zap.Error(err))
	}

	go func() {
		if err := router.Start(ctx); err != nil {
			logger.Error("Could not start server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("Graceful shutdown ...", zap.String("shutdown_delay", cfg.ShutdownDelay.String()))

	// enforce a maximum shutdown delay
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDelay)
	defer cancel()

	if err := router.Shutdown(ctx); err != nil {
		logger.Error("Could not shutdown server", zap.Error(err))
	}

	if *cpuprofile != "" {
		pprof.StopCPUProfile()
	}
	createMemprofile()

	logger.Debug("Server exiting")
}

func createMemprofile() {
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
	}
}
