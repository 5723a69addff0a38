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

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tiehuis/sharehttp/internal/config"
	"github.com/tiehuis/sharehttp/internal/server"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	// Quiet drops the per-request 200 lines but keeps misses and failures.
	if cfg.Quiet {
		zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	return zc.Build()
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(cfg *config.Config, root, address *string, cacheSize *int, quiet, dev *bool) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "root":
			cfg.Root = *root
		case "address":
			cfg.Address = *address
		case "cache-size":
			cfg.CacheSize = *cacheSize
		case "quiet":
			cfg.Quiet = *quiet
		case "dev":
			cfg.Dev = *dev
		}
	})
	if flag.NArg() > 0 {
		cfg.ExtraDir = flag.Arg(0)
	}
}

func main() {
	var configPath = flag.String("config", "", "path to a yaml config file")
	var root = flag.String("root", ".", "directory to serve and store uploads under")
	var address = flag.String("address", ":8000", "address to serve on")
	var cacheSize = flag.Int("cache-size", 128, "number of directory entries cached, disabled=0")
	var quiet = flag.Bool("quiet", false, "only log misses and failures")
	var dev = flag.Bool("dev", false, "human readable development logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [extra-dir]\n\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\n%s", config.Usage())
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyFlags(cfg, root, address, cacheSize, quiet, dev)

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	dirs, err := cfg.Prepare()
	if err != nil {
		logger.Fatal("invalid directories", zap.Error(err))
	}

	s, err := server.New(cfg, dirs, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      s,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving",
		zap.String("root", dirs.Root),
		zap.String("uploads", dirs.Uploads),
		zap.String("extra", dirs.Extra),
		zap.String("address", cfg.Address),
		zap.Int("cache_size", cfg.CacheSize))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
