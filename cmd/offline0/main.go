package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"offline0/internal/offline0"
)

var (
	configPath  string
	levelFlag   string
	logFileFlag string
	jsonLogs    bool

	// set at build time
	version string
)

func init() {
	flag.StringVarP(&configPath, "config", "c", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
	flag.StringVar(&levelFlag, "log-level", "", "log level, overrides logging.level")
	flag.StringVar(&logFileFlag, "log-file", "", "log file to use (in addition to stdout)")
	flag.BoolVar(&jsonLogs, "json", false, "write JSON logs to stdout instead of console output")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := offline0.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", configPath).Msg("Cannot load config")
	}

	level := cfg.LogLevel()
	if levelFlag != "" {
		if level, err = zerolog.ParseLevel(levelFlag); err != nil {
			log.Fatal().Err(err).Msg("Invalid --log-level")
		}
	}

	var stdout io.Writer = zerolog.ConsoleWriter{Out: os.Stdout}
	if jsonLogs {
		stdout = os.Stdout
	}
	logOutputs := []io.Writer{stdout}
	if logFileFlag != "" {
		f, err := os.OpenFile(logFileFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		}
		defer f.Close()
		logOutputs = append(logOutputs, f)
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(logOutputs...)).
		Level(level).
		With().Timestamp().Str("version", version).Logger()

	svc, err := offline0.NewService(cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot init service")
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("Cannot listen")
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.Start(ctx)

	go func() {
		log.Info().
			Str("addr", addr).
			Str("origin", cfg.Server.Origin).
			Str("generation", cfg.Generation).
			Msg("offline0 listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown")
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
