package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/puyokura/cmpprelay/api"
	"github.com/puyokura/cmpprelay/auth"
	"github.com/puyokura/cmpprelay/relay"
	"github.com/puyokura/cmpprelay/retention"
	"github.com/puyokura/cmpprelay/store"
)

const logPath = "logs/server.log"

func setupLogging(level *slog.LevelVar) (*os.File, *slog.Logger, error) {
	if err := os.MkdirAll("logs", 0755); err != nil {
		return nil, nil, err
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}

	multiWriter := io.MultiWriter(os.Stdout, logFile)
	logger := slog.New(slog.NewTextHandler(multiWriter, &slog.HandlerOptions{Level: level}))
	return logFile, logger, nil
}

func compressLog(logger *slog.Logger) {
	timestamp := time.Now().Format("20060102-150405")
	target := fmt.Sprintf("logs/logs-%s.tar.gz", timestamp)

	file, err := os.Open(logPath)
	if err != nil {
		logger.Error("open log for compression", "error", err)
		return
	}
	defer file.Close()

	outFile, err := os.Create(target)
	if err != nil {
		logger.Error("create compressed log", "path", target, "error", err)
		return
	}
	defer outFile.Close()

	gw := gzip.NewWriter(outFile)
	defer gw.Close()

	tw := tar.NewWriter(gw)
	defer tw.Close()

	info, err := file.Stat()
	if err != nil {
		logger.Error("stat log file", "error", err)
		return
	}

	header, err := tar.FileInfoHeader(info, info.Name())
	if err != nil {
		logger.Error("create tar header", "error", err)
		return
	}
	header.Name = "server.log"

	if err := tw.WriteHeader(header); err != nil {
		logger.Error("write tar header", "error", err)
		return
	}

	if _, err := io.Copy(tw, file); err != nil {
		logger.Error("compress log", "error", err)
		return
	}

	logger.Info("log compressed", "path", target)
}

func indexHandler(addr string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `
<!DOCTYPE html>
<html>
<head>
    <title>cmpprelay</title>
    <style>
        body { font-family: sans-serif; text-align: center; padding-top: 50px; }
        code { background: #f4f4f4; padding: 5px; border-radius: 5px; }
    </style>
</head>
<body>
    <h1>cmpprelay</h1>
    <p>Relay endpoint: <code>/ws</code>. History API: <code>/api</code>.</p>
    <p>Run: <code>./client chat -server http://%s</code></p>
</body>
</html>
`, addr)
	}
}

func main() {
	_ = godotenv.Load(".env")

	configFile := flag.String("config", "serverconfig.yaml", "Path to configuration file")
	flag.Parse()

	level := new(slog.LevelVar)
	logFile, logger, err := setupLogging(level)
	if err != nil {
		fmt.Printf("Failed to setup logging: %v\n", err)
		os.Exit(1)
	}

	cfg := NewConfig(*configFile)
	if err := cfg.Load(); err != nil {
		logger.Error("load config", "path", *configFile, "error", err)
	}
	level.Set(cfg.Level())

	err = run(logger, level, cfg)
	if err != nil {
		logger.Error("server stopped", "error", err)
	}
	compressLog(logger)
	logFile.Close()
	os.Remove(logPath)
	if err != nil {
		os.Exit(1)
	}
}

func run(logger *slog.Logger, level *slog.LevelVar, cfg *Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Dir(), store.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer st.Close()

	secret := cfg.Secret()
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("jwt_secret not set, using a random secret; tokens will not survive a restart")
	}
	tokens, err := auth.NewTokens(secret, cfg.TTL())
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	typingRate, typingBurst, sendBuffer := cfg.Limits()
	hub := relay.NewHub(relay.Options{
		SendBuffer:  sendBuffer,
		TypingRate:  typingRate,
		TypingBurst: typingBurst,
		Banned:      cfg.IsBanned,
		Verifier:    tokens,
		Origins:     cfg.Origins(),
		Metrics:     relay.NewMetrics(reg),
		Logger:      logger,
	})
	go hub.Run(ctx)

	policy := cfg.RetentionPolicy()
	purger, err := retention.New(policy.Cron, policy.MaxAge, st, logger)
	if err != nil {
		return err
	}
	go purger.Run(ctx)

	go func() {
		err := cfg.Watch(ctx, logger.With("component", "config"), func(c *Config) {
			level.Set(c.Level())
			rate, burst, _ := c.Limits()
			if err := hub.SetTypingLimit(ctx, rate, burst); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("apply typing limit", "error", err)
			}
			kicked, err := kickBanned(ctx, hub, c.IsBanned)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("kick banned identities", "error", err)
			}
			for _, id := range kicked {
				logger.Info("kicked banned identity", "identity", id)
			}
		})
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		}
	}()

	r := mux.NewRouter()
	r.Handle("/ws", hub)
	api.New(st, tokens, logger).Register(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.HandleFunc("/", indexHandler(cfg.Addr())).Methods(http.MethodGet)

	addr := cfg.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server started", "addr", addr, "data_dir", cfg.Dir())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	console := &Console{
		hub:     hub,
		bans:    cfg,
		counts:  st.Counts,
		purge:   purger.RunNow,
		started: time.Now(),
		out:     os.Stdout,
	}
	consoleDone := make(chan struct{})
	go func() {
		console.Run(ctx, os.Stdin)
		close(consoleDone)
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down server...")
	case <-consoleDone:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
