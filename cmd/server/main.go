package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/ghostchat/internal/api"
	"github.com/npezzotti/ghostchat/internal/config"
	"github.com/npezzotti/ghostchat/internal/server"
	"github.com/npezzotti/ghostchat/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, config.ParseOrigins(value)...)
	return nil
}

var (
	addr             string
	allowedOrigins   stringSliceFlag
	historySize      int
	maxMessageSize   int64
	rateLimit        float64
	rateBurst        int
	strictMembership bool
)

func main() {
	flag.StringVar(&addr, "addr", config.DefaultAddr(), "server address")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins, * allows any (default *)")
	flag.IntVar(&historySize, "history-size", config.DefaultHistorySize, "number of messages retained per room")
	flag.Int64Var(&maxMessageSize, "max-message-size", config.DefaultMaxMessageSize, "maximum inbound frame size in bytes")
	flag.Float64Var(&rateLimit, "rate-limit", 0, "chat messages per second accepted from each connection, 0 disables")
	flag.IntVar(&rateBurst, "rate-burst", config.DefaultRateBurst, "burst size for the per-connection rate limit")
	flag.BoolVar(&strictMembership, "strict-membership", false, "only accept messages from connections joined to the target room")
	flag.Parse()

	logger := log.New(os.Stderr, "[ghostchat] ", log.LstdFlags)

	if len(allowedOrigins) == 0 {
		allowedOrigins = stringSliceFlag{"*"}
	}

	cfg, err := config.NewConfig(addr, allowedOrigins, historySize, maxMessageSize,
		config.RateLimit{PerSecond: rateLimit, Burst: rateBurst})
	if err != nil {
		logger.Fatal("config:", err)
	}
	cfg.StrictMembership = strictMembership

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, cfg, statsUpdater)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewGhostChatApp(mux, logger, chatServer, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Println("server:", err)
		}
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
