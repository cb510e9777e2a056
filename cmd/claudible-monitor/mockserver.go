package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/olliecrow/claudible_monitor/internal/logging"
	"github.com/olliecrow/claudible_monitor/internal/mockserver"
)

func runMockServer(args []string) int {
	fs, common := newFlagSet("mock-server")
	addr := fs.String("addr", "127.0.0.1:8787", "listen address")
	interval := fs.Duration("interval", 3*time.Second, "gap between usage_update frames")
	heartbeat := fs.Duration("heartbeat", 15*time.Second, "gap between heartbeat frames (0 disables)")
	dropAfter := fs.Int("drop-after", 0, "close each stream after this many usage events (0 never drops)")
	keys := fs.StringSlice("keys", nil, "accepted API keys (default accepts any non-empty key)")
	user := fs.String("user", "Demo User", "user name reported by the lookup endpoint")
	balance := fs.String("balance", "100", "starting balance in USD")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if *interval <= 0 {
		fmt.Fprintln(os.Stderr, "error: --interval must be > 0")
		return 2
	}
	if *heartbeat < 0 || *dropAfter < 0 {
		fmt.Fprintln(os.Stderr, "error: --heartbeat and --drop-after must be >= 0")
		return 2
	}
	initial, err := decimal.NewFromString(*balance)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --balance: %v\n", err)
		return 2
	}

	level := log.InfoLevel.String()
	if common.debug {
		level = log.DebugLevel.String()
	}
	logger, closer, err := logging.New(logging.Options{Level: level, Writer: os.Stderr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer closer.Close()

	gin.SetMode(gin.ReleaseMode)
	handler := mockserver.New(mockserver.Options{
		Keys:              *keys,
		UserName:          *user,
		InitialBalance:    initial,
		EventInterval:     *interval,
		HeartbeatInterval: *heartbeat,
		DropAfter:         *dropAfter,
		Logger:            logger,
	})

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: listen %s: %v\n", *addr, err)
		return 1
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(listener)
	}()

	base := listener.Addr().String()
	logger.WithFields(log.Fields{
		"lookup": "http://" + base + mockserver.LookupPath,
		"stream": "ws://" + base + mockserver.StreamPath,
	}).Info("mock dashboard listening")
	fmt.Printf("export CLAUDIBLE_LOOKUP_URL=http://%s%s\n", base, mockserver.LookupPath)
	fmt.Printf("export CLAUDIBLE_STREAM_URL=ws://%s%s\n", base, mockserver.StreamPath)

	select {
	case err := <-served:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown")
	}
	return 0
}
