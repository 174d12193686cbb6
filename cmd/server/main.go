package main

import (
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/calderaops/caldera/internal/server"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	h, err := server.NewHandler(logger)
	if err != nil {
		logger.Fatal("startup_failed", zap.Error(err))
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logger.Info("listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, h); err != nil {
		logger.Fatal("server_exit", zap.Error(err))
	}
}
