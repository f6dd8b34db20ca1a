package app

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

// Run is the CLI entrypoint used by cmd/parley.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run() error {
	// Best-effort: a missing .env file is not an error.
	_ = godotenv.Load()

	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel)

	a, err := New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}
