package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run loads config from the environment (and configPath when set), builds the App and
// serves until SIGINT or SIGTERM.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
