package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-can-station/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	lvl, _ := logging.ParseLevel(level) // validated with the config
	l := logging.New(format, lvl, os.Stderr).With("app", "can-station")
	logging.Set(l)
	return l
}
