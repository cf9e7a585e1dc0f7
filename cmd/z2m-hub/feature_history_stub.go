//go:build no_history

package main

import (
	"log/slog"

	"z2m-hub/internal/controller"
)

type historyStopper struct{}

func (h *historyStopper) Stop() {}

func initHistory(_ *controller.Controller, _ *Config, _ *slog.Logger) *historyStopper {
	return &historyStopper{}
}
