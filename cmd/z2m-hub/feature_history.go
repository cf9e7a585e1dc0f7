//go:build !no_history

package main

import (
	"context"
	"log/slog"
	"time"

	"z2m-hub/internal/controller"
	"z2m-hub/internal/history"
)

type historyStopper struct {
	sink *history.Sink
}

func (h *historyStopper) Stop() {
	if h.sink != nil {
		h.sink.Close()
	}
}

func initHistory(ctrl *controller.Controller, cfg *Config, logger *slog.Logger) *historyStopper {
	if !cfg.History.Enabled {
		return &historyStopper{}
	}

	var flush time.Duration
	if cfg.History.FlushInterval != "" {
		if d, err := time.ParseDuration(cfg.History.FlushInterval); err == nil {
			flush = d
		} else {
			logger.Warn("invalid history.flush_interval, using default", "value", cfg.History.FlushInterval)
		}
	}

	sink, err := history.Connect(context.Background(), history.Config{
		URL:           cfg.History.URL,
		Token:         cfg.History.Token,
		Org:           cfg.History.Org,
		Bucket:        cfg.History.Bucket,
		BatchSize:     cfg.History.BatchSize,
		FlushInterval: flush,
	}, ctrl.ID(), logger)
	if err != nil {
		logger.Error("history sink", "err", err)
		return &historyStopper{}
	}
	sink.Attach(ctrl.Events())
	return &historyStopper{sink: sink}
}
