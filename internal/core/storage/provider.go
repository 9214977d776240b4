package storage

import (
	"fmt"
	"log/slog"

	"github.com/syntrixbase/appsearch/internal/core/storage/config"
	"github.com/syntrixbase/appsearch/internal/core/storage/pebble"
)

// newPebbleStore is swapped in tests.
var newPebbleStore = func(cfg config.Config, logger *slog.Logger) (Store, error) {
	return pebble.Open(cfg, logger)
}

// NewStore opens the storage engine selected by the configuration.
func NewStore(cfg config.Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Engine {
	case "", config.EnginePebble:
		store, err := newPebbleStore(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open pebble store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}
}
