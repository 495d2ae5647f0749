package sync

import (
	"log/slog"
	"time"

	"github.com/edgepos/syncbox/internal/utils"
)

// Config for the sync engine daemon.
type Config struct {
	DBPath           string        `mapstructure:"db_path"`
	Workers          int           `mapstructure:"workers"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("db_path", c.DBPath),
		slog.Int("workers", c.Workers),
		slog.Duration("dispatch_interval", c.DispatchInterval),
		slog.Duration("sweep_interval", c.SweepInterval),
	)
}

// Validate fills defaults and resolves the database path.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = defaultDispatchInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.DBPath != "" && c.DBPath != ":memory:" {
		resolved, err := utils.ResolvePath(c.DBPath)
		if err != nil {
			return err
		}
		c.DBPath = resolved
	}
	if c.DBPath == "" {
		c.DBPath = ":memory:"
	}
	return nil
}
