// Package config loads EngineConfig: the knobs that control storage tier
// placement, CDC mailbox sizing, GC cadence, flow worker pool sizing and
// backfill chunking. Grounded in evalgo-org-eve/cli/root.go's
// viper.SetDefault + YAML file + AutomaticEnv layering, generalized from a
// Cobra-bound HTTP service config to the core engine's own settings struct.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StorageMode selects which backend.Backend implementations back the
// tiered store.
type StorageMode string

const (
	// ModeMemory runs every tier in memory; nothing survives a restart.
	// Mirrors tinySQL's ModeMemory.
	ModeMemory StorageMode = "memory"
	// ModeHybrid places hot data in memory, warm data in bbolt, cold
	// data in sqlite, per internal/backend/tiered.go's DefaultPlacement.
	ModeHybrid StorageMode = "hybrid"
)

// EngineConfig is every tunable the core's subsystems read at startup.
// Field names match the YAML/env keys Load reads below, dotted the way
// viper expects (storage.mode, cdc.mailbox_capacity, ...).
type EngineConfig struct {
	Storage struct {
		Mode        StorageMode
		WarmPath    string // bbolt file path, used only when Mode == ModeHybrid
		ColdPath    string // sqlite file path, used only when Mode == ModeHybrid
	}
	Cdc struct {
		MailboxCapacity int
		CleanupInterval time.Duration
	}
	Flow struct {
		WorkerPoolSize   int // <= 0 means runtime.NumCPU()
		BackfillChunk    int
		CoordinationTick time.Duration
	}
}

// Defaults returns the configuration every component uses absent an
// explicit override: a 256-entry CDC mailbox, a 30s cleanup cadence, a
// 1000-version backfill chunk, and a CPU-scaled worker pool.
func Defaults() EngineConfig {
	var c EngineConfig
	c.Storage.Mode = ModeMemory
	c.Storage.WarmPath = "reifydb-warm.db"
	c.Storage.ColdPath = "reifydb-cold.sqlite"
	c.Cdc.MailboxCapacity = 256
	c.Cdc.CleanupInterval = 30 * time.Second
	c.Flow.WorkerPoolSize = 0
	c.Flow.BackfillChunk = 1000
	c.Flow.CoordinationTick = 1 * time.Second
	return c
}

// Load reads EngineConfig from (in ascending priority) compiled-in
// defaults, an optional YAML file at path (ignored if empty or absent),
// and environment variables prefixed REIFYDB_ with "." replaced by "_",
// mirroring root.go's viper.AutomaticEnv + SetEnvKeyReplacer pattern.
func Load(path string) (EngineConfig, error) {
	d := Defaults()

	v := viper.New()
	v.SetEnvPrefix("reifydb")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("storage.mode", string(d.Storage.Mode))
	v.SetDefault("storage.warm_path", d.Storage.WarmPath)
	v.SetDefault("storage.cold_path", d.Storage.ColdPath)
	v.SetDefault("cdc.mailbox_capacity", d.Cdc.MailboxCapacity)
	v.SetDefault("cdc.cleanup_interval", d.Cdc.CleanupInterval.String())
	v.SetDefault("flow.worker_pool_size", d.Flow.WorkerPoolSize)
	v.SetDefault("flow.backfill_chunk", d.Flow.BackfillChunk)
	v.SetDefault("flow.coordination_tick", d.Flow.CoordinationTick.String())

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !errors.Is(err, fs.ErrNotExist) {
				return EngineConfig{}, err
			}
		}
	}

	var c EngineConfig
	c.Storage.Mode = StorageMode(v.GetString("storage.mode"))
	c.Storage.WarmPath = v.GetString("storage.warm_path")
	c.Storage.ColdPath = v.GetString("storage.cold_path")
	c.Cdc.MailboxCapacity = v.GetInt("cdc.mailbox_capacity")
	c.Cdc.CleanupInterval = v.GetDuration("cdc.cleanup_interval")
	c.Flow.WorkerPoolSize = v.GetInt("flow.worker_pool_size")
	c.Flow.BackfillChunk = v.GetInt("flow.backfill_chunk")
	c.Flow.CoordinationTick = v.GetDuration("flow.coordination_tick")
	return c, nil
}
