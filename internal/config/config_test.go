package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsMatchDocumentedValues(t *testing.T) {
	c := Defaults()
	if c.Storage.Mode != ModeMemory {
		t.Errorf("expected default storage mode memory, got %s", c.Storage.Mode)
	}
	if c.Cdc.MailboxCapacity != 256 {
		t.Errorf("expected default mailbox capacity 256, got %d", c.Cdc.MailboxCapacity)
	}
	if c.Cdc.CleanupInterval != 30*time.Second {
		t.Errorf("expected default cleanup interval 30s, got %s", c.Cdc.CleanupInterval)
	}
	if c.Flow.BackfillChunk != 1000 {
		t.Errorf("expected default backfill chunk 1000, got %d", c.Flow.BackfillChunk)
	}
}

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Storage.Mode != ModeMemory {
		t.Errorf("expected memory mode absent any overrides, got %s", c.Storage.Mode)
	}
	if c.Flow.CoordinationTick != 1*time.Second {
		t.Errorf("expected default coordination tick 1s, got %s", c.Flow.CoordinationTick)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load with a missing file should not error, got: %v", err)
	}
	if c.Storage.Mode != ModeMemory {
		t.Errorf("expected memory mode as fallback, got %s", c.Storage.Mode)
	}
}

func TestLoadYamlFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	contents := "storage:\n  mode: hybrid\n  warm_path: custom-warm.db\ncdc:\n  mailbox_capacity: 512\nflow:\n  backfill_chunk: 42\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Storage.Mode != ModeHybrid {
		t.Errorf("expected hybrid mode from the YAML file, got %s", c.Storage.Mode)
	}
	if c.Storage.WarmPath != "custom-warm.db" {
		t.Errorf("expected warm path overridden, got %s", c.Storage.WarmPath)
	}
	if c.Cdc.MailboxCapacity != 512 {
		t.Errorf("expected mailbox capacity 512, got %d", c.Cdc.MailboxCapacity)
	}
	if c.Flow.BackfillChunk != 42 {
		t.Errorf("expected backfill chunk 42, got %d", c.Flow.BackfillChunk)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("REIFYDB_CDC_MAILBOX_CAPACITY", "1024")
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Cdc.MailboxCapacity != 1024 {
		t.Errorf("expected env override to set mailbox capacity to 1024, got %d", c.Cdc.MailboxCapacity)
	}
}
