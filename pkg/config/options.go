package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EngineOptions is the archive engine's tunable surface (mirrors the option
// table the open path accepts). DefaultEngineOptions supplies a working value
// for every field; Open validates the options first, so a zero EngineOptions{}
// is rejected (max_concurrent_operations, key_manager_versions_to_keep and
// block_size_threshold must be positive).
// Duration fields decode from plain JSON integers (nanoseconds), matching
// time.Duration's underlying int64 rather than a "5m"-style string.
type EngineOptions struct {
	MaxRetries                  int           `json:"max_retries"`
	RetryDelay                  time.Duration `json:"retry_delay"`
	MaxConcurrentOperations     int           `json:"max_concurrent_operations"`
	CacheCleanupInterval        time.Duration `json:"cache_cleanup_interval"`
	MaxCacheSize                int           `json:"max_cache_size"`
	EnableBlockTypeIndexing     bool          `json:"enable_block_type_indexing"`
	EnableBackgroundMaintenance bool          `json:"enable_background_maintenance"`
	MaintenanceInterval         time.Duration `json:"maintenance_interval"`
	CompactionThresholdBytes    int64         `json:"compaction_threshold_bytes"`
	MinAgeHoursForDeletion      int           `json:"min_age_hours_for_deletion"`
	KeyManagerVersionsToKeep    int           `json:"key_manager_versions_to_keep"`
	BackupsToKeep               int           `json:"backups_to_keep"`
	BlockSizeThreshold          int           `json:"block_size_threshold"`
}

// DefaultEngineOptions returns the documented defaults for every field.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		MaxRetries:                  3,
		RetryDelay:                  50 * time.Millisecond,
		MaxConcurrentOperations:     8,
		CacheCleanupInterval:        5 * time.Minute,
		MaxCacheSize:                10000,
		EnableBlockTypeIndexing:     true,
		EnableBackgroundMaintenance: true,
		MaintenanceInterval:         10 * time.Minute,
		CompactionThresholdBytes:    64 * 1024 * 1024,
		MinAgeHoursForDeletion:      24,
		KeyManagerVersionsToKeep:    5,
		BackupsToKeep:               3,
		BlockSizeThreshold:          4 * 1024 * 1024,
	}
}

// Validate enforces the invariants the engine relies on at open time rather
// than discovering a bad setting mid-operation.
func (o EngineOptions) Validate() error {
	if o.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be >= 0")
	}
	if o.MaxConcurrentOperations <= 0 {
		return fmt.Errorf("config: max_concurrent_operations must be > 0")
	}
	if o.MaxCacheSize < 0 {
		return fmt.Errorf("config: max_cache_size must be >= 0")
	}
	if o.CompactionThresholdBytes < 0 {
		return fmt.Errorf("config: compaction_threshold_bytes must be >= 0")
	}
	if o.MinAgeHoursForDeletion < 0 {
		return fmt.Errorf("config: min_age_hours_for_deletion must be >= 0")
	}
	if o.KeyManagerVersionsToKeep < 1 {
		return fmt.Errorf("config: key_manager_versions_to_keep must be >= 1")
	}
	if o.BackupsToKeep < 0 {
		return fmt.Errorf("config: backups_to_keep must be >= 0")
	}
	if o.BlockSizeThreshold <= 0 {
		return fmt.Errorf("config: block_size_threshold must be > 0")
	}
	return nil
}

// LoadEngineOptions layers JSON/YAML config files under root (via Loader)
// and env-var overrides on top of DefaultEngineOptions, returning a
// validated EngineOptions. service is normally "mailvault"; env/tenant may
// be empty to skip those tiers.
func LoadEngineOptions(ctx context.Context, root, service, env, tenant string) (EngineOptions, error) {
	out := DefaultEngineOptions()
	if root == "" {
		return out, nil
	}
	loader, err := NewLoader(root, Options{Service: service, Env: env, Tenant: tenant, EnableEnvOverrides: true})
	if err != nil {
		return out, err
	}
	bundle, err := loader.Load(ctx)
	if err != nil {
		return out, err
	}
	canon, err := bundle.CanonicalJSON()
	if err != nil {
		return out, err
	}
	dec := json.NewDecoder(bytes.NewReader(canon))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("config: decode engine options: %w", err)
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}
