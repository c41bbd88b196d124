// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfg holds junkfs's typed mount configuration and the pflag/viper
// wiring that fills it in from flags and a config file (the JUNK_*
// environment variables are read by cmd, internal/meta and internal/logging,
// not here), mirroring the teacher's own cfg package structure
// at a scale that matches junkfs's far smaller flag surface.
package cfg

import (
	"time"

	"github.com/spf13/pflag"
)

// FileSystemConfig controls the metadata and data-plane tuning knobs
// exposed to the operator.
type FileSystemConfig struct {
	// TotalInodes bounds the InoMap's summary bitmap at mkfs time.
	TotalInodes uint64 `mapstructure:"total-inodes"`
	// GroupSize is the number of inodes per InoMap group.
	GroupSize uint64 `mapstructure:"group-size"`
	// MemPoolMB sizes the shared write-back page pool.
	MemPoolMB uint64 `mapstructure:"mempool-mb"`
	// FdCacheCapacity bounds FileStore's open-fd LRU.
	FdCacheCapacity int `mapstructure:"fd-cache-capacity"`
	// DisableWriteback, when set, skips advertising the kernel write-back
	// cache capability (JUNK_DISABLE_WBC).
	DisableWriteback bool `mapstructure:"disable-writeback"`
}

// LoggingConfig controls the slog/lumberjack sink.
type LoggingConfig struct {
	Path       string `mapstructure:"path"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max-size-mb"`
	MaxBackups int    `mapstructure:"max-backups"`
	MaxAgeDays int    `mapstructure:"max-age-days"`
}

// DebugConfig controls verification-only behavior that must never run in
// production, per spec.md §9 (panics are a debug switch, not a fallback).
type DebugConfig struct {
	// StrictInvariant enables Meta's strict-mode invariant panics
	// (JUNK_STRICT_INVARIANT).
	StrictInvariant bool `mapstructure:"strict-invariant"`
	// EnableInoReuse controls whether freed inode slots may be recycled
	// (JUNK_ENABLE_INO_REUSE, default true).
	EnableInoReuse bool `mapstructure:"enable-ino-reuse"`
}

// Config is the full typed mount configuration, unmarshalled from flags
// bound to viper by BindFlags.
type Config struct {
	FileSystem FileSystemConfig `mapstructure:"filesystem"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Debug      DebugConfig      `mapstructure:"debug"`

	// WritebackInterval and MetaCommitInterval tune the handle layer's
	// background flush/commit thread.
	WritebackInterval  time.Duration `mapstructure:"writeback-interval"`
	MetaCommitInterval time.Duration `mapstructure:"meta-commit-interval"`
}

// Default returns the configuration used when no flags or config file
// override a setting.
func Default() Config {
	return Config{
		FileSystem: FileSystemConfig{
			TotalInodes:     1 << 20,
			GroupSize:       4096,
			MemPoolMB:       256,
			FdCacheCapacity: 256,
		},
		Logging: LoggingConfig{
			Level:      "",
			MaxSizeMB:  64,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Debug: DebugConfig{
			EnableInoReuse: true,
		},
		WritebackInterval:  50 * time.Millisecond,
		MetaCommitInterval: time.Second,
	}
}

// BindFlags registers every Config field as a flag on fs, for cobra
// commands that accept mount tuning overrides (mirrors the teacher's
// cfg.BindFlags, minus the generated-from-YAML flag catalogue gcsfuse
// carries: junkfs's flag surface is small enough to hand-write).
func BindFlags(fs *pflag.FlagSet) error {
	d := Default()
	fs.Uint64("filesystem.total-inodes", d.FileSystem.TotalInodes, "maximum number of inodes the filesystem can hold")
	fs.Uint64("filesystem.group-size", d.FileSystem.GroupSize, "inodes per allocation group")
	fs.Uint64("filesystem.mempool-mb", d.FileSystem.MemPoolMB, "size in MiB of the shared write-back page pool")
	fs.Int("filesystem.fd-cache-capacity", d.FileSystem.FdCacheCapacity, "open file descriptor cache capacity")
	fs.Bool("filesystem.disable-writeback", d.FileSystem.DisableWriteback, "do not advertise the kernel write-back cache capability")
	fs.String("logging.path", d.Logging.Path, "log file path; empty logs to stderr only")
	fs.String("logging.level", d.Logging.Level, "log severity filter (TRACE..ERROR); empty reads JUNK_LEVEL")
	fs.Int("logging.max-size-mb", d.Logging.MaxSizeMB, "log file size in MiB that triggers rotation")
	fs.Int("logging.max-backups", d.Logging.MaxBackups, "number of rotated log files retained")
	fs.Int("logging.max-age-days", d.Logging.MaxAgeDays, "days to retain rotated log files")
	fs.Bool("debug.strict-invariant", d.Debug.StrictInvariant, "panic on internal invariant violations (verification only)")
	fs.Bool("debug.enable-ino-reuse", d.Debug.EnableInoReuse, "recycle freed inode slots via pending_free")
	fs.Duration("writeback-interval", d.WritebackInterval, "background cache flush interval")
	fs.Duration("meta-commit-interval", d.MetaCommitInterval, "background metadata commit interval")
	return nil
}
