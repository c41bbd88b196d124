package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abbycin/junkfs/internal/clock"
	"github.com/abbycin/junkfs/internal/kvstore"
	"github.com/abbycin/junkfs/internal/meta"
)

// applyDebugEnv mirrors the resolved --debug.* flags onto the JUNK_* env
// vars internal/meta reads directly (spec.md §6) when a flag departs from
// its default, so the cobra flag surface and the documented
// environment-variable surface agree without meta needing to know about
// cfg.Config; a flag left at its default leaves the env var as it was.
func applyDebugEnv() {
	if MountConfig.Debug.StrictInvariant {
		os.Setenv("JUNK_STRICT_INVARIANT", "true")
	}
	if !MountConfig.Debug.EnableInoReuse {
		os.Setenv("JUNK_ENABLE_INO_REUSE", "false")
	}
}

// metaDBFile is the bbolt database file junkfs keeps inside the directory
// named by meta_path; spec.md §6 calls meta_path a directory ("create the
// KV directory and format").
const metaDBFile = "meta.db"

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <meta_path> <store_path>",
	Short: "Format a new junkfs filesystem",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkConfigErrors(); err != nil {
			return err
		}
		return runMkfs(args[0], args[1])
	},
}

func runMkfs(metaPath, storePath string) error {
	// Normalize store_path to strip trailing separators, per spec.md §6.
	storePath = strings.TrimRight(filepath.Clean(storePath), string(filepath.Separator))
	if storePath == "" {
		storePath = string(filepath.Separator)
	}

	if err := os.MkdirAll(metaPath, 0o755); err != nil {
		return fmt.Errorf("mkfs: creating meta directory: %w", err)
	}
	if err := os.MkdirAll(storePath, 0o755); err != nil {
		return fmt.Errorf("mkfs: creating store directory: %w", err)
	}

	applyDebugEnv()

	kv, err := kvstore.Open(filepath.Join(metaPath, metaDBFile), 0)
	if err != nil {
		return fmt.Errorf("mkfs: opening metadata store: %w", err)
	}
	defer kv.Close()

	opt := meta.Options{Clock: clock.RealClock{}, Logger: newLogger()}
	_, err = meta.Format(kv, MountConfig.FileSystem.TotalInodes, MountConfig.FileSystem.GroupSize, storePath, opt)
	if err != nil {
		return fmt.Errorf("mkfs: format: %w", err)
	}
	if err := kv.Sync(); err != nil {
		return fmt.Errorf("mkfs: sync: %w", err)
	}

	fmt.Printf("junkfs formatted: meta=%s store=%s inodes=%d group-size=%d\n",
		metaPath, storePath, MountConfig.FileSystem.TotalInodes, MountConfig.FileSystem.GroupSize)
	return nil
}
