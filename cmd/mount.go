package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/spf13/cobra"

	"github.com/abbycin/junkfs/internal/clock"
	"github.com/abbycin/junkfs/internal/filestore"
	"github.com/abbycin/junkfs/internal/fuseedge"
	"github.com/abbycin/junkfs/internal/handle"
	"github.com/abbycin/junkfs/internal/kvstore"
	"github.com/abbycin/junkfs/internal/mempool"
	"github.com/abbycin/junkfs/internal/meta"
)

var mountCmd = &cobra.Command{
	Use:   "mount <meta_path> <mount_point>",
	Short: "Mount a junkfs filesystem formatted by mkfs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkConfigErrors(); err != nil {
			return err
		}
		mountPoint, err := resolvePath(args[1])
		if err != nil {
			return fmt.Errorf("canonicalizing mount point: %w", err)
		}
		return runMount(args[0], mountPoint)
	},
}

func runMount(metaPath, mountPoint string) error {
	applyDebugEnv()
	log := newLogger()
	sessionID := uuid.NewString()
	log.Info("junkfs: starting mount session", "session", sessionID, "meta", metaPath, "mount_point", mountPoint)

	kv, err := kvstore.Open(filepath.Join(metaPath, metaDBFile), 0)
	if err != nil {
		return fmt.Errorf("mount: opening metadata store: %w", err)
	}

	m, err := meta.Load(kv, meta.Options{Clock: clock.RealClock{}, Logger: log})
	if err != nil {
		_ = kv.Close()
		return fmt.Errorf("mount: loading filesystem: %w", err)
	}

	fdCap := MountConfig.FileSystem.FdCacheCapacity
	if fdCap <= 0 {
		fdCap = filestore.DefaultFDCacheCapacity
	}
	files, err := filestore.Open(m.DataRoot(), fdCap)
	if err != nil {
		return fmt.Errorf("mount: opening data store: %w", err)
	}

	poolBytes := MountConfig.FileSystem.MemPoolMB * (1 << 20)
	pool := mempool.New(poolBytes)

	fsOpt := handle.Options{
		WritebackInterval:  MountConfig.WritebackInterval,
		MetaCommitInterval: MountConfig.MetaCommitInterval,
		Clock:              clock.RealClock{},
		Logger:             log,
	}
	fs := handle.New(m, files, pool, fsOpt)

	uid, gid := uint32(os.Getuid()), uint32(os.Getgid())
	fsys := fuseedge.New(fs, log, uid, gid)
	server := fuseutil.NewFileSystemServer(fsys)

	mountCfg := buildMountConfig(log)
	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		_ = fs.Shutdown()
		return fmt.Errorf("mount: fuse.Mount: %w", err)
	}

	registerSignalHandlers(mountPoint, log)

	joinErr := mfs.Join(context.Background())
	if shutdownErr := fs.Shutdown(); shutdownErr != nil {
		log.Error("junkfs: shutdown failed", "error", shutdownErr)
	}
	if joinErr != nil {
		return fmt.Errorf("mount: fuse session ended with error: %w", joinErr)
	}
	log.Info("junkfs: unmounted cleanly", "session", sessionID)
	return nil
}

// buildMountConfig sets the mount options and kernel capabilities spec.md
// §6 specifies: fsname=jfs,subtype=jfs,max_read=16777216, async-read, and
// the kernel write-back cache unless --filesystem.disable-writeback (or
// JUNK_DISABLE_WBC) turns it off.
func buildMountConfig(log *slog.Logger) *fuse.MountConfig {
	disableWBC := MountConfig.FileSystem.DisableWriteback || envBool("JUNK_DISABLE_WBC")
	return &fuse.MountConfig{
		FSName:                  "jfs",
		Subtype:                 "jfs",
		VolumeName:              "jfs",
		Options:                 map[string]string{"max_read": "16777216"},
		EnableParallelDirOps:    true,
		DisableWritebackCaching: disableWBC,
		ErrorLogger:             slog.NewLogLogger(log.Handler(), slog.LevelError),
	}
}

// envBool mirrors internal/meta's own env-var parsing (spec.md documents
// JUNK_* booleans as accepting "1" or "true") so JUNK_DISABLE_WBC is read
// the same way as its sibling debug env vars rather than diverging here.
func envBool(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v == "1" || v == "true"
}

// registerSignalHandlers unmounts mountPoint on SIGINT/SIGTERM, the same
// pattern as the teacher's registerSIGINTHandler in cmd/legacy_main.go:
// ask the kernel to unmount so mfs.Join returns and cleanup can run.
func registerSignalHandlers(mountPoint string, log *slog.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-c
		log.Info("junkfs: received signal, unmounting", "signal", sig.String())
		if err := fuse.Unmount(mountPoint); err != nil {
			log.Error("junkfs: unmount failed", "error", err)
		}
	}()
}
