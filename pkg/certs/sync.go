package certs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/nexus-proxy/pkg/command"
)

// Syncer mirrors the staging certificate directory into the live one,
// deleting files that are no longer staged
type Syncer interface {
	Sync(ctx context.Context, src, dst string) error
}

// RsyncSyncer delegates to rsync -a --delete
type RsyncSyncer struct {
	Runner command.Runner
	Binary string
}

// NewRsyncSyncer creates a syncer running rsync through runner
func NewRsyncSyncer(runner command.Runner) *RsyncSyncer {
	return &RsyncSyncer{Runner: runner, Binary: "rsync"}
}

func (s *RsyncSyncer) Sync(ctx context.Context, src, dst string) error {
	return s.Runner.Run(ctx, []string{
		s.Binary, "-a", "--delete",
		strings.TrimSuffix(src, "/") + "/",
		strings.TrimSuffix(dst, "/") + "/",
	})
}

// DirSyncer mirrors a flat directory without external tools. Each file is
// written next to its destination and renamed into place.
type DirSyncer struct{}

func (DirSyncer) Sync(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	wanted := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		wanted[e.Name()] = struct{}{}
		if err := copyAtomic(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return fmt.Errorf("copy %s: %w", e.Name(), err)
		}
	}

	existing, err := os.ReadDir(dst)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.IsDir() {
			continue
		}
		if _, ok := wanted[e.Name()]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(dst, e.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func copyAtomic(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// Keep the staged mtime so freshness checks against the store still hold
	if err := os.Chtimes(tmpName, info.ModTime(), info.ModTime()); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}
