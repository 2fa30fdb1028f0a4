package engine

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// InventoryEntry is one regular file scheduled for an archive.
type InventoryEntry struct {
	Path    string // readable filesystem path, symlinks already resolved
	Name    string // slash-separated archive member name
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
}

// walkInventory lists the regular files under root in lexical walk order.
// Member names are prefix + the slash path relative to root. Symlinks to
// regular files are followed; symlinked directories, special files and
// anything in exclude are skipped. Unreadable entries below root are
// logged and skipped.
func walkInventory(ctx context.Context, root, prefix string, exclude map[string]bool, logger *slog.Logger) ([]InventoryEntry, int64, error) {
	var entries []InventoryEntry
	var total int64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			logger.Warn("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if exclude[path] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		readPath := path
		var info fs.FileInfo
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(path)
			if err != nil {
				logger.Warn("skipping broken symlink", "path", path, "error", err)
				return nil
			}
			info, err = os.Stat(target)
			if err != nil {
				logger.Warn("skipping unreadable symlink target", "path", path, "error", err)
				return nil
			}
			readPath = target
		} else {
			info, err = d.Info()
			if err != nil {
				logger.Warn("skipping file without info", "path", path, "error", err)
				return nil
			}
		}
		if !info.Mode().IsRegular() {
			logger.Debug("skipping non-regular file", "path", path, "mode", info.Mode().String())
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, InventoryEntry{
			Path:    readPath,
			Name:    prefix + filepath.ToSlash(rel),
			Size:    info.Size(),
			Mode:    info.Mode().Perm(),
			ModTime: info.ModTime(),
		})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// fileEntry builds the inventory entry for a single regular file source.
func fileEntry(path, name string, info fs.FileInfo) InventoryEntry {
	return InventoryEntry{
		Path:    path,
		Name:    name,
		Size:    info.Size(),
		Mode:    info.Mode().Perm(),
		ModTime: info.ModTime(),
	}
}
