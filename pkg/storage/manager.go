package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
)

// probeName is the file written and removed to prove a directory is writable
const probeName = ".autosave_probe"

// Root is one storage location a checkpoint artifact may live in
type Root struct {
	Path     string
	Priority int
	Fallback bool
}

// Roots is the ordered list of storage locations for a session: the primary
// root followed by fallback roots in priority order. One root is active; it
// is tried first by every write.
type Roots struct {
	mu     sync.RWMutex
	roots  []Root
	active int
}

// NewRoots creates the root list. Empty and duplicate paths are dropped.
func NewRoots(primary string, fallbacks []string) *Roots {
	r := &Roots{}
	seen := make(map[string]bool)
	add := func(p string, fallback bool) {
		if p == "" {
			return
		}
		clean := filepath.Clean(p)
		if seen[clean] {
			return
		}
		seen[clean] = true
		r.roots = append(r.roots, Root{Path: clean, Priority: len(r.roots), Fallback: fallback})
	}
	add(primary, false)
	for _, f := range fallbacks {
		add(f, true)
	}
	return r
}

// Active returns the root writes currently go to
func (r *Roots) Active() Root {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.roots) == 0 {
		return Root{}
	}
	return r.roots[r.active]
}

// Candidates returns the active root followed by every other root in priority order
func (r *Roots) Candidates() []Root {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.roots) == 0 {
		return nil
	}
	out := make([]Root, 0, len(r.roots))
	out = append(out, r.roots[r.active])
	for i, root := range r.roots {
		if i != r.active {
			out = append(out, root)
		}
	}
	return out
}

// Fallbacks returns only the fallback roots, in priority order
func (r *Roots) Fallbacks() []Root {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Root
	for _, root := range r.roots {
		if root.Fallback {
			out = append(out, root)
		}
	}
	return out
}

// Promote makes root the active one. Unknown roots are ignored.
func (r *Roots) Promote(root Root) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, candidate := range r.roots {
		if candidate.Path == root.Path {
			r.active = i
			return
		}
	}
}

// Paths returns every root path in priority order
func (r *Roots) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.roots))
	for i, root := range r.roots {
		out[i] = root.Path
	}
	return out
}

// EnsureWritable creates dir if needed and proves it accepts writes
func EnsureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	probe := filepath.Join(dir, probeName)
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	_, werr := f.Write([]byte("ok"))
	cerr := f.Close()
	os.Remove(probe)
	if werr != nil {
		return fmt.Errorf("directory not writable: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("directory not writable: %w", cerr)
	}
	return nil
}

// FreeSpace reports the bytes available to unprivileged writers under dir
func FreeSpace(ctx context.Context, dir string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read disk usage: %w", err)
	}
	return usage.Free, nil
}

// WriteFileAtomic writes path through a temporary sibling that is synced and
// renamed into place. A failed write leaves any existing file untouched.
func WriteFileAtomic(path string, write func(f *os.File) error) error {
	tempFile := path + ".tmp"
	out, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	if err := write(out); err != nil {
		out.Close()
		os.Remove(tempFile)
		return err
	}

	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to sync file: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	return nil
}

// CopyFile copies src to dst atomically and returns the bytes copied
func CopyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	var n int64
	err = WriteFileAtomic(dst, func(f *os.File) error {
		var cerr error
		n, cerr = io.Copy(f, in)
		if cerr != nil {
			return fmt.Errorf("failed to copy data: %w", cerr)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if info, err := in.Stat(); err == nil {
		os.Chtimes(dst, time.Now(), info.ModTime())
	}
	return n, nil
}

// MoveFile renames src to dst, copying and removing when they live on
// different filesystems
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("failed to move file: %w", err)
	}

	if _, err := CopyFile(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("failed to remove source after copy: %w", err)
	}
	return nil
}

// FileInfo describes a file found by FindMatching
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// FindMatching lists regular files in dirs whose base name matches any of
// the glob patterns, newest first. Missing directories are skipped.
func FindMatching(dirs []string, patterns []string) ([]FileInfo, error) {
	var found []FileInfo
	var errs []error
	seen := make(map[string]bool)

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("failed to read directory %s: %w", dir, err))
			}
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || !matchesAny(entry.Name(), patterns) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if seen[path] {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			seen[path] = true
			found = append(found, FileInfo{Path: path, Size: info.Size(), ModTime: info.ModTime()})
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].ModTime.After(found[j].ModTime)
	})
	return found, errors.Join(errs...)
}

// RemoveMatching deletes files matched by FindMatching and returns how many
// files and bytes were removed
func RemoveMatching(dirs []string, patterns []string) (int, int64, error) {
	files, err := FindMatching(dirs, patterns)
	errs := []error{err}

	removed := 0
	var freed int64
	for _, f := range files {
		if rerr := os.Remove(f.Path); rerr != nil {
			errs = append(errs, rerr)
			continue
		}
		removed++
		freed += f.Size
	}
	return removed, freed, errors.Join(errs...)
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
