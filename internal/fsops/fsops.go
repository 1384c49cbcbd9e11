// Package fsops implements the fs.list/read/write/mkdir/delete/rename RPC
// methods (spec.md §4.7) against a single allowed root directory. There is
// no third-party library for path-safe file CRUD in the examples or the
// wider ecosystem worth reaching for here — this is a boundary concern
// expressed directly with the standard library's os/path/filepath, the same
// way SPEC_FULL.md §4.9/§4.13 keep other thin boundary adapters on stdlib
// plus one purpose-built client.
package fsops

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Ops resolves every path against root and refuses anything that would
// escape it (spec.md §7: "Path policy — path outside allow-list").
type Ops struct {
	root string
}

func New(root string) (*Ops, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve fs root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create fs root: %w", err)
	}
	return &Ops{root: abs}, nil
}

// Entry is one directory listing row.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// resolve joins rel onto root and rejects any result that escapes it,
// whether via ".." segments or an absolute path.
func (o *Ops) resolve(rel string) (string, error) {
	full := filepath.Join(o.root, rel)
	if filepath.IsAbs(rel) {
		full = filepath.Clean(rel)
	}
	if full != o.root && !isWithin(o.root, full) {
		return "", fmt.Errorf("path not allowed: %s", rel)
	}
	return full, nil
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.' &&
		(len(rel) == 2 || os.IsPathSeparator(rel[2]))
}

func (o *Ops) List(rel string) ([]Entry, error) {
	dir, err := o.resolve(rel)
	if err != nil {
		return nil, err
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rel, err)
	}
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		info, err := it.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:    it.Name(),
			Path:    filepath.Join(rel, it.Name()),
			IsDir:   it.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// MaxReadBytes bounds fs.read so a client can't pull an arbitrarily large
// file through the RPC channel in one response.
const MaxReadBytes = 10 * 1024 * 1024

func (o *Ops) Read(rel string) ([]byte, error) {
	path, err := o.resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	if info.Size() > MaxReadBytes {
		return nil, fmt.Errorf("read %s: file exceeds %d bytes", rel, MaxReadBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

func (o *Ops) Write(rel string, data []byte) error {
	path, err := o.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

func (o *Ops) Mkdir(rel string) error {
	path, err := o.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", rel, err)
	}
	return nil
}

func (o *Ops) Delete(rel string) error {
	path, err := o.resolve(rel)
	if err != nil {
		return err
	}
	if path == o.root {
		return fmt.Errorf("delete %s: refusing to remove fs root", rel)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	return nil
}

func (o *Ops) Rename(fromRel, toRel string) error {
	from, err := o.resolve(fromRel)
	if err != nil {
		return err
	}
	to, err := o.resolve(toRel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o700); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", fromRel, toRel, err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", fromRel, toRel, err)
	}
	return nil
}

// Root returns the absolute root directory, used by fs.watch.start to
// resolve a watch path through the same policy before handing it to
// fswatch.Registry.
func (o *Ops) Root() string { return o.root }

// Resolve exposes the path-policy check for callers (fs.watch.start) that
// need a validated absolute path without performing an operation.
func (o *Ops) Resolve(rel string) (string, error) { return o.resolve(rel) }
