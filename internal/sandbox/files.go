// ABOUTME: Path gate plus the file_read and file_list command kinds.
// ABOUTME: Paths are home-expanded, cleaned and symlink-resolved before the deny-list check.

package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathDenied is returned for paths matching the deny-list.
var ErrPathDenied = errors.New("access to path is denied")

// PathGate decides whether a path may be touched.
type PathGate struct {
	patterns []string
	home     string
}

// NewPathGate builds a gate from deny-list patterns.
func NewPathGate(patterns []string) *PathGate {
	home, _ := os.UserHomeDir()
	g := &PathGate{home: home}
	for _, p := range patterns {
		g.patterns = append(g.patterns, g.expand(p))
	}
	return g
}

func (g *PathGate) expand(p string) string {
	if g.home == "" {
		return p
	}
	if p == "~" {
		return g.home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(g.home, p[2:])
	}
	return p
}

// Resolve returns the canonical absolute form of p, or an error wrapping
// ErrPathDenied. The lexical path is checked before any filesystem access;
// the symlink-resolved path is checked again when it exists.
func (g *PathGate) Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty path")
	}

	abs, err := filepath.Abs(g.expand(p))
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", p, err)
	}
	if pattern, denied := g.match(abs); denied {
		return "", fmt.Errorf("%w: %s matches %s", ErrPathDenied, abs, pattern)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// A dangling link still must not point into a denied area.
			if target, lerr := os.Readlink(abs); lerr == nil {
				if !filepath.IsAbs(target) {
					target = filepath.Join(filepath.Dir(abs), target)
				}
				if pattern, denied := g.match(filepath.Clean(target)); denied {
					return "", fmt.Errorf("%w: %s matches %s", ErrPathDenied, target, pattern)
				}
			}
			return abs, nil
		}
		return "", fmt.Errorf("resolving %q: %w", p, err)
	}
	if pattern, denied := g.match(resolved); denied {
		return "", fmt.Errorf("%w: %s matches %s", ErrPathDenied, resolved, pattern)
	}
	return resolved, nil
}

func (g *PathGate) match(p string) (string, bool) {
	for _, pattern := range g.patterns {
		if matchPattern(pattern, p) {
			return pattern, true
		}
	}
	return "", false
}

// matchPattern reports whether p is covered by pattern. Slash-free patterns
// match the base name; other patterns match p or any of its ancestors.
func matchPattern(pattern, p string) bool {
	if !strings.Contains(pattern, "/") {
		ok, _ := filepath.Match(pattern, filepath.Base(p))
		return ok
	}

	for candidate := p; ; candidate = filepath.Dir(candidate) {
		if ok, _ := filepath.Match(pattern, candidate); ok {
			return true
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return false
		}
	}
}

func (e *Executor) readFile(path string, maxSize int64) Result {
	if maxSize <= 0 || maxSize > e.policy.MaxFileSize {
		maxSize = e.policy.MaxFileSize
	}

	resolved, err := e.gate.Resolve(path)
	if err != nil {
		return failure(refused(KindFileRead, "path rejected", err))
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return failure(refused(KindFileRead, "stat", err))
	}
	if !info.Mode().IsRegular() {
		return failure(refused(KindFileRead, fmt.Sprintf("%s is not a regular file", resolved), nil))
	}
	if info.Size() > maxSize {
		return failure(refused(KindFileRead, fmt.Sprintf("file size %d exceeds limit %d", info.Size(), maxSize), nil))
	}

	f, err := os.Open(resolved)
	if err != nil {
		return failure(refused(KindFileRead, "open", err))
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxSize+1))
	if err != nil {
		return failure(refused(KindFileRead, "read", err))
	}
	if int64(len(data)) > maxSize {
		return failure(refused(KindFileRead, fmt.Sprintf("file grew beyond limit %d", maxSize), nil))
	}

	return Result{Success: true, Stdout: string(data)}
}

// DirEntry is one item in a file_list result.
type DirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

func (e *Executor) listDir(path string) Result {
	resolved, err := e.gate.Resolve(path)
	if err != nil {
		return failure(refused(KindFileList, "path rejected", err))
	}

	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		return failure(refused(KindFileList, "read dir", err))
	}

	entries := make([]DirEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		entry := DirEntry{Name: de.Name(), Type: entryType(de.Type())}
		if info, err := de.Info(); err == nil && info.Mode().IsRegular() {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
	}

	out, err := json.Marshal(entries)
	if err != nil {
		return failure(fmt.Errorf("encoding listing: %w", err))
	}
	return Result{Success: true, Stdout: string(out)}
}

func entryType(mode fs.FileMode) string {
	switch {
	case mode.IsDir():
		return "directory"
	case mode&fs.ModeSymlink != 0:
		return "symlink"
	case mode.IsRegular():
		return "file"
	default:
		return "other"
	}
}
