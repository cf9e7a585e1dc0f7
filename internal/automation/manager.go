//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

const (
	scriptExt  = ".lua"
	metaPrefix = "-- {"
)

var (
	ErrScriptNotFound = errors.New("script not found")
	ErrInvalidID      = errors.New("invalid script id")
)

var (
	idRe   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	slugRe = regexp.MustCompile(`[^a-z0-9]+`)
)

// Manager keeps automation scripts as files in a single directory.
type Manager struct {
	dir string
	mu  sync.RWMutex
}

// NewManager creates a script manager rooted at dir, creating dir if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the scripts directory.
func (m *Manager) Dir() string { return m.dir }

// List returns every parseable script, sorted by id.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	scripts := make([]*Script, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != scriptExt {
			continue
		}
		s, err := readScript(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].ID < scripts[j].ID })
	return scripts, nil
}

// Get returns the script with the given id.
func (m *Manager) Get(id string) (*Script, error) {
	path, err := m.path(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return readScript(path)
}

// Save writes s to disk. A script without an id gets one derived from its
// name, made unique within the directory.
func (m *Manager) Save(s *Script) (*Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.uniqueID(slugify(s.Meta.Name))
	}
	path, err := m.path(s.ID)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, []byte(encodeScript(s)), 0o644); err != nil {
		return nil, fmt.Errorf("write script %s: %w", s.ID, err)
	}
	return readScript(path)
}

// Delete removes the script with the given id.
func (m *Manager) Delete(id string) error {
	path, err := m.path(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrScriptNotFound, id)
		}
		return fmt.Errorf("delete script %s: %w", id, err)
	}
	return nil
}

func (m *Manager) path(id string) (string, error) {
	if !idRe.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(m.dir, id+scriptExt), nil
}

func (m *Manager) uniqueID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(m.dir, id+scriptExt)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

// readScript parses a script file. A missing or malformed metadata line
// leaves Meta zero and keeps the whole file as code.
func readScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("read script: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat script: %w", err)
	}

	s := &Script{
		ID:        strings.TrimSuffix(filepath.Base(path), scriptExt),
		UpdatedAt: info.ModTime().UTC(),
		FilePath:  path,
	}

	code := string(data)
	first, rest, _ := strings.Cut(code, "\n")
	if strings.HasPrefix(first, metaPrefix) {
		if err := json.Unmarshal([]byte(strings.TrimPrefix(first, "-- ")), &s.Meta); err == nil {
			code = rest
		}
	}
	s.LuaCode = strings.TrimLeft(code, "\n")
	return s, nil
}

func encodeScript(s *Script) string {
	var b strings.Builder
	meta, _ := json.Marshal(s.Meta)
	fmt.Fprintf(&b, "-- %s\n", meta)
	if s.LuaCode != "" {
		b.WriteString("\n")
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func slugify(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "_")
	}
	return s
}
