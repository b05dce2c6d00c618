//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/yuin/gopher-lua/parse"
)

var (
	// ErrInvalidScript is returned by Save for Lua code that does not parse.
	ErrInvalidScript = errors.New("invalid lua script")
	// ErrInvalidScriptID rejects ids that are not a plain file stem.
	ErrInvalidScriptID = errors.New("invalid script id")
	// ErrScriptNotFound is returned when no file exists for an id.
	ErrScriptNotFound = errors.New("script not found")
)

const (
	scriptExt    = ".lua"
	headerPrefix = "-- "
	maxSlugLen   = 40
)

// Manager keeps automation scripts as files in one directory.
//
// A script file is plain Lua whose first line may carry JSON metadata:
//
//	-- {"name":"Night rate","enabled":true}
type Manager struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewManager creates dir if needed and returns a manager rooted there.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}, nil
}

// List parses every .lua file in the directory. Unreadable files are
// logged and skipped.
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
		s, err := m.parseFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.logger.Warn("skip unreadable script", "file", e.Name(), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	return scripts, nil
}

// Get loads the script stored under id.
func (m *Manager) Get(id string) (*Script, error) {
	path, err := m.scriptPath(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.parseFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%q: %w", id, ErrScriptNotFound)
	}
	return s, err
}

// Save writes s to disk after a syntax check, deriving an unused id from
// the script name when s has none.
func (m *Manager) Save(s *Script) (*Script, error) {
	if err := checkSyntax(s.ID, s.LuaCode); err != nil {
		return nil, err
	}
	if s.ID != "" {
		if _, err := m.scriptPath(s.ID); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.unusedID(slugify(s.Meta.Name))
	}
	s.FilePath = filepath.Join(m.dir, s.ID+scriptExt)

	// Write then rename so a running engine never reads a half-written file.
	tmp := s.FilePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(serializeScript(s)), 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := os.Rename(tmp, s.FilePath); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write script: %w", err)
	}
	m.logger.Debug("script saved", "id", s.ID, "enabled", s.Meta.Enabled)
	return s, nil
}

// Delete removes the file stored under id.
func (m *Manager) Delete(id string) error {
	path, err := m.scriptPath(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%q: %w", id, ErrScriptNotFound)
		}
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

// scriptPath maps id to its file, refusing anything that could leave dir.
func (m *Manager) scriptPath(id string) (string, error) {
	if id == "" || id == "." || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidScriptID, id)
	}
	return filepath.Join(m.dir, id+scriptExt), nil
}

// unusedID returns base, or base_N for the first N with no file. Callers
// hold m.mu.
func (m *Manager) unusedID(base string) string {
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

func checkSyntax(name, code string) error {
	if _, err := parse.Parse(strings.NewReader(code), name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	return nil
}

func (m *Manager) parseFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	s := &Script{
		ID:       strings.TrimSuffix(filepath.Base(path), scriptExt),
		FilePath: path,
	}

	code := string(data)
	if header, body, _ := strings.Cut(code, "\n"); strings.HasPrefix(header, headerPrefix+"{") {
		if err := json.Unmarshal([]byte(strings.TrimPrefix(header, headerPrefix)), &s.Meta); err != nil {
			m.logger.Warn("script metadata parse error", "file", path, "err", err)
		}
		code = body
	}
	s.LuaCode = strings.TrimLeft(code, "\n")
	if s.Meta.Name == "" {
		s.Meta.Name = s.ID
	}
	return s, nil
}

// serializeScript renders the metadata header, a blank line and the code.
func serializeScript(s *Script) string {
	meta, _ := json.Marshal(s.Meta)
	out := headerPrefix + string(meta) + "\n"
	if s.LuaCode == "" {
		return out
	}
	out += "\n" + s.LuaCode
	if !strings.HasSuffix(s.LuaCode, "\n") {
		out += "\n"
	}
	return out
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	s = strings.Trim(s, "_")
	if len(s) > maxSlugLen {
		s = s[:maxSlugLen]
	}
	return s
}
