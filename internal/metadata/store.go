// Package metadata implements the per-session flat-file metadata store.
//
// Each session owns one file of key=value lines under the storage root. The
// file is the unit of atomicity: ids are claimed by exclusive create, updates
// are read-merge-write behind a temp-file rename, and archival is a rename
// into a sibling archive directory. The format is intentionally stringly:
// human-inspectable, no schema versioning, unknown keys pass through opaque.
package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/logger"
)

// Canonical metadata keys.
const (
	KeyProject      = "project"
	KeyStatus       = "status"
	KeyBranch       = "branch"
	KeyWorktree     = "worktree"
	KeyRuntime      = "runtime"
	KeyRuntimeName  = "tmuxName"
	KeyAgent        = "agent"
	KeyIssue        = "issue"
	KeyPR           = "pr"
	KeyPRPPhase     = "prpPhase"
	KeyCreated      = "created"
	KeyLastActivity = "lastActivity"
)

// idPattern is the only shape a session id may take; it doubles as the file
// name on disk.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidID reports whether id is a legal session id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Store persists session metadata under a per-configuration storage root.
type Store struct {
	root    string // <stateDir>/<hash>/sessions
	archive string // sibling archive directory

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-file exclusive sections

	logger *logger.Logger
}

// NewStore creates a store rooted at stateDir (default ~/.agentor) under a
// short content hash of the config file path, so independent orchestrators
// coexist on one host without collision.
func NewStore(stateDir, configPath string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		stateDir = filepath.Join(home, ".agentor")
	}

	root := filepath.Join(stateDir, configHash(configPath), "sessions")
	archive := filepath.Join(root, "archive")
	if err := os.MkdirAll(archive, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	return &Store{
		root:    root,
		archive: archive,
		locks:   make(map[string]*sync.Mutex),
		logger:  log.WithFields(zap.String("component", "metadata-store")),
	}, nil
}

// configHash returns the first 8 hex chars of sha256(configPath).
func configHash(configPath string) string {
	sum := sha256.Sum256([]byte(configPath))
	return hex.EncodeToString(sum[:])[:8]
}

// Root returns the sessions directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the metadata file path for a session id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) fileLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// Reserve claims a session id by creating its file exclusively. It is the
// only way ids are claimed; a second Reserve for the same id fails with
// os.ErrExist.
func (s *Store) Reserve(id string) error {
	if !ValidID(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	f, err := os.OpenFile(s.Path(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Read returns the parsed metadata map for a session, or os.ErrNotExist.
func (s *Store) Read(id string) (map[string]string, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("invalid session id %q", id)
	}
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		return nil, err
	}
	return Decode(string(data)), nil
}

// UpdateMerge applies a patch under the session's exclusive section: absent
// keys keep their existing values, empty-string values delete keys. The
// merged map is written to a temp file and renamed over the original, so no
// partial file is ever observable.
func (s *Store) UpdateMerge(id string, patch map[string]string) error {
	if !ValidID(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	lock := s.fileLock(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.Read(id)
	if err != nil {
		return err
	}
	for k, v := range patch {
		if v == "" {
			delete(current, k)
			continue
		}
		current[k] = v
	}

	tmp, err := os.CreateTemp(s.root, "."+id+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(Encode(current)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.Path(id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Archive moves a session's file into the archive directory with a timestamp
// suffix. The id becomes available for inspection but not reuse conflicts.
func (s *Store) Archive(id string) error {
	if !ValidID(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	lock := s.fileLock(id)
	lock.Lock()
	defer lock.Unlock()

	dest := filepath.Join(s.archive, fmt.Sprintf("%s.%s", id, time.Now().UTC().Format("20060102T150405")))
	if err := os.Rename(s.Path(id), dest); err != nil {
		return err
	}
	s.logger.Debug("archived session metadata",
		zap.String("session_id", id),
		zap.String("dest", dest))
	return nil
}

// List scans the sessions directory and returns all valid session ids,
// sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !ValidID(name) {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

// Encode serializes a metadata map as sorted key=value lines. Newlines in
// values are flattened to spaces; the format has no escaping.
func Encode(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if m[k] == "" {
			// Empty means deleted; never persisted.
			continue
		}
		v := strings.ReplaceAll(m[k], "\n", " ")
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	return b.String()
}

// Decode parses key=value lines into a map. Malformed lines are skipped.
func Decode(data string) map[string]string {
	m := make(map[string]string)
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}
