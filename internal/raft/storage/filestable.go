package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

const (
	KeyCurrentTerm = "CurrentTerm"
	KeyVotedFor    = "VotedFor"
)

// FileStableStore keeps named integers in files "<prefix><name>", each
// holding a decimal value. Writes go through a temp file and a rename so a
// crash leaves either the old or the new value.
type FileStableStore struct {
	mu     sync.Mutex
	prefix string
	cache  map[string]int64
}

func NewFileStableStore(prefix string) *FileStableStore {
	return &FileStableStore{prefix: prefix, cache: make(map[string]int64)}
}

func (s *FileStableStore) path(name string) string {
	return s.prefix + name
}

// LoadInt returns the stored value of name. ok is false when it was never stored.
func (s *FileStableStore) LoadInt(name string) (v int64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(name)
}

func (s *FileStableStore) loadLocked(name string) (int64, bool, error) {
	if v, ok := s.cache[name]; ok {
		return v, true, nil
	}
	v, err := ReadIntFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load %s: %w", name, err)
	}
	s.cache[name] = v
	return v, true, nil
}

// ReadIntFile parses a single decimal value written by a FileStableStore.
func ReadIntFile(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

// StoreInt durably overwrites the value of name.
func (s *FileStableStore) StoreInt(name string, v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cache[name]; ok && cur == v {
		return nil
	}
	if err := writeFileAtomic(s.path(name), []byte(strconv.FormatInt(v, 10)+"\n")); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	s.cache[name] = v
	return nil
}

func (s *FileStableStore) GetCurrentTerm() (int, error) {
	v, _, err := s.LoadInt(KeyCurrentTerm)
	return int(v), err
}

func (s *FileStableStore) SetCurrentTerm(term int) error {
	return s.StoreInt(KeyCurrentTerm, int64(term))
}

func (s *FileStableStore) GetVotedFor() (types.NodeID, error) {
	v, ok, err := s.LoadInt(KeyVotedFor)
	if err != nil || !ok {
		return types.None, err
	}
	return types.NodeID(v), nil
}

func (s *FileStableStore) SetVotedFor(id types.NodeID) error {
	return s.StoreInt(KeyVotedFor, int64(id))
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("fsync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename tmp: %w", err)
	}
	// Best effort: make the rename itself durable.
	if d, err := os.Open(filepath.Dir(path)); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// LogPath and StablePrefix name a replica's persisted files under dir.
func LogPath(dir string, id types.NodeID) string {
	return filepath.Join(dir, fmt.Sprintf("raft.%d.log.persist", id))
}

func StablePrefix(dir string, id types.NodeID) string {
	return filepath.Join(dir, fmt.Sprintf("raft.%d.", id))
}
