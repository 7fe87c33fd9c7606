package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

const (
	logKeyPrefix    = 'l'
	stableKeyPrefix = 's'
)

// LevelStore keeps the log and the term/vote pair in one LevelDB database.
// Entries live under 'l' followed by the big-endian index, stable values
// under 's' followed by their name as decimal strings. Log changes are
// batched and written with a synced write on Persist; term and vote are
// written through immediately.
type LevelStore struct {
	mu      sync.Mutex
	path    string
	db      *leveldb.DB
	wo      *opt.WriteOptions
	entries []LogEntry
	batch   *leveldb.Batch
	stable  map[string]int64
}

// OpenLevelStore opens or creates the database directory at path and loads
// the log into memory. A gap in the stored indexes is ErrCorruptRecord.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open raft leveldb %s: %w", path, err)
	}
	s := &LevelStore{
		path:   path,
		db:     db,
		wo:     &opt.WriteOptions{Sync: true},
		batch:  new(leveldb.Batch),
		stable: make(map[string]int64),
	}
	if err := scanLevelLog(db, func(e LogEntry) error {
		s.entries = append(s.entries, e)
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load log %s: %w", path, err)
	}
	return s, nil
}

func (s *LevelStore) Path() string { return s.path }

func (s *LevelStore) LastIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) - 1
}

func (s *LevelStore) ReadRange(lo, hi int) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readRange(s.entries, lo, hi)
}

// Append stages the entries. Entry indexes must continue the log.
func (s *LevelStore) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if e.Index != len(s.entries) {
			return fmt.Errorf("append index %d, log length %d: %w", e.Index, len(s.entries), ErrOutOfRange)
		}
		payload, err := encodeEntry(e)
		if err != nil {
			return err
		}
		s.batch.Put(logKey(e.Index), payload)
		s.entries = append(s.entries, e)
	}
	return nil
}

// DeleteFrom stages removal of the entry at index and everything after it.
func (s *LevelStore) DeleteFrom(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index > len(s.entries) {
		return fmt.Errorf("delete from %d, log length %d: %w", index, len(s.entries), ErrOutOfRange)
	}
	for i := index; i < len(s.entries); i++ {
		s.batch.Delete(logKey(i))
	}
	s.entries = s.entries[:index]
	return nil
}

// Persist writes the staged changes in one synced batch. A failed batch
// stays staged and is retried by the next Persist.
func (s *LevelStore) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *LevelStore) persistLocked() error {
	if s.batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(s.batch, s.wo); err != nil {
		return fmt.Errorf("write log batch: %w", err)
	}
	s.batch.Reset()
	return nil
}

func (s *LevelStore) loadInt(name string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.stable[name]; ok {
		return v, true, nil
	}
	raw, err := s.db.Get(stableKey(name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load %s: %w", name, err)
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", name, err)
	}
	s.stable[name] = v
	return v, true, nil
}

func (s *LevelStore) storeInt(name string, v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(stableKey(name), strconv.AppendInt(nil, v, 10), s.wo); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	s.stable[name] = v
	return nil
}

func (s *LevelStore) GetCurrentTerm() (int, error) {
	v, _, err := s.loadInt(KeyCurrentTerm)
	return int(v), err
}

func (s *LevelStore) SetCurrentTerm(term int) error {
	return s.storeInt(KeyCurrentTerm, int64(term))
}

func (s *LevelStore) GetVotedFor() (types.NodeID, error) {
	v, ok, err := s.loadInt(KeyVotedFor)
	if err != nil || !ok {
		return types.None, err
	}
	return types.NodeID(v), nil
}

func (s *LevelStore) SetVotedFor(id types.NodeID) error {
	return s.storeInt(KeyVotedFor, int64(id))
}

func (s *LevelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.persistLocked()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadLevelLog iterates the log of a LevelStore directory without
// modifying it.
func ReadLevelLog(path string, fn func(LogEntry) error) error {
	db, err := leveldb.OpenFile(path, &opt.Options{ReadOnly: true, ErrorIfMissing: true})
	if err != nil {
		return err
	}
	defer db.Close()
	return scanLevelLog(db, fn)
}

// ReadLevelStable returns the term and vote held by a LevelStore directory.
func ReadLevelStable(path string) (int, types.NodeID, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{ReadOnly: true, ErrorIfMissing: true})
	if err != nil {
		return 0, types.None, err
	}
	s := &LevelStore{path: path, db: db, stable: make(map[string]int64)}
	defer db.Close()
	term, err := s.GetCurrentTerm()
	if err != nil {
		return 0, types.None, err
	}
	vf, err := s.GetVotedFor()
	return term, vf, err
}

func scanLevelLog(db *leveldb.DB, fn func(LogEntry) error) error {
	it := db.NewIterator(util.BytesPrefix([]byte{logKeyPrefix}), nil)
	defer it.Release()

	next := 0
	for it.Next() {
		key := it.Key()
		if len(key) != 9 {
			return fmt.Errorf("log key of length %d: %w", len(key), ErrCorruptRecord)
		}
		idx := int(binary.BigEndian.Uint64(key[1:]))
		if idx != next {
			return fmt.Errorf("log index %d, want %d: %w", idx, next, ErrCorruptRecord)
		}
		e, err := decodeEntry(it.Value())
		if err != nil {
			return fmt.Errorf("entry %d: %w", idx, err)
		}
		if e.Index != idx {
			return fmt.Errorf("entry %d stored under key %d: %w", e.Index, idx, ErrCorruptRecord)
		}
		if err := fn(e); err != nil {
			return err
		}
		next++
	}
	return it.Error()
}

func logKey(index int) []byte {
	k := make([]byte, 9)
	k[0] = logKeyPrefix
	binary.BigEndian.PutUint64(k[1:], uint64(index))
	return k
}

func stableKey(name string) []byte {
	return append([]byte{stableKeyPrefix}, name...)
}

// LevelPath names a replica's Raft LevelDB directory under dir.
func LevelPath(dir string, id types.NodeID) string {
	return filepath.Join(dir, fmt.Sprintf("raft.%d.leveldb", id))
}
