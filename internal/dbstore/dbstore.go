// Package dbstore is the key/value storage engine committed Put operations
// land in.
package dbstore

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

var ErrClosed = errors.New("store closed")

// Store maps int64 keys to int64 values.
type Store interface {
	Get(key int64) (value int64, found bool, err error)
	Put(key, value int64) error
	Close() error
}

// --- memory ---

type Memory struct {
	mu     sync.Mutex
	data   map[int64]int64
	closed bool
}

func NewMemory() *Memory {
	return &Memory{data: make(map[int64]int64)}
}

func (m *Memory) Get(key int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, false, ErrClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Put(key, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = value
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// --- leveldb ---

// LevelDB stores keys and values as decimal strings, so the directory can be
// inspected with stock LevelDB tools.
type LevelDB struct {
	db   *leveldb.DB
	path string
	wo   *opt.WriteOptions
}

// OpenLevelDB opens or creates the database directory at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db, path: path, wo: &opt.WriteOptions{Sync: true}}, nil
}

func (l *LevelDB) Get(key int64) (int64, bool, error) {
	raw, err := l.db.Get(encode(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if errors.Is(err, leveldb.ErrClosed) {
		return 0, false, ErrClosed
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("decode value of key %d: %w", key, err)
	}
	return v, true, nil
}

func (l *LevelDB) Put(key, value int64) error {
	err := l.db.Put(encode(key), encode(value), l.wo)
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

func (l *LevelDB) Path() string { return l.path }

func encode(v int64) []byte {
	return strconv.AppendInt(nil, v, 10)
}

// Open returns a LevelDB store at path, or a memory store when path is empty.
func Open(path string) (Store, error) {
	if path == "" {
		return NewMemory(), nil
	}
	db, err := OpenLevelDB(path)
	if err != nil {
		return nil, err
	}
	return db, nil
}
