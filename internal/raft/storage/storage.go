package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

var (
	ErrOutOfRange    = errors.New("log index out of range")
	ErrCorruptRecord = errors.New("corrupt log record")
)

// LogEntry is a single entry in the Raft log. Index is the zero-based
// position of the entry in the log.
type LogEntry struct {
	Index int      `json:"index"`
	Term  int      `json:"term"`
	Op    types.Op `json:"op"`
}

func (e LogEntry) String() string {
	return fmt.Sprintf("{index:%d term:%d op:%s}", e.Index, e.Term, e.Op)
}

// --- Interfaces ---

// StableStore persists Raft durable state (term, vote).
type StableStore interface {
	GetCurrentTerm() (int, error)
	SetCurrentTerm(int) error
	GetVotedFor() (types.NodeID, error)
	SetVotedFor(types.NodeID) error
}

// LogStore persists the Raft log. Appends and deletes become durable
// only once Persist returns.
type LogStore interface {
	LastIndex() int
	ReadRange(lo, hi int) ([]LogEntry, error)
	Append(entries []LogEntry) error
	DeleteFrom(index int) error
	Persist() error
}

// ReadAll returns every entry of the log store.
func ReadAll(s LogStore) ([]LogEntry, error) {
	last := s.LastIndex()
	if last < 0 {
		return nil, nil
	}
	return s.ReadRange(0, last)
}

// --- Memory implementations ---

// MemStableStore is an in-memory StableStore.
type MemStableStore struct {
	mu       sync.Mutex
	term     int
	votedFor types.NodeID
}

func NewMemStableStore() *MemStableStore {
	return &MemStableStore{votedFor: types.None}
}

func (s *MemStableStore) GetCurrentTerm() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, nil
}

func (s *MemStableStore) SetCurrentTerm(term int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	return nil
}

func (s *MemStableStore) GetVotedFor() (types.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votedFor, nil
}

func (s *MemStableStore) SetVotedFor(id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = id
	return nil
}

// MemLogStore is an in-memory LogStore.
type MemLogStore struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewMemLogStore() *MemLogStore {
	return &MemLogStore{}
}

func (s *MemLogStore) LastIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) - 1
}

func (s *MemLogStore) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemLogStore) ReadRange(lo, hi int) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readRange(s.entries, lo, hi)
}

func (s *MemLogStore) DeleteFrom(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index > len(s.entries) {
		return fmt.Errorf("delete from %d, log length %d: %w", index, len(s.entries), ErrOutOfRange)
	}
	s.entries = s.entries[:index]
	return nil
}

func (s *MemLogStore) Persist() error {
	return nil
}

func readRange(entries []LogEntry, lo, hi int) ([]LogEntry, error) {
	if lo < 0 || hi >= len(entries) || lo > hi {
		return nil, fmt.Errorf("range [%d, %d], log length %d: %w", lo, hi, len(entries), ErrOutOfRange)
	}
	// Return a copy
	result := make([]LogEntry, hi-lo+1)
	copy(result, entries[lo:hi+1])
	return result, nil
}
