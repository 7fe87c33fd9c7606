package kvsm

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/dbstore"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

// DedupeRecord tracks the last applied sequence for a client.
type DedupeRecord struct {
	LastSeq   uint64            `json:"last_seq"`
	LastReply types.ApplyResult `json:"last_reply"`
}

// KVStateMachine applies committed Get and Put operations to a storage
// engine. Apply is called by a single executor, in log order.
type KVStateMachine struct {
	mu     sync.Mutex
	store  dbstore.Store
	dedupe map[string]DedupeRecord
	logger logrus.FieldLogger
}

// New creates a new KVStateMachine on top of store.
func New(store dbstore.Store, logger logrus.FieldLogger) *KVStateMachine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &KVStateMachine{
		store:  store,
		dedupe: make(map[string]DedupeRecord),
		logger: logger,
	}
}

// Apply applies an op to the storage engine.
func (sm *KVStateMachine) Apply(op types.Op) types.ApplyResult {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Deduplication check
	if op.Kind == types.OpPut && op.ClientID != "" && op.Seq != 0 {
		if rec, ok := sm.dedupe[op.ClientID]; ok && rec.LastSeq >= op.Seq {
			return rec.LastReply
		}
	}

	result := sm.applyUnlocked(op)

	// A failed put is retried by the caller and must not be answered from cache.
	if result.Ok && op.Kind == types.OpPut && op.ClientID != "" && op.Seq != 0 {
		sm.dedupe[op.ClientID] = DedupeRecord{
			LastSeq:   op.Seq,
			LastReply: result,
		}
	}

	return result
}

func (sm *KVStateMachine) applyUnlocked(op types.Op) types.ApplyResult {
	switch op.Kind {
	case types.OpPut:
		if err := sm.store.Put(op.Key, op.Value); err != nil {
			sm.logger.WithError(err).WithField("key", op.Key).Error("store put")
			return types.ApplyResult{Ok: false, ErrCode: types.Other, ErrMsg: err.Error()}
		}
		return types.ApplyResult{Ok: true, ErrCode: types.OK}

	case types.OpGet:
		v, found, err := sm.store.Get(op.Key)
		if err != nil {
			sm.logger.WithError(err).WithField("key", op.Key).Error("store get")
			return types.ApplyResult{Ok: false, ErrCode: types.Other, ErrMsg: err.Error()}
		}
		if !found {
			return types.ApplyResult{Ok: true, ErrCode: types.KeyNotFound}
		}
		return types.ApplyResult{Ok: true, Found: true, Value: v, ErrCode: types.OK}

	default:
		return types.ApplyResult{Ok: false, ErrCode: types.Other, ErrMsg: "unsupported operation " + op.Kind.String()}
	}
}

// Get reads key from the local storage engine without going through the log.
func (sm *KVStateMachine) Get(key int64) (int64, bool, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.store.Get(key)
}

// LastSeen returns the last sequence number seen for a client.
func (sm *KVStateMachine) LastSeen(clientID string) (uint64, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	rec, ok := sm.dedupe[clientID]
	if !ok {
		return 0, false
	}
	return rec.LastSeq, true
}
