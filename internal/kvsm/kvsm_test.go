package kvsm

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/dbstore"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

func newSM() (*KVStateMachine, *dbstore.Memory) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	store := dbstore.NewMemory()
	return New(store, l), store
}

func TestKVSM_PutGet(t *testing.T) {
	sm, _ := newSM()

	res := sm.Apply(types.PutOp(1, 10))
	if !res.Ok || res.ErrCode != types.OK {
		t.Fatalf("put failed: %+v", res)
	}

	res = sm.Apply(types.GetOp(1))
	if !res.Found || res.Value != 10 {
		t.Fatalf("expected 10, got %+v", res)
	}

	v, ok, err := sm.Get(1)
	if err != nil || !ok || v != 10 {
		t.Fatalf("local get: %d %v %v", v, ok, err)
	}
}

func TestKVSM_GetMissingKey(t *testing.T) {
	sm, _ := newSM()
	res := sm.Apply(types.GetOp(99))
	if res.Found || res.ErrCode != types.KeyNotFound {
		t.Fatalf("expected KEY_NOT_FOUND, got %+v", res)
	}
}

func TestKVSM_DedupeByClientSeq(t *testing.T) {
	sm, store := newSM()

	put := types.PutOp(1, 1)
	put.ClientID, put.Seq = "c1", 1
	sm.Apply(put)

	// Another client writes the key in between.
	sm.Apply(types.PutOp(1, 2))

	// A retry of c1's first put must not clobber it.
	res := sm.Apply(put)
	if !res.Ok {
		t.Fatalf("retried put should return cached reply: %+v", res)
	}
	if v, _, _ := store.Get(1); v != 2 {
		t.Fatalf("retry was re-applied, value %d", v)
	}

	next := types.PutOp(1, 3)
	next.ClientID, next.Seq = "c1", 2
	sm.Apply(next)
	if v, _, _ := store.Get(1); v != 3 {
		t.Fatalf("expected 3, got %d", v)
	}
	if seq, ok := sm.LastSeen("c1"); !ok || seq != 2 {
		t.Fatalf("expected last seq 2, got %d %v", seq, ok)
	}
}

func TestKVSM_StoreErrorIsReported(t *testing.T) {
	sm, store := newSM()
	store.Close()

	res := sm.Apply(types.PutOp(1, 1))
	if res.Ok || res.ErrCode != types.Other {
		t.Fatalf("expected OTHER, got %+v", res)
	}
	res = sm.Apply(types.GetOp(1))
	if res.Ok || res.ErrCode != types.Other {
		t.Fatalf("expected OTHER, got %+v", res)
	}
}

func TestKVSM_RejectsMembershipOps(t *testing.T) {
	sm, _ := newSM()
	res := sm.Apply(types.RemoveServerOp(3))
	if res.Ok {
		t.Fatal("membership op must not be applied to the store")
	}
}

type failingStore struct {
	*dbstore.Memory
	fail bool
}

func (s *failingStore) Put(key, value int64) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Memory.Put(key, value)
}

func TestKVSM_FailedPutNotCached(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	store := &failingStore{Memory: dbstore.NewMemory(), fail: true}
	sm := New(store, l)

	put := types.PutOp(4, 40)
	put.ClientID, put.Seq = "c1", 1
	if res := sm.Apply(put); res.Ok {
		t.Fatalf("expected failure, got %+v", res)
	}
	if _, ok := sm.LastSeen("c1"); ok {
		t.Fatal("failed put was recorded for dedupe")
	}

	store.fail = false
	if res := sm.Apply(put); !res.Ok {
		t.Fatalf("retry should reach the store: %+v", res)
	}
	if v, ok, _ := store.Get(4); !ok || v != 40 {
		t.Fatalf("expected 40, got %d %v", v, ok)
	}
}
