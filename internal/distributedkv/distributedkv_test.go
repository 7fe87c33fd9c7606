package distributedkv

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/dbstore"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/kvsm"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

// mockRaftNode applies proposals straight to a state machine when leader.
type mockRaftNode struct {
	leader     bool
	leaderHint types.LeaderHint
	sm         *kvsm.KVStateMachine
	err        error
	lastOp     types.Op
}

func (m *mockRaftNode) Propose(_ context.Context, op types.Op) (types.ApplyResult, error) {
	m.lastOp = op
	if !m.leader {
		return types.ApplyResult{}, raft.ErrNotLeader
	}
	if m.err != nil {
		return types.ApplyResult{}, m.err
	}
	return m.sm.Apply(op), nil
}

func (m *mockRaftNode) IsLeader() bool {
	return m.leader
}

func (m *mockRaftNode) LeaderHint() types.LeaderHint {
	return m.leaderHint
}

func (m *mockRaftNode) Status() types.NodeStatus {
	return types.NodeStatus{Role: raft.RoleFollower, LeaderHint: m.leaderHint}
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newDKV(leader bool) (*DistributedKV, *mockRaftNode) {
	sm := kvsm.New(dbstore.NewMemory(), quiet())
	node := &mockRaftNode{
		leader:     leader,
		leaderHint: types.LeaderHint{LeaderID: 2, RaftAddr: "10.0.0.2:7002", DBAddr: "10.0.0.2:8002"},
		sm:         sm,
	}
	return New(node, sm, quiet()), node
}

func TestDKV_PutThenGet(t *testing.T) {
	dkv, node := newDKV(true)
	ctx := context.Background()

	r := dkv.Put(ctx, 1, 2, "client", 1)
	if r.ErrorCode != types.OK {
		t.Fatalf("put: %+v", r)
	}
	if node.lastOp.Kind != types.OpPut || node.lastOp.ClientID != "client" || node.lastOp.Seq != 1 {
		t.Fatalf("unexpected proposed op %+v", node.lastOp)
	}

	r = dkv.Get(ctx, 1)
	if r.ErrorCode != types.OK || r.Value != 2 {
		t.Fatalf("get: %+v", r)
	}
	if node.lastOp.Kind != types.OpGet {
		t.Fatalf("expected a replicated get, got %v", node.lastOp.Kind)
	}

	r = dkv.Get(ctx, 3)
	if r.ErrorCode != types.KeyNotFound {
		t.Fatalf("expected KEY_NOT_FOUND, got %+v", r)
	}
}

func TestDKV_NotLeaderCarriesLeaderDBAddr(t *testing.T) {
	dkv, _ := newDKV(false)

	r := dkv.Put(context.Background(), 1, 2, "", 0)
	if r.ErrorCode != types.NotLeader || r.LeaderAddr != "10.0.0.2:8002" {
		t.Fatalf("expected redirect to leader db addr, got %+v", r)
	}
	r = dkv.Get(context.Background(), 1)
	if r.ErrorCode != types.NotLeader || r.LeaderAddr != "10.0.0.2:8002" {
		t.Fatalf("expected redirect to leader db addr, got %+v", r)
	}
}

func TestDKV_TimeoutsMapToCodes(t *testing.T) {
	dkv, node := newDKV(true)

	node.err = raft.ErrCommitTimeout
	if r := dkv.Put(context.Background(), 1, 1, "", 0); r.ErrorCode != types.CurNotCommittedTimeout {
		t.Fatalf("expected CUR_NOT_COMMITTED_TIMEOUT, got %s", r.ErrorCode)
	}
	node.err = raft.ErrStopped
	if r := dkv.Put(context.Background(), 1, 1, "", 0); r.ErrorCode != types.Other {
		t.Fatalf("expected OTHER, got %s", r.ErrorCode)
	}
}

func TestDKV_GetStaleReadsLocalState(t *testing.T) {
	dkv, node := newDKV(true)
	dkv.Put(context.Background(), 4, 40, "", 0)
	node.leader = false

	if r := dkv.GetStale(4); r.ErrorCode != types.OK || r.Value != 40 {
		t.Fatalf("stale get: %+v", r)
	}
	if r := dkv.GetStale(5); r.ErrorCode != types.KeyNotFound {
		t.Fatalf("stale get missing: %+v", r)
	}
}
