package distributedkv

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

// RaftNodeIface is the subset of raft.Node that DistributedKV needs.
type RaftNodeIface interface {
	Propose(ctx context.Context, op types.Op) (types.ApplyResult, error)
	IsLeader() bool
	LeaderHint() types.LeaderHint
	Status() types.NodeStatus
}

// LocalReader reads the replica's own copy of the data.
type LocalReader interface {
	Get(key int64) (int64, bool, error)
}

// DistributedKV wraps Raft + KVSM into a single API for the HTTP layer.
// Get and Put both go through the log, so a reply is only ever produced by
// the current leader.
type DistributedKV struct {
	node   RaftNodeIface
	local  LocalReader
	logger logrus.FieldLogger
}

// New creates a new DistributedKV.
func New(node RaftNodeIface, local LocalReader, logger logrus.FieldLogger) *DistributedKV {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DistributedKV{node: node, local: local, logger: logger}
}

func (d *DistributedKV) IsLeader() bool {
	return d.node.IsLeader()
}

func (d *DistributedKV) LeaderHint() types.LeaderHint {
	return d.node.LeaderHint()
}

func (d *DistributedKV) Status() types.NodeStatus {
	return d.node.Status()
}

// Get replicates a read of key and returns its value once applied.
func (d *DistributedKV) Get(ctx context.Context, key int64) types.KVReply {
	res, err := d.node.Propose(ctx, types.GetOp(key))
	return d.reply(res, err, "get", key)
}

// Put replicates key=value. clientID and seq identify retries of the same
// request; pass "" and 0 to skip deduplication.
func (d *DistributedKV) Put(ctx context.Context, key, value int64, clientID string, seq uint64) types.KVReply {
	op := types.PutOp(key, value)
	op.ClientID, op.Seq = clientID, seq
	res, err := d.node.Propose(ctx, op)
	return d.reply(res, err, "put", key)
}

// GetStale reads from the local state machine, which may lag the leader.
func (d *DistributedKV) GetStale(key int64) types.KVReply {
	v, found, err := d.local.Get(key)
	switch {
	case err != nil:
		d.logger.WithError(err).WithField("key", key).Warn("stale read failed")
		return types.KVReply{ErrorCode: types.Other}
	case !found:
		return types.KVReply{ErrorCode: types.KeyNotFound}
	default:
		return types.KVReply{ErrorCode: types.OK, Value: v}
	}
}

func (d *DistributedKV) reply(res types.ApplyResult, err error, what string, key int64) types.KVReply {
	code := raft.ErrorCode(res, err)
	if code == types.OK && !res.Ok {
		code = types.Other
	}
	out := types.KVReply{ErrorCode: code, Value: res.Value}
	switch code {
	case types.OK, types.KeyNotFound:
	case types.NotLeader:
		out.LeaderAddr = d.node.LeaderHint().DBAddr
	default:
		d.logger.WithError(err).WithFields(logrus.Fields{"op": what, "key": key, "code": code}).Warn("request failed")
	}
	return out
}
