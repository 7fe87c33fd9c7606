package raft

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

const maxApplyBackoff = time.Second

func (n *Node) executorLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.execCh:
		}
		for {
			batch := n.takeCommitted()
			if len(batch) == 0 {
				break
			}
			for _, e := range batch {
				if n.ctx.Err() != nil {
					return
				}
				n.execute(e)
			}
		}
	}
}

func (n *Node) takeCommitted() []storage.LogEntry {
	n.execMu.Lock()
	defer n.execMu.Unlock()
	batch := n.execQ
	n.execQ = nil
	return batch
}

// execute applies one committed entry and completes its local proposer.
func (n *Node) execute(e storage.LogEntry) {
	n.mu.Lock()
	if e.Index != n.lastApplied+1 {
		n.logger.WithFields(logrus.Fields{
			"index":        e.Index,
			"last_applied": n.lastApplied,
		}).Error("committed entry out of order, skipping")
		n.mu.Unlock()
		return
	}

	var res types.ApplyResult
	if e.Op.IsMembership() {
		res = n.applyMembershipLocked(e)
		n.mu.Unlock()
	} else {
		n.mu.Unlock()
		var ok bool
		if res, ok = n.applyWithRetry(e); !ok {
			return
		}
	}

	n.mu.Lock()
	n.lastApplied = e.Index
	ch, ok := n.pending[e.Index]
	delete(n.pending, e.Index)
	n.mu.Unlock()

	if ok {
		ch <- outcome{res: res}
	}
	if e.Op.Kind == types.OpRemoveServer && e.Op.ServerID == n.id {
		n.cancel()
	}
}

// applyWithRetry applies a committed Get or Put, retrying storage failures
// until they succeed. lastApplied never moves past an entry the store did
// not take. It reports false if the node stopped while retrying.
func (n *Node) applyWithRetry(e storage.LogEntry) (types.ApplyResult, bool) {
	backoff := n.cfg.Timing.HeartbeatInterval
	for attempt := 1; ; attempt++ {
		res := n.sm.Apply(e.Op)
		if res.Ok || res.ErrCode != types.Other {
			return res, true
		}
		n.logger.WithFields(logrus.Fields{
			"index":   e.Index,
			"op":      e.Op.String(),
			"attempt": attempt,
			"error":   res.ErrMsg,
		}).Error("apply failed, retrying")
		if !n.sleepCtx(backoff) {
			return res, false
		}
		backoff = minOf(2*backoff, maxApplyBackoff)
	}
}

// applyMembershipLocked updates the replica set once an AddServer or
// RemoveServer record is committed. Removing this replica makes it Dead.
func (n *Node) applyMembershipLocked(e storage.LogEntry) types.ApplyResult {
	log := n.logger.WithFields(logrus.Fields{"index": e.Index, "op": e.Op.String()})

	switch e.Op.Kind {
	case types.OpAddServer:
		info := *e.Op.Server
		if info.ID == n.id {
			break
		}
		if _, ok := n.peers[info.ID]; ok {
			break
		}
		delete(n.retiring, info.ID)
		n.peers[info.ID] = info
		n.tp.AddPeer(info)
		if n.role == RoleLeader {
			n.nextIndex[info.ID] = len(n.log)
			n.matchIndex[info.ID] = -1
		}
		log.Info("server added")

	case types.OpRemoveServer:
		id := e.Op.ServerID
		if id == n.id {
			// The loops are cancelled by execute once the proposer has its reply.
			log.Info("removed from cluster, shutting down")
			n.role = RoleDead
			n.leaderHint = types.LeaderHint{LeaderID: types.None}
			break
		}
		if _, ok := n.peers[id]; !ok {
			break
		}
		delete(n.peers, id)
		if n.role == RoleLeader {
			// The removed follower still has to learn that this entry
			// committed, or it would keep campaigning.
			n.retiring[id] = retiringPeer{index: e.Index, deadline: time.Now().Add(n.cfg.Timing.CommitTimeout)}
		} else {
			n.forgetPeerLocked(id)
		}
		if n.leaderHint.LeaderID == id {
			n.leaderHint = types.LeaderHint{LeaderID: types.None}
		}
		log.Info("server removed")
		// A smaller quorum may already cover pending entries.
		n.advanceCommitLocked()
	}
	return types.ApplyResult{Ok: true, ErrCode: types.OK}
}

// forgetPeerLocked drops every trace of a peer that left the cluster.
func (n *Node) forgetPeerLocked(id types.NodeID) {
	delete(n.retiring, id)
	delete(n.nextIndex, id)
	delete(n.matchIndex, id)
	delete(n.links, id)
	n.tp.RemovePeer(id)
}
