package raft

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

func (n *Node) replicationLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.Timing.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		case <-n.inboxCh:
		}
		n.replicate()
	}
}

// replicate runs one leader tick: it moves queued proposals into the log
// under the current term and sends AppendEntries to every reachable peer
// that has no request outstanding.
func (n *Node) replicate() {
	props := n.takeInbox()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != RoleLeader {
		for _, p := range props {
			p.done <- outcome{err: ErrNotLeader}
		}
		return
	}

	if len(props) > 0 {
		n.appendProposalsLocked(props)
	}
	n.advanceCommitLocked()

	now := time.Now()
	for id, rp := range n.retiring {
		if now.After(rp.deadline) {
			n.logger.WithField("peer", id).Warn("removed server never acknowledged its removal, giving up")
			n.forgetPeerLocked(id)
		}
	}

	for id := range n.peers {
		n.sendAppendEntriesLocked(id)
	}
	for id := range n.retiring {
		n.sendAppendEntriesLocked(id)
	}
}

func (n *Node) sendAppendEntriesLocked(id types.NodeID) {
	link := n.linkLocked(id)
	if !link.IsEnabled || n.inflight[id] {
		return
	}
	req := n.appendEntriesArgsLocked(id)
	n.inflight[id] = true
	n.wg.Add(1)
	go n.replicateTo(id, req, link)
}

func (n *Node) appendProposalsLocked(props []proposal) {
	term := n.currentTerm
	start := len(n.log)
	var added []storage.LogEntry
	var waiters []chan outcome

	for _, p := range props {
		if p.op.IsMembership() {
			if code, err := n.checkMembershipLocked(p.op); err != nil || code != types.OK {
				p.done <- outcome{res: types.ApplyResult{ErrCode: code}, err: err}
				continue
			}
		}
		e := storage.LogEntry{Index: start + len(added), Term: term, Op: p.op}
		added = append(added, e)
		waiters = append(waiters, p.done)
		if p.op.IsMembership() {
			// Later proposals in this batch see the change as outstanding.
			n.membershipIndex = e.Index
		}
	}
	if len(added) == 0 {
		return
	}

	err := n.store.Append(added)
	if err == nil {
		err = n.store.Persist()
	}
	if err != nil {
		n.logger.WithError(err).WithField("term", term).Error("persist proposals")
		if derr := n.store.DeleteFrom(start); derr != nil {
			n.logger.WithError(derr).Error("roll back unpersisted proposals")
		}
		n.recomputeMembershipIndexLocked()
		for _, ch := range waiters {
			ch <- outcome{err: err}
		}
		return
	}

	n.log = append(n.log, added...)
	for i, ch := range waiters {
		n.pending[start+i] = ch
	}
	n.logger.WithFields(logrus.Fields{
		"term":  term,
		"first": start,
		"count": len(added),
	}).Debug("appended proposals")
}

// checkMembershipLocked enforces one outstanding membership change and
// classifies no-op changes against the current configuration.
func (n *Node) checkMembershipLocked(op types.Op) (types.ErrorCode, error) {
	if n.membershipIndex > n.lastApplied {
		return types.PrevNotCommittedTimeout, ErrPrevNotCommitted
	}
	switch op.Kind {
	case types.OpAddServer:
		if _, ok := n.peers[op.Server.ID]; ok || op.Server.ID == n.id {
			return types.ServerExists, nil
		}
	case types.OpRemoveServer:
		if _, ok := n.peers[op.ServerID]; !ok && op.ServerID != n.id {
			return types.ServerNotFound, nil
		}
	}
	return types.OK, nil
}

func (n *Node) appendEntriesArgsLocked(peer types.NodeID) rpc.AppendEntriesRequest {
	next := minOf(n.nextIndex[peer], len(n.log))
	prevIdx := next - 1
	prevTerm := -1
	if prevIdx >= 0 {
		prevTerm = n.log[prevIdx].Term
	}
	var entries []storage.LogEntry
	if next < len(n.log) {
		entries = make([]storage.LogEntry, len(n.log)-next)
		copy(entries, n.log[next:])
	}
	return rpc.AppendEntriesRequest{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		LeaderAddr:   n.cfg.Self.RaftAddr(),
		LeaderDBAddr: n.cfg.Self.DBAddr(),
		PrevLogIndex: prevIdx,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
}

func (n *Node) replicateTo(peer types.NodeID, req rpc.AppendEntriesRequest, link types.PeerNetworkConfig) {
	defer n.wg.Done()

	var (
		resp rpc.AppendEntriesResponse
		err  = ErrStopped
	)
	if n.sleepCtx(linkDelay(link)) {
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timing.RPCTimeout)
		resp, err = n.tp.AppendEntries(ctx, peer, req)
		cancel()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.inflight, peer)

	if err != nil {
		n.logger.WithError(err).WithFields(logrus.Fields{"peer": peer, "term": req.Term}).Debug("append entries failed")
		return
	}
	if n.role == RoleDead {
		return
	}
	if rp, ok := n.retiring[peer]; ok {
		n.retiringReplyLocked(peer, rp, req, resp)
		return
	}
	if resp.Term > n.currentTerm {
		n.logger.WithFields(logrus.Fields{"peer": peer, "term": resp.Term}).Info("peer has higher term, stepping down")
		n.becomeFollowerLocked(resp.Term)
		return
	}
	if n.role != RoleLeader || n.currentTerm != req.Term {
		return
	}
	if _, ok := n.peers[peer]; !ok {
		return
	}

	if resp.Success {
		match := req.PrevLogIndex + len(req.Entries)
		n.matchIndex[peer] = maxOf(n.matchIndex[peer], match)
		n.nextIndex[peer] = maxOf(n.nextIndex[peer], match+1)
		n.advanceCommitLocked()
		return
	}

	// Log mismatch: back off by one entry and retry next tick.
	n.nextIndex[peer] = maxOf(0, req.PrevLogIndex)
}

// retiringReplyLocked handles a reply from a removed follower. Its term
// never deposes the leader; once it holds the removal entry and knows it is
// committed it is dropped for good.
func (n *Node) retiringReplyLocked(peer types.NodeID, rp retiringPeer, req rpc.AppendEntriesRequest, resp rpc.AppendEntriesResponse) {
	if n.role != RoleLeader || n.currentTerm != req.Term {
		return
	}
	if resp.Term > n.currentTerm {
		n.logger.WithFields(logrus.Fields{"peer": peer, "term": resp.Term}).Info("removed server moved to a newer term, dropping it")
		n.forgetPeerLocked(peer)
		return
	}
	if !resp.Success {
		n.nextIndex[peer] = maxOf(0, req.PrevLogIndex)
		return
	}
	match := req.PrevLogIndex + len(req.Entries)
	n.matchIndex[peer] = maxOf(n.matchIndex[peer], match)
	n.nextIndex[peer] = maxOf(n.nextIndex[peer], match+1)
	if match >= rp.index && req.LeaderCommit >= rp.index {
		n.logger.WithField("peer", peer).Info("removed server acknowledged its removal")
		n.forgetPeerLocked(peer)
	}
}

// advanceCommitLocked moves commitIndex to the highest current-term index
// stored on a majority and hands newly committed entries to the executor.
func (n *Node) advanceCommitLocked() {
	if n.role != RoleLeader {
		return
	}
	for i := len(n.log) - 1; i > n.commitIndex; i-- {
		if n.log[i].Term != n.currentTerm {
			// Terms never decrease along the log.
			break
		}
		count := 1
		for id := range n.peers {
			if n.matchIndex[id] >= i {
				count++
			}
		}
		if count*2 > n.clusterSizeLocked() {
			n.commitIndex = i
			n.logger.WithFields(logrus.Fields{"term": n.currentTerm, "index": i}).Debug("commit index advanced")
			n.enqueueCommittedLocked()
			return
		}
	}
}

// enqueueCommittedLocked pushes entries up to commitIndex onto the executor
// queue, each exactly once.
func (n *Node) enqueueCommittedLocked() {
	if n.commitIndex <= n.queuedThrough {
		return
	}
	batch := make([]storage.LogEntry, n.commitIndex-n.queuedThrough)
	copy(batch, n.log[n.queuedThrough+1:n.commitIndex+1])
	n.queuedThrough = n.commitIndex

	n.execMu.Lock()
	n.execQ = append(n.execQ, batch...)
	n.execMu.Unlock()
	signal(n.execCh)
}
