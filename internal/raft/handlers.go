package raft

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

var _ rpc.Handler = (*Node)(nil)

// HandleAppendEntries handles an incoming AppendEntries RPC.
func (n *Node) HandleAppendEntries(ctx context.Context, req rpc.AppendEntriesRequest) (rpc.AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role == RoleDead {
		return rpc.AppendEntriesResponse{Term: n.currentTerm}, nil
	}

	// Contact from a current or newer leader counts as liveness.
	if req.Term >= n.currentTerm {
		n.resetElectionTimerLocked()
		n.electionRounds = 0
		n.leaderContact = time.Now()
	}

	// Step down if higher term
	if req.Term > n.currentTerm {
		n.becomeFollowerLocked(req.Term)
	}

	// Reject stale leader, or a newer term we failed to make durable.
	if req.Term != n.currentTerm {
		return rpc.AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
	}

	if n.role != RoleFollower {
		n.becomeFollowerLocked(req.Term)
	}
	n.rememberLeaderLocked(req)

	// Log continuity check
	prev := req.PrevLogIndex
	if prev != -1 && (prev < 0 || prev >= len(n.log) || n.log[prev].Term != req.PrevLogTerm) {
		return rpc.AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
	}

	// Skip entries we already hold; truncate at the first conflict.
	insert := prev + 1
	i := 0
	for insert < len(n.log) && i < len(req.Entries) && n.log[insert].Term == req.Entries[i].Term {
		insert++
		i++
	}
	if i < len(req.Entries) {
		if err := n.replaceSuffixLocked(insert, req.Entries[i:]); err != nil {
			n.logger.WithError(err).WithField("term", n.currentTerm).Error("persist replicated entries")
			return rpc.AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
		}
	}

	// Only the prefix just verified against the leader may be committed.
	if req.LeaderCommit > n.commitIndex {
		newCommit := minOf(req.LeaderCommit, prev+len(req.Entries))
		if newCommit > n.commitIndex {
			n.commitIndex = newCommit
			n.enqueueCommittedLocked()
		}
	}

	return rpc.AppendEntriesResponse{Term: n.currentTerm, Success: true}, nil
}

// replaceSuffixLocked drops the log from index on and appends entries in
// its place, durably. Local proposers of dropped entries get ErrAborted.
func (n *Node) replaceSuffixLocked(index int, entries []storage.LogEntry) error {
	if index < len(n.log) {
		if index <= n.commitIndex {
			n.logger.WithFields(logrus.Fields{"index": index, "commit_index": n.commitIndex}).Error("leader asked to truncate committed entry")
		}
		for idx, ch := range n.pending {
			if idx >= index {
				ch <- outcome{err: ErrAborted}
				delete(n.pending, idx)
			}
		}
		n.logger.WithFields(logrus.Fields{"from": index, "dropped": len(n.log) - index}).Info("truncating conflicting entries")
	}

	fresh := make([]storage.LogEntry, len(entries))
	for k, e := range entries {
		e.Index = index + k
		fresh[k] = e
	}

	err := n.store.DeleteFrom(index)
	if err == nil {
		err = n.store.Append(fresh)
	}
	if err == nil {
		err = n.store.Persist()
	}
	if err != nil {
		// Resync the in-memory view with whatever the store holds.
		if stored, rerr := storage.ReadAll(n.store); rerr == nil {
			n.log = stored
		}
		n.recomputeMembershipIndexLocked()
		return err
	}

	n.log = append(n.log[:index], fresh...)
	n.recomputeMembershipIndexLocked()
	return nil
}

func (n *Node) rememberLeaderLocked(req rpc.AppendEntriesRequest) {
	hint := types.LeaderHint{LeaderID: req.LeaderID, RaftAddr: req.LeaderAddr, DBAddr: req.LeaderDBAddr}
	if p, ok := n.peers[req.LeaderID]; ok {
		if hint.RaftAddr == "" {
			hint.RaftAddr = p.RaftAddr()
		}
		if hint.DBAddr == "" {
			hint.DBAddr = p.DBAddr()
		}
	}
	if hint != n.leaderHint {
		n.logger.WithFields(logrus.Fields{"term": req.Term, "leader": req.LeaderID}).Info("following leader")
		n.leaderHint = hint
	}
}

// HandleRequestVote handles an incoming RequestVote RPC.
func (n *Node) HandleRequestVote(ctx context.Context, req rpc.RequestVoteRequest) (rpc.RequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role == RoleDead {
		return rpc.RequestVoteResponse{Term: n.currentTerm}, nil
	}

	// While a leader is known to be alive, a higher-term candidate is a
	// partitioned or removed server and is ignored outright.
	if req.Term > n.currentTerm && n.leaderAliveLocked() {
		n.logger.WithFields(logrus.Fields{"term": n.currentTerm, "candidate": req.CandidateID, "candidate_term": req.Term}).Debug("ignoring vote request, leader is alive")
		return rpc.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	// Step down if higher term
	if req.Term > n.currentTerm {
		n.becomeFollowerLocked(req.Term)
	}
	if req.Term != n.currentTerm {
		return rpc.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	canVote := n.votedFor == types.None || n.votedFor == req.CandidateID

	lastIdx, lastTerm := n.lastLogIndexAndTermLocked()
	logOK := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIdx)

	if !canVote || !logOK {
		return rpc.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	if n.votedFor != req.CandidateID {
		if err := n.stable.SetVotedFor(req.CandidateID); err != nil {
			n.logger.WithError(err).WithField("term", n.currentTerm).Error("persist vote")
			return rpc.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
		}
		n.votedFor = req.CandidateID
	}
	n.resetElectionTimerLocked()
	n.logger.WithFields(logrus.Fields{"term": n.currentTerm, "candidate": req.CandidateID}).Info("granted vote")
	return rpc.RequestVoteResponse{Term: n.currentTerm, VoteGranted: true}, nil
}

func (n *Node) leaderAliveLocked() bool {
	switch n.role {
	case RoleLeader:
		return true
	case RoleFollower:
		return !n.leaderContact.IsZero() && time.Since(n.leaderContact) < n.cfg.Timing.ElectionTimeoutMin
	}
	return false
}

// HandleAddServer replicates an AddServer record through the log.
func (n *Node) HandleAddServer(ctx context.Context, req rpc.AddServerRequest) (rpc.AddServerResponse, error) {
	res, err := n.Propose(ctx, types.AddServerOp(req.Server))
	return rpc.AddServerResponse{ErrorCode: ErrorCode(res, err), LeaderAddr: n.LeaderHint().RaftAddr}, nil
}

// HandleRemoveServer replicates a RemoveServer record through the log.
func (n *Node) HandleRemoveServer(ctx context.Context, req rpc.RemoveServerRequest) (rpc.RemoveServerResponse, error) {
	res, err := n.Propose(ctx, types.RemoveServerOp(req.ServerID))
	return rpc.RemoveServerResponse{ErrorCode: ErrorCode(res, err), LeaderAddr: n.LeaderHint().RaftAddr}, nil
}

func (n *Node) HandleNetworkUpdate(ctx context.Context, req rpc.NetworkUpdateRequest) (rpc.NetworkUpdateResponse, error) {
	n.ApplyNetworkConfig(req.Peers)
	return rpc.NetworkUpdateResponse{Ok: true}, nil
}

func (n *Node) HandlePing(ctx context.Context, req rpc.PingRequest) (rpc.PingResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return rpc.PingResponse{ID: n.id, Role: n.role, Term: n.currentTerm}, nil
}
