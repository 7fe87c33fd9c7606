package raft

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

// maxElectionRounds is how many elections in a row may fail before it is
// reported as an error. Elections keep being retried after that.
const maxElectionRounds = 50

func (n *Node) randomElectionTimeoutLocked() time.Duration {
	min := n.cfg.Timing.ElectionTimeoutMin
	delta := n.cfg.Timing.ElectionTimeoutMax - min
	if delta <= 0 {
		return min
	}
	return min + time.Duration(n.rand.Int63n(int64(delta)+1))
}

func (n *Node) resetElectionTimerLocked() {
	n.electionReset = time.Now()
	n.electionTimeout = n.randomElectionTimeoutLocked()
}

func (n *Node) electionLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(maxOf(n.cfg.Timing.ElectionTimeoutMin/20, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}

		n.mu.Lock()
		expired := time.Since(n.electionReset) >= n.electionTimeout
		switch {
		case !expired:
		case n.role == RoleFollower:
			n.startElectionLocked()
		case n.role == RoleCandidate:
			// Split vote or lost replies: retry with a fresh term.
			n.startElectionLocked()
		}
		n.mu.Unlock()
	}
}

// startElectionLocked becomes Candidate for currentTerm+1 and solicits votes.
func (n *Node) startElectionLocked() {
	n.electionRounds++
	if n.electionRounds > maxElectionRounds {
		n.logger.WithFields(logrus.Fields{
			"term":   n.currentTerm,
			"rounds": n.electionRounds,
		}).Error("election not converging, exceeded max tries")
	}

	n.becomeCandidateLocked(n.currentTerm + 1)
	if n.role != RoleCandidate {
		return
	}

	lastIdx, lastTerm := n.lastLogIndexAndTermLocked()
	req := rpc.RequestVoteRequest{
		Term:         n.currentTerm,
		CandidateID:  n.id,
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}
	for id := range n.peers {
		link := n.linkLocked(id)
		if !link.IsEnabled {
			continue
		}
		n.wg.Add(1)
		go n.requestVote(id, req, link)
	}
}

func (n *Node) requestVote(peer types.NodeID, req rpc.RequestVoteRequest, link types.PeerNetworkConfig) {
	defer n.wg.Done()

	if !n.sleepCtx(linkDelay(link)) {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timing.RPCTimeout)
	resp, err := n.tp.RequestVote(ctx, peer, req)
	cancel()
	if err != nil {
		n.logger.WithError(err).WithFields(logrus.Fields{"peer": peer, "term": req.Term}).Debug("request vote failed")
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role == RoleDead {
		return
	}
	if resp.Term > n.currentTerm {
		n.becomeFollowerLocked(resp.Term)
		return
	}
	// Replies for an election we have moved on from are dropped.
	if n.role != RoleCandidate || n.currentTerm != req.Term || resp.Term != req.Term {
		return
	}
	if !resp.VoteGranted {
		return
	}
	n.votes++
	n.logger.WithFields(logrus.Fields{"peer": peer, "term": req.Term, "votes": n.votes}).Debug("vote granted")
	if n.votes*2 > n.clusterSizeLocked() {
		n.becomeLeaderLocked()
	}
}

func (n *Node) becomeCandidateLocked(term int) {
	n.currentTerm = term
	n.votedFor = n.id
	n.leaderHint = types.LeaderHint{LeaderID: types.None}
	n.resetElectionTimerLocked()
	if err := n.persistTermVoteLocked(); err != nil {
		// No campaign on a term that would not survive a restart.
		n.role = RoleFollower
		return
	}
	n.role = RoleCandidate
	n.votes = 1

	n.logger.WithField("term", term).Info("became candidate")

	// A single-replica cluster wins on its own vote.
	if n.votes*2 > n.clusterSizeLocked() {
		n.becomeLeaderLocked()
	}
}

// becomeFollowerLocked moves to Follower, adopting term if it is newer. The
// vote is cleared only together with a term change so no replica votes
// twice in one term.
func (n *Node) becomeFollowerLocked(term int) {
	if n.role == RoleDead {
		return
	}
	prev := n.role
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = types.None
		_ = n.persistTermVoteLocked()
	}
	n.role = RoleFollower
	n.resetElectionTimerLocked()
	if prev == RoleLeader {
		for id := range n.retiring {
			n.forgetPeerLocked(id)
		}
	}
	if prev != RoleFollower {
		n.logger.WithFields(logrus.Fields{"term": n.currentTerm, "from": prev}).Info("became follower")
	}
}

func (n *Node) becomeLeaderLocked() {
	n.role = RoleLeader
	n.electionRounds = 0
	n.leaderHint = n.selfHint()
	for id := range n.peers {
		n.nextIndex[id] = len(n.log)
		n.matchIndex[id] = -1
	}
	n.logger.WithFields(logrus.Fields{"term": n.currentTerm, "log_len": len(n.log)}).Info("became leader")

	// Assert leadership right away instead of waiting for the next tick.
	signal(n.inboxCh)
}

// persistTermVoteLocked makes currentTerm and votedFor durable. On failure
// the in-memory pair is reloaded from the stable store, so callers can tell
// by currentTerm whether a term change took effect.
func (n *Node) persistTermVoteLocked() error {
	err := n.stable.SetCurrentTerm(n.currentTerm)
	if err == nil {
		err = n.stable.SetVotedFor(n.votedFor)
	}
	if err == nil {
		return nil
	}
	n.logger.WithError(err).WithField("term", n.currentTerm).Error("persist term and vote")
	if term, gerr := n.stable.GetCurrentTerm(); gerr == nil {
		n.currentTerm = term
	}
	if vf, gerr := n.stable.GetVotedFor(); gerr == nil {
		n.votedFor = vf
	}
	return err
}
