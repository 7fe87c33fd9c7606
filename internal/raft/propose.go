package raft

import (
	"context"
	"time"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

// Propose submits op and waits until it is committed and applied. Only the
// leader accepts proposals. Membership changes additionally wait for the
// previous change to be applied.
func (n *Node) Propose(ctx context.Context, op types.Op) (types.ApplyResult, error) {
	if err := op.Validate(); err != nil {
		return types.ApplyResult{}, err
	}

	n.mu.Lock()
	role := n.role
	n.mu.Unlock()
	switch role {
	case RoleDead:
		return types.ApplyResult{}, ErrStopped
	case RoleLeader:
	default:
		return types.ApplyResult{}, ErrNotLeader
	}

	if op.IsMembership() {
		if err := n.waitMembershipSettled(ctx); err != nil {
			return types.ApplyResult{}, err
		}
	}

	done := n.enqueue(op)

	timer := time.NewTimer(n.cfg.Timing.CommitTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.res, out.err
	case <-timer.C:
		return types.ApplyResult{}, ErrCommitTimeout
	case <-ctx.Done():
		return types.ApplyResult{}, ctx.Err()
	case <-n.ctx.Done():
		return types.ApplyResult{}, ErrStopped
	}
}

func (n *Node) enqueue(op types.Op) chan outcome {
	p := proposal{op: op, done: make(chan outcome, 1)}
	n.inMu.Lock()
	n.inbox = append(n.inbox, p)
	n.inMu.Unlock()
	signal(n.inboxCh)
	return p.done
}

func (n *Node) takeInbox() []proposal {
	n.inMu.Lock()
	defer n.inMu.Unlock()
	props := n.inbox
	n.inbox = nil
	return props
}

func (n *Node) failInbox(err error) {
	for _, p := range n.takeInbox() {
		p.done <- outcome{err: err}
	}
}

// waitMembershipSettled blocks until the last membership entry in the log
// has been applied. An outstanding entry from an earlier term can only
// commit behind a current-term entry, so a read of key 0 is proposed as a
// commit barrier.
func (n *Node) waitMembershipSettled(ctx context.Context) error {
	deadline := time.Now().Add(n.cfg.Timing.MembershipWait)
	barrier := false
	for {
		n.mu.Lock()
		role := n.role
		settled := n.membershipIndex <= n.lastApplied
		stale := n.membershipIndex >= 0 && n.membershipIndex > n.commitIndex &&
			n.log[n.membershipIndex].Term < n.currentTerm
		n.mu.Unlock()

		if role != RoleLeader {
			return ErrNotLeader
		}
		if settled {
			return nil
		}
		if stale && !barrier {
			n.enqueue(types.GetOp(0))
			barrier = true
		}
		if time.Now().After(deadline) {
			return ErrPrevNotCommitted
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.ctx.Done():
			return ErrStopped
		case <-time.After(n.cfg.Timing.HeartbeatInterval):
		}
	}
}

// ErrorCode maps a Propose outcome to the code reported to clients.
func ErrorCode(res types.ApplyResult, err error) types.ErrorCode {
	switch err {
	case nil:
		return res.ErrCode
	case ErrNotLeader:
		return types.NotLeader
	case ErrPrevNotCommitted:
		return types.PrevNotCommittedTimeout
	case ErrCommitTimeout:
		return types.CurNotCommittedTimeout
	default:
		return types.Other
	}
}
