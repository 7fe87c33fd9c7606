package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

const (
	RoleLeader    = "leader"
	RoleFollower  = "follower"
	RoleCandidate = "candidate"
	RoleDead      = "dead"
)

var (
	ErrNotLeader        = errors.New("not leader")
	ErrCommitTimeout    = errors.New("entry not committed in time")
	ErrPrevNotCommitted = errors.New("previous membership change not committed")
	ErrAborted          = errors.New("entry overwritten by leader")
	ErrStopped          = errors.New("node stopped")
)

// TimingConfig holds configurable timing parameters for elections and heartbeats.
type TimingConfig struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
	CommitTimeout      time.Duration // how long Propose waits for its entry to apply
	MembershipWait     time.Duration // how long a membership change waits for the previous one
}

// DefaultTimingConfig returns the production defaults. Election timeouts are
// seconds wide so replica logs stay readable.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		ElectionTimeoutMin: 3500 * time.Millisecond,
		ElectionTimeoutMax: 5000 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		RPCTimeout:         500 * time.Millisecond,
		CommitTimeout:      10 * time.Second,
		MembershipWait:     5 * time.Second,
	}
}

func (t TimingConfig) withDefaults() TimingConfig {
	d := DefaultTimingConfig()
	if t.ElectionTimeoutMin <= 0 {
		t.ElectionTimeoutMin = d.ElectionTimeoutMin
	}
	if t.ElectionTimeoutMax < t.ElectionTimeoutMin {
		t.ElectionTimeoutMax = t.ElectionTimeoutMin + (d.ElectionTimeoutMax - d.ElectionTimeoutMin)
	}
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = d.HeartbeatInterval
	}
	if t.RPCTimeout <= 0 {
		t.RPCTimeout = d.RPCTimeout
	}
	if t.CommitTimeout <= 0 {
		t.CommitTimeout = d.CommitTimeout
	}
	if t.MembershipWait <= 0 {
		t.MembershipWait = d.MembershipWait
	}
	return t
}

// Config holds configuration for a Raft node.
type Config struct {
	Self   types.ServerInfo
	Peers  []types.ServerInfo // other replicas; an entry for Self is ignored
	Timing TimingConfig
	Rand   *rand.Rand // optional: for deterministic randomness in tests
}

// Applier is the external key/value store committed Get/Put ops are applied to.
type Applier interface {
	Apply(op types.Op) types.ApplyResult
}

type outcome struct {
	res types.ApplyResult
	err error
}

// retiringPeer is a removed follower the leader keeps replicating to until
// it acknowledges the committed RemoveServer entry at index.
type retiringPeer struct {
	index    int
	deadline time.Time
}

type proposal struct {
	op   types.Op
	done chan outcome // buffered, receives exactly once
}

// Node is a Raft replica.
type Node struct {
	cfg    Config
	id     types.NodeID
	stable storage.StableStore
	store  storage.LogStore
	tp     rpc.Transport
	sm     Applier
	logger logrus.FieldLogger

	// mu guards everything down to the inbox.
	mu              sync.Mutex
	role            string
	currentTerm     int
	votedFor        types.NodeID
	log             []storage.LogEntry
	commitIndex     int
	lastApplied     int
	leaderHint      types.LeaderHint
	electionReset   time.Time
	leaderContact   time.Time // last AppendEntries from a current leader
	electionTimeout time.Duration
	electionRounds  int
	votes           int
	rand            *rand.Rand

	peers      map[types.NodeID]types.ServerInfo
	links      map[types.NodeID]types.PeerNetworkConfig
	nextIndex  map[types.NodeID]int
	matchIndex map[types.NodeID]int
	inflight   map[types.NodeID]bool
	retiring   map[types.NodeID]retiringPeer

	// pending maps a log index to the local proposer waiting on it.
	pending         map[int]chan outcome
	membershipIndex int // last membership entry in the log, -1 if none
	queuedThrough   int // highest index handed to the executor

	// client proposals, drained by the replication loop
	inMu    sync.Mutex
	inbox   []proposal
	inboxCh chan struct{}

	// committed entries, drained by the executor; lock order is mu then execMu
	execMu sync.Mutex
	execQ  []storage.LogEntry
	execCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a Raft node, restoring term, vote and log from the stores.
func NewNode(cfg Config, stable storage.StableStore, store storage.LogStore, tp rpc.Transport, sm Applier, logger logrus.FieldLogger) (*Node, error) {
	term, err := stable.GetCurrentTerm()
	if err != nil {
		return nil, fmt.Errorf("load current term: %w", err)
	}
	votedFor, err := stable.GetVotedFor()
	if err != nil {
		return nil, fmt.Errorf("load voted for: %w", err)
	}
	entries, err := storage.ReadAll(store)
	if err != nil {
		return nil, fmt.Errorf("load log: %w", err)
	}
	for i, e := range entries {
		if e.Index != i {
			return nil, fmt.Errorf("log entry at position %d has index %d: %w", i, e.Index, storage.ErrCorruptRecord)
		}
	}

	cfg.Timing = cfg.Timing.withDefaults()
	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	n := &Node{
		cfg:             cfg,
		id:              cfg.Self.ID,
		stable:          stable,
		store:           store,
		tp:              tp,
		sm:              sm,
		logger:          logger.WithField("node", cfg.Self.ID),
		role:            RoleFollower,
		currentTerm:     term,
		votedFor:        votedFor,
		log:             entries,
		commitIndex:     -1,
		lastApplied:     -1,
		leaderHint:      types.LeaderHint{LeaderID: types.None},
		rand:            r,
		peers:           make(map[types.NodeID]types.ServerInfo),
		links:           make(map[types.NodeID]types.PeerNetworkConfig),
		nextIndex:       make(map[types.NodeID]int),
		matchIndex:      make(map[types.NodeID]int),
		inflight:        make(map[types.NodeID]bool),
		retiring:        make(map[types.NodeID]retiringPeer),
		pending:         make(map[int]chan outcome),
		membershipIndex: -1,
		queuedThrough:   -1,
		inboxCh:         make(chan struct{}, 1),
		execCh:          make(chan struct{}, 1),
	}
	for _, p := range cfg.Peers {
		if p.ID != n.id {
			n.peers[p.ID] = p
		}
	}
	n.recomputeMembershipIndexLocked()
	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.logger.WithFields(logrus.Fields{
		"term":      term,
		"voted_for": votedFor,
		"log_len":   len(entries),
	}).Info("restored raft state")
	return n, nil
}

// Start launches the election, replication and executor loops. Cancelling
// ctx has the same effect as Stop minus the join.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.role == RoleDead {
		n.mu.Unlock()
		return ErrStopped
	}
	n.resetElectionTimerLocked()
	n.wg.Add(3)
	n.mu.Unlock()

	context.AfterFunc(ctx, n.cancel)
	go n.electionLoop()
	go n.replicationLoop()
	go n.executorLoop()
	return nil
}

// Stop moves the node to Dead, joins every loop and in-flight RPC, then
// fails whatever is still waiting on a result. Stores are left open for
// the caller to close.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	n.role = RoleDead
	n.mu.Unlock()
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	n.mu.Lock()
	for idx, ch := range n.pending {
		ch <- outcome{err: ErrStopped}
		delete(n.pending, idx)
	}
	n.mu.Unlock()
	n.failInbox(ErrStopped)
	n.logger.Info("stopped")
	return nil
}

// Done is closed once the node has been stopped or removed from the cluster.
func (n *Node) Done() <-chan struct{} {
	return n.ctx.Done()
}

func (n *Node) ID() types.NodeID { return n.id }

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == RoleLeader
}

func (n *Node) LeaderHint() types.LeaderHint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderHint
}

func (n *Node) Status() types.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := maps.Keys(n.peers)
	slices.Sort(peers)
	return types.NodeStatus{
		ID:          n.id,
		Role:        n.role,
		Term:        n.currentTerm,
		VotedFor:    n.votedFor,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		LogLength:   len(n.log),
		LeaderHint:  n.leaderHint,
		Peers:       peers,
	}
}

// Entries returns a copy of the in-memory log.
func (n *Node) Entries() []storage.LogEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.log)
}

func (n *Node) lastLogIndexAndTermLocked() (int, int) {
	if len(n.log) == 0 {
		return -1, -1
	}
	last := n.log[len(n.log)-1]
	return last.Index, last.Term
}

func (n *Node) clusterSizeLocked() int {
	return len(n.peers) + 1
}

func (n *Node) recomputeMembershipIndexLocked() {
	n.membershipIndex = -1
	for i := len(n.log) - 1; i >= 0; i-- {
		if n.log[i].Op.IsMembership() {
			n.membershipIndex = i
			return
		}
	}
}

func (n *Node) selfHint() types.LeaderHint {
	return types.LeaderHint{LeaderID: n.id, RaftAddr: n.cfg.Self.RaftAddr(), DBAddr: n.cfg.Self.DBAddr()}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// sleepCtx waits for d and reports false if the node stopped first.
func (n *Node) sleepCtx(d time.Duration) bool {
	if d <= 0 {
		return n.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-n.ctx.Done():
		return false
	}
}

func minOf[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func maxOf[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}
