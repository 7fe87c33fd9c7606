// Package rpc defines the peer RPC messages and the interfaces between the
// Raft node and its transports.
package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

// --- RPC DTOs ---

type AppendEntriesRequest struct {
	Term         int                `json:"term"`
	LeaderID     types.NodeID       `json:"leader_id"`
	LeaderAddr   string             `json:"leader_addr,omitempty"`
	LeaderDBAddr string             `json:"leader_db_addr,omitempty"`
	PrevLogIndex int                `json:"prev_log_index"`
	PrevLogTerm  int                `json:"prev_log_term"`
	Entries      []storage.LogEntry `json:"entries"`
	LeaderCommit int                `json:"leader_commit"`
}

type AppendEntriesResponse struct {
	Term    int  `json:"term"`
	Success bool `json:"success"`
}

type RequestVoteRequest struct {
	Term         int          `json:"term"`
	CandidateID  types.NodeID `json:"candidate_id"`
	LastLogIndex int          `json:"last_log_index"`
	LastLogTerm  int          `json:"last_log_term"`
}

type RequestVoteResponse struct {
	Term        int  `json:"term"`
	VoteGranted bool `json:"vote_granted"`
}

type AddServerRequest struct {
	Server types.ServerInfo `json:"server"`
}

type AddServerResponse struct {
	ErrorCode  types.ErrorCode `json:"error_code"`
	LeaderAddr string          `json:"leader_addr,omitempty"`
}

type RemoveServerRequest struct {
	ServerID types.NodeID `json:"server_id"`
}

type RemoveServerResponse struct {
	ErrorCode  types.ErrorCode `json:"error_code"`
	LeaderAddr string          `json:"leader_addr,omitempty"`
}

type NetworkUpdateRequest struct {
	Peers []types.PeerNetworkConfig `json:"peers"`
}

type NetworkUpdateResponse struct {
	Ok bool `json:"ok"`
}

type PingRequest struct{}

type PingResponse struct {
	ID   types.NodeID `json:"id"`
	Role string       `json:"role"`
	Term int          `json:"term"`
}

// --- Interfaces ---

// Handler is implemented by the Raft node to serve incoming RPCs.
type Handler interface {
	HandleAppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error)
	HandleRequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error)
	HandleAddServer(ctx context.Context, req AddServerRequest) (AddServerResponse, error)
	HandleRemoveServer(ctx context.Context, req RemoveServerRequest) (RemoveServerResponse, error)
	HandleNetworkUpdate(ctx context.Context, req NetworkUpdateRequest) (NetworkUpdateResponse, error)
	HandlePing(ctx context.Context, req PingRequest) (PingResponse, error)
}

// Client sends RPCs to a replica by its raft address (host:port).
type Client interface {
	AppendEntries(ctx context.Context, addr string, req AppendEntriesRequest) (AppendEntriesResponse, error)
	RequestVote(ctx context.Context, addr string, req RequestVoteRequest) (RequestVoteResponse, error)
	AddServer(ctx context.Context, addr string, req AddServerRequest) (AddServerResponse, error)
	RemoveServer(ctx context.Context, addr string, req RemoveServerRequest) (RemoveServerResponse, error)
	NetworkUpdate(ctx context.Context, addr string, req NetworkUpdateRequest) (NetworkUpdateResponse, error)
	Ping(ctx context.Context, addr string) (PingResponse, error)
}

// Transport is what the Raft node uses to reach its peers by id. The node
// calls AddPeer/RemovePeer as membership records are applied.
type Transport interface {
	AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error)
	RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error)
	AddPeer(info types.ServerInfo)
	RemovePeer(id types.NodeID)
}

// --- PeerTransport ---

// PeerTransport resolves peer ids to raft addresses and forwards calls to a Client.
type PeerTransport struct {
	client Client

	mu    sync.RWMutex
	addrs map[types.NodeID]string
}

func NewPeerTransport(client Client, peers []types.ServerInfo) *PeerTransport {
	t := &PeerTransport{client: client, addrs: make(map[types.NodeID]string)}
	for _, p := range peers {
		t.addrs[p.ID] = p.RaftAddr()
	}
	return t
}

func (t *PeerTransport) Resolve(id types.NodeID) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.addrs[id]
	if !ok {
		return "", fmt.Errorf("unknown peer: %d", id)
	}
	return addr, nil
}

func (t *PeerTransport) AddPeer(info types.ServerInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrs[info.ID] = info.RaftAddr()
}

func (t *PeerTransport) RemovePeer(id types.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.addrs, id)
}

func (t *PeerTransport) AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	addr, err := t.Resolve(to)
	if err != nil {
		return AppendEntriesResponse{}, err
	}
	return t.client.AppendEntries(ctx, addr, req)
}

func (t *PeerTransport) RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error) {
	addr, err := t.Resolve(to)
	if err != nil {
		return RequestVoteResponse{}, err
	}
	return t.client.RequestVote(ctx, addr, req)
}
