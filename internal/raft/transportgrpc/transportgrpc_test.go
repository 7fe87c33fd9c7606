package transportgrpc

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

type mockHandler struct {
	lastAEReq rpc.AppendEntriesRequest
	respTerm  int
}

func (m *mockHandler) HandleAppendEntries(_ context.Context, req rpc.AppendEntriesRequest) (rpc.AppendEntriesResponse, error) {
	m.lastAEReq = req
	return rpc.AppendEntriesResponse{Term: m.respTerm, Success: true}, nil
}

func (m *mockHandler) HandleRequestVote(_ context.Context, req rpc.RequestVoteRequest) (rpc.RequestVoteResponse, error) {
	return rpc.RequestVoteResponse{Term: req.Term, VoteGranted: req.CandidateID == 1}, nil
}

func (m *mockHandler) HandleAddServer(_ context.Context, req rpc.AddServerRequest) (rpc.AddServerResponse, error) {
	return rpc.AddServerResponse{ErrorCode: types.ServerExists}, nil
}

func (m *mockHandler) HandleRemoveServer(_ context.Context, req rpc.RemoveServerRequest) (rpc.RemoveServerResponse, error) {
	return rpc.RemoveServerResponse{}, errors.New("log store broken")
}

func (m *mockHandler) HandleNetworkUpdate(_ context.Context, req rpc.NetworkUpdateRequest) (rpc.NetworkUpdateResponse, error) {
	return rpc.NetworkUpdateResponse{Ok: len(req.Peers) == 2}, nil
}

func (m *mockHandler) HandlePing(_ context.Context, _ rpc.PingRequest) (rpc.PingResponse, error) {
	return rpc.PingResponse{ID: 3, Role: "leader", Term: m.respTerm}, nil
}

func startServer(t *testing.T, h rpc.Handler) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	srv := NewServer(h, logger)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestTransportGRPC_RoundTrip(t *testing.T) {
	h := &mockHandler{respTerm: 6}
	addr := startServer(t, h)
	client := NewClient()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ae, err := client.AppendEntries(ctx, addr, rpc.AppendEntriesRequest{
		Term:         6,
		LeaderID:     3,
		PrevLogIndex: 0,
		PrevLogTerm:  5,
		Entries: []storage.LogEntry{
			{Index: 1, Term: 6, Op: types.AddServerOp(types.ServerInfo{ID: 5, Name: "r5", IP: "10.0.0.5", RaftPort: 7005, DBPort: 8005})},
		},
		LeaderCommit: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ae.Success || ae.Term != 6 {
		t.Fatalf("unexpected response %+v", ae)
	}
	got := h.lastAEReq.Entries
	if len(got) != 1 || got[0].Op.Server == nil || got[0].Op.Server.Name != "r5" {
		t.Fatalf("entries mismatch: %+v", got)
	}

	rv, err := client.RequestVote(ctx, addr, rpc.RequestVoteRequest{Term: 7, CandidateID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !rv.VoteGranted || rv.Term != 7 {
		t.Fatalf("unexpected vote %+v", rv)
	}

	add, err := client.AddServer(ctx, addr, rpc.AddServerRequest{Server: types.ServerInfo{ID: 5}})
	if err != nil || add.ErrorCode != types.ServerExists {
		t.Fatalf("unexpected add %+v err=%v", add, err)
	}

	nu, err := client.NetworkUpdate(ctx, addr, rpc.NetworkUpdateRequest{Peers: make([]types.PeerNetworkConfig, 2)})
	if err != nil || !nu.Ok {
		t.Fatalf("unexpected network update %+v err=%v", nu, err)
	}

	ping, err := client.Ping(ctx, addr)
	if err != nil || ping.ID != 3 || ping.Role != "leader" {
		t.Fatalf("unexpected ping %+v err=%v", ping, err)
	}
}

func TestTransportGRPC_HandlerError(t *testing.T) {
	addr := startServer(t, &mockHandler{})
	client := NewClient()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.RemoveServer(ctx, addr, rpc.RemoveServerRequest{ServerID: 2})
	if err == nil || !strings.Contains(err.Error(), "log store broken") {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestTransportGRPC_Unreachable(t *testing.T) {
	client := NewClient()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := client.Ping(ctx, "127.0.0.1:1"); err == nil {
		t.Fatal("expected error for unreachable peer")
	}
}
