package server

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/client"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/config"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/transporthttp"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

func fastTiming() raft.TimingConfig {
	return raft.TimingConfig{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		RPCTimeout:         200 * time.Millisecond,
		CommitTimeout:      2 * time.Second,
		MembershipWait:     time.Second,
	}
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func singleServer(t *testing.T) config.Servers {
	return config.Servers{0: {ID: 0, Name: "r0", IP: "127.0.0.1", RaftPort: freePort(t), DBPort: freePort(t)}}
}

func waitLeader(t *testing.T, n *raft.Node) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !n.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("replica did not become leader")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--config", "c.csv", "--id", "2", "--transport", "grpc", "--raft-store", "leveldb", "--election-min", "1s", "--election-max", "2s"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.ID != 2 || opts.Transport != TransportGRPC || opts.RaftStore != RaftStoreLevelDB || opts.Timing.ElectionTimeoutMin != time.Second || opts.Timing.HeartbeatInterval != 50*time.Millisecond {
		t.Fatalf("unexpected options %+v", opts)
	}

	bad := [][]string{
		{"--id", "1"},
		{"--config", "c.csv"},
		{"--config", "c.csv", "--id", "1", "--transport", "carrier-pigeon"},
		{"--config", "c.csv", "--id", "1", "--raft-store", "sqlite"},
	}
	for _, args := range bad {
		if _, err := parseFlags(args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestOpen_UnknownID(t *testing.T) {
	_, err := Open(Options{ID: 9, StoreDir: t.TempDir(), Timing: fastTiming()}, singleServer(t), quiet())
	if err == nil {
		t.Fatal("expected error for id missing from config")
	}
}

func testReplicaRestart(t *testing.T, transport, raftStore string) {
	dir := t.TempDir()
	servers := singleServer(t)
	opts := Options{
		ID:        0,
		StoreDir:  filepath.Join(dir, "raft"),
		RaftStore: raftStore,
		DBPath:    filepath.Join(dir, "db"),
		Transport: transport,
		BindIP:    "127.0.0.1",
		Timing:    fastTiming(),
	}
	ctx := context.Background()

	r, err := Open(opts, servers, quiet())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitLeader(t, r.Node)

	db := client.NewReplicatedDB(servers[0].DBAddr(), time.Second, quiet())
	db.Wait = 20 * time.Millisecond
	if err := db.Put(ctx, 5, 9); err != nil {
		t.Fatal(err)
	}
	if v, found, err := db.Get(ctx, 5); err != nil || !found || v != 9 {
		t.Fatalf("get before restart: %d %v %v", v, found, err)
	}
	term := r.Node.Status().Term
	if err := r.Close(ctx); err != nil {
		t.Fatal(err)
	}

	// Same directories, same ports.
	r, err = Open(opts, servers, quiet())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close(ctx)
	st := r.Node.Status()
	if st.Term != term || st.LogLength != 2 {
		t.Fatalf("state not restored: %+v (term before %d)", st, term)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitLeader(t, r.Node)

	if v, found, err := db.Get(ctx, 5); err != nil || !found || v != 9 {
		t.Fatalf("get after restart: %d %v %v", v, found, err)
	}
}

func TestReplica_RestartKeepsData_HTTP(t *testing.T) {
	testReplicaRestart(t, TransportHTTP, RaftStoreFile)
}

func TestReplica_RestartKeepsData_GRPC(t *testing.T) {
	testReplicaRestart(t, TransportGRPC, RaftStoreFile)
}

func TestReplica_RestartKeepsData_LevelDBRaftStore(t *testing.T) {
	testReplicaRestart(t, TransportHTTP, RaftStoreLevelDB)
}

func TestReplica_ServesPeerRPCs(t *testing.T) {
	servers := singleServer(t)
	opts := Options{ID: 0, StoreDir: t.TempDir(), Transport: TransportHTTP, BindIP: "127.0.0.1", Timing: fastTiming()}
	r, err := Open(opts, servers, quiet())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close(context.Background())
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitLeader(t, r.Node)

	c := transporthttp.NewClient(time.Second)
	resp, err := c.Ping(context.Background(), servers[0].RaftAddr())
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != 0 || resp.Role != raft.RoleLeader {
		t.Fatalf("unexpected ping %+v", resp)
	}

	// Removing the only replica shuts it down.
	admin := client.NewAdmin(c, servers, quiet())
	admin.Pause = 10 * time.Millisecond
	if err := admin.RemoveServer(context.Background(), types.NodeID(0)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-r.Node.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replica still running after removing itself")
	}
}
