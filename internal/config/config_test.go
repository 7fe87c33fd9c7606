package config

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

const sample = `id,name,intf_ip,raft_port,db_port
0,r0,10.10.1.1,1234,2345
2, r2, 10.10.1.3, 1234, 2345
1,r1,10.10.1.2,1234,2345
`

func TestRead(t *testing.T) {
	servers, err := Read(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 3 {
		t.Fatalf("expected 3 servers, got %d", len(servers))
	}
	want := types.ServerInfo{ID: 2, Name: "r2", IP: "10.10.1.3", RaftPort: 1234, DBPort: 2345}
	if servers[2] != want {
		t.Fatalf("got %+v, want %+v", servers[2], want)
	}
	if got := servers.IDs(); len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Fatalf("unexpected ids %v", got)
	}
	peers := servers.Peers(1)
	if len(peers) != 2 || peers[0].ID != 0 || peers[1].ID != 2 {
		t.Fatalf("unexpected peers %v", peers)
	}
}

func TestRead_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no header", "0,r0,1.1.1.1,1,2\n"},
		{"short row", "id,name,intf_ip,raft_port,db_port\n0,r0,1.1.1.1,1\n"},
		{"bad port", "id,name,intf_ip,raft_port,db_port\n0,r0,1.1.1.1,x,2\n"},
		{"duplicate", "id,name,intf_ip,raft_port,db_port\n0,r0,1.1.1.1,1,2\n0,r0,1.1.1.1,1,2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.input))
			if !errors.Is(err, ErrBadConfig) {
				t.Fatalf("expected ErrBadConfig, got %v", err)
			}
		})
	}
}

func TestWriteConfig_RoundTrip(t *testing.T) {
	servers, err := Read(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	servers[7] = types.ServerInfo{ID: 7, Name: "r7", IP: "10.10.1.8", RaftPort: 1, DBPort: 2}
	delete(servers, 0)

	path := filepath.Join(t.TempDir(), "cluster.csv")
	if err := WriteConfig(path, servers); err != nil {
		t.Fatal(err)
	}
	back, err := ParseConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != 3 || back[7] != servers[7] {
		t.Fatalf("unexpected round trip %v", back)
	}

	var buf bytes.Buffer
	Write(&buf, back)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if lines[0] != "id,name,intf_ip,raft_port,db_port" || !strings.HasPrefix(lines[1], "1,") || !strings.HasPrefix(lines[3], "7,") {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}
