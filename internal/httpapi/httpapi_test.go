package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/dbstore"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/distributedkv"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/kvsm"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

// mockNode implements distributedkv.RaftNodeIface for testing.
type mockNode struct {
	leader     bool
	leaderHint types.LeaderHint
	sm         *kvsm.KVStateMachine
}

func (m *mockNode) Propose(_ context.Context, op types.Op) (types.ApplyResult, error) {
	if !m.leader {
		return types.ApplyResult{}, raft.ErrNotLeader
	}
	return m.sm.Apply(op), nil
}

func (m *mockNode) IsLeader() bool { return m.leader }

func (m *mockNode) LeaderHint() types.LeaderHint { return m.leaderHint }

func (m *mockNode) Status() types.NodeStatus {
	role := raft.RoleFollower
	if m.leader {
		role = raft.RoleLeader
	}
	return types.NodeStatus{ID: 1, Role: role, Term: 3, LeaderHint: m.leaderHint, Peers: []types.NodeID{0, 2}}
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func setup(node *mockNode) *httptest.Server {
	dkv := distributedkv.New(node, node.sm, quiet())
	srv := New(dkv, quiet())
	return httptest.NewServer(srv.Handler())
}

func setupLeader() *httptest.Server {
	sm := kvsm.New(dbstore.NewMemory(), quiet())
	return setup(&mockNode{leader: true, sm: sm})
}

func setupFollower(hint types.LeaderHint) (*httptest.Server, *kvsm.KVStateMachine) {
	sm := kvsm.New(dbstore.NewMemory(), quiet())
	return setup(&mockNode{leader: false, sm: sm, leaderHint: hint}), sm
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func put(t *testing.T, client *http.Client, url string, body interface{}) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPut, url, bytes.NewReader(raw))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeReply(t *testing.T, resp *http.Response) types.KVReply {
	t.Helper()
	defer resp.Body.Close()
	var reply types.KVReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	return reply
}

func TestHTTPAPI_Healthz(t *testing.T) {
	ts := setupLeader()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Fatalf("expected ok, got %s", body["status"])
	}
}

func TestHTTPAPI_PutGet(t *testing.T) {
	ts := setupLeader()
	defer ts.Close()
	client := ts.Client()

	resp := put(t, client, ts.URL+"/kv/7", map[string]interface{}{"client_id": "c1", "seq": 1, "value": 70})
	if resp.StatusCode != 200 {
		t.Fatalf("put: expected 200, got %d", resp.StatusCode)
	}
	if reply := decodeReply(t, resp); reply.ErrorCode != types.OK {
		t.Fatalf("put: %+v", reply)
	}

	resp, err := client.Get(ts.URL + "/kv/7")
	if err != nil {
		t.Fatal(err)
	}
	if reply := decodeReply(t, resp); reply.ErrorCode != types.OK || reply.Value != 70 {
		t.Fatalf("get: %+v", reply)
	}

	resp, err = client.Get(ts.URL + "/kv/8")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("get missing: expected 404, got %d", resp.StatusCode)
	}
	if reply := decodeReply(t, resp); reply.ErrorCode != types.KeyNotFound {
		t.Fatalf("get missing: %+v", reply)
	}
}

func TestHTTPAPI_BadRequests(t *testing.T) {
	ts := setupLeader()
	defer ts.Close()
	client := ts.Client()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"non integer key", http.MethodGet, "/kv/abc", ""},
		{"invalid json", http.MethodPut, "/kv/1", "{"},
		{"missing value", http.MethodPut, "/kv/1", `{"client_id":"c"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, ts.URL+tt.path, strings.NewReader(tt.body))
			resp, err := client.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestHTTPAPI_Follower_Returns307WithLeader(t *testing.T) {
	ts, _ := setupFollower(types.LeaderHint{LeaderID: 2, RaftAddr: "leader:7002", DBAddr: "leader:8002"})
	defer ts.Close()
	client := noRedirectClient()

	resp := put(t, client, ts.URL+"/kv/1", map[string]interface{}{"value": 5})
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("put to follower: expected 307, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "http://leader:8002/kv/1" {
		t.Fatalf("unexpected Location %q", loc)
	}
	reply := decodeReply(t, resp)
	if reply.ErrorCode != types.NotLeader || reply.LeaderAddr != "leader:8002" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	resp, err := client.Get(ts.URL + "/kv/1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("get from follower: expected 307, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHTTPAPI_Follower_NoKnownLeader_Returns503(t *testing.T) {
	ts, _ := setupFollower(types.LeaderHint{LeaderID: types.None})
	defer ts.Close()

	resp, err := noRedirectClient().Get(ts.URL + "/kv/1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if reply := decodeReply(t, resp); reply.ErrorCode != types.NotLeader {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestHTTPAPI_StaleReadFromFollower(t *testing.T) {
	ts, sm := setupFollower(types.LeaderHint{LeaderID: 2, DBAddr: "leader:8002"})
	defer ts.Close()
	sm.Apply(types.PutOp(1, 11))

	resp, err := http.Get(ts.URL + "/kv/1?stale=true")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("stale read: expected 200, got %d", resp.StatusCode)
	}
	if reply := decodeReply(t, resp); reply.Value != 11 {
		t.Fatalf("stale read: %+v", reply)
	}
}

func TestHTTPAPI_StatusAndUI(t *testing.T) {
	ts := setupLeader()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var st types.NodeStatus
	json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if st.ID != 1 || st.Role != raft.RoleLeader || st.Term != 3 || len(st.Peers) != 2 {
		t.Fatalf("unexpected status %+v", st)
	}

	resp, err = http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(page), "replica 1") || !strings.Contains(string(page), "leader") {
		t.Fatalf("unexpected page: %s", page)
	}
}
