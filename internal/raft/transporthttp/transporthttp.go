package transporthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/rpc"
)

const (
	PathAppendEntries = "/raft/append_entries"
	PathRequestVote   = "/raft/request_vote"
	PathAddServer     = "/raft/add_server"
	PathRemoveServer  = "/raft/remove_server"
	PathNetwork       = "/raft/network"
	PathPing          = "/raft/ping"
)

// --- Client ---

// Client implements rpc.Client with JSON over HTTP POST.
type Client struct {
	client *http.Client
}

func NewClient(timeout time.Duration) *Client {
	return &Client{client: &http.Client{Timeout: timeout}}
}

func baseURL(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

func (c *Client) call(ctx context.Context, addr, path string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(addr)+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(httpResp.Body).Decode(&e)
		return fmt.Errorf("%s to %s returned %d: %s", path, addr, httpResp.StatusCode, e.Error)
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

func (c *Client) AppendEntries(ctx context.Context, addr string, req rpc.AppendEntriesRequest) (rpc.AppendEntriesResponse, error) {
	var resp rpc.AppendEntriesResponse
	err := c.call(ctx, addr, PathAppendEntries, req, &resp)
	return resp, err
}

func (c *Client) RequestVote(ctx context.Context, addr string, req rpc.RequestVoteRequest) (rpc.RequestVoteResponse, error) {
	var resp rpc.RequestVoteResponse
	err := c.call(ctx, addr, PathRequestVote, req, &resp)
	return resp, err
}

func (c *Client) AddServer(ctx context.Context, addr string, req rpc.AddServerRequest) (rpc.AddServerResponse, error) {
	var resp rpc.AddServerResponse
	err := c.call(ctx, addr, PathAddServer, req, &resp)
	return resp, err
}

func (c *Client) RemoveServer(ctx context.Context, addr string, req rpc.RemoveServerRequest) (rpc.RemoveServerResponse, error) {
	var resp rpc.RemoveServerResponse
	err := c.call(ctx, addr, PathRemoveServer, req, &resp)
	return resp, err
}

func (c *Client) NetworkUpdate(ctx context.Context, addr string, req rpc.NetworkUpdateRequest) (rpc.NetworkUpdateResponse, error) {
	var resp rpc.NetworkUpdateResponse
	err := c.call(ctx, addr, PathNetwork, req, &resp)
	return resp, err
}

func (c *Client) Ping(ctx context.Context, addr string) (rpc.PingResponse, error) {
	var resp rpc.PingResponse
	err := c.call(ctx, addr, PathPing, rpc.PingRequest{}, &resp)
	return resp, err
}

// --- Server ---

// Server exposes an rpc.Handler over HTTP.
type Server struct {
	handler rpc.Handler
	logger  logrus.FieldLogger
}

func NewServer(handler rpc.Handler, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{handler: handler, logger: logger}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	sr := r.PathPrefix("/raft").Subrouter()
	sr.Path("/append_entries").Methods(http.MethodPost).HandlerFunc(serve(s, s.handler.HandleAppendEntries))
	sr.Path("/request_vote").Methods(http.MethodPost).HandlerFunc(serve(s, s.handler.HandleRequestVote))
	sr.Path("/add_server").Methods(http.MethodPost).HandlerFunc(serve(s, s.handler.HandleAddServer))
	sr.Path("/remove_server").Methods(http.MethodPost).HandlerFunc(serve(s, s.handler.HandleRemoveServer))
	sr.Path("/network").Methods(http.MethodPost).HandlerFunc(serve(s, s.handler.HandleNetworkUpdate))
	sr.Path("/ping").Methods(http.MethodPost).HandlerFunc(serve(s, s.handler.HandlePing))
	return r
}

func serve[Req, Resp any](s *Server, h func(context.Context, Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad JSON"})
			return
		}

		resp, err := h(r.Context(), req)
		if err != nil {
			s.logger.WithError(err).WithField("path", r.URL.Path).Debug("rpc handler failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
