package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/distributedkv"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

// Server serves the client DB API backed by a DistributedKV.
type Server struct {
	dkv    *distributedkv.DistributedKV
	logger logrus.FieldLogger
}

// New creates a new HTTP API server.
func New(dkv *distributedkv.DistributedKV, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{dkv: dkv, logger: logger}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	return NewRouter(s)
}

// statusFor maps a reply code to the HTTP status the API answers with.
// NOT_LEADER with a known leader is a temporary redirect to that leader.
func statusFor(reply types.KVReply) int {
	switch reply.ErrorCode {
	case types.OK:
		return http.StatusOK
	case types.KeyNotFound:
		return http.StatusNotFound
	case types.NotLeader:
		if reply.LeaderAddr != "" {
			return http.StatusTemporaryRedirect
		}
		return http.StatusServiceUnavailable
	case types.CurNotCommittedTimeout, types.PrevNotCommittedTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// --- JSON helpers ---

func decodeJSON(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
