package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

func handleHealthz() http.HandlerFunc {
	type resp struct {
		Status string `json:"status"`
		Time   string `json:"time"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, resp{
			Status: "ok",
			Time:   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func handleStatus(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.dkv.Status())
	}
}

// handleGet reads a key through the log. With ?stale=true the local copy
// is returned instead, on any replica.
func handleGet(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := keyParam(w, r)
		if !ok {
			return
		}
		var reply types.KVReply
		if stale, _ := strconv.ParseBool(r.URL.Query().Get("stale")); stale {
			reply = s.dkv.GetStale(key)
		} else {
			reply = s.dkv.Get(r.Context(), key)
		}
		writeReply(w, r, reply)
	}
}

func handlePut(s *Server) http.HandlerFunc {
	type PutRequest struct {
		Value    *int64 `json:"value"`
		ClientID string `json:"client_id"`
		Seq      uint64 `json:"seq"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := keyParam(w, r)
		if !ok {
			return
		}

		var req PutRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if req.Value == nil {
			writeError(w, http.StatusBadRequest, "value is missing")
			return
		}

		writeReply(w, r, s.dkv.Put(r.Context(), key, *req.Value, req.ClientID, req.Seq))
	}
}

func keyParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "key")
	key, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("key %q is not an integer", raw))
		return 0, false
	}
	return key, true
}

func writeReply(w http.ResponseWriter, r *http.Request, reply types.KVReply) {
	status := statusFor(reply)
	if status == http.StatusTemporaryRedirect {
		u := *r.URL
		u.Scheme = "http"
		u.Host = reply.LeaderAddr
		w.Header().Set("Location", u.String())
	}
	writeJSON(w, status, reply)
}
