// Package client holds the clients of a running cluster: ReplicatedDB for
// Get/Put against the DB API and Admin for membership and partitions.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

const (
	DefaultMaxTries = 1000
	DefaultWait     = time.Second
)

var (
	ErrMaxTries   = errors.New("exceeded max tries, could not find leader")
	ErrBadRequest = errors.New("request rejected")
)

// ReplicatedDB talks to the DB API of one replica at a time and follows
// NOT_LEADER redirects to the leader.
type ReplicatedDB struct {
	MaxTries int
	Wait     time.Duration // pause before retrying the same server or a failed commit

	hc       *http.Client
	clientID string
	logger   logrus.FieldLogger

	mu   sync.Mutex
	addr string
	seq  uint64
}

// NewReplicatedDB returns a client whose first contact is addr (host:port
// of a replica's DB API).
func NewReplicatedDB(addr string, timeout time.Duration, logger logrus.FieldLogger) *ReplicatedDB {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ReplicatedDB{
		MaxTries: DefaultMaxTries,
		Wait:     DefaultWait,
		hc: &http.Client{
			Timeout: timeout,
			// Redirects are followed by the retry loop, which also tracks the leader.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		clientID: uuid.NewString(),
		logger:   logger,
		addr:     addr,
	}
}

// Addr is the server the next request goes to.
func (db *ReplicatedDB) Addr() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.addr
}

func (db *ReplicatedDB) ClientID() string { return db.clientID }

// Get returns the value of key. found is false when the key has never been
// written.
func (db *ReplicatedDB) Get(ctx context.Context, key int64) (value int64, found bool, err error) {
	reply, err := db.retry(ctx, http.MethodGet, key, nil)
	if err != nil {
		return 0, false, err
	}
	if reply.ErrorCode == types.KeyNotFound {
		return 0, false, nil
	}
	return reply.Value, true, nil
}

// Put writes key=value. Retries of one Put carry the same sequence number
// so the cluster applies it at most once.
func (db *ReplicatedDB) Put(ctx context.Context, key, value int64) error {
	db.mu.Lock()
	db.seq++
	seq := db.seq
	db.mu.Unlock()

	body := map[string]interface{}{"value": value, "client_id": db.clientID, "seq": seq}
	reply, err := db.retry(ctx, http.MethodPut, key, body)
	if err != nil {
		return err
	}
	if reply.ErrorCode != types.OK {
		return fmt.Errorf("put %d: unexpected %s", key, reply.ErrorCode)
	}
	return nil
}

func (db *ReplicatedDB) retry(ctx context.Context, method string, key int64, body interface{}) (types.KVReply, error) {
	for try := 0; try < db.MaxTries; try++ {
		addr := db.Addr()
		reply, err := db.do(ctx, method, addr, key, body)
		if err != nil {
			return types.KVReply{}, fmt.Errorf("contact %s: %w", addr, err)
		}

		switch reply.ErrorCode {
		case types.OK, types.KeyNotFound:
			return reply, nil
		case types.NotLeader:
			if reply.LeaderAddr == "" || reply.LeaderAddr == addr {
				if err := sleepCtx(ctx, db.Wait); err != nil {
					return types.KVReply{}, err
				}
			}
			if reply.LeaderAddr != "" {
				db.logger.WithFields(logrus.Fields{"server": addr, "leader": reply.LeaderAddr}).Warn("contacted server is not the leader, switching")
				db.mu.Lock()
				db.addr = reply.LeaderAddr
				db.mu.Unlock()
			}
		default:
			db.logger.WithFields(logrus.Fields{"server": addr, "code": reply.ErrorCode}).Warn("request not committed, retrying")
			if err := sleepCtx(ctx, db.Wait); err != nil {
				return types.KVReply{}, err
			}
		}
	}
	db.logger.WithField("tries", db.MaxTries).Error("exceeded max tries, could not find leader")
	return types.KVReply{}, ErrMaxTries
}

func (db *ReplicatedDB) do(ctx context.Context, method, addr string, key int64, body interface{}) (types.KVReply, error) {
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return types.KVReply{}, err
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}

	url := "http://" + addr + "/kv/" + strconv.FormatInt(key, 10)
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return types.KVReply{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := db.hc.Do(req)
	if err != nil {
		return types.KVReply{}, err
	}
	defer resp.Body.Close()

	var out struct {
		types.KVReply
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.KVReply{}, fmt.Errorf("decode reply (status %d): %w", resp.StatusCode, err)
	}
	if out.Error != "" {
		return types.KVReply{}, fmt.Errorf("%w: %s", ErrBadRequest, out.Error)
	}
	return out.KVReply, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
