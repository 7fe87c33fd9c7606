package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/config"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

var (
	ErrUnreachable    = errors.New("server unreachable")
	ErrAllUnreachable = errors.New("all servers are unreachable")
	ErrServerNotFound = errors.New("server not found in the cluster")
	ErrBadMask        = errors.New("partition mask must be 0s and 1s")
)

// Admin changes cluster membership and link state through the peer RPCs.
type Admin struct {
	MaxTries   int
	Pause      time.Duration
	RPCTimeout time.Duration

	rc      rpc.Client
	servers config.Servers
	logger  logrus.FieldLogger
}

func NewAdmin(rc rpc.Client, servers config.Servers, logger logrus.FieldLogger) *Admin {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if servers == nil {
		servers = make(config.Servers)
	}
	return &Admin{
		MaxTries:   DefaultMaxTries,
		Pause:      500 * time.Millisecond,
		RPCTimeout: 5 * time.Second,
		rc:         rc,
		servers:    servers,
		logger:     logger,
	}
}

// Servers is the configuration as updated by successful changes.
func (a *Admin) Servers() config.Servers { return a.servers }

// AddServer asks the leader to add info. The new replica must already be
// running. SERVER_EXISTS counts as success.
func (a *Admin) AddServer(ctx context.Context, info types.ServerInfo) error {
	pctx, cancel := context.WithTimeout(ctx, a.RPCTimeout)
	_, err := a.rc.Ping(pctx, info.RaftAddr())
	cancel()
	if err != nil {
		return fmt.Errorf("%w: new server %s: %v", ErrUnreachable, info.RaftAddr(), err)
	}

	err = a.change(ctx, func(ctx context.Context, addr string) (types.ErrorCode, string, error) {
		resp, err := a.rc.AddServer(ctx, addr, rpc.AddServerRequest{Server: info})
		return resp.ErrorCode, resp.LeaderAddr, err
	})
	if err != nil {
		return err
	}
	a.servers[info.ID] = info
	return nil
}

// RemoveServer asks the leader to remove id.
func (a *Admin) RemoveServer(ctx context.Context, id types.NodeID) error {
	err := a.change(ctx, func(ctx context.Context, addr string) (types.ErrorCode, string, error) {
		resp, err := a.rc.RemoveServer(ctx, addr, rpc.RemoveServerRequest{ServerID: id})
		return resp.ErrorCode, resp.LeaderAddr, err
	})
	if err != nil {
		return err
	}
	delete(a.servers, id)
	return nil
}

type changeFunc func(ctx context.Context, addr string) (types.ErrorCode, string, error)

// change retries call against the configured servers until the leader
// accepts it. Unreachable servers are skipped in id order.
func (a *Admin) change(ctx context.Context, call changeFunc) error {
	ids := a.servers.IDs()
	if len(ids) == 0 {
		return ErrAllUnreachable
	}
	next := 0
	addr := a.servers[ids[next]].RaftAddr()

	for try := 0; try < a.MaxTries; try++ {
		cctx, cancel := context.WithTimeout(ctx, a.RPCTimeout)
		code, leader, err := call(cctx, addr)
		cancel()

		log := a.logger.WithField("server", addr)
		if err != nil {
			log.WithError(err).Error("failed to contact server, trying the next one")
			next++
			if next >= len(ids) {
				return ErrAllUnreachable
			}
			addr = a.servers[ids[next]].RaftAddr()
			continue
		}

		switch code {
		case types.OK:
			log.Info("membership change committed")
			return nil
		case types.ServerExists:
			log.Warn("server already in the cluster")
			return nil
		case types.ServerNotFound:
			return ErrServerNotFound
		case types.NotLeader:
			if leader != "" {
				log.WithField("leader", leader).Warn("not the leader, switching")
				addr = leader
			}
		case types.PrevNotCommittedTimeout:
			log.Warn("previous change not committed, retrying")
		case types.CurNotCommittedTimeout:
			log.Warn("change not committed, retrying")
		default:
			log.WithField("code", code).Warn("unknown error, retrying")
		}

		if err := sleepCtx(ctx, a.Pause); err != nil {
			return err
		}
	}
	return fmt.Errorf("membership change: %w", ErrMaxTries)
}

// Partition splits the cluster by mask. Position i of the mask places the
// i-th server (ascending id) on side 0 or 1; each server is sent a link
// list enabling its own side and disabling the other. An all-ones mask
// heals the cluster.
func (a *Admin) Partition(ctx context.Context, mask string) error {
	ids := a.servers.IDs()
	n := min(len(mask), len(ids))

	var sides [2][]types.NodeID
	var links [2][]types.PeerNetworkConfig
	for i := 0; i < n; i++ {
		side := int(mask[i] - '0')
		if side != 0 && side != 1 {
			return fmt.Errorf("%w: %q", ErrBadMask, mask)
		}
		id := ids[i]
		sides[side] = append(sides[side], id)
		links[side] = append(links[side], types.PeerNetworkConfig{PeerID: id, IsEnabled: true})
		links[side^1] = append(links[side^1], types.PeerNetworkConfig{PeerID: id, IsEnabled: false})
	}

	var errs []error
	for side := range sides {
		for _, id := range sides[side] {
			addr := a.servers[id].RaftAddr()
			a.logger.WithFields(logrus.Fields{"server": id, "side": side}).Info("sending network update")
			cctx, cancel := context.WithTimeout(ctx, a.RPCTimeout)
			_, err := a.rc.NetworkUpdate(cctx, addr, rpc.NetworkUpdateRequest{Peers: links[side]})
			cancel()
			if err != nil {
				errs = append(errs, fmt.Errorf("server %d: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}
