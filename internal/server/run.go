package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/config"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/dbstore"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/distributedkv"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/httpapi"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/kvsm"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/logging"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/transportgrpc"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/transporthttp"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"

	RaftStoreFile    = "file"
	RaftStoreLevelDB = "leveldb"
)

// Options configures one replica process.
type Options struct {
	ConfigPath string
	ID         types.NodeID
	StoreDir   string // durable term, vote and log
	RaftStore  string // file or leveldb
	DBPath     string // LevelDB directory; empty keeps data in memory
	Transport  string
	BindIP     string // listen address; empty listens on all interfaces
	LogLevel   string
	Timing     raft.TimingConfig
}

func parseFlags(args []string) (Options, error) {
	d := raft.DefaultTimingConfig()
	fs := flag.NewFlagSet("replica", flag.ContinueOnError)

	configPath := fs.String("config", "", "Cluster config CSV (id,name,intf_ip,raft_port,db_port)")
	id := fs.Int("id", -1, "This replica's id, as listed in the config")
	storeDir := fs.String("storedir", ".", "Directory for the persisted raft log and term/vote store")
	raftStore := fs.String("raft-store", RaftStoreFile, "Raft log and term/vote engine: file or leveldb")
	dbPath := fs.String("db_path", "", "LevelDB directory (empty: in-memory store)")
	transport := fs.String("transport", TransportHTTP, "Peer transport: http or grpc")
	bind := fs.String("bind", "", "IP to listen on (default: all interfaces)")
	level := fs.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	electionMin := fs.Duration("election-min", d.ElectionTimeoutMin, "Minimum election timeout")
	electionMax := fs.Duration("election-max", d.ElectionTimeoutMax, "Maximum election timeout")
	heartbeat := fs.Duration("heartbeat", d.HeartbeatInterval, "Replication tick / heartbeat interval")

	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	if *configPath == "" {
		return Options{}, errors.New("--config is required")
	}
	if *id < 0 {
		return Options{}, errors.New("--id is required")
	}
	if *transport != TransportHTTP && *transport != TransportGRPC {
		return Options{}, fmt.Errorf("unknown transport %q", *transport)
	}
	if *raftStore != RaftStoreFile && *raftStore != RaftStoreLevelDB {
		return Options{}, fmt.Errorf("unknown raft store %q", *raftStore)
	}

	timing := d
	timing.ElectionTimeoutMin = *electionMin
	timing.ElectionTimeoutMax = *electionMax
	timing.HeartbeatInterval = *heartbeat

	return Options{
		ConfigPath: *configPath,
		ID:         types.NodeID(*id),
		StoreDir:   *storeDir,
		RaftStore:  *raftStore,
		DBPath:     *dbPath,
		Transport:  *transport,
		BindIP:     *bind,
		LogLevel:   *level,
		Timing:     timing,
	}, nil
}

// Replica is a running node with its stores and listeners.
type Replica struct {
	Node *raft.Node

	opts   Options
	self   types.ServerInfo
	logger logrus.FieldLogger

	stable     storage.StableStore
	logStore   storage.LogStore
	closeStore func() error
	db         dbstore.Store

	rpcClient rpc.Client
	raftLis   net.Listener
	dbLis     net.Listener
	peerHTTP  *http.Server
	peerGRPC  *transportgrpc.Server
	dbHTTP    *http.Server

	errCh chan error
}

// Open restores the replica's state from disk and binds its ports. Nothing
// is served until Start.
func Open(opts Options, servers config.Servers, logger logrus.FieldLogger) (r *Replica, err error) {
	self, ok := servers[opts.ID]
	if !ok {
		return nil, fmt.Errorf("replica %d is not in the cluster config", opts.ID)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r = &Replica{opts: opts, self: self, logger: logger, errCh: make(chan error, 3)}
	partial := r
	defer func() {
		if err != nil {
			partial.closeResources()
		}
	}()

	if err := os.MkdirAll(opts.StoreDir, 0755); err != nil {
		return nil, err
	}
	if err := r.openRaftStore(); err != nil {
		return nil, err
	}
	r.db, err = dbstore.Open(opts.DBPath)
	if err != nil {
		return nil, err
	}

	switch opts.Transport {
	case TransportGRPC:
		r.rpcClient = transportgrpc.NewClient()
	default:
		r.rpcClient = transporthttp.NewClient(opts.Timing.RPCTimeout)
	}
	peers := servers.Peers(opts.ID)
	tp := rpc.NewPeerTransport(r.rpcClient, peers)

	sm := kvsm.New(r.db, logger)
	r.Node, err = raft.NewNode(raft.Config{Self: self, Peers: peers, Timing: opts.Timing}, r.stable, r.logStore, tp, sm, logger)
	if err != nil {
		return nil, err
	}

	r.raftLis, err = net.Listen("tcp", net.JoinHostPort(opts.BindIP, fmt.Sprint(self.RaftPort)))
	if err != nil {
		return nil, fmt.Errorf("listen raft port: %w", err)
	}
	r.dbLis, err = net.Listen("tcp", net.JoinHostPort(opts.BindIP, fmt.Sprint(self.DBPort)))
	if err != nil {
		return nil, fmt.Errorf("listen db port: %w", err)
	}

	if opts.Transport == TransportGRPC {
		r.peerGRPC = transportgrpc.NewServer(r.Node, logger)
	} else {
		r.peerHTTP = &http.Server{Handler: transporthttp.NewServer(r.Node, logger).Handler()}
	}
	dkv := distributedkv.New(r.Node, sm, logger)
	r.dbHTTP = &http.Server{Handler: httpapi.New(dkv, logger).Handler()}
	return r, nil
}

func (r *Replica) openRaftStore() error {
	switch r.opts.RaftStore {
	case RaftStoreLevelDB:
		ls, err := storage.OpenLevelStore(storage.LevelPath(r.opts.StoreDir, r.opts.ID))
		if err != nil {
			return err
		}
		r.stable, r.logStore, r.closeStore = ls, ls, ls.Close
	default:
		fl, err := storage.OpenFileLogStore(storage.LogPath(r.opts.StoreDir, r.opts.ID), true)
		if err != nil {
			return err
		}
		r.stable = storage.NewFileStableStore(storage.StablePrefix(r.opts.StoreDir, r.opts.ID))
		r.logStore, r.closeStore = fl, fl.Close
	}
	return nil
}

// Start starts the node and begins serving both ports.
func (r *Replica) Start(ctx context.Context) error {
	if err := r.Node.Start(ctx); err != nil {
		return err
	}
	if r.peerGRPC != nil {
		go r.serve("raft", func() error { return r.peerGRPC.Serve(r.raftLis) })
	} else {
		go r.serve("raft", func() error { return r.peerHTTP.Serve(r.raftLis) })
	}
	go r.serve("db", func() error { return r.dbHTTP.Serve(r.dbLis) })

	r.logger.WithFields(logrus.Fields{
		"id":        r.self.ID,
		"raft_addr": r.raftLis.Addr().String(),
		"db_addr":   r.dbLis.Addr().String(),
		"transport": r.opts.Transport,
	}).Info("replica started")
	return nil
}

func (r *Replica) serve(name string, fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}

// Errors reports listener failures.
func (r *Replica) Errors() <-chan error { return r.errCh }

// Close stops the node first so no loop touches the stores, then shuts the
// servers and closes the stores.
func (r *Replica) Close(ctx context.Context) error {
	var errs []error
	if r.Node != nil {
		if err := r.Node.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop node: %w", err))
		}
	}
	if r.peerHTTP != nil {
		errs = append(errs, r.peerHTTP.Shutdown(ctx))
	}
	if r.peerGRPC != nil {
		r.peerGRPC.Stop()
	}
	if r.dbHTTP != nil {
		errs = append(errs, r.dbHTTP.Shutdown(ctx))
	}
	errs = append(errs, r.closeResources())
	r.logger.Info("replica closed")
	return errors.Join(errs...)
}

func (r *Replica) closeResources() error {
	var errs []error
	if c, ok := r.rpcClient.(*transportgrpc.Client); ok {
		errs = append(errs, c.Close())
	}
	for _, lis := range []net.Listener{r.raftLis, r.dbLis} {
		if lis != nil {
			lis.Close()
		}
	}
	if r.closeStore != nil {
		errs = append(errs, r.closeStore())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
	}
	return errors.Join(errs...)
}

// Run parses args, runs a replica until SIGINT/SIGTERM or until it is
// removed from the cluster, then shuts it down.
func Run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	logger, err := logging.New(opts.LogLevel, os.Stderr)
	if err != nil {
		return err
	}
	servers, err := config.ParseConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := Open(opts, servers, logger)
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		r.Close(context.Background())
		return err
	}

	var runErr error
	select {
	case runErr = <-r.Errors():
	case <-ctx.Done():
		logger.Info("shutting down...")
	case <-r.Node.Done():
		logger.Info("node stopped, shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(runErr, r.Close(shutdownCtx))
}
