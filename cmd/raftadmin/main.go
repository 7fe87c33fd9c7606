// Command raftadmin adds and removes replicas and partitions the network
// of a running cluster. Successful membership changes are written back to
// the config file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/client"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/config"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/logging"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/transportgrpc"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/transporthttp"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/server"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

const (
	opAdd       = "add"
	opRemove    = "rm"
	opPartition = "partition"
)

type options struct {
	configPath string
	op         string
	server     types.ServerInfo
	mask       string
	transport  string
	timeout    time.Duration
	logLevel   string
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("raftadmin", flag.ContinueOnError)
	configPath := fs.String("config", "", "Cluster config CSV")
	op := fs.String("op", "", "Operation: add, rm or partition")
	id := fs.Int("id", -1, "Replica id to add or remove")
	ip := fs.String("ip", "", "IP of the replica to add")
	raftPort := fs.Int("raft_port", -1, "Raft port of the replica to add")
	dbPort := fs.Int("db_port", -1, "DB port of the replica to add")
	name := fs.String("name", "", "Name of the replica to add")
	mask := fs.String("partition", "", `Partition mask, e.g. "11100" puts replicas 0-2 on one side and 3-4 on the other`)
	transport := fs.String("transport", server.TransportHTTP, "Peer transport: http or grpc")
	timeout := fs.Duration("timeout", 5*time.Second, "Per-RPC timeout")
	level := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	o := options{
		configPath: *configPath,
		op:         *op,
		mask:       *mask,
		transport:  *transport,
		timeout:    *timeout,
		logLevel:   *level,
		server: types.ServerInfo{
			ID:       types.NodeID(*id),
			Name:     *name,
			IP:       *ip,
			RaftPort: *raftPort,
			DBPort:   *dbPort,
		},
	}
	if o.configPath == "" {
		return o, errors.New("--config is required")
	}
	if o.transport != server.TransportHTTP && o.transport != server.TransportGRPC {
		return o, fmt.Errorf("unknown transport %q", o.transport)
	}

	switch o.op {
	case opAdd:
		if o.server.ID < 0 || o.server.IP == "" || o.server.RaftPort <= 0 || o.server.DBPort <= 0 {
			return o, errors.New("add needs --id, --ip, --raft_port and --db_port")
		}
		if o.server.Name == "" {
			o.server.Name = fmt.Sprintf("replica%d", o.server.ID)
		}
	case opRemove:
		if o.server.ID < 0 {
			return o, errors.New("rm needs --id")
		}
	case opPartition:
		if o.mask == "" {
			return o, errors.New("partition needs --partition")
		}
	default:
		return o, fmt.Errorf("invalid operation %q: must be add, rm or partition", o.op)
	}
	return o, nil
}

func newRPCClient(transport string, timeout time.Duration) (rpc.Client, func()) {
	if transport == server.TransportGRPC {
		c := transportgrpc.NewClient()
		return c, func() { c.Close() }
	}
	return transporthttp.NewClient(timeout), func() {}
}

func run(args []string) error {
	o, err := parseArgs(args)
	if err != nil {
		return err
	}
	logger, err := logging.New(o.logLevel, os.Stderr)
	if err != nil {
		return err
	}
	servers, err := config.ParseConfig(o.configPath)
	if err != nil {
		return err
	}

	rc, closeRC := newRPCClient(o.transport, o.timeout)
	defer closeRC()

	admin := client.NewAdmin(rc, servers, logger)
	admin.RPCTimeout = o.timeout
	ctx := context.Background()

	switch o.op {
	case opAdd:
		if err := admin.AddServer(ctx, o.server); err != nil {
			return fmt.Errorf("add server %d: %w", o.server.ID, err)
		}
		color.New(color.FgGreen).Printf("added server %d (%s)\n", o.server.ID, o.server.RaftAddr())
		return writeBack(o.configPath, admin.Servers(), logger)

	case opRemove:
		if err := admin.RemoveServer(ctx, o.server.ID); err != nil {
			return fmt.Errorf("remove server %d: %w", o.server.ID, err)
		}
		color.New(color.FgGreen).Printf("removed server %d\n", o.server.ID)
		return writeBack(o.configPath, admin.Servers(), logger)

	case opPartition:
		if err := admin.Partition(ctx, o.mask); err != nil {
			return err
		}
		color.New(color.FgGreen).Printf("applied partition %s\n", o.mask)
	}
	return nil
}

func writeBack(path string, servers config.Servers, logger logrus.FieldLogger) error {
	if err := config.WriteConfig(path, servers); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	logger.WithField("path", path).Info("config updated")
	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
