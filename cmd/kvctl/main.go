// Command kvctl reads and writes keys of a running cluster through any
// replica's DB API, following leader redirects.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/client"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/logging"
)

const usage = `usage: kvctl [flags] get <key>
       kvctl [flags] put <key> <value>`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("kvctl", flag.ContinueOnError)
	server := fs.String("server", "127.0.0.1:8000", "DB address (host:port) of any replica")
	timeout := fs.Duration("timeout", 15*time.Second, "Per-request HTTP timeout")
	maxTries := fs.Int("max-tries", client.DefaultMaxTries, "Attempts before giving up on finding a leader")
	wait := fs.Duration("wait", client.DefaultWait, "Pause between retries")
	level := fs.String("log-level", "warn", "Log level")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger, err := logging.New(*level, os.Stderr)
	if err != nil {
		return err
	}
	db := client.NewReplicatedDB(*server, *timeout, logger)
	db.MaxTries = *maxTries
	db.Wait = *wait

	ctx := context.Background()
	return dispatch(ctx, db, fs.Args(), out, logger)
}

type kv interface {
	Get(ctx context.Context, key int64) (int64, bool, error)
	Put(ctx context.Context, key, value int64) error
}

func dispatch(ctx context.Context, db kv, args []string, out io.Writer, logger logrus.FieldLogger) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return errors.New(usage)
		}
		key, err := parseInt("key", args[1])
		if err != nil {
			return err
		}
		v, found, err := db.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			color.New(color.FgYellow).Fprintf(out, "key %d not found\n", key)
			return nil
		}
		fmt.Fprintf(out, "%d\n", v)

	case "put":
		if len(args) != 3 {
			return errors.New(usage)
		}
		key, err := parseInt("key", args[1])
		if err != nil {
			return err
		}
		value, err := parseInt("value", args[2])
		if err != nil {
			return err
		}
		if err := db.Put(ctx, key, value); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"key": key, "value": value}).Debug("put committed")
		color.New(color.FgGreen).Fprintln(out, "OK")

	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
	return nil
}

func parseInt(what, s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: must be an integer", what, s)
	}
	return v, nil
}
