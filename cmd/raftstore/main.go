// Command raftstore inspects and fabricates a replica's persisted state.
//
//	raftstore read --file raft.0.log.persist --vec
//	raftstore read --file raft.0.CurrentTerm
//	raftstore read --file raft.0.leveldb [--vec]
//	raftstore write --input terms.csv --outputdir data --id 0 --currentterm 3
//
// The write input is a CSV of term,count rows; each row appends count
// random Get/Put entries in that term.
package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

const usage = "usage: raftstore read|write [flags]"

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
	if len(args) == 0 {
		return errors.New(usage)
	}
	switch args[0] {
	case "read":
		return runRead(args[1:], out)
	case "write":
		return runWrite(args[1:], out)
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func runRead(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("raftstore read", flag.ContinueOnError)
	file := fs.String("file", "", "Log file, scalar (term/vote) file or raft leveldb directory")
	vec := fs.Bool("vec", false, "Treat the file as a log and print every entry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("--file is required")
	}

	if st, err := os.Stat(*file); err == nil && st.IsDir() {
		return readLevel(*file, *vec, out)
	}

	if *vec {
		n := 0
		err := storage.ReadLogFile(*file, func(e storage.LogEntry) error {
			fmt.Fprintf(out, "[%d]\t%s\n", e.Index, e)
			n++
			return nil
		})
		if err != nil {
			return fmt.Errorf("read %s after %d entries: %w", *file, n, err)
		}
		color.New(color.FgCyan).Fprintf(out, "%d entries\n", n)
		return nil
	}

	v, err := storage.ReadIntFile(*file)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Value: %d\n", v)
	return nil
}

func readLevel(dir string, vec bool, out io.Writer) error {
	if !vec {
		term, vf, err := storage.ReadLevelStable(dir)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "CurrentTerm: %d\nVotedFor: %d\n", term, vf)
		return nil
	}
	n := 0
	err := storage.ReadLevelLog(dir, func(e storage.LogEntry) error {
		fmt.Fprintf(out, "[%d]\t%s\n", e.Index, e)
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("read %s after %d entries: %w", dir, n, err)
	}
	color.New(color.FgCyan).Fprintf(out, "%d entries\n", n)
	return nil
}

// termRun is one row of the write input.
type termRun struct {
	term  int
	count int
}

func parseTermRuns(r io.Reader) ([]termRun, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2
	cr.TrimLeadingSpace = true
	recs, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}

	var runs []termRun
	prev := 0
	for i, rec := range recs {
		if i == 0 && strings.EqualFold(rec[0], "term") {
			continue
		}
		term, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: bad term %q", i+1, rec[0])
		}
		count, err := strconv.Atoi(rec[1])
		if err != nil || count < 0 {
			return nil, fmt.Errorf("row %d: bad count %q", i+1, rec[1])
		}
		if term < prev {
			return nil, fmt.Errorf("row %d: term %d goes backwards", i+1, term)
		}
		prev = term
		runs = append(runs, termRun{term: term, count: count})
	}
	return runs, nil
}

// generate builds the log described by runs with random keys and values
// below 100.
func generate(runs []termRun, rng *rand.Rand) []storage.LogEntry {
	var entries []storage.LogEntry
	for _, r := range runs {
		for i := 0; i < r.count; i++ {
			var op types.Op
			if rng.Intn(2) == 0 {
				op = types.GetOp(int64(rng.Intn(100)))
			} else {
				op = types.PutOp(int64(rng.Intn(100)), int64(rng.Intn(100)))
			}
			entries = append(entries, storage.LogEntry{Index: len(entries), Term: r.term, Op: op})
		}
	}
	return entries
}

func runWrite(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("raftstore write", flag.ContinueOnError)
	input := fs.String("input", "", "CSV of term,count rows")
	outDir := fs.String("outputdir", ".", "Directory to write the replica's files to")
	id := fs.Int("id", 0, "Replica id the files are named for")
	currentTerm := fs.Int("currentterm", 0, "CurrentTerm to store")
	votedFor := fs.Int("votedfor", int(types.None), "VotedFor to store (-1 for none)")
	seed := fs.Int64("seed", time.Now().UnixNano(), "Random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return errors.New("--input is required")
	}

	f, err := os.Open(*input)
	if err != nil {
		return err
	}
	runs, err := parseTermRuns(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("parse %s: %w", *input, err)
	}
	entries := generate(runs, rand.New(rand.NewSource(*seed)))

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}
	nodeID := types.NodeID(*id)
	if err := writeStore(*outDir, nodeID, entries, *currentTerm, types.NodeID(*votedFor)); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(out, "wrote %d entries to %s\n", len(entries), storage.LogPath(*outDir, nodeID))
	return nil
}

func writeStore(dir string, id types.NodeID, entries []storage.LogEntry, term int, votedFor types.NodeID) error {
	log, err := storage.OpenFileLogStore(storage.LogPath(dir, id), false)
	if err != nil {
		return err
	}
	if err := log.Append(entries); err != nil {
		log.Close()
		return err
	}
	if err := log.Close(); err != nil {
		return err
	}

	stable := storage.NewFileStableStore(storage.StablePrefix(dir, id))
	if err := stable.SetCurrentTerm(term); err != nil {
		return err
	}
	return stable.SetVotedFor(votedFor)
}
