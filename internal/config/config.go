// Package config reads and writes the cluster membership file.
//
// The file is a CSV with the header id,name,intf_ip,raft_port,db_port and
// one row per replica.
package config

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

var header = []string{"id", "name", "intf_ip", "raft_port", "db_port"}

var ErrBadConfig = errors.New("bad cluster config")

// Servers maps replica id to its addresses.
type Servers map[types.NodeID]types.ServerInfo

// IDs returns the replica ids in ascending order.
func (s Servers) IDs() []types.NodeID {
	ids := maps.Keys(s)
	slices.Sort(ids)
	return ids
}

// Peers returns every server except self, ordered by id.
func (s Servers) Peers(self types.NodeID) []types.ServerInfo {
	var out []types.ServerInfo
	for _, id := range s.IDs() {
		if id != self {
			out = append(out, s[id])
		}
	}
	return out
}

// ParseConfig reads the cluster file at path.
func ParseConfig(path string) (Servers, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read parses cluster CSV from r.
func Read(r io.Reader) (Servers, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = len(header)
	cr.Comment = '#'

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrBadConfig)
	}
	if !strings.EqualFold(strings.TrimSpace(records[0][0]), header[0]) {
		return nil, fmt.Errorf("%w: missing header %s", ErrBadConfig, strings.Join(header, ","))
	}

	servers := make(Servers)
	for i, rec := range records[1:] {
		line := i + 2
		id, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: id: %v", ErrBadConfig, line, err)
		}
		raftPort, err := strconv.Atoi(strings.TrimSpace(rec[3]))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: raft_port: %v", ErrBadConfig, line, err)
		}
		dbPort, err := strconv.Atoi(strings.TrimSpace(rec[4]))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: db_port: %v", ErrBadConfig, line, err)
		}
		info := types.ServerInfo{
			ID:       types.NodeID(id),
			Name:     strings.TrimSpace(rec[1]),
			IP:       strings.TrimSpace(rec[2]),
			RaftPort: raftPort,
			DBPort:   dbPort,
		}
		if _, dup := servers[info.ID]; dup {
			return nil, fmt.Errorf("%w: line %d: duplicate id %d", ErrBadConfig, line, info.ID)
		}
		servers[info.ID] = info
	}
	return servers, nil
}

// Write encodes servers as cluster CSV, ordered by id.
func Write(w io.Writer, servers Servers) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, id := range servers.IDs() {
		s := servers[id]
		rec := []string{
			strconv.Itoa(int(s.ID)),
			s.Name,
			s.IP,
			strconv.Itoa(s.RaftPort),
			strconv.Itoa(s.DBPort),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteConfig replaces the cluster file at path.
func WriteConfig(path string, servers Servers) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := Write(f, servers); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
