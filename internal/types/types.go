package types

import (
	"fmt"
	"net"
	"strconv"
)

// NodeID identifies a replica in the cluster.
type NodeID int32

// None is the NodeID used for "no vote" and "no known leader".
const None NodeID = -1

// ServerInfo describes how to reach a replica.
type ServerInfo struct {
	ID       NodeID `json:"id"`
	Name     string `json:"name"`
	IP       string `json:"ip"`
	RaftPort int    `json:"raft_port"`
	DBPort   int    `json:"db_port"`
}

// RaftAddr is the host:port of the replica's peer RPC endpoint.
func (s ServerInfo) RaftAddr() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.RaftPort))
}

// DBAddr is the host:port of the replica's client DB endpoint.
func (s ServerInfo) DBAddr() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.DBPort))
}

// OpKind identifies the active variant of an Op.
type OpKind uint8

const (
	OpGet OpKind = iota + 1
	OpPut
	OpAddServer
	OpRemoveServer
)

func (o OpKind) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpPut:
		return "put"
	case OpAddServer:
		return "add_server"
	case OpRemoveServer:
		return "remove_server"
	default:
		return "unknown"
	}
}

// Op is an operation replicated through the log. Only the fields of the
// variant named by Kind are meaningful.
type Op struct {
	Kind OpKind `json:"kind"`

	// Get / Put
	Key   int64 `json:"key,omitempty"`
	Value int64 `json:"value,omitempty"`

	// AddServer
	Server *ServerInfo `json:"server,omitempty"`

	// RemoveServer
	ServerID NodeID `json:"server_id"`

	// Client dedupe, Put only.
	ClientID string `json:"client_id,omitempty"`
	Seq      uint64 `json:"seq,omitempty"`
}

// GetOp builds a Get(key) operation.
func GetOp(key int64) Op {
	return Op{Kind: OpGet, Key: key, ServerID: None}
}

// PutOp builds a Put(key, value) operation.
func PutOp(key, value int64) Op {
	return Op{Kind: OpPut, Key: key, Value: value, ServerID: None}
}

// AddServerOp builds an AddServer(info) operation.
func AddServerOp(info ServerInfo) Op {
	return Op{Kind: OpAddServer, Server: &info, ServerID: info.ID}
}

// RemoveServerOp builds a RemoveServer(id) operation.
func RemoveServerOp(id NodeID) Op {
	return Op{Kind: OpRemoveServer, ServerID: id}
}

// IsMembership reports whether the op changes the replica set.
func (o Op) IsMembership() bool {
	return o.Kind == OpAddServer || o.Kind == OpRemoveServer
}

// Validate checks that the fields required by Kind are present.
func (o Op) Validate() error {
	switch o.Kind {
	case OpGet, OpPut, OpRemoveServer:
		return nil
	case OpAddServer:
		if o.Server == nil {
			return fmt.Errorf("add_server op without server info")
		}
		return nil
	default:
		return fmt.Errorf("unknown op kind %d", o.Kind)
	}
}

func (o Op) String() string {
	switch o.Kind {
	case OpGet:
		return fmt.Sprintf("Get(%d)", o.Key)
	case OpPut:
		return fmt.Sprintf("Put(%d,%d)", o.Key, o.Value)
	case OpAddServer:
		if o.Server == nil {
			return "AddServer(?)"
		}
		return fmt.Sprintf("AddServer(%d,%s,%s)", o.Server.ID, o.Server.Name, o.Server.RaftAddr())
	case OpRemoveServer:
		return fmt.Sprintf("RemoveServer(%d)", o.ServerID)
	default:
		return "Unknown"
	}
}

// ErrorCode is the outcome reported to clients and admin tools.
type ErrorCode int

const (
	OK ErrorCode = iota
	NotLeader
	KeyNotFound
	ServerExists
	ServerNotFound
	PrevNotCommittedTimeout
	CurNotCommittedTimeout
	Other
)

var errorCodeNames = map[ErrorCode]string{
	OK:                      "OK",
	NotLeader:               "NOT_LEADER",
	KeyNotFound:             "KEY_NOT_FOUND",
	ServerExists:            "SERVER_EXISTS",
	ServerNotFound:          "SERVER_NOT_FOUND",
	PrevNotCommittedTimeout: "PREV_NOT_COMMITTED_TIMEOUT",
	CurNotCommittedTimeout:  "CUR_NOT_COMMITTED_TIMEOUT",
	Other:                   "OTHER",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return "OTHER"
}

func (c ErrorCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ErrorCode) UnmarshalText(b []byte) error {
	for code, name := range errorCodeNames {
		if name == string(b) {
			*c = code
			return nil
		}
	}
	return fmt.Errorf("unknown error code %q", b)
}

// ApplyResult is the result of applying an Op to the state machine.
type ApplyResult struct {
	Ok      bool      `json:"ok"`
	Found   bool      `json:"found,omitempty"`
	Value   int64     `json:"value,omitempty"`
	ErrCode ErrorCode `json:"err_code"`
	ErrMsg  string    `json:"err_msg,omitempty"`
}

// LeaderHint tells clients where the leader is.
type LeaderHint struct {
	LeaderID NodeID `json:"leader_id"`
	RaftAddr string `json:"raft_addr,omitempty"`
	DBAddr   string `json:"db_addr,omitempty"`
}

// KVReply is the client-facing reply of a Get or Put.
type KVReply struct {
	ErrorCode  ErrorCode `json:"error_code"`
	LeaderAddr string    `json:"leader_addr,omitempty"`
	Value      int64     `json:"value"`
}

// PeerNetworkConfig controls whether and how a replica contacts one peer.
type PeerNetworkConfig struct {
	PeerID    NodeID `json:"peer_id"`
	IsEnabled bool   `json:"is_enabled"`
	IsDelayed bool   `json:"is_delayed"`
	DelayMs   int    `json:"delay_ms"`
}

// NodeStatus holds status info about a Raft node.
type NodeStatus struct {
	ID          NodeID     `json:"id"`
	Role        string     `json:"role"`
	Term        int        `json:"term"`
	VotedFor    NodeID     `json:"voted_for"`
	CommitIndex int        `json:"commit_index"`
	LastApplied int        `json:"last_applied"`
	LogLength   int        `json:"log_length"`
	LeaderHint  LeaderHint `json:"leader_hint"`
	Peers       []NodeID   `json:"peers"`
}
