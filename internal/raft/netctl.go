package raft

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

// ApplyNetworkConfig replaces the outbound link settings for the listed
// peers. Disabled peers are not contacted by the election or replication
// loops; delayed peers are contacted after DelayMs. Inbound RPCs are not
// affected.
func (n *Node) ApplyNetworkConfig(cfgs []types.PeerNetworkConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range cfgs {
		if c.PeerID == n.id {
			continue
		}
		if c.IsEnabled && !c.IsDelayed {
			delete(n.links, c.PeerID)
		} else {
			n.links[c.PeerID] = c
		}
		n.logger.WithFields(logrus.Fields{
			"peer":     c.PeerID,
			"enabled":  c.IsEnabled,
			"delayed":  c.IsDelayed,
			"delay_ms": c.DelayMs,
		}).Info("network link updated")
	}
}

// linkLocked returns the link settings for peer; unknown peers are enabled.
func (n *Node) linkLocked(peer types.NodeID) types.PeerNetworkConfig {
	if c, ok := n.links[peer]; ok {
		return c
	}
	return types.PeerNetworkConfig{PeerID: peer, IsEnabled: true}
}

func linkDelay(c types.PeerNetworkConfig) time.Duration {
	if !c.IsDelayed || c.DelayMs <= 0 {
		return 0
	}
	return time.Duration(c.DelayMs) * time.Millisecond
}
