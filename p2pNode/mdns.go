package p2pnode

import (
	"fmt"
	"io"

	host "github.com/libp2p/go-libp2p/core/host"
	peer "github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"example/rockpaperscissors/session"
)

// mdnsNotifee gets notified when new peers are discovered via mDNS.
type mdnsNotifee struct {
	n *Node
}

// HandlePeerFound is called when mDNS discovers a peer.
func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n := m.n
	// ignore ourselves
	if pi.ID == n.host.ID() {
		return
	}

	n.mu.Lock()
	n.found[pi.ID] = pi
	var onFound session.Sink
	if n.discovering {
		onFound = n.onFound
	}
	n.mu.Unlock()

	n.log.WithField("endpoint", pi.ID.String()).Debug("mDNS discovered peer")
	if onFound != nil {
		onFound(session.EndpointFound{EndpointID: pi.ID.String()})
	}
}

// startMDNS registers the mDNS service for serviceTag and starts it.
// The same service both announces us and browses for others.
func startMDNS(h host.Host, serviceTag string, notifee *mdnsNotifee) (io.Closer, error) {
	svc := mdns.NewMdnsService(h, serviceTag, notifee)
	if err := svc.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mDNS: %w", err)
	}
	return svc, nil
}
