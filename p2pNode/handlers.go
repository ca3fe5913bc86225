package p2pnode

import (
	network "github.com/libp2p/go-libp2p/core/network"

	"example/rockpaperscissors/session"
)

// handleConnectStream handles a connection proposal from a discoverer.
func (n *Node) handleConnectStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	log := n.log.WithField("endpoint", remote.String())

	n.mu.Lock()
	if !n.advertising || n.proposals == nil {
		n.mu.Unlock()
		log.Debug("Not advertising, refusing connection")
		_ = s.Reset()
		return
	}
	superseded, exists := n.endpoints[remote]
	if exists {
		// Keep the dial initiated by the lower id.
		if superseded.established || !superseded.outbound || n.host.ID() < remote {
			n.mu.Unlock()
			log.Debug("Already connecting, refusing duplicate")
			_ = s.Reset()
			return
		}
		delete(n.endpoints, remote)
	}
	ep := newEndpoint(remote, false, n.proposals)
	ep.attach(s)
	n.endpoints[remote] = ep
	name := n.advertiseName
	n.mu.Unlock()

	if exists {
		superseded.reset()
	}

	var hello controlMessage
	if err := ep.dec.Decode(&hello); err != nil || hello.Type != controlHello {
		log.WithError(err).Debug("Bad handshake")
		n.discard(ep)
		return
	}
	if err := ep.write(controlMessage{Type: controlHello, Name: name}); err != nil {
		log.WithError(err).Debug("Failed to answer hello")
		n.discard(ep)
		return
	}

	log.WithField("name", hello.Name).Info("Connection proposed")
	ep.lifecycle(session.ConnectionInitiated{EndpointID: remote.String(), Name: hello.Name, Incoming: true})
	n.readControl(ep, log)
}

// handlePayloadStream receives one payload from an established endpoint.
func (n *Node) handlePayloadStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	endpointID := remote.String()

	n.mu.Lock()
	ep, ok := n.endpoints[remote]
	var sink session.Sink
	if ok && ep.established {
		sink = ep.payloads
	}
	limit := n.cfg.MaxPayloadSize
	n.mu.Unlock()

	if sink == nil {
		n.log.WithField("endpoint", endpointID).Debug("Payload from unknown endpoint")
		_ = s.Reset()
		return
	}

	report := func(received, total int64, status session.TransferStatus, err error) {
		sink(session.TransferUpdate{
			EndpointID:  endpointID,
			Direction:   session.Incoming,
			Transferred: received,
			Total:       total,
			Status:      status,
			Err:         err,
		})
	}

	data, err := readPayload(s, limit, func(received, total int64) {
		report(received, total, session.TransferInProgress, nil)
	})
	if err != nil {
		_ = s.Reset()
		n.log.WithError(err).WithField("endpoint", endpointID).Warn("Payload failed")
		report(0, 0, session.TransferFailure, err)
		return
	}
	_ = s.Close()

	size := int64(len(data))
	report(size, size, session.TransferSuccess, nil)
	sink(session.PayloadReceived{EndpointID: endpointID, Data: data})
}
