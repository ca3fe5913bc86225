package p2pnode

import (
	"context"
	"fmt"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	network "github.com/libp2p/go-libp2p/core/network"
	peer "github.com/libp2p/go-libp2p/core/peer"
	protocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"

	"example/rockpaperscissors/session"
)

// endpoint is one negotiated or negotiating connection to a remote node.
// Fields other than the stream are guarded by Node.mu.
type endpoint struct {
	id        peer.ID
	outbound  bool
	lifecycle session.Sink
	payloads  session.Sink

	localAccepted  bool
	remoteAccepted bool
	established    bool

	ctx    context.Context
	cancel context.CancelFunc

	wmu    sync.Mutex
	stream network.Stream
	enc    *cbor.Encoder
	dec    *cbor.Decoder
}

func newEndpoint(id peer.ID, outbound bool, lifecycle session.Sink) *endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &endpoint{id: id, outbound: outbound, lifecycle: lifecycle, ctx: ctx, cancel: cancel}
}

func (ep *endpoint) attach(s network.Stream) {
	ep.wmu.Lock()
	ep.stream = s
	ep.enc = cbor.NewEncoder(s)
	ep.dec = cbor.NewDecoder(s)
	ep.wmu.Unlock()
}

func (ep *endpoint) write(msg controlMessage) error {
	ep.wmu.Lock()
	defer ep.wmu.Unlock()
	if ep.enc == nil {
		return errNotConnected
	}
	return ep.enc.Encode(msg)
}

func (ep *endpoint) close() {
	ep.cancel()
	ep.wmu.Lock()
	s := ep.stream
	ep.wmu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}

func (ep *endpoint) reset() {
	ep.cancel()
	ep.wmu.Lock()
	s := ep.stream
	ep.wmu.Unlock()
	if s != nil {
		_ = s.Reset()
	}
}

// Connect dials endpointID and runs the handshake in the background.
// The outcome is reported to onResult.
func (n *Node) Connect(name, endpointID string, onResult session.Sink) error {
	id, err := peer.Decode(endpointID)
	if err != nil {
		return fmt.Errorf("invalid endpoint id %q: %w", endpointID, err)
	}

	n.mu.Lock()
	if _, ok := n.endpoints[id]; ok {
		n.mu.Unlock()
		return nil
	}
	ep := newEndpoint(id, true, onResult)
	n.endpoints[id] = ep
	info, ok := n.found[id]
	if !ok {
		info = peer.AddrInfo{ID: id}
	}
	proto := connectProtocol(n.serviceID)
	n.mu.Unlock()

	go n.dial(ep, info, name, proto)
	return nil
}

func (n *Node) dial(ep *endpoint, info peer.AddrInfo, name string, proto protocol.ID) {
	log := n.log.WithField("endpoint", ep.id.String())

	// Simultaneous dials keep the one initiated by the lower id.
	if n.host.ID() > ep.id && n.cfg.DialBackoff > 0 {
		select {
		case <-time.After(n.cfg.DialBackoff):
		case <-ep.ctx.Done():
			return
		}
	}

	ctx, cancel := context.WithTimeout(ep.ctx, n.cfg.DialTimeout)
	defer cancel()

	if err := n.host.Connect(ctx, info); err != nil {
		n.drop(ep, fmt.Errorf("failed to connect to peer: %w", err))
		return
	}
	s, err := n.host.NewStream(ctx, ep.id, proto)
	if err != nil {
		n.drop(ep, fmt.Errorf("failed to open stream: %w", err))
		return
	}

	n.mu.Lock()
	current := n.endpoints[ep.id] == ep
	if current {
		ep.attach(s)
	}
	n.mu.Unlock()
	if !current {
		_ = s.Reset()
		return
	}

	if err := ep.write(controlMessage{Type: controlHello, Name: name}); err != nil {
		n.drop(ep, fmt.Errorf("failed to send hello: %w", err))
		return
	}
	var reply controlMessage
	if err := ep.dec.Decode(&reply); err != nil {
		n.drop(ep, fmt.Errorf("%w: no hello from peer: %v", session.ErrConnectionRejected, err))
		return
	}
	if reply.Type != controlHello {
		n.drop(ep, fmt.Errorf("%w: unexpected %s", session.ErrConnectionRejected, reply.Type))
		return
	}

	log.WithField("name", reply.Name).Info("Connection initiated")
	ep.lifecycle(session.ConnectionInitiated{EndpointID: ep.id.String(), Name: reply.Name})
	n.readControl(ep, log)
}

// readControl follows the connect stream until it ends.
func (n *Node) readControl(ep *endpoint, log logrus.FieldLogger) {
	for {
		var msg controlMessage
		if err := ep.dec.Decode(&msg); err != nil {
			n.drop(ep, fmt.Errorf("%w: %v", session.ErrConnectionRejected, err))
			return
		}
		log.WithField("type", msg.Type).Debug("Control message")

		switch msg.Type {
		case controlAccept:
			n.mu.Lock()
			ep.remoteAccepted = true
			n.mu.Unlock()
			n.establish(ep)
		case controlReject, controlGoodbye:
			n.drop(ep, session.ErrConnectionRejected)
			return
		}
	}
}

// establish reports success once both sides have accepted.
func (n *Node) establish(ep *endpoint) {
	n.mu.Lock()
	ready := n.endpoints[ep.id] == ep && ep.localAccepted && ep.remoteAccepted && !ep.established
	if ready {
		ep.established = true
	}
	n.mu.Unlock()

	if ready {
		n.log.WithField("endpoint", ep.id.String()).Info("Connection established")
		ep.lifecycle(session.ConnectionResult{EndpointID: ep.id.String()})
	}
}

// drop forgets ep and tells its owner, unless ep was already forgotten.
func (n *Node) drop(ep *endpoint, err error) {
	n.mu.Lock()
	current := n.endpoints[ep.id] == ep
	if current {
		delete(n.endpoints, ep.id)
	}
	established := ep.established
	n.mu.Unlock()

	ep.reset()
	if !current {
		return
	}

	log := n.log.WithField("endpoint", ep.id.String())
	if established {
		log.Info("Disconnected")
		ep.lifecycle(session.Disconnected{EndpointID: ep.id.String()})
		return
	}
	log.WithError(err).Warn("Connection failed")
	ep.lifecycle(session.ConnectionResult{EndpointID: ep.id.String(), Err: err})
}

// discard forgets ep without telling anyone.
func (n *Node) discard(ep *endpoint) {
	n.mu.Lock()
	if n.endpoints[ep.id] == ep {
		delete(n.endpoints, ep.id)
	}
	n.mu.Unlock()
	ep.reset()
}

// Accept accepts a proposed connection. Payloads go to onPayload once
// both sides have accepted.
func (n *Node) Accept(endpointID string, onPayload session.Sink) error {
	id, err := peer.Decode(endpointID)
	if err != nil {
		return fmt.Errorf("invalid endpoint id %q: %w", endpointID, err)
	}

	n.mu.Lock()
	ep, ok := n.endpoints[id]
	if ok {
		ep.localAccepted = true
		ep.payloads = onPayload
	}
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("endpoint %s: %w", endpointID, errUnknownEndpoint)
	}

	if err := ep.write(controlMessage{Type: controlAccept}); err != nil {
		n.discard(ep)
		return fmt.Errorf("failed to send accept: %w", err)
	}
	n.establish(ep)
	return nil
}

// Disconnect says goodbye to endpointID and closes its connection.
func (n *Node) Disconnect(endpointID string) {
	id, err := peer.Decode(endpointID)
	if err != nil {
		return
	}

	n.mu.Lock()
	ep, ok := n.endpoints[id]
	if ok {
		delete(n.endpoints, id)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	if err := ep.write(controlMessage{Type: controlGoodbye}); err != nil {
		n.log.WithError(err).Debug("Goodbye not sent")
	}
	ep.close()
	if err := n.host.Network().ClosePeer(id); err != nil {
		n.log.WithError(err).Debug("Failed to close peer connection")
	}
	n.log.WithField("endpoint", endpointID).Info("Disconnected")
}

// Send streams payload to an established endpoint in the background.
// Progress is reported to the endpoint's payload sink.
func (n *Node) Send(endpointID string, payload []byte) error {
	id, err := peer.Decode(endpointID)
	if err != nil {
		return fmt.Errorf("invalid endpoint id %q: %w", endpointID, err)
	}

	n.mu.Lock()
	ep, ok := n.endpoints[id]
	ok = ok && ep.established
	var sink session.Sink
	if ok {
		sink = ep.payloads
	}
	proto := payloadProtocol(n.serviceID)
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("endpoint %s: %w", endpointID, errNotConnected)
	}
	if int64(len(payload)) > n.cfg.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", errPayloadTooLarge, len(payload))
	}

	go n.sendPayload(ep, sink, proto, payload)
	return nil
}

func (n *Node) sendPayload(ep *endpoint, sink session.Sink, proto protocol.ID, payload []byte) {
	total := int64(len(payload))
	report := func(sent int64, status session.TransferStatus, err error) {
		if sink == nil {
			return
		}
		sink(session.TransferUpdate{
			EndpointID:  ep.id.String(),
			Direction:   session.Outgoing,
			Transferred: sent,
			Total:       total,
			Status:      status,
			Err:         err,
		})
	}

	ctx, cancel := context.WithTimeout(ep.ctx, n.cfg.DialTimeout)
	s, err := n.host.NewStream(ctx, ep.id, proto)
	cancel()
	if err != nil {
		report(0, session.TransferFailure, fmt.Errorf("failed to open stream: %w", err))
		return
	}

	err = writePayload(s, payload, n.cfg.ChunkSize, func(sent int64) {
		report(sent, session.TransferInProgress, nil)
	})
	if err != nil {
		_ = s.Reset()
		report(0, session.TransferFailure, err)
		return
	}
	if err := s.Close(); err != nil {
		n.log.WithError(err).Debug("Failed to close payload stream")
	}
	n.log.WithFields(logrus.Fields{"endpoint": ep.id.String(), "bytes": total}).Info("Payload sent")
	report(total, session.TransferSuccess, nil)
}
