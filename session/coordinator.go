// Package session coordinates the lifecycle of a single two-party proximity session.
//
// Discovery, connection and payload callbacks from the transport are turned into Event values
// and applied one at a time by Coordinator.Run. At most one peer session is active.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"example/rockpaperscissors/exchange"
)

// DefaultConnectTimeout bounds how long a connection attempt may stay unresolved.
const DefaultConnectTimeout = 30 * time.Second

// Options configures a Coordinator.
type Options struct {
	// Name is our display name. A codename is generated when empty.
	Name      string
	ServiceID string
	Transport Transport
	Observer  Observer
	// Accept decides on proposed connections. Defaults to AcceptAll.
	Accept AcceptPolicy
	// ConnectTimeout of zero means DefaultConnectTimeout; negative disables the timeout.
	ConnectTimeout time.Duration
	// Decode turns a received payload into an artifact. Defaults to exchange.Decode.
	Decode func([]byte) (*exchange.Artifact, error)
	Logger logrus.FieldLogger
}

// Coordinator owns the session state machine.
type Coordinator struct {
	name      string
	serviceID string
	transport Transport
	observer  Observer
	decode    func([]byte) (*exchange.Artifact, error)
	timeout   time.Duration
	log       logrus.FieldLogger

	queue *queue

	mu sync.RWMutex
	m  *machine
}

// New creates a coordinator. Nothing happens until Run is called.
func New(opts Options) (*Coordinator, error) {
	if opts.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if opts.ServiceID == "" {
		return nil, errors.New("session: service id is required")
	}

	name := opts.Name
	if name == "" {
		name = Codename()
	}
	timeout := opts.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}
	decode := opts.Decode
	if decode == nil {
		decode = exchange.Decode
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Coordinator{
		name:      name,
		serviceID: opts.ServiceID,
		transport: opts.Transport,
		observer:  opts.Observer,
		decode:    decode,
		timeout:   timeout,
		log:       log.WithField("self", name),
		queue:     newQueue(),
		m:         newMachine(opts.Accept),
	}, nil
}

// Name returns our display name.
func (c *Coordinator) Name() string {
	return c.name
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.m.phase
}

// Peer returns the active peer session, if any.
func (c *Coordinator) Peer() (Peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.m.peer == nil {
		return Peer{}, false
	}
	return *c.m.peer, true
}

// Sink returns the function transports report events to.
func (c *Coordinator) Sink() Sink {
	return c.post
}

// StartSearching starts advertising and discovery. It does nothing unless Idle.
func (c *Coordinator) StartSearching() {
	c.post(SearchRequested{})
}

// Disconnect ends the active session, or cancels a search in progress.
func (c *Coordinator) Disconnect() {
	c.post(DisconnectRequested{})
}

// Send hands payload to the transport for the active peer.
func (c *Coordinator) Send(payload []byte) error {
	peer, ok := c.Peer()
	if !ok {
		return ErrNoActivePeer
	}
	if err := c.transport.Send(peer.EndpointID, payload); err != nil {
		return &EndpointError{EndpointID: peer.EndpointID, Err: err}
	}
	c.log.WithFields(logrus.Fields{
		"endpoint": peer.EndpointID,
		"peer":     peer.Name,
		"bytes":    len(payload),
	}).Info("Payload handed to transport")
	return nil
}

// Run applies events until ctx is done, then tears the session down.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.WithField("service", c.serviceID).Info("Coordinator running")
	for {
		select {
		case <-ctx.Done():
			for _, ev := range c.queue.drain() {
				c.handle(ev)
			}
			c.handle(DisconnectRequested{})
			c.log.Info("Coordinator stopped")
			return nil
		case <-c.queue.ready:
			for _, ev := range c.queue.drain() {
				c.handle(ev)
			}
		}
	}
}

func (c *Coordinator) post(ev Event) {
	c.queue.push(ev)
}

func (c *Coordinator) handle(ev Event) {
	c.mu.Lock()
	actions := c.m.step(ev)
	phase := c.m.phase
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"event":   fmt.Sprintf("%T", ev),
		"phase":   phase,
		"actions": len(actions),
	}).Debug("Event applied")

	for _, a := range actions {
		c.execute(a)
	}
}

func (c *Coordinator) execute(a action) {
	switch a := a.(type) {
	case startAdvertising:
		if err := c.transport.Advertise(c.name, c.serviceID, c.post); err != nil {
			c.log.WithError(err).Warn("Advertising failed")
			c.post(StartFailed{Op: OpAdvertise, Err: err})
		}
	case startDiscovery:
		if err := c.transport.Discover(c.serviceID, c.post); err != nil {
			c.log.WithError(err).Warn("Discovery failed")
			c.post(StartFailed{Op: OpDiscover, Err: err})
		}
	case stopAdvertising:
		c.transport.StopAdvertise()
	case stopDiscovery:
		c.transport.StopDiscover()
	case requestConnection:
		c.log.WithField("endpoint", a.EndpointID).Info("Endpoint found, connecting")
		if err := c.transport.Connect(c.name, a.EndpointID, c.post); err != nil {
			c.post(ConnectionResult{EndpointID: a.EndpointID, Err: err})
		}
	case acceptConnection:
		c.log.WithField("endpoint", a.EndpointID).Info("Accepting connection")
		if err := c.transport.Accept(a.EndpointID, c.post); err != nil {
			c.post(ConnectionResult{EndpointID: a.EndpointID, Err: err})
		}
	case disconnectEndpoint:
		c.transport.Disconnect(a.EndpointID)
	case armTimeout:
		if c.timeout > 0 {
			time.AfterFunc(c.timeout, func() {
				c.post(connectTimeout{EndpointID: a.EndpointID, Attempt: a.Attempt})
			})
		}
	case decodePayload:
		artifact, err := c.decode(a.Data)
		if err != nil {
			c.emit(Failure{Err: &EndpointError{EndpointID: a.Peer.EndpointID, Err: err}})
			return
		}
		c.emit(ArtifactReceived{Peer: a.Peer, Artifact: artifact})
	case notify:
		c.emit(a.Update)
	}
}

func (c *Coordinator) emit(u Update) {
	switch u := u.(type) {
	case PhaseChanged:
		entry := c.log.WithField("phase", u.Phase)
		if u.Peer != nil {
			entry = entry.WithFields(logrus.Fields{"peer": u.Peer.Name, "endpoint": u.Peer.EndpointID})
		}
		entry.Info("Phase changed")
	case SessionEnded:
		c.log.WithFields(logrus.Fields{"peer": u.Peer.Name, "reason": u.Reason}).Info("Session ended")
	case Failure:
		c.log.WithError(u.Err).Warn("Recoverable failure")
	}

	if c.observer != nil {
		c.observer(u)
	}
}
