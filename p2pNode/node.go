// Package p2pnode is a libp2p transport for the session coordinator.
//
// Advertising and discovery run over mDNS on the local network. Peers that
// find each other negotiate a connection on a per-service connect stream and
// exchange payloads on separate payload streams.
package p2pnode

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	host "github.com/libp2p/go-libp2p/core/host"
	peer "github.com/libp2p/go-libp2p/core/peer"
	multiaddr "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"example/rockpaperscissors/session"
)

const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultDialBackoff    = time.Second
	DefaultMaxPayloadSize = 32 << 20
	DefaultChunkSize      = 32 << 10
)

var (
	errUnknownEndpoint = errors.New("unknown endpoint")
	errNotConnected    = errors.New("endpoint not connected")
)

// Config configures a Node. Zero values pick the defaults.
type Config struct {
	ListenAddrs []string
	DialTimeout time.Duration
	// DialBackoff is how long the peer with the higher id waits for the other
	// side to dial before dialing itself. Negative disables the wait.
	DialBackoff    time.Duration
	MaxPayloadSize int64
	ChunkSize      int
	Logger         logrus.FieldLogger
}

// discoveryFunc starts peer discovery for serviceID and reports peers to notifee.
type discoveryFunc func(h host.Host, serviceID string, notifee *mdnsNotifee) (io.Closer, error)

// Node is a libp2p host that implements session.Transport.
type Node struct {
	host host.Host
	cfg  Config
	log  logrus.FieldLogger

	startDiscovery discoveryFunc

	mu            sync.Mutex
	serviceID     string
	discovery     io.Closer
	advertising   bool
	advertiseName string
	proposals     session.Sink
	discovering   bool
	onFound       session.Sink
	found         map[peer.ID]peer.AddrInfo
	endpoints     map[peer.ID]*endpoint
}

var _ session.Transport = (*Node)(nil)

// New creates a libp2p host listening on cfg.ListenAddrs.
func New(cfg Config) (*Node, error) {
	var opts []libp2p.Option
	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	return newNode(h, cfg), nil
}

func newNode(h host.Host, cfg Config) *Node {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.DialBackoff == 0 {
		cfg.DialBackoff = DefaultDialBackoff
	}
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Node{
		host:           h,
		cfg:            cfg,
		log:            log.WithField("node", shortID(h.ID())),
		startDiscovery: startMDNS,
		found:          make(map[peer.ID]peer.AddrInfo),
		endpoints:      make(map[peer.ID]*endpoint),
	}
}

// ID returns the endpoint id other nodes know us by.
func (n *Node) ID() string {
	return n.host.ID().String()
}

// FullAddrs returns the listen addresses with our peer id appended.
func (n *Node) FullAddrs() []multiaddr.Multiaddr {
	suffix := multiaddr.StringCast("/p2p/" + n.host.ID().String())
	addrs := n.host.Addrs()
	full := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, addr := range addrs {
		full = append(full, addr.Encapsulate(suffix))
	}
	return full
}

// Advertise makes us reachable for serviceID. Proposals go to onProposed.
func (n *Node) Advertise(name, serviceID string, onProposed session.Sink) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.serveLocked(serviceID); err != nil {
		return err
	}
	n.advertising = true
	n.advertiseName = name
	n.proposals = onProposed
	n.host.SetStreamHandler(connectProtocol(serviceID), n.handleConnectStream)

	n.log.WithFields(logrus.Fields{"name": name, "service": serviceID}).Info("Advertising")
	return nil
}

// Discover reports peers advertising serviceID to onFound.
func (n *Node) Discover(serviceID string, onFound session.Sink) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.serveLocked(serviceID); err != nil {
		return err
	}
	n.discovering = true
	n.onFound = onFound

	n.log.WithField("service", serviceID).Info("Discovering")
	return nil
}

func (n *Node) StopAdvertise() {
	n.mu.Lock()
	if !n.advertising {
		n.mu.Unlock()
		return
	}
	n.advertising = false
	n.proposals = nil
	n.host.RemoveStreamHandler(connectProtocol(n.serviceID))
	closer := n.detachDiscoveryLocked()
	n.mu.Unlock()

	n.closeDiscovery(closer)
	n.log.Info("Stopped advertising")
}

func (n *Node) StopDiscover() {
	n.mu.Lock()
	if !n.discovering {
		n.mu.Unlock()
		return
	}
	n.discovering = false
	n.onFound = nil
	closer := n.detachDiscoveryLocked()
	n.mu.Unlock()

	n.closeDiscovery(closer)
	n.log.Info("Stopped discovery")
}

// Close tears down every endpoint and the host.
func (n *Node) Close() error {
	n.mu.Lock()
	closer := n.discovery
	n.discovery = nil
	n.advertising = false
	n.discovering = false
	endpoints := make([]*endpoint, 0, len(n.endpoints))
	for id, ep := range n.endpoints {
		endpoints = append(endpoints, ep)
		delete(n.endpoints, id)
	}
	n.mu.Unlock()

	n.closeDiscovery(closer)
	for _, ep := range endpoints {
		ep.close()
	}
	return n.host.Close()
}

// serveLocked starts discovery and the payload handler for serviceID.
func (n *Node) serveLocked(serviceID string) error {
	if n.discovery != nil {
		if n.serviceID != serviceID {
			return fmt.Errorf("already serving %q", n.serviceID)
		}
		return nil
	}

	closer, err := n.startDiscovery(n.host, serviceID, &mdnsNotifee{n: n})
	if err != nil {
		return err
	}
	if n.serviceID != serviceID {
		if n.serviceID != "" {
			n.host.RemoveStreamHandler(payloadProtocol(n.serviceID))
		}
		n.host.SetStreamHandler(payloadProtocol(serviceID), n.handlePayloadStream)
	}
	n.discovery = closer
	n.serviceID = serviceID
	return nil
}

// detachDiscoveryLocked hands back the discovery service once nothing needs it.
// It must be closed without holding n.mu, since discovery callbacks take the lock.
func (n *Node) detachDiscoveryLocked() io.Closer {
	if n.advertising || n.discovering {
		return nil
	}
	closer := n.discovery
	n.discovery = nil
	return closer
}

func (n *Node) closeDiscovery(closer io.Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		n.log.WithError(err).Warn("Failed to stop discovery")
	}
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 12 {
		return s[len(s)-12:]
	}
	return s
}
