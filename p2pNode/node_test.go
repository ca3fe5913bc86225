package p2pnode

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	host "github.com/libp2p/go-libp2p/core/host"
	peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"example/rockpaperscissors/session"
)

const testService = "test.rockpaperscissors"

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestNode creates a loopback node whose discovery is driven by the test.
func newTestNode(t *testing.T) *Node {
	t.Helper()
	return newTestNodeWithBackoff(t, 10*time.Millisecond)
}

func newTestNodeWithBackoff(t *testing.T, backoff time.Duration) *Node {
	t.Helper()
	n, err := New(Config{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		DialTimeout: 5 * time.Second,
		DialBackoff: backoff,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	n.startDiscovery = func(host.Host, string, *mdnsNotifee) (io.Closer, error) {
		return nopCloser{}, nil
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// reveal makes b visible to a as if mDNS had found it.
func reveal(a, b *Node) {
	(&mdnsNotifee{n: a}).HandlePeerFound(peer.AddrInfo{ID: b.host.ID(), Addrs: b.host.Addrs()})
}

type updates struct {
	mu  sync.Mutex
	all []session.Update
}

func (u *updates) observe(up session.Update) {
	u.mu.Lock()
	u.all = append(u.all, up)
	u.mu.Unlock()
}

func (u *updates) artifacts() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, up := range u.all {
		if _, ok := up.(session.ArtifactReceived); ok {
			n++
		}
	}
	return n
}

func startCoordinator(t *testing.T, name string, n *Node) (*session.Coordinator, *updates) {
	t.Helper()
	rec := &updates{}
	c, err := session.New(session.Options{
		Name:      name,
		ServiceID: testService,
		Transport: n,
		Observer:  rec.observe,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("session.New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	return buf.Bytes()
}

func TestFullAddrsCarryPeerID(t *testing.T) {
	n := newTestNode(t)
	addrs := n.FullAddrs()
	if len(addrs) == 0 {
		t.Fatal("expected at least one address")
	}
	for _, addr := range addrs {
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			t.Fatalf("AddrInfoFromP2pAddr(%s) failed: %v", addr, err)
		}
		if info.ID.String() != n.ID() {
			t.Errorf("address %s carries %s, want %s", addr, info.ID, n.ID())
		}
	}
}

func TestSendToUnknownEndpoint(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	if err := a.Send(b.ID(), []byte("x")); err == nil {
		t.Fatal("expected an error sending to an unconnected endpoint")
	}
	if err := a.Send("not-a-peer-id", []byte("x")); err == nil {
		t.Fatal("expected an error for an invalid endpoint id")
	}
}

func TestTwoNodesPairSendAndDisconnect(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	ca, _ := startCoordinator(t, "Foo", a)
	cb, recB := startCoordinator(t, "Bar", b)

	ca.StartSearching()
	cb.StartSearching()
	waitFor(t, "both searching", func() bool {
		return ca.Phase() == session.Searching && cb.Phase() == session.Searching
	})

	reveal(a, b)

	waitFor(t, "both connected", func() bool {
		return ca.Phase() == session.Connected && cb.Phase() == session.Connected
	})
	pa, _ := ca.Peer()
	pb, _ := cb.Peer()
	if pa.Name != "Bar" || pb.Name != "Foo" {
		t.Fatalf("names not exchanged: a sees %q, b sees %q", pa.Name, pb.Name)
	}
	if pa.EndpointID != b.ID() || pb.EndpointID != a.ID() {
		t.Fatalf("endpoint ids not exchanged: %q %q", pa.EndpointID, pb.EndpointID)
	}

	if err := ca.Send(testPNG(t)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, "artifact at b", func() bool { return recB.artifacts() == 1 })

	ca.Disconnect()
	waitFor(t, "both idle", func() bool {
		return ca.Phase() == session.Idle && cb.Phase() == session.Idle
	})
}

func TestConnectRefusedWhenNotAdvertising(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	ca, recA := startCoordinator(t, "Foo", a)

	ca.StartSearching()
	waitFor(t, "searching", func() bool { return ca.Phase() == session.Searching })
	reveal(a, b)

	waitFor(t, "failure", func() bool {
		recA.mu.Lock()
		defer recA.mu.Unlock()
		for _, up := range recA.all {
			if _, ok := up.(session.Failure); ok {
				return true
			}
		}
		return false
	})
	if ca.Phase() != session.Searching {
		t.Fatalf("expected to keep searching, got %s", ca.Phase())
	}
}

func TestSimultaneousDiscoveryPairs(t *testing.T) {
	cases := map[string]time.Duration{
		"no backoff":      -1,
		"default backoff": 0,
	}
	for name, backoff := range cases {
		t.Run(name, func(t *testing.T) {
			a := newTestNodeWithBackoff(t, backoff)
			b := newTestNodeWithBackoff(t, backoff)
			ca, _ := startCoordinator(t, "Foo", a)
			cb, _ := startCoordinator(t, "Bar", b)

			ca.StartSearching()
			cb.StartSearching()
			waitFor(t, "both searching", func() bool {
				return ca.Phase() == session.Searching && cb.Phase() == session.Searching
			})

			// Both sides find each other at once and dial.
			var wg sync.WaitGroup
			wg.Add(2)
			go func() { defer wg.Done(); reveal(a, b) }()
			go func() { defer wg.Done(); reveal(b, a) }()
			wg.Wait()

			waitFor(t, "both connected", func() bool {
				return ca.Phase() == session.Connected && cb.Phase() == session.Connected
			})
			pa, _ := ca.Peer()
			pb, _ := cb.Peer()
			if pa.Name != "Bar" || pb.Name != "Foo" {
				t.Fatalf("names not exchanged: a sees %q, b sees %q", pa.Name, pb.Name)
			}
			if pa.EndpointID != b.ID() || pb.EndpointID != a.ID() {
				t.Fatalf("endpoint ids not exchanged: %q %q", pa.EndpointID, pb.EndpointID)
			}

			a.mu.Lock()
			endpoints := len(a.endpoints)
			a.mu.Unlock()
			if endpoints != 1 {
				t.Errorf("expected one endpoint at a after the tie-break, got %d", endpoints)
			}
		})
	}
}
