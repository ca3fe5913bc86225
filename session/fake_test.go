package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeTransport records every call made by the coordinator.
type fakeTransport struct {
	mu    sync.Mutex
	calls []string
	sent  map[string][][]byte

	advertiseErr error
	discoverErr  error
	sendErr      error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][][]byte)}
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTransport) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeTransport) Advertise(name, serviceID string, _ Sink) error {
	f.record("advertise")
	return f.advertiseErr
}

func (f *fakeTransport) Discover(serviceID string, _ Sink) error {
	f.record("discover")
	return f.discoverErr
}

func (f *fakeTransport) StopAdvertise() { f.record("stop-advertise") }
func (f *fakeTransport) StopDiscover()  { f.record("stop-discover") }

func (f *fakeTransport) Connect(name, endpointID string, _ Sink) error {
	f.record("connect:" + endpointID)
	return nil
}

func (f *fakeTransport) Accept(endpointID string, _ Sink) error {
	f.record("accept:" + endpointID)
	return nil
}

func (f *fakeTransport) Disconnect(endpointID string) {
	f.record("disconnect:" + endpointID)
}

func (f *fakeTransport) Send(endpointID string, payload []byte) error {
	f.record("send:" + endpointID)
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent[endpointID] = append(f.sent[endpointID], payload)
	f.mu.Unlock()
	return nil
}

// air links fake radios so that two coordinators can find and connect to each other.
type air struct {
	mu     sync.Mutex
	radios map[string]*radio
	links  map[string]*link
}

type radio struct {
	air         *air
	id          string
	name        string
	advertising bool
	discovering bool
	lifecycle   Sink
	found       Sink
}

type link struct {
	ends     [2]string
	sinks    map[string]Sink
	payloads map[string]Sink
	accepted map[string]bool
	up       bool
}

func newAir() *air {
	return &air{radios: make(map[string]*radio), links: make(map[string]*link)}
}

func (a *air) radio(id string) *radio {
	r := &radio{air: a, id: id}
	a.mu.Lock()
	a.radios[id] = r
	a.mu.Unlock()
	return r
}

func linkKey(x, y string) string {
	ends := []string{x, y}
	sort.Strings(ends)
	return ends[0] + "|" + ends[1]
}

func (l *link) other(id string) string {
	if l.ends[0] == id {
		return l.ends[1]
	}
	return l.ends[0]
}

// run calls the collected sinks outside the air lock.
func run(calls []func()) {
	for _, call := range calls {
		call()
	}
}

func (r *radio) Advertise(name, serviceID string, onProposed Sink) error {
	a := r.air
	a.mu.Lock()
	r.name = name
	r.advertising = true
	r.lifecycle = onProposed
	var calls []func()
	for _, other := range a.radios {
		if other != r && other.discovering {
			found, id := other.found, r.id
			calls = append(calls, func() { found(EndpointFound{EndpointID: id}) })
		}
	}
	a.mu.Unlock()
	run(calls)
	return nil
}

func (r *radio) Discover(serviceID string, onFound Sink) error {
	a := r.air
	a.mu.Lock()
	r.discovering = true
	r.found = onFound
	var calls []func()
	for _, other := range a.radios {
		if other != r && other.advertising {
			id := other.id
			calls = append(calls, func() { onFound(EndpointFound{EndpointID: id}) })
		}
	}
	a.mu.Unlock()
	run(calls)
	return nil
}

func (r *radio) StopAdvertise() {
	r.air.mu.Lock()
	r.advertising = false
	r.air.mu.Unlock()
}

func (r *radio) StopDiscover() {
	r.air.mu.Lock()
	r.discovering = false
	r.air.mu.Unlock()
}

func (r *radio) Connect(name, endpointID string, onResult Sink) error {
	a := r.air
	a.mu.Lock()
	target, ok := a.radios[endpointID]
	if !ok || !target.advertising {
		a.mu.Unlock()
		return fmt.Errorf("endpoint %s is not advertising", endpointID)
	}
	key := linkKey(r.id, endpointID)
	if _, exists := a.links[key]; exists {
		a.mu.Unlock()
		return nil
	}
	l := &link{
		ends:     [2]string{r.id, endpointID},
		sinks:    map[string]Sink{r.id: onResult, endpointID: target.lifecycle},
		payloads: make(map[string]Sink),
		accepted: make(map[string]bool),
	}
	a.links[key] = l
	targetSink, targetName, self := target.lifecycle, target.name, r.id
	a.mu.Unlock()

	targetSink(ConnectionInitiated{EndpointID: self, Name: name, Incoming: true})
	onResult(ConnectionInitiated{EndpointID: endpointID, Name: targetName})
	return nil
}

func (r *radio) Accept(endpointID string, onPayload Sink) error {
	a := r.air
	a.mu.Lock()
	l, ok := a.links[linkKey(r.id, endpointID)]
	if !ok {
		a.mu.Unlock()
		return errors.New("no such connection")
	}
	l.accepted[r.id] = true
	l.payloads[r.id] = onPayload
	var calls []func()
	if l.accepted[l.ends[0]] && l.accepted[l.ends[1]] && !l.up {
		l.up = true
		for _, id := range l.ends {
			sink, peer := l.sinks[id], l.other(id)
			calls = append(calls, func() { sink(ConnectionResult{EndpointID: peer}) })
		}
	}
	a.mu.Unlock()
	run(calls)
	return nil
}

func (r *radio) Disconnect(endpointID string) {
	a := r.air
	a.mu.Lock()
	key := linkKey(r.id, endpointID)
	l, ok := a.links[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.links, key)
	sink, up, self := l.sinks[endpointID], l.up, r.id
	a.mu.Unlock()

	if up {
		sink(Disconnected{EndpointID: self})
	} else {
		sink(ConnectionResult{EndpointID: self, Err: ErrConnectionRejected})
	}
}

func (r *radio) Send(endpointID string, payload []byte) error {
	a := r.air
	a.mu.Lock()
	l, ok := a.links[linkKey(r.id, endpointID)]
	if !ok || !l.up {
		a.mu.Unlock()
		return errors.New("not connected")
	}
	sink, self := l.payloads[endpointID], r.id
	a.mu.Unlock()

	sink(PayloadReceived{EndpointID: self, Data: payload})
	return nil
}

// recorder collects observer updates.
type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) observe(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, u := range r.updates {
		if f, ok := u.(Failure); ok {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

func (r *recorder) artifacts() []ArtifactReceived {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ArtifactReceived
	for _, u := range r.updates {
		if a, ok := u.(ArtifactReceived); ok {
			out = append(out, a)
		}
	}
	return out
}

func (r *recorder) ended() []SessionEnded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SessionEnded
	for _, u := range r.updates {
		if e, ok := u.(SessionEnded); ok {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
