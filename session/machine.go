package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Ops reported in StartFailed.
const (
	OpAdvertise = "advertise"
	OpDiscover  = "discover"
)

// action is a side effect requested by a transition. The coordinator runs them in order.
type action interface {
	action()
}

type startAdvertising struct{}
type startDiscovery struct{}
type stopAdvertising struct{}
type stopDiscovery struct{}

type requestConnection struct{ EndpointID string }
type acceptConnection struct{ EndpointID string }
type disconnectEndpoint struct{ EndpointID string }

type armTimeout struct {
	EndpointID string
	Attempt    uint64
}

type decodePayload struct {
	Peer Peer
	Data []byte
}

type notify struct{ Update Update }

func (startAdvertising) action()   {}
func (startDiscovery) action()     {}
func (stopAdvertising) action()    {}
func (stopDiscovery) action()      {}
func (requestConnection) action()  {}
func (acceptConnection) action()   {}
func (disconnectEndpoint) action() {}
func (armTimeout) action()         {}
func (decodePayload) action()      {}
func (notify) action()             {}

// machine holds the session state. It is only touched through step.
type machine struct {
	phase Phase
	peer  *Peer

	// pending maps endpoints with an unresolved connection to their attempt number.
	pending  map[string]uint64
	names    map[string]string
	attempts uint64

	advertising bool
	discovering bool

	accept AcceptPolicy
	now    func() time.Time
	newID  func() uuid.UUID
}

func newMachine(accept AcceptPolicy) *machine {
	if accept == nil {
		accept = AcceptAll
	}
	return &machine{
		phase:   Idle,
		pending: make(map[string]uint64),
		names:   make(map[string]string),
		accept:  accept,
		now:     time.Now,
		newID:   uuid.New,
	}
}

// step applies one event and returns the side effects it calls for.
func (m *machine) step(ev Event) []action {
	switch ev := ev.(type) {
	case SearchRequested:
		return m.search()
	case DisconnectRequested:
		return m.disconnect()
	case EndpointFound:
		return m.found(ev.EndpointID)
	case EndpointLost:
		return nil
	case ConnectionInitiated:
		return m.initiated(ev)
	case ConnectionResult:
		return m.result(ev)
	case Disconnected:
		return m.disconnected(ev.EndpointID)
	case PayloadReceived:
		if m.isPeer(ev.EndpointID) {
			return []action{decodePayload{Peer: *m.peer, Data: ev.Data}}
		}
	case TransferUpdate:
		if m.isPeer(ev.EndpointID) {
			return []action{notify{TransferProgress{Peer: *m.peer, Update: ev}}}
		}
	case StartFailed:
		return m.startFailed(ev)
	case connectTimeout:
		return m.timeout(ev)
	}
	return nil
}

func (m *machine) search() []action {
	if m.phase != Idle {
		return nil
	}
	m.phase = Searching
	m.advertising = true
	m.discovering = true
	return []action{startAdvertising{}, startDiscovery{}, m.phaseChanged()}
}

func (m *machine) found(id string) []action {
	if m.phase != Searching || id == "" {
		return nil
	}
	if _, ok := m.pending[id]; ok {
		return nil
	}
	return m.track(id, requestConnection{EndpointID: id})
}

func (m *machine) initiated(ev ConnectionInitiated) []action {
	id := ev.EndpointID
	switch m.phase {
	case Searching:
		if !m.accept(ev) {
			m.forget(id)
			return []action{disconnectEndpoint{EndpointID: id}}
		}
		m.names[id] = ev.Name
		if _, ok := m.pending[id]; ok {
			return []action{acceptConnection{EndpointID: id}}
		}
		return m.track(id, acceptConnection{EndpointID: id})
	case Connected:
		if m.peer.EndpointID == id {
			return nil
		}
	}
	return []action{disconnectEndpoint{EndpointID: id}}
}

func (m *machine) result(ev ConnectionResult) []action {
	id := ev.EndpointID
	switch m.phase {
	case Searching:
		_, tracked := m.pending[id]
		if ev.Err != nil {
			if !tracked {
				return nil
			}
			m.forget(id)
			return []action{notify{Failure{Err: rejected(id, ev.Err)}}}
		}
		if !tracked {
			return []action{disconnectEndpoint{EndpointID: id}}
		}
		return m.commit(id)
	case Connected:
		if ev.Err == nil && id != m.peer.EndpointID {
			return []action{disconnectEndpoint{EndpointID: id}}
		}
	case Idle:
		if ev.Err == nil {
			return []action{disconnectEndpoint{EndpointID: id}}
		}
	}
	return nil
}

// commit turns a successful attempt into the peer session.
func (m *machine) commit(id string) []action {
	m.peer = &Peer{
		SessionID:   m.newID(),
		EndpointID:  id,
		Name:        m.names[id],
		ConnectedAt: m.now(),
	}
	m.forget(id)

	actions := m.stopSearch()
	m.phase = Connected
	return append(actions, m.phaseChanged())
}

func (m *machine) disconnected(id string) []action {
	switch m.phase {
	case Connected:
		if m.peer.EndpointID == id {
			return m.end(EndedByPeer, nil)
		}
	case Searching:
		m.forget(id)
	}
	return nil
}

func (m *machine) disconnect() []action {
	switch m.phase {
	case Connected:
		return m.end(EndedLocally, []action{disconnectEndpoint{EndpointID: m.peer.EndpointID}})
	case Searching:
		actions := m.stopSearch()
		m.phase = Idle
		return append(actions, m.phaseChanged())
	}
	return nil
}

func (m *machine) startFailed(ev StartFailed) []action {
	if m.phase != Searching {
		return nil
	}
	switch ev.Op {
	case OpAdvertise:
		m.advertising = false
	case OpDiscover:
		m.discovering = false
	}
	actions := m.stopSearch()
	m.phase = Idle
	return append(actions,
		notify{Failure{Err: fmt.Errorf("%w: %s: %w", ErrSearchFailed, ev.Op, ev.Err)}},
		m.phaseChanged())
}

func (m *machine) timeout(ev connectTimeout) []action {
	if m.phase != Searching {
		return nil
	}
	if attempt, ok := m.pending[ev.EndpointID]; !ok || attempt != ev.Attempt {
		return nil
	}
	m.forget(ev.EndpointID)
	return []action{
		disconnectEndpoint{EndpointID: ev.EndpointID},
		notify{Failure{Err: &EndpointError{EndpointID: ev.EndpointID, Err: ErrConnectTimeout}}},
	}
}

// stopSearch stops whatever is still running and cancels every pending attempt.
func (m *machine) stopSearch() []action {
	var actions []action
	if m.advertising {
		m.advertising = false
		actions = append(actions, stopAdvertising{})
	}
	if m.discovering {
		m.discovering = false
		actions = append(actions, stopDiscovery{})
	}

	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		actions = append(actions, disconnectEndpoint{EndpointID: id})
	}
	clear(m.pending)
	clear(m.names)
	return actions
}

func (m *machine) end(reason EndReason, actions []action) []action {
	ended := *m.peer
	m.peer = nil
	m.phase = Idle
	return append(actions, notify{SessionEnded{Peer: ended, Reason: reason}}, m.phaseChanged())
}

func (m *machine) track(id string, first action) []action {
	m.attempts++
	m.pending[id] = m.attempts
	return []action{first, armTimeout{EndpointID: id, Attempt: m.attempts}}
}

func (m *machine) forget(id string) {
	delete(m.pending, id)
	delete(m.names, id)
}

func (m *machine) isPeer(id string) bool {
	return m.phase == Connected && m.peer.EndpointID == id
}

func (m *machine) phaseChanged() action {
	ev := PhaseChanged{Phase: m.phase}
	if m.peer != nil {
		p := *m.peer
		ev.Peer = &p
	}
	return notify{ev}
}
