package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"example/rockpaperscissors/exchange"
)

// Phase is the coordinator's connection phase.
type Phase int

const (
	Idle Phase = iota
	Searching
	Connected
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Searching:
		return "searching"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Peer is the active peer session. A new one is built for every successful connection.
type Peer struct {
	SessionID   uuid.UUID
	EndpointID  string
	Name        string
	ConnectedAt time.Time
}

// Event is anything the coordinator reacts to: user requests and transport callbacks.
type Event interface {
	event()
}

// Sink receives events from the transport. It never blocks.
type Sink func(Event)

// SearchRequested asks the coordinator to advertise and discover.
type SearchRequested struct{}

// DisconnectRequested asks the coordinator to tear down the session or cancel the search.
type DisconnectRequested struct{}

// EndpointFound is raised by discovery for every advertising peer it sees.
type EndpointFound struct {
	EndpointID string
}

// EndpointLost is raised by discovery when a peer stops advertising.
type EndpointLost struct {
	EndpointID string
}

// ConnectionInitiated is raised on both sides once a connection is proposed.
type ConnectionInitiated struct {
	EndpointID string
	Name       string
	Incoming   bool
}

// ConnectionResult resolves a proposed connection. Err is nil on success.
type ConnectionResult struct {
	EndpointID string
	Err        error
}

// Disconnected is raised when an established connection goes away.
type Disconnected struct {
	EndpointID string
}

// PayloadReceived carries a complete payload from an endpoint.
type PayloadReceived struct {
	EndpointID string
	Data       []byte
}

// Direction of a transfer.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// TransferStatus mirrors the states a payload transfer goes through.
type TransferStatus int

const (
	TransferInProgress TransferStatus = iota
	TransferSuccess
	TransferFailure
)

func (s TransferStatus) String() string {
	switch s {
	case TransferInProgress:
		return "in progress"
	case TransferSuccess:
		return "success"
	case TransferFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// TransferUpdate reports progress of a payload in either direction.
type TransferUpdate struct {
	EndpointID  string
	Direction   Direction
	Transferred int64
	Total       int64
	Status      TransferStatus
	Err         error
}

// StartFailed is posted when the transport refused to advertise or discover.
type StartFailed struct {
	Op  string
	Err error
}

type connectTimeout struct {
	EndpointID string
	Attempt    uint64
}

func (SearchRequested) event()     {}
func (DisconnectRequested) event() {}
func (EndpointFound) event()       {}
func (EndpointLost) event()        {}
func (ConnectionInitiated) event() {}
func (ConnectionResult) event()    {}
func (Disconnected) event()        {}
func (PayloadReceived) event()     {}
func (TransferUpdate) event()      {}
func (StartFailed) event()         {}
func (connectTimeout) event()      {}

// Update is what the coordinator tells its UI collaborator.
type Update interface {
	update()
}

// Observer receives updates on the coordinator goroutine.
type Observer func(Update)

// PhaseChanged is sent on every phase transition. Peer is set while Connected.
type PhaseChanged struct {
	Phase Phase
	Peer  *Peer
}

// EndReason says who ended a session.
type EndReason int

const (
	EndedByPeer EndReason = iota
	EndedLocally
)

func (r EndReason) String() string {
	if r == EndedLocally {
		return "local"
	}
	return "peer"
}

// SessionEnded is sent once when a peer session is cleared.
type SessionEnded struct {
	Peer   Peer
	Reason EndReason
}

// ArtifactReceived is the display artifact decoded from a received payload.
type ArtifactReceived struct {
	Peer     Peer
	Artifact *exchange.Artifact
}

// TransferProgress forwards transfer updates for the session peer.
type TransferProgress struct {
	Peer   Peer
	Update TransferUpdate
}

// Failure surfaces a recoverable error. The phase is reported separately.
type Failure struct {
	Err error
}

func (PhaseChanged) update()     {}
func (SessionEnded) update()     {}
func (ArtifactReceived) update() {}
func (TransferProgress) update() {}
func (Failure) update()          {}
