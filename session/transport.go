package session

// Transport is the proximity layer the coordinator drives. Calls are requests: their outcome
// arrives later through the sink they were given.
type Transport interface {
	// Advertise broadcasts name under serviceID. Proposals from peers go to onProposed,
	// as do the results and disconnects of those connections.
	Advertise(name, serviceID string, onProposed Sink) error
	// Discover scans for peers advertising serviceID.
	Discover(serviceID string, onFound Sink) error
	StopAdvertise()
	StopDiscover()
	// Connect proposes a connection to endpointID, introducing ourselves as name.
	Connect(name, endpointID string, onResult Sink) error
	// Accept agrees to a proposed connection. Payloads and transfer updates go to onPayload.
	Accept(endpointID string, onPayload Sink) error
	Disconnect(endpointID string)
	Send(endpointID string, payload []byte) error
}

// AcceptPolicy decides whether to accept a proposed connection.
type AcceptPolicy func(ConnectionInitiated) bool

// AcceptAll accepts every proposal without authenticating the peer.
func AcceptAll(ConnectionInitiated) bool { return true }

// AcceptOutgoing accepts only connections we requested ourselves.
// Proposals from peers that found us are refused.
func AcceptOutgoing(ev ConnectionInitiated) bool { return !ev.Incoming }
