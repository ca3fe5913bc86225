package p2pnode

import (
	"errors"
	"fmt"
	"io"

	cbor "github.com/fxamacker/cbor/v2"
	protocol "github.com/libp2p/go-libp2p/core/protocol"
)

// Protocol definitions. Both are scoped by the advertised service id.
func connectProtocol(serviceID string) protocol.ID {
	return protocol.ID("/rps/" + serviceID + "/connect/1.0.0") // handshake and liveness
}

func payloadProtocol(serviceID string) protocol.ID {
	return protocol.ID("/rps/" + serviceID + "/payload/1.0.0") // one stream per payload
}

type controlType uint8

const (
	controlHello controlType = iota + 1
	controlAccept
	controlReject
	controlGoodbye
)

func (t controlType) String() string {
	switch t {
	case controlHello:
		return "hello"
	case controlAccept:
		return "accept"
	case controlReject:
		return "reject"
	case controlGoodbye:
		return "goodbye"
	default:
		return fmt.Sprintf("control(%d)", uint8(t))
	}
}

// controlMessage is exchanged on the connect stream.
type controlMessage struct {
	Type controlType `cbor:"1,keyasint"`
	Name string      `cbor:"2,keyasint,omitempty"`
}

type payloadHeader struct {
	Size int64 `cbor:"1,keyasint"`
}

type payloadChunk struct {
	Data []byte `cbor:"1,keyasint"`
	Last bool   `cbor:"2,keyasint,omitempty"`
}

var (
	errPayloadTooLarge = errors.New("payload too large")
	errPayloadCorrupt  = errors.New("payload does not match its header")
)

// writePayload writes a header followed by chunks of at most chunkSize bytes.
// progress is called with the total sent after every chunk.
func writePayload(w io.Writer, data []byte, chunkSize int, progress func(sent int64)) error {
	enc := cbor.NewEncoder(w)
	if err := enc.Encode(payloadHeader{Size: int64(len(data))}); err != nil {
		return fmt.Errorf("failed to write payload header: %w", err)
	}

	var sent int64
	for {
		n := min(chunkSize, len(data))
		chunk := payloadChunk{Data: data[:n], Last: n == len(data)}
		if err := enc.Encode(chunk); err != nil {
			return fmt.Errorf("failed to write payload chunk: %w", err)
		}
		data = data[n:]
		sent += int64(n)
		if progress != nil {
			progress(sent)
		}
		if chunk.Last {
			return nil
		}
	}
}

// readPayload reads what writePayload wrote. limit <= 0 means no limit.
func readPayload(r io.Reader, limit int64, progress func(received, total int64)) ([]byte, error) {
	dec := cbor.NewDecoder(r)

	var header payloadHeader
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("failed to read payload header: %w", err)
	}
	if header.Size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", errPayloadCorrupt, header.Size)
	}
	if limit > 0 && header.Size > limit {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", errPayloadTooLarge, header.Size, limit)
	}

	data := make([]byte, 0, header.Size)
	for {
		var chunk payloadChunk
		if err := dec.Decode(&chunk); err != nil {
			return nil, fmt.Errorf("failed to read payload chunk: %w", err)
		}
		if int64(len(data)+len(chunk.Data)) > header.Size {
			return nil, fmt.Errorf("%w: more than %d bytes", errPayloadCorrupt, header.Size)
		}
		data = append(data, chunk.Data...)
		if progress != nil {
			progress(int64(len(data)), header.Size)
		}
		if chunk.Last {
			break
		}
	}

	if int64(len(data)) != header.Size {
		return nil, fmt.Errorf("%w: got %d of %d bytes", errPayloadCorrupt, len(data), header.Size)
	}
	return data, nil
}
