// Package exchange turns received payload bytes into image artifacts.
package exchange

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrDecodeFailure is returned when a payload is not a decodable image.
var ErrDecodeFailure = errors.New("payload is not a decodable image")

// Artifact is a decoded image ready to be displayed or stored.
type Artifact struct {
	Format string
	Width  int
	Height int
	Image  image.Image
	// Data holds the payload exactly as received.
	Data []byte
}

// Decode decodes data as an image. Any format registered with the image package is accepted.
func Decode(data []byte) (*Artifact, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	bounds := img.Bounds()
	return &Artifact{
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Image:  img,
		Data:   data,
	}, nil
}

// EncodePNG writes the artifact as PNG regardless of the format it arrived in.
func (a *Artifact) EncodePNG(w io.Writer) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(w, a.Image); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}
