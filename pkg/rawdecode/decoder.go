// Package rawdecode is the boundary to the raw-decoding collaborator.
// The pipeline consumes the Decoder interface; the concrete
// implementation shipped here reads mosaic frames that have been
// pre-extracted to 16-bit grayscale TIFF (one sample per photosite,
// no demosaicing). Decoding proprietary raw containers directly stays
// outside the system.
package rawdecode

import (
	"context"
	"fmt"
	"image"
	"os"

	"golang.org/x/image/tiff"

	"synthflat/pkg/mosaic"
)

// Decoder turns one input file into a raw mosaic frame.
type Decoder interface {
	Decode(ctx context.Context, path string) (*mosaic.RawFrame, error)
}

// DecodeError indicates that a single frame could not be decoded. It is
// recoverable at the batch level: the frame is excluded with a warning
// unless strict mode makes it fatal.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TIFFDecoder reads 16-bit grayscale mosaic TIFFs. Pattern and bit
// depth are not carried by plain grayscale TIFF, so the decoder is
// configured with them up front (from a CLI flag or a camera-database
// lookup).
type TIFFDecoder struct {
	// Pattern is the mosaic tiling of every frame
	Pattern mosaic.Pattern

	// BitDepth is the significant sample bit depth (12-16)
	BitDepth int
}

// Decode implements Decoder.
func (d *TIFFDecoder) Decode(ctx context.Context, path string) (*mosaic.RawFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	decoded, err := tiff.Decode(f)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	gray, ok := decoded.(*image.Gray16)
	if !ok {
		return nil, &DecodeError{Path: path, Err: fmt.Errorf("expected 16-bit grayscale mosaic, got %T", decoded)}
	}

	bounds := gray.Bounds()
	frame := &mosaic.RawFrame{
		Path:     path,
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		BitDepth: d.BitDepth,
		Pattern:  d.Pattern,
		Pix:      make([]uint16, bounds.Dx()*bounds.Dy()),
	}
	for i := range frame.Pix {
		frame.Pix[i] = uint16(gray.Pix[2*i])<<8 | uint16(gray.Pix[2*i+1])
	}
	if err := frame.Validate(); err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return frame, nil
}
