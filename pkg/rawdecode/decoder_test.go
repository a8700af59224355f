package rawdecode

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/tiff"

	"synthflat/pkg/mosaic"
)

// writeMosaicTIFF writes a Gray16 TIFF whose samples encode their own
// index.
func writeMosaicTIFF(t *testing.T, path string, width, height int) []uint16 {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, width, height))
	pix := make([]uint16, width*height)
	for i := range pix {
		pix[i] = uint16(i * 3)
		img.Pix[2*i] = byte(pix[i] >> 8)
		img.Pix[2*i+1] = byte(pix[i])
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create fixture: %v", err)
	}
	defer f.Close()
	if err := tiff.Encode(f, img, nil); err != nil {
		t.Fatalf("failed to encode fixture: %v", err)
	}
	return pix
}

func TestTIFFDecoder(t *testing.T) {
	dir := t.TempDir()
	decoder := &TIFFDecoder{Pattern: mosaic.MustParsePattern("RGGB"), BitDepth: 14}

	t.Run("DecodesFrame", func(t *testing.T) {
		path := filepath.Join(dir, "frame.tiff")
		want := writeMosaicTIFF(t, path, 6, 4)

		frame, err := decoder.Decode(context.Background(), path)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if frame.Width != 6 || frame.Height != 4 || frame.BitDepth != 14 {
			t.Errorf("frame is %dx%d depth %d", frame.Width, frame.Height, frame.BitDepth)
		}
		if frame.Pattern.String() != "RGGB" {
			t.Errorf("frame pattern = %s", frame.Pattern)
		}
		for i := range want {
			if frame.Pix[i] != want[i] {
				t.Fatalf("sample %d = %d, want %d", i, frame.Pix[i], want[i])
			}
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := decoder.Decode(context.Background(), filepath.Join(dir, "absent.tiff"))
		var decErr *DecodeError
		if !errors.As(err, &decErr) {
			t.Fatalf("Decode returned %v, want *DecodeError", err)
		}
	})

	t.Run("NotATIFF", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.tiff")
		if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
			t.Fatalf("failed to write fixture: %v", err)
		}
		_, err := decoder.Decode(context.Background(), path)
		var decErr *DecodeError
		if !errors.As(err, &decErr) {
			t.Fatalf("Decode returned %v, want *DecodeError", err)
		}
	})

	t.Run("OddGeometryRejected", func(t *testing.T) {
		path := filepath.Join(dir, "odd.tiff")
		writeMosaicTIFF(t, path, 5, 4)
		_, err := decoder.Decode(context.Background(), path)
		var decErr *DecodeError
		if !errors.As(err, &decErr) {
			t.Fatalf("Decode returned %v, want *DecodeError", err)
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		path := filepath.Join(dir, "frame.tiff")
		if _, err := decoder.Decode(ctx, path); !errors.Is(err, context.Canceled) {
			t.Fatalf("Decode returned %v, want context.Canceled", err)
		}
	})
}
