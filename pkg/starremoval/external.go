package starremoval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/image/tiff"

	"synthflat/pkg/mosaic"
)

// ExternalToolError indicates a failed invocation of the external
// star-removal executable: a nonzero exit, a timeout, unreadable output
// or an output image whose dimensions differ from the input. The
// failure is fatal for the run unless a fallback method is configured.
type ExternalToolError struct {
	// Tool is the executable path that was invoked
	Tool string

	// Channel is the label of the channel being processed
	Channel string

	// Reason describes what went wrong
	Reason string

	// Err is the underlying error, when one exists
	Err error
}

func (e *ExternalToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("external star-removal tool %s failed on channel %s: %s: %v",
			e.Tool, e.Channel, e.Reason, e.Err)
	}
	return fmt.Sprintf("external star-removal tool %s failed on channel %s: %s",
		e.Tool, e.Channel, e.Reason)
}

func (e *ExternalToolError) Unwrap() error { return e.Err }

// ExternalTool delegates star removal to an external executable. The
// contract is strictly file based: the channel is serialized to a
// 16-bit grayscale TIFF, the tool is invoked as
//
//	<path> <input-file> <output-file> [tool-specific flags]
//
// as a blocking subprocess under a bounded timeout, and the tool must
// exit 0 and produce an output image of identical dimensions. On
// timeout the subprocess is forcibly terminated rather than leaked.
type ExternalTool struct{}

// Name implements Strategy.
func (ExternalTool) Name() string { return MethodExternal }

// Apply implements Strategy.
func (ExternalTool) Apply(ctx context.Context, ch *mosaic.ChannelImage, params Params) (*mosaic.ChannelImage, error) {
	if params.ToolPath == "" {
		return nil, &ExternalToolError{Tool: params.ToolPath, Channel: ch.Label, Reason: "no executable path configured"}
	}

	dir, err := os.MkdirTemp("", "synthflat-starremoval-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, fmt.Sprintf("channel_%s_in.tiff", ch.Label))
	outPath := filepath.Join(dir, fmt.Sprintf("channel_%s_out.tiff", ch.Label))
	if err := writeChannelTIFF(inPath, ch); err != nil {
		return nil, fmt.Errorf("failed to serialize channel %s: %w", ch.Label, err)
	}

	runCtx := ctx
	if params.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, params.Timeout)
		defer cancel()
	}

	args := append([]string{inPath, outPath}, params.ToolArgs...)
	cmd := exec.CommandContext(runCtx, params.ToolPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// After the kill, don't wait on the stderr pipe for grandchildren
	// that inherited it; abandon it so a timeout fails the task promptly.
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		reason := "nonzero exit"
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			reason = fmt.Sprintf("timed out after %s and was terminated", params.Timeout)
		} else if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			reason = fmt.Sprintf("nonzero exit (%s)", msg)
		}
		return nil, &ExternalToolError{Tool: params.ToolPath, Channel: ch.Label, Reason: reason, Err: err}
	}

	cleaned, err := readChannelTIFF(outPath)
	if err != nil {
		return nil, &ExternalToolError{Tool: params.ToolPath, Channel: ch.Label, Reason: "unreadable output image", Err: err}
	}
	if cleaned.Width != ch.Width || cleaned.Height != ch.Height {
		return nil, &ExternalToolError{
			Tool: params.ToolPath, Channel: ch.Label,
			Reason: fmt.Sprintf("output is %dx%d, input was %dx%d",
				cleaned.Width, cleaned.Height, ch.Width, ch.Height),
		}
	}

	cleaned.Label = ch.Label
	cleaned.OffsetX, cleaned.OffsetY = ch.OffsetX, ch.OffsetY
	return cleaned, nil
}

// writeChannelTIFF serializes a channel image as an uncompressed 16-bit
// grayscale TIFF, the interchange format of the tool boundary.
func writeChannelTIFF(path string, ch *mosaic.ChannelImage) error {
	img := image.NewGray16(image.Rect(0, 0, ch.Width, ch.Height))
	for i, v := range ch.Pix {
		img.Pix[2*i] = byte(v >> 8)
		img.Pix[2*i+1] = byte(v)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Uncompressed}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readChannelTIFF reads a 16-bit grayscale TIFF back into a channel
// image. Label and offset are filled in by the caller.
func readChannelTIFF(path string) (*mosaic.ChannelImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoded, err := tiff.Decode(f)
	if err != nil {
		return nil, err
	}
	gray, ok := decoded.(*image.Gray16)
	if !ok {
		return nil, fmt.Errorf("expected 16-bit grayscale image, got %T", decoded)
	}
	bounds := gray.Bounds()
	ch := &mosaic.ChannelImage{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Pix:    make([]uint16, bounds.Dx()*bounds.Dy()),
	}
	for i := range ch.Pix {
		ch.Pix[i] = uint16(gray.Pix[2*i])<<8 | uint16(gray.Pix[2*i+1])
	}
	return ch, nil
}
