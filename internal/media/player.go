package media

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// Player streams audio prompt files to one call leg.
// It frames a loaded prompt at the codec's packet size and relies on
// the stream writer's clock for real-time pacing.
type Player struct {
	writer   *RTPStreamWriter
	codec    Codec
	basePath string
}

// NewPlayer creates a player that resolves prompt names under
// basePath and streams them with the given codec.
func NewPlayer(writer *RTPStreamWriter, codec Codec, basePath string) *Player {
	return &Player{
		writer:   writer,
		codec:    codec,
		basePath: basePath,
	}
}

// PlayFile streams one prompt file to the remote end. The name is
// resolved under the player's base path; traversal outside it is
// refused. Blocks until the file finishes or the context is
// cancelled.
func (p *Player) PlayFile(ctx context.Context, name string) error {
	path, err := p.resolve(name)
	if err != nil {
		return err
	}

	frames, err := LoadPrompt(path, p.codec)
	if err != nil {
		return fmt.Errorf("load prompt: %w", err)
	}

	frameSize := p.codec.BytesPerFrame()
	slog.Debug("[Player] Streaming prompt", "file", name, "frames", len(frames)/frameSize)

	first := true
	for off := 0; off < len(frames); off += frameSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		end := off + frameSize
		if end > len(frames) {
			end = len(frames)
		}

		if err := p.writer.WritePayload(frames[off:end], first); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		first = false
	}

	return nil
}

// resolve maps a prompt name to a path under basePath, appending the
// .wav extension when missing.
func (p *Player) resolve(name string) (string, error) {
	if !strings.HasSuffix(strings.ToLower(name), ".wav") {
		name += ".wav"
	}
	path := filepath.Join(p.basePath, filepath.Clean("/"+name))
	if !strings.HasPrefix(path, filepath.Clean(p.basePath)+string(filepath.Separator)) {
		return "", fmt.Errorf("prompt path escapes base directory: %s", name)
	}
	return path, nil
}
