package app

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/openflow-ai/transcriber/internal/events"
	"github.com/openflow-ai/transcriber/pkg/audio"
)

// quitCommand ends the stdin-audio mode when read as a full line.
const quitCommand = "__quit__"

// PCM stream tags for the stdin-pcm framing. Each job is bracketed by begin
// and end tags, with any number of sample batches in between.
const (
	tagBegin   = 'B'
	tagEnd     = 'E'
	tagSamples = 'J'
	tagQuit    = 'Q'
)

// pushChunkSamples is the batch size for feeding decoded file audio through
// the pump, large enough to amortize the per-push overhead.
const pushChunkSamples = 16 * 512

// maxPathLine bounds one stdin-audio input line.
const maxPathLine = 1 << 20

// RunFile transcribes one WAV file in a single pass and returns when the
// final segment has been decoded.
func (a *App) RunFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("app: open audio file: %w", err)
	}
	defer f.Close()
	return a.processWAV(ctx, f)
}

// processWAV decodes a WAV stream, normalizes it to the pipeline sample rate
// and runs it through the pump, force-flushing at the end so trailing audio
// is never lost.
func (a *App) processWAV(ctx context.Context, r io.Reader) error {
	data, err := audio.DecodeWAV(r)
	if err != nil {
		return fmt.Errorf("app: decode wav: %w", err)
	}
	samples, err := audio.Resample(data.Samples, data.SampleRate, a.sampleRate)
	if err != nil {
		return fmt.Errorf("app: resample %d -> %d: %w", data.SampleRate, a.sampleRate, err)
	}

	for off := 0; off < len(samples); off += pushChunkSamples {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + pushChunkSamples
		if end > len(samples) {
			end = len(samples)
		}
		a.feed(ctx, samples[off:end])
	}

	a.flushPipeline(ctx)
	return nil
}

// RunStdinAudio reads WAV file paths from in, one per line, and transcribes
// each as an independent job bracketed by job_start/job_end events. Blank
// lines are skipped; the quit command ends the mode. A failing file is logged
// and the mode moves on to the next line.
func (a *App) RunStdinAudio(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxPathLine)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == quitCommand {
			return nil
		}

		if err := a.emitter.Emit(events.JobStart{Path: line}); err != nil {
			slog.Warn("emit job_start failed", "error", err)
		}
		a.resetJob()
		if err := a.RunFile(ctx, line); err != nil {
			slog.Error("transcription job failed", "path", line, "error", err)
		}
		if err := a.emitter.Emit(events.JobEnd{Path: line}); err != nil {
			slog.Warn("emit job_end failed", "error", err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("app: read path lines: %w", err)
	}
	return nil
}

// RunStdinPCM consumes the tagged binary sample protocol from in: 'B' begins
// a job, 'J' carries a u32 little-endian sample count followed by that many
// little-endian float32 samples, 'E' ends the job, 'Q' quits. A truncated
// frame or an unknown tag ends the mode without error.
func (a *App) RunStdinPCM(ctx context.Context, in io.Reader) error {
	br := bufio.NewReader(in)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		tag, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("app: read stream tag: %w", err)
		}

		switch tag {
		case tagBegin:
			if err := a.emitter.Emit(events.JobStart{}); err != nil {
				slog.Warn("emit job_start failed", "error", err)
			}
			a.resetJob()

		case tagEnd:
			a.flushPipeline(ctx)
			if err := a.emitter.Emit(events.JobEnd{}); err != nil {
				slog.Warn("emit job_end failed", "error", err)
			}

		case tagSamples:
			var count uint32
			if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
				slog.Warn("pcm stream: truncated sample count, ending input", "error", err)
				return nil
			}
			if count == 0 {
				continue
			}
			payload := make([]byte, 4*int(count))
			if _, err := io.ReadFull(br, payload); err != nil {
				slog.Warn("pcm stream: truncated sample payload, ending input",
					"expected_samples", count,
					"error", err,
				)
				return nil
			}
			a.feed(ctx, float32sFromBytes(payload))

		case tagQuit:
			return nil

		default:
			slog.Warn("pcm stream: unknown tag, ending input", "tag", string(tag))
			return nil
		}
	}
}

// float32sFromBytes reinterprets little-endian float32 bytes as samples. The
// length of b must be a multiple of four.
func float32sFromBytes(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
