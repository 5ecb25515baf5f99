package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// idleSleep is the pause when the capture timeline has not advanced.
	idleSleep = 5 * time.Millisecond

	// iterationSleep is the pause between live pump iterations, keeping the
	// fetch loop from spinning on the ring mutex.
	iterationSleep = time.Millisecond
)

// RunLive drains the capture ring until ctx is cancelled. Each iteration
// fetches the trailing window and feeds its newest samples, as many as the
// millisecond timeline advanced since the previous fetch. The timeline is in
// whole milliseconds, so samples of a partial millisecond at a fetch boundary
// and samples older than the window are not scored. On shutdown the
// remaining audio is drained and any active utterance is force-flushed.
//
// The ring is resumed on entry and paused on exit; the capture side writes
// into it concurrently via [App.CaptureRing].
func (a *App) RunLive(ctx context.Context) error {
	if !a.ring.Resume() {
		return fmt.Errorf("app: capture ring already running")
	}
	defer a.ring.Pause()

	window := a.cfg.Pipeline.FetchWindowMS()
	var lastTimelineMS int64

	for {
		select {
		case <-ctx.Done():
			lastTimelineMS = a.drainRing(window, lastTimelineMS)
			a.flushPipeline(context.Background())
			return nil
		default:
		}

		lastTimelineMS = a.drainRing(window, lastTimelineMS)
		a.recordPipelineCounters(ctx)
		sleepCtx(ctx, iterationSleep)
	}
}

// drainRing feeds the samples newer than lastTimelineMS into the pump and
// returns the new timeline position. Sleeps briefly when nothing arrived.
func (a *App) drainRing(windowMS int, lastTimelineMS int64) int64 {
	win, timelineMS := a.ring.Get(windowMS)
	if timelineMS <= lastTimelineMS || len(win) == 0 {
		time.Sleep(idleSleep)
		return lastTimelineMS
	}

	fresh := int((timelineMS - lastTimelineMS) * int64(a.sampleRate) / 1000)
	if fresh > len(win) {
		fresh = len(win)
	}
	a.feed(context.Background(), win[len(win)-fresh:])
	return timelineMS
}

// RunLiveFromStream runs the live loop while feeding the capture ring from a
// raw stream of little-endian float32 mono samples at the pipeline sample
// rate, standing in for a capture device. The loop ends when the stream does.
func (a *App) RunLiveFromStream(ctx context.Context, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.feedRingFromStream(gctx, r)
	})
	g.Go(func() error {
		return a.RunLive(gctx)
	})
	return g.Wait()
}

func (a *App) feedRingFromStream(ctx context.Context, r io.Reader) error {
	// The live loop resumes the ring; writes before that would be dropped.
	for !a.ring.Running() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		time.Sleep(time.Millisecond)
	}

	buf := make([]byte, 64*1024)
	var rem []byte
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(rem, buf[:n]...)
			whole := len(chunk) &^ 3
			a.ring.Write(float32sFromBytes(chunk[:whole]))
			rem = append(rem[:0], chunk[whole:]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("app: read capture stream: %w", err)
		}
	}
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
