package sensor

import (
	"context"
	"sync"
	"time"

	"example.com/greenproof/internal/domain"
)

// SimGeolocator serves scripted fixes for local development and tests.
// Failures, if scripted, are returned in order before the configured fix,
// which exercises the caller's retry path.
type SimGeolocator struct {
	mu       sync.Mutex
	Fix      domain.LocationFix
	Failures []FailureCode
	Delay    time.Duration
	calls    int
}

// Acquire returns the next scripted failure, or a fresh copy of the fix
// stamped with the current time.
func (g *SimGeolocator) Acquire(ctx context.Context, opts AcquireOptions) (domain.LocationFix, error) {
	if g.Delay > 0 {
		select {
		case <-ctx.Done():
			return domain.LocationFix{}, NewFailure("acquire", FailureTimeout)
		case <-time.After(g.Delay):
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.calls < len(g.Failures) {
		code := g.Failures[g.calls]
		g.calls++
		return domain.LocationFix{}, NewFailure("acquire", code)
	}
	g.calls++

	fix := g.Fix
	fix.CapturedAt = time.Now().UTC()
	return fix, nil
}

// Calls reports how many acquisitions were attempted.
func (g *SimGeolocator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// SimCamera serves scripted frames for local development and tests.
type SimCamera struct {
	mu       sync.Mutex
	Frames   [][]byte
	Failures []FailureCode
	starts   int
	streams  []*SimStream
}

// Start returns the next scripted failure or a new stream over the frames.
func (c *SimCamera) Start(ctx context.Context, pref FacingPreference) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.starts < len(c.Failures) {
		code := c.Failures[c.starts]
		c.starts++
		return nil, NewFailure("start", code)
	}
	c.starts++

	stream := &SimStream{frames: c.Frames}
	c.streams = append(c.streams, stream)
	return stream, nil
}

// Starts reports how many stream starts were attempted.
func (c *SimCamera) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

// StopCalls sums Stop invocations across every stream the camera produced.
func (c *SimCamera) StopCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, s := range c.streams {
		total += s.StopCalls()
	}
	return total
}

// SimStream cycles through its frames on each snapshot.
type SimStream struct {
	mu        sync.Mutex
	frames    [][]byte
	next      int
	stopCalls int
}

// Snapshot returns the next frame. A stopped stream no longer produces frames.
func (s *SimStream) Snapshot() (domain.CapturedImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopCalls > 0 {
		return domain.CapturedImage{}, NewFailure("snapshot", FailureBusy)
	}

	frame := []byte("frame")
	if len(s.frames) > 0 {
		frame = s.frames[s.next%len(s.frames)]
		s.next++
	}
	return domain.CapturedImage{Data: frame, CapturedAt: time.Now().UTC()}, nil
}

// Stop records the release. Idempotent.
func (s *SimStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
}

// StopCalls reports how many times Stop was invoked on this stream.
func (s *SimStream) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}
