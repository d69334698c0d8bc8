package audiograph

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const trackBuffer = 50

// Track is the terminal output of a chain. Frames that the reader does not
// collect in time are dropped.
type Track struct {
	id     string
	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

func NewTrack() *Track {
	return &Track{
		id:     uuid.NewString(),
		frames: make(chan Frame, trackBuffer),
		done:   make(chan struct{}),
	}
}

func (t *Track) ID() string {
	return t.id
}

func (t *Track) write(f Frame) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.frames <- f:
	default:
	}
}

// ReadFrame returns the next frame, or ErrSourceClosed once the track has
// been stopped.
func (t *Track) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrSourceClosed
	case f := <-t.frames:
		return f, nil
	}
}

func (t *Track) Stop() {
	t.once.Do(func() { close(t.done) })
}

func (t *Track) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
