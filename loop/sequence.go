package loop

import (
	"fmt"
	"math"
	"time"
)

// Sequence is an immutable, finite, ordered set of frames with a nominal
// playback rate. Frames are shared with every viewer and must not be
// modified.
type Sequence struct {
	frames [][]byte
	fps    float64
}

// NewSequence validates frames and fps. The frame slice is copied; the frame
// bytes are not.
func NewSequence(frames [][]byte, fps float64) (*Sequence, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("sequence needs at least one frame")
	}
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return nil, fmt.Errorf("invalid frame rate %v", fps)
	}
	for i, f := range frames {
		if len(f) == 0 {
			return nil, fmt.Errorf("frame %d is empty", i)
		}
	}
	return &Sequence{frames: append([][]byte(nil), frames...), fps: fps}, nil
}

// Len is the number of frames in one loop.
func (s *Sequence) Len() int { return len(s.frames) }

// FPS is the nominal playback rate.
func (s *Sequence) FPS() float64 { return s.fps }

// Frame returns frame i. It panics if i is out of range.
func (s *Sequence) Frame(i int) []byte { return s.frames[i] }

// Duration is the playback length of one loop.
func (s *Sequence) Duration() time.Duration {
	return s.offset(int64(len(s.frames)))
}

// offset is the time from the first frame to frame n at the nominal rate.
// It is computed from n directly so rounding never accumulates.
func (s *Sequence) offset(n int64) time.Duration {
	return time.Duration(float64(n) * float64(time.Second) / s.fps)
}
