package loop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Source loads the frame sequence of a channel. Load either returns a
// complete sequence or a *SourceUnavailable, never a partial one.
type Source interface {
	Name() string
	Load(ctx context.Context) (*Sequence, error)
}

// DefaultPattern matches the JPEG frames written by the camera capture job.
const DefaultPattern = "*.jpg"

// DirSource reads every file in Dir matching Pattern, in lexical order.
type DirSource struct {
	Dir     string
	Pattern string
	FPS     float64
}

func (s *DirSource) Name() string {
	return "dir:" + filepath.Join(s.Dir, s.pattern())
}

func (s *DirSource) pattern() string {
	if s.Pattern == "" {
		return DefaultPattern
	}
	return s.Pattern
}

func (s *DirSource) Load(ctx context.Context) (*Sequence, error) {
	paths, err := filepath.Glob(filepath.Join(s.Dir, s.pattern()))
	if err != nil {
		return nil, &SourceUnavailable{Source: s.Name(), Reason: "bad pattern", Cause: err}
	}
	if len(paths) == 0 {
		return nil, &SourceUnavailable{Source: s.Name(), Reason: "no frames found"}
	}
	sort.Strings(paths)

	frames := make([][]byte, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, &SourceUnavailable{Source: s.Name(), Reason: "load cancelled", Cause: err}
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, &SourceUnavailable{Source: s.Name(), Reason: fmt.Sprintf("read %s", filepath.Base(p)), Cause: err}
		}
		frames = append(frames, data)
	}

	seq, err := NewSequence(frames, s.FPS)
	if err != nil {
		return nil, &SourceUnavailable{Source: s.Name(), Reason: "invalid sequence", Cause: err}
	}
	return seq, nil
}

// StaticSource serves a sequence that is already in memory.
type StaticSource struct {
	Label    string
	Sequence *Sequence
}

func (s *StaticSource) Name() string { return "static:" + s.Label }

func (s *StaticSource) Load(ctx context.Context) (*Sequence, error) {
	if s.Sequence == nil {
		return nil, &SourceUnavailable{Source: s.Name(), Reason: "no sequence"}
	}
	return s.Sequence, nil
}
