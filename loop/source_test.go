package loop

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFrames(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
}

func TestDirSource_LoadsSorted(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, "frame_0002.jpg", "frame_0000.jpg", "frame_0001.jpg", "notes.txt")

	seq, err := (&DirSource{Dir: dir, FPS: 30}).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, seq.Len())
	assert.Equal(t, "frame_0000.jpg", string(seq.Frame(0)))
	assert.Equal(t, "frame_0002.jpg", string(seq.Frame(2)))
}

func TestDirSource_CustomPattern(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, "a.png", "b.jpg")

	seq, err := (&DirSource{Dir: dir, Pattern: "*.png", FPS: 5}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, seq.Len())
}

func TestDirSource_Unavailable(t *testing.T) {
	tests := []struct {
		name string
		src  *DirSource
	}{
		{"missing dir", &DirSource{Dir: filepath.Join(t.TempDir(), "nope"), FPS: 30}},
		{"empty dir", &DirSource{Dir: t.TempDir(), FPS: 30}},
		{"bad pattern", &DirSource{Dir: t.TempDir(), Pattern: "[", FPS: 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := tt.src.Load(context.Background())
			assert.Nil(t, seq)
			var unavailable *SourceUnavailable
			require.ErrorAs(t, err, &unavailable)
			assert.Contains(t, unavailable.Source, "dir:")
		})
	}
}

func TestDirSource_InvalidRate(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, "a.jpg")

	_, err := (&DirSource{Dir: dir}).Load(context.Background())
	var unavailable *SourceUnavailable
	require.ErrorAs(t, err, &unavailable)
}

func TestStaticSource(t *testing.T) {
	seq, err := NewSequence(frames(2), 10)
	require.NoError(t, err)

	got, err := (&StaticSource{Label: "x", Sequence: seq}).Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, seq, got)

	_, err = (&StaticSource{Label: "empty"}).Load(context.Background())
	var unavailable *SourceUnavailable
	assert.ErrorAs(t, err, &unavailable)
}
