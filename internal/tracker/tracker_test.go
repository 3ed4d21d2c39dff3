package tracker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// TestTrack tests recording a submitted job
func TestTrack(t *testing.T) {
	tr := New()

	require.NoError(t, tr.Track("j1", "opennlp", t0, t0.Add(time.Minute)))
	assert.ErrorIs(t, tr.Track("j1", "opennlp", t0, t0.Add(time.Minute)), ErrDuplicateJob)

	entry, ok := tr.Get("j1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Equal(t, "opennlp", entry.Service)

	_, ok = tr.Get("nope")
	assert.False(t, ok)
}

// TestStateTransitions tests Pending -> Completed and Pending -> Dead
func TestStateTransitions(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Track("done", "opennlp", t0, t0.Add(time.Minute)))
	require.NoError(t, tr.Track("lost", "opennlp", t0, t0.Add(time.Minute)))

	require.NoError(t, tr.MarkCompleted("done", t0.Add(time.Second)))
	require.NoError(t, tr.MarkDead("lost", t0.Add(2*time.Minute)))

	// terminal states do not move
	assert.ErrorIs(t, tr.MarkDead("done", t0), ErrNotPending)
	assert.ErrorIs(t, tr.MarkCompleted("lost", t0), ErrNotPending)
	assert.ErrorIs(t, tr.MarkCompleted("ghost", t0), ErrJobNotFound)

	assert.Equal(t, map[string]int{"pending": 0, "completed": 1, "dead": 1}, tr.Stats())
}

// TestExpired tests deadline detection
func TestExpired(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Track("a", "opennlp", t0, t0.Add(time.Minute)))
	require.NoError(t, tr.Track("b", "spacy", t0, t0.Add(time.Hour)))
	require.NoError(t, tr.Track("c", "opennlp", t0, t0.Add(time.Second)))

	assert.Empty(t, tr.Expired(t0))
	assert.Equal(t, []string{"a", "c"}, tr.Expired(t0.Add(2*time.Minute)))

	require.NoError(t, tr.MarkCompleted("a", t0.Add(time.Second)))
	assert.Equal(t, []string{"c"}, tr.Expired(t0.Add(2*time.Minute)))
}

func TestPending(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Track("a", "opennlp", t0, t0.Add(time.Minute)))
	require.NoError(t, tr.Track("b", "spacy", t0, t0.Add(time.Minute)))

	assert.Equal(t, []string{"a"}, tr.Pending("opennlp"))
	assert.Equal(t, []string{"a", "b"}, tr.Pending(""))
}

func TestPrune(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Track("old", "opennlp", t0, t0.Add(time.Minute)))
	require.NoError(t, tr.Track("new", "opennlp", t0, t0.Add(time.Minute)))
	require.NoError(t, tr.Track("open", "opennlp", t0, t0.Add(time.Minute)))
	require.NoError(t, tr.MarkCompleted("old", t0.Add(time.Second)))
	require.NoError(t, tr.MarkDead("new", t0.Add(time.Hour)))

	assert.Equal(t, 1, tr.Prune(t0.Add(time.Minute)))
	_, ok := tr.Get("old")
	assert.False(t, ok)
	_, ok = tr.Get("new")
	assert.True(t, ok)
	_, ok = tr.Get("open")
	assert.True(t, ok)
}

// TestConcurrentAccess tests the tracker under parallel writers
func TestConcurrentAccess(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			_ = tr.Track(id, "opennlp", t0, t0.Add(time.Minute))
			_ = tr.MarkCompleted(id, t0)
			_ = tr.Stats()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, tr.Stats()["completed"])
}
