package indicator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mil-ad/outputctl/internal/audio"
)

// scriptedSource returns a fixed mode or error.
type scriptedSource struct {
	mu    sync.Mutex
	mode  audio.OutputMode
	err   error
	calls int
}

func (s *scriptedSource) CurrentOutputMode(ctx context.Context) (audio.OutputMode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.mode, s.err
}

func (s *scriptedSource) set(mode audio.OutputMode, err error) {
	s.mu.Lock()
	s.mode, s.err = mode, err
	s.mu.Unlock()
}

// recorder is an Indicator that remembers what it was asked to show.
type recorder struct {
	mu    sync.Mutex
	shown []audio.OutputMode
}

func (r *recorder) Show(mode audio.OutputMode) {
	r.mu.Lock()
	r.shown = append(r.shown, mode)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []audio.OutputMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audio.OutputMode(nil), r.shown...)
}

func TestTickShowsOnlyChanges(t *testing.T) {
	ctx := context.Background()
	src := &scriptedSource{mode: audio.Speakers}
	rec := &recorder{}
	loop := NewSyncLoop(src, rec, time.Hour, nil)

	require.NoError(t, loop.Tick(ctx))
	require.NoError(t, loop.Tick(ctx))
	src.set(audio.Headphones, nil)
	require.NoError(t, loop.Tick(ctx))
	require.NoError(t, loop.Tick(ctx))

	assert.Equal(t, []audio.OutputMode{audio.Speakers, audio.Headphones}, rec.snapshot())
	last, ok := loop.Last()
	assert.True(t, ok)
	assert.Equal(t, audio.Headphones, last)
}

func TestTickErrorKeepsLastShown(t *testing.T) {
	ctx := context.Background()
	src := &scriptedSource{mode: audio.Headphones}
	rec := &recorder{}
	loop := NewSyncLoop(src, rec, time.Hour, nil)

	require.NoError(t, loop.Tick(ctx))
	src.set(0, errors.New("channel down"))
	assert.Error(t, loop.Tick(ctx))
	assert.Error(t, loop.Tick(ctx))

	src.set(audio.Headphones, nil)
	require.NoError(t, loop.Tick(ctx))
	assert.Equal(t, []audio.OutputMode{audio.Headphones}, rec.snapshot())
}

func TestLoopPollsAndSurvivesErrors(t *testing.T) {
	src := &scriptedSource{err: errors.New("not yet")}
	rec := &recorder{}
	loop := NewSyncLoop(src, rec, 10*time.Millisecond, nil)
	loop.Start(context.Background())
	defer loop.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	src.set(audio.Headphones, nil)
	assert.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestLoopStop(t *testing.T) {
	src := &scriptedSource{mode: audio.Speakers}
	loop := NewSyncLoop(src, &recorder{}, 5*time.Millisecond, nil)
	loop.Start(context.Background())
	loop.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	loop.Stop()
	loop.Stop()

	src.mu.Lock()
	calls := src.calls
	src.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, calls, src.calls)
}

func TestConcurrentTicksShowOnce(t *testing.T) {
	src := &scriptedSource{mode: audio.Headphones}
	rec := &recorder{}
	loop := NewSyncLoop(src, rec, time.Hour, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Tick(context.Background())
		}()
	}
	wg.Wait()
	assert.Len(t, rec.snapshot(), 1)
}
