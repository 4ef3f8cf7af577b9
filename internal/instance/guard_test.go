package instance

import (
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testName(t *testing.T) string {
	if runtime.GOOS == "windows" {
		return "outputctld-test-" + xid.New().String()
	}
	return filepath.Join(t.TempDir(), "outputctld.lock")
}

func TestSecondAcquireFails(t *testing.T) {
	name := testName(t)

	g, ok, err := TryAcquire(name)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, name, g.Name())

	other, ok, err := TryAcquire(name)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, other)

	require.NoError(t, g.Release())
	require.NoError(t, g.Release(), "release is idempotent")

	again, ok, err := TryAcquire(name)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, again.Release())
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	name := testName(t)

	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		mu     sync.Mutex
		guards []*Guard
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, ok, err := TryAcquire(name)
			if !assert.NoError(t, err) || !ok {
				return
			}
			wins.Add(1)
			mu.Lock()
			guards = append(guards, g)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	for _, g := range guards {
		require.NoError(t, g.Release())
	}
}
