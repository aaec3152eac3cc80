package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "leads:r1")
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.held(), "slots should be dropped after release")
}

func TestLocal_DifferentKeysInParallel(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	releaseA, err := l.Acquire(ctx, "a")
	require.NoError(t, err)
	defer releaseA()

	// GIVEN: "a" is held
	// WHEN: acquiring "b"
	// THEN: it succeeds without waiting
	done := make(chan struct{})
	go func() {
		release, err := l.Acquire(ctx, "b")
		assert.NoError(t, err)
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire of an unrelated key blocked")
	}
}

func TestLocal_ContextCancelReleasesPartialSet(t *testing.T) {
	l := NewLocal()

	releaseB, err := l.Acquire(context.Background(), "b")
	require.NoError(t, err)

	// GIVEN: "b" is held
	// WHEN: acquiring {"a","b"} with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "b", "a")

	// THEN: it fails and "a" is not left held
	require.ErrorIs(t, err, context.DeadlineExceeded)
	releaseB()
	assert.Equal(t, 0, l.held())

	release, err := l.Acquire(context.Background(), "a", "b")
	require.NoError(t, err)
	release()
	release()
}

func TestNormalizeKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, normalizeKeys([]string{"c", "a", "b", "a"}))
}

func TestRedis_AcquireRelease(t *testing.T) {
	addr := os.Getenv("LEADVAULT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEADVAULT_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	r, rdb, err := Dial(ctx, addr, time.Second)
	require.NoError(t, err)
	defer rdb.Close()

	release, err := r.Acquire(ctx, "test:x", "test:y")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(short, "test:y")
	assert.Error(t, err)

	release()
	release2, err := r.Acquire(ctx, "test:y")
	require.NoError(t, err)
	release2()
}
