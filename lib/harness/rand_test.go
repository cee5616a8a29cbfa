package harness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ValentinKolb/kvcheck/lib/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandStrings(t *testing.T) {
	r := NewRand(42)

	assert.Len(t, r.String(4), 4)
	for i := 0; i < 100; i++ {
		s := r.StringBetween(4, 10)
		assert.GreaterOrEqual(t, len(s), 4)
		assert.Less(t, len(s), 10)
		assert.Regexp(t, "^[a-z]+$", s)
	}

	bin := r.Binary(100, 0)
	assert.True(t, utf8.Valid(bin))
	assert.Equal(t, 100, utf8.RuneCount(bin))

	// equal seeds, equal values
	assert.Equal(t, NewRand(7).StringBetween(8, 64), NewRand(7).StringBetween(8, 64))
}

func TestKeysSameBucket(t *testing.T) {
	keys := NewRand(1).KeysSameBucket(3, 4)
	require.Len(t, keys, 3)
	assert.NotEqual(t, keys[0], keys[1])
	assert.NotEqual(t, keys[1], keys[2])
	assert.Equal(t, wire.BucketOf(keys[0]), wire.BucketOf(keys[1]))
	assert.Equal(t, wire.BucketOf(keys[0]), wire.BucketOf(keys[2]))
}

func TestBarrierReleasesAll(t *testing.T) {
	b := NewBarrier(3)
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.Wait(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// aborting after the release does not affect the released round
	b.Abort()
}

func TestBarrierIsReusable(t *testing.T) {
	b := NewBarrier(2)
	for round := 0; round < 3; round++ {
		errs := make(chan error, 2)
		for i := 0; i < 2; i++ {
			go func() { errs <- b.Wait(context.Background()) }()
		}
		for i := 0; i < 2; i++ {
			select {
			case err := <-errs:
				assert.NoError(t, err, "round %d", round)
			case <-time.After(2 * time.Second):
				t.Fatalf("round %d was not released", round)
			}
		}
	}

	b.Abort()
	assert.ErrorIs(t, b.Wait(context.Background()), ErrBarrierBroken)
}

func TestBarrierAbort(t *testing.T) {
	b := NewBarrier(3)
	done := make(chan error, 1)
	go func() { done <- b.Wait(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	b.Abort()
	assert.True(t, errors.Is(<-done, ErrBarrierBroken))
	assert.True(t, errors.Is(b.Wait(context.Background()), ErrBarrierBroken))
}

func TestBarrierContext(t *testing.T) {
	b := NewBarrier(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, b.Wait(context.Background()), ErrBarrierBroken)
}

func TestChain(t *testing.T) {
	a, b := errors.New("a"), errors.New("b")
	assert.Nil(t, chain(nil, nil))
	assert.Same(t, a, chain(a, nil))
	assert.Same(t, b, chain(nil, b))

	err := chain(a, b)
	assert.True(t, errors.Is(err, a))
	assert.Equal(t, "a\n\nAdditionally: *errors.errorString: b", err.Error())
}
