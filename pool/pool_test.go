package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"
)

func sizes() []int {
	return []int{0, 1, 4}
}

func TestMapOrder(t *testing.T) {
	for _, size := range sizes() {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			p := New(size)
			defer p.Release()

			items := []int{5, 4, 3, 2, 1, 0}
			out, err := Map(context.Background(), p, items, func(_ context.Context, v int) (int, error) {
				// make later items finish first
				time.Sleep(time.Duration(v) * time.Millisecond)
				return v * 10, nil
			})
			require.NoError(t, err)
			if diff := deep.Equal([]int{50, 40, 30, 20, 10, 0}, out); diff != nil {
				t.Fatal(diff)
			}
		})
	}
}

func TestMapError(t *testing.T) {
	boom := errors.New("boom")
	for _, size := range sizes() {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			p := New(size)
			defer p.Release()

			_, err := Map(context.Background(), p, []int{0, 1, 2, 3}, func(_ context.Context, v int) (int, error) {
				if v >= 2 {
					return 0, fmt.Errorf("item %d: %w", v, boom)
				}
				return v, nil
			})
			require.ErrorIs(t, err, boom)
			require.EqualError(t, err, "item 2: boom")
		})
	}
}

func TestSynchronousRunsInline(t *testing.T) {
	p := New(0)
	defer p.Release()
	require.True(t, p.Synchronous())

	var calls []int
	err := p.Run(context.Background(), 5, func(_ context.Context, i int) error {
		calls = append(calls, i)
		if i == 2 {
			return errors.New("stop")
		}
		return nil
	})
	require.EqualError(t, err, "stop")
	require.Equal(t, []int{0, 1, 2}, calls)
}

func TestRunBounded(t *testing.T) {
	p := New(3)
	defer p.Release()

	var cur, peak atomic.Int32
	err := p.Run(context.Background(), 30, func(context.Context, int) error {
		n := cur.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		cur.Add(-1)
		return nil
	})
	require.NoError(t, err)
	require.LessOrEqual(t, peak.Load(), int32(3))
}

func TestLazyMap(t *testing.T) {
	for _, size := range sizes() {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			p := New(size)
			defer p.Release()

			var got []string
			for s, err := range LazyMap(context.Background(), p, []int{1, 2, 3}, func(_ context.Context, v int) (string, error) {
				return fmt.Sprint(v), nil
			}) {
				require.NoError(t, err)
				got = append(got, s)
			}
			require.Equal(t, []string{"1", "2", "3"}, got)
		})
	}
}

func TestLazyMapStopsAtError(t *testing.T) {
	for _, size := range sizes() {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			p := New(size)
			defer p.Release()

			seq := LazyMap(context.Background(), p, []int{1, 2, 3}, func(_ context.Context, v int) (int, error) {
				if v == 2 {
					return 0, errors.New("bad item")
				}
				return v, nil
			})
			var n int
			var last error
			for _, err := range seq {
				n++
				last = err
			}
			require.Equal(t, 2, n)
			require.EqualError(t, last, "bad item")
		})
	}
}

func TestLazyMapAbandoned(t *testing.T) {
	p := New(2)

	var ran atomic.Int32
	seq := LazyMap(context.Background(), p, make([]int, 20), func(context.Context, int) (int, error) {
		ran.Add(1)
		return 0, nil
	})
	for range seq {
		break
	}

	// Release waits for the work that was already submitted
	p.Release()
	require.Equal(t, int32(20), ran.Load())
}

func TestScheduleDrain(t *testing.T) {
	for _, size := range sizes() {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			p := New(size)
			defer p.Release()

			var mu sync.Mutex
			var stored []int
			var seen []int
			b := Schedule(context.Background(), p, []int{3, 1, 2}, func(_ context.Context, v int) error {
				mu.Lock()
				stored = append(stored, v)
				mu.Unlock()
				return nil
			}, func(v int, err error) {
				require.NoError(t, err)
				seen = append(seen, v)
			})

			require.NoError(t, b.Drain(context.Background()))
			require.True(t, b.Done())
			require.True(t, b.Drained())

			sort.Ints(seen)
			sort.Ints(stored)
			require.Equal(t, []int{1, 2, 3}, seen)
			require.Equal(t, []int{1, 2, 3}, stored)

			// callbacks only run once
			require.NoError(t, b.Drain(context.Background()))
			require.Len(t, seen, 3)
		})
	}
}

func TestScheduleDoesNotBlock(t *testing.T) {
	p := New(1)
	defer p.Release()

	release := make(chan struct{})
	b := Schedule(context.Background(), p, []int{1, 2, 3}, func(context.Context, int) error {
		<-release
		return nil
	}, nil)
	require.False(t, b.Done())
	close(release)
	require.NoError(t, b.Drain(context.Background()))
}

func TestScheduleErrorsDeferredToDrain(t *testing.T) {
	p := New(2)
	defer p.Release()

	errA := errors.New("a failed")
	errC := errors.New("c failed")
	b := Schedule(context.Background(), p, []string{"a", "b", "c"}, func(_ context.Context, s string) error {
		switch s {
		case "a":
			return errA
		case "c":
			return errC
		}
		return nil
	}, nil)

	err := b.Drain(context.Background())
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errC)
	require.Equal(t, err, b.Drain(context.Background()))
}

func TestSynchronousScheduleStopsAtFirstError(t *testing.T) {
	p := New(0)
	defer p.Release()

	var ran []int
	b := Schedule(context.Background(), p, []int{0, 1, 2}, func(_ context.Context, v int) error {
		ran = append(ran, v)
		if v == 1 {
			return errors.New("nope")
		}
		return nil
	}, nil)

	// already ran before Schedule returned
	require.Equal(t, []int{0, 1}, ran)
	require.True(t, b.Done())
	require.Equal(t, 2, b.Len())
	require.EqualError(t, b.Drain(context.Background()), "nope")
}

func TestDrainContextCanceled(t *testing.T) {
	p := New(1)
	defer p.Release()

	release := make(chan struct{})
	b := Schedule(context.Background(), p, []int{1}, func(context.Context, int) error {
		<-release
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, b.Drain(ctx), context.Canceled)
	require.False(t, b.Drained())

	close(release)
	require.NoError(t, b.Drain(context.Background()))
}

func TestReferenceCounting(t *testing.T) {
	p := New(2)
	q := p.Acquire()
	require.Same(t, p, q)

	p.Release()

	// still usable through the second reference
	out, err := Map(context.Background(), q, []int{1, 2}, func(_ context.Context, v int) (int, error) {
		return v + 1, nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, out)

	q.Release()
	require.Panics(t, func() { q.Release() })
}
