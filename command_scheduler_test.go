package terrastream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/paulmach/orb/maptile"
)

type testProvider struct {
	fetch      func(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error)
	fetchCount atomic.Int64
}

func (self *testProvider) Fetch(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error) {
	self.fetchCount.Add(1)
	return self.fetch(ctx, descriptor)
}

func testDescriptor(url string) *FetchDescriptor {
	return &FetchDescriptor{
		Url:     url,
		LayerId: NewId(),
		Tile:    maptile.New(1, 2, 3),
		Format:  RasterFormatMapbox,
	}
}

func TestCommandSchedulerPriorityOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := make(chan struct{})
	order := []string{}
	var orderLock sync.Mutex

	provider := &testProvider{
		fetch: func(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error) {
			if descriptor.Url == "first" {
				<-gate
			}
			orderLock.Lock()
			order = append(order, descriptor.Url)
			orderLock.Unlock()
			return []RasterResult{}, nil
		},
	}
	scheduler := NewCommandScheduler(ctx, provider, &CommandSchedulerSettings{
		MaxConcurrent: 1,
	})

	var wg sync.WaitGroup
	execute := func(url string, priority float32) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			command := NewCommand(maptile.New(0, 0, 0), NewId(), priority, testDescriptor(url), NewLiveness(), false)
			_, err := scheduler.Execute(command)
			assert.Equal(t, nil, err)
		}()
	}

	// saturate the single admission slot
	execute("first", 1)
	for scheduler.InFlightCount() != 1 {
		time.Sleep(time.Millisecond)
	}

	// backlog fills while blocked. higher priority is admitted first.
	execute("low", 1)
	for scheduler.BacklogSize() != 1 {
		time.Sleep(time.Millisecond)
	}
	execute("high", 10)
	for scheduler.BacklogSize() != 2 {
		time.Sleep(time.Millisecond)
	}

	close(gate)
	wg.Wait()

	assert.Equal(t, []string{"first", "high", "low"}, order)
}

func TestCommandSchedulerStableTieBreak(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := make(chan struct{})
	order := []string{}
	var orderLock sync.Mutex

	provider := &testProvider{
		fetch: func(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error) {
			if descriptor.Url == "first" {
				<-gate
			}
			orderLock.Lock()
			order = append(order, descriptor.Url)
			orderLock.Unlock()
			return []RasterResult{}, nil
		},
	}
	scheduler := NewCommandScheduler(ctx, provider, &CommandSchedulerSettings{
		MaxConcurrent: 1,
	})

	var wg sync.WaitGroup
	execute := func(url string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			command := NewCommand(maptile.New(0, 0, 0), NewId(), 5, testDescriptor(url), NewLiveness(), false)
			_, err := scheduler.Execute(command)
			assert.Equal(t, nil, err)
		}()
	}

	execute("first")
	for scheduler.InFlightCount() != 1 {
		time.Sleep(time.Millisecond)
	}

	// equal priority, earliest submission wins
	for i, url := range []string{"a", "b", "c", "d"} {
		execute(url)
		for scheduler.BacklogSize() != i+1 {
			time.Sleep(time.Millisecond)
		}
	}

	close(gate)
	wg.Wait()

	assert.Equal(t, []string{"first", "a", "b", "c", "d"}, order)
}

func TestCommandSchedulerEarlyDrop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &testProvider{
		fetch: func(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error) {
			return []RasterResult{}, nil
		},
	}
	scheduler := NewCommandSchedulerWithDefaults(ctx, provider)

	liveness := NewLiveness()
	liveness.Set(false)

	command := NewCommand(maptile.New(0, 0, 0), NewId(), 1, testDescriptor("dead"), liveness, false)
	results, err := scheduler.Execute(command)

	assert.Equal(t, ErrCancelled, err)
	assert.Equal(t, 0, len(results))
	// no provider or resource queue interaction at all
	assert.Equal(t, int64(0), provider.fetchCount.Load())
	assert.Equal(t, 0, scheduler.BacklogSize())
}

func TestCommandSchedulerForceOverridesDrop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &testProvider{
		fetch: func(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error) {
			return []RasterResult{}, nil
		},
	}
	scheduler := NewCommandSchedulerWithDefaults(ctx, provider)

	liveness := NewLiveness()
	liveness.Set(false)

	command := NewCommand(maptile.New(0, 0, 0), NewId(), 1, testDescriptor("forced"), liveness, true)
	_, err := scheduler.Execute(command)

	assert.Equal(t, nil, err)
	assert.Equal(t, int64(1), provider.fetchCount.Load())
}

func TestCommandSchedulerSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := make(chan struct{})
	provider := &testProvider{
		fetch: func(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error) {
			<-gate
			return []RasterResult{}, nil
		},
	}
	scheduler := NewCommandScheduler(ctx, provider, &CommandSchedulerSettings{
		MaxConcurrent: 1,
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		command := NewCommand(maptile.New(0, 0, 0), NewId(), 1, testDescriptor("first"), NewLiveness(), false)
		_, err := scheduler.Execute(command)
		assert.Equal(t, nil, err)
	}()
	for scheduler.InFlightCount() != 1 {
		time.Sleep(time.Millisecond)
	}

	// three backlogged commands that go stale
	staleLiveness := NewLiveness()
	for i := 0; i < 3; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			command := NewCommand(maptile.New(0, 0, 0), NewId(), 1, testDescriptor("stale"), staleLiveness, false)
			_, err := scheduler.Execute(command)
			assert.Equal(t, ErrCancelled, err)
		}()
	}
	for scheduler.BacklogSize() != 3 {
		time.Sleep(time.Millisecond)
	}

	staleLiveness.Set(false)
	dropped := scheduler.Sweep()
	assert.Equal(t, 3, dropped)
	assert.Equal(t, 0, scheduler.BacklogSize())

	close(gate)
	wg.Wait()

	// only the in-flight command reached the provider
	assert.Equal(t, int64(1), provider.fetchCount.Load())
}
