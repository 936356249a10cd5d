package terrastream

import (
	"context"
	"errors"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testLayer struct {
	layerId Id
	zOrder  int
	improve func(tile *Tile, current *FetchDescriptor, failureCount int) *FetchDescriptor
}

func (self *testLayer) LayerId() Id {
	return self.layerId
}

func (self *testLayer) ZOrder() int {
	return self.zOrder
}

func (self *testLayer) GetPossibleImprovement(tile *Tile, current *FetchDescriptor, failureCount int) *FetchDescriptor {
	return self.improve(tile, current, failureCount)
}

func waitForPending(t *testing.T, driver *TileUpdateDriver, count int) {
	endTime := time.Now().Add(5 * time.Second)
	for driver.PendingCount() != count {
		if endTime.Before(time.Now()) {
			t.Fatalf("timeout waiting for pending count %d", count)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTileUpdateDriverHappyPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &testProvider{
		fetch: func(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error) {
			return []RasterResult{
				{
					Image:      solidRaster(16, 16, color.RGBA{255, 0, 0, 255}),
					SubRect:    FullSubRect(),
					Format:     descriptor.Format,
					Descriptor: descriptor,
				},
			}, nil
		},
	}
	scheduler := NewCommandSchedulerWithDefaults(ctx, provider)
	driver := NewTileUpdateDriverWithDefaults(ctx, scheduler)

	layer := &testLayer{
		layerId: NewId(),
		improve: func(tile *Tile, current *FetchDescriptor, failureCount int) *FetchDescriptor {
			if current != nil {
				return nil
			}
			descriptor := testDescriptor("https://tiles.example.com/0/0/0")
			descriptor.Resolution = 256
			return descriptor
		},
	}
	driver.AddLayer(layer)

	tile := NewRootTile(DefaultAtlasCompositorSettings())
	tile.SetVisible(true)
	tile.SetScreenFootprint(100)
	visibleTiles := []*Tile{tile}

	now := time.Now()
	err := driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)
	waitForPending(t, driver, 0)

	// the completion applies at the start of the next cycle
	err = driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)

	updateState := tile.UpdateState(layer.layerId, DefaultUpdateStateSettings())
	assert.Equal(t, UpdateStatusIdle, updateState.Status())
	assert.Equal(t, 256, tile.BestDescriptor(layer.layerId).Resolution)
	if tile.Material().Entry(layer.layerId) == nil {
		t.Fatal("expected a material entry for the layer")
	}
	if tile.Material().Surface().Revision() == 0 {
		t.Fatal("expected a render pass")
	}

	// nothing better available, the state parks instead of polling
	err = driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, updateState.NoMoreUpdate())
	assert.Equal(t, int64(1), provider.fetchCount.Load())
}

func TestTileUpdateDriverOneOutstandingPerTileLayer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := make(chan struct{})
	provider := &testProvider{
		fetch: func(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error) {
			<-gate
			return []RasterResult{
				{
					Image:      solidRaster(8, 8, color.RGBA{255, 0, 0, 255}),
					SubRect:    FullSubRect(),
					Format:     descriptor.Format,
					Descriptor: descriptor,
				},
			}, nil
		},
	}
	scheduler := NewCommandSchedulerWithDefaults(ctx, provider)
	driver := NewTileUpdateDriverWithDefaults(ctx, scheduler)

	layer := &testLayer{
		layerId: NewId(),
		improve: func(tile *Tile, current *FetchDescriptor, failureCount int) *FetchDescriptor {
			return testDescriptor("https://tiles.example.com/always-better")
		},
	}
	driver.AddLayer(layer)

	tile := NewRootTile(DefaultAtlasCompositorSettings())
	tile.SetVisible(true)
	visibleTiles := []*Tile{tile}

	now := time.Now()
	err := driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)
	for provider.fetchCount.Load() != 1 {
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 2; i += 1 {
		err := driver.Update(now, visibleTiles)
		assert.Equal(t, nil, err)
	}

	// repeated cycles never stack a second command on the same key
	assert.Equal(t, 1, driver.PendingCount())
	assert.Equal(t, int64(1), provider.fetchCount.Load())

	close(gate)
	waitForPending(t, driver, 0)
}

func TestTileUpdateDriverReleasesDroppedTiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &testProvider{
		fetch: func(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error) {
			return []RasterResult{
				{
					Image:      solidRaster(8, 8, color.RGBA{255, 0, 0, 255}),
					SubRect:    FullSubRect(),
					Format:     descriptor.Format,
					Descriptor: descriptor,
				},
			}, nil
		},
	}
	scheduler := NewCommandSchedulerWithDefaults(ctx, provider)
	driver := NewTileUpdateDriverWithDefaults(ctx, scheduler)

	layer := &testLayer{
		layerId: NewId(),
		improve: func(tile *Tile, current *FetchDescriptor, failureCount int) *FetchDescriptor {
			if current != nil {
				return nil
			}
			return testDescriptor("https://tiles.example.com/subtree")
		},
	}
	driver.AddLayer(layer)

	materialSettings := DefaultAtlasCompositorSettings()
	root := NewRootTile(materialSettings)
	root.SetVisible(true)
	child := root.Subdivide(materialSettings)[0]
	child.SetVisible(true)

	now := time.Now()
	err := driver.Update(now, []*Tile{root, child})
	assert.Equal(t, nil, err)
	waitForPending(t, driver, 0)
	err = driver.Update(now, []*Tile{root, child})
	assert.Equal(t, nil, err)

	driver.stateLock.Lock()
	retained := len(driver.tiles)
	driver.stateLock.Unlock()
	assert.Equal(t, 2, retained)

	// the child scrolls off and the subtree collapses. the driver must
	// not keep the dropped tile (and its material) alive.
	root.Collapse()
	err = driver.Update(now, []*Tile{root})
	assert.Equal(t, nil, err)

	driver.stateLock.Lock()
	_, childRetained := driver.tiles[child.Key()]
	retained = len(driver.tiles)
	driver.stateLock.Unlock()
	assert.Equal(t, false, childRetained)
	assert.Equal(t, 1, retained)
}

func TestTileUpdateDriverCancelDoesNotCountAsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &testProvider{
		fetch: func(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error) {
			return []RasterResult{
				{
					Image:      solidRaster(8, 8, color.RGBA{0, 255, 0, 255}),
					SubRect:    FullSubRect(),
					Format:     descriptor.Format,
					Descriptor: descriptor,
				},
			}, nil
		},
	}
	scheduler := NewCommandSchedulerWithDefaults(ctx, provider)
	driver := NewTileUpdateDriverWithDefaults(ctx, scheduler)

	layer := &testLayer{
		layerId: NewId(),
		improve: func(tile *Tile, current *FetchDescriptor, failureCount int) *FetchDescriptor {
			if current != nil {
				return nil
			}
			return testDescriptor("https://tiles.example.com/cancelled")
		},
	}
	driver.AddLayer(layer)

	// not visible: the liveness token is dead and every attempt is
	// dropped before reaching the provider
	tile := NewRootTile(DefaultAtlasCompositorSettings())
	visibleTiles := []*Tile{tile}

	now := time.Now()
	err := driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)
	waitForPending(t, driver, 0)

	err = driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)
	waitForPending(t, driver, 0)

	updateState := tile.UpdateState(layer.layerId, DefaultUpdateStateSettings())
	assert.Equal(t, 0, updateState.FailureCount())
	assert.Equal(t, int64(0), provider.fetchCount.Load())

	// back on screen, the fetch goes through untouched by the drops
	tile.SetVisible(true)
	err = driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)
	waitForPending(t, driver, 0)
	err = driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)

	assert.Equal(t, UpdateStatusIdle, updateState.Status())
	assert.Equal(t, int64(1), provider.fetchCount.Load())
}

func TestTileUpdateDriverRetryThenDefinitive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &testProvider{
		fetch: func(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error) {
			return nil, &NetworkError{
				Status: 503,
				Url:    descriptor.Url,
			}
		},
	}
	scheduler := NewCommandSchedulerWithDefaults(ctx, provider)
	settings := &TileUpdateDriverSettings{
		UpdateStateSettings: &UpdateStateSettings{
			MaxRetry:   1,
			MinBackoff: time.Millisecond,
			MaxBackoff: time.Second,
		},
	}
	driver := NewTileUpdateDriver(ctx, scheduler, settings)

	layer := &testLayer{
		layerId: NewId(),
		improve: func(tile *Tile, current *FetchDescriptor, failureCount int) *FetchDescriptor {
			return testDescriptor("https://tiles.example.com/unavailable")
		},
	}
	driver.AddLayer(layer)

	tile := NewRootTile(DefaultAtlasCompositorSettings())
	tile.SetVisible(true)
	visibleTiles := []*Tile{tile}

	now := time.Now()
	err := driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)
	waitForPending(t, driver, 0)

	// first failure: transient, retry after backoff
	err = driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)
	updateState := tile.UpdateState(layer.layerId, settings.UpdateStateSettings)
	assert.Equal(t, UpdateStatusRetrying, updateState.Status())
	assert.Equal(t, 1, updateState.FailureCount())
	assert.Equal(t, int64(1), provider.fetchCount.Load())

	// backed off: the same timestamp schedules nothing
	assert.Equal(t, 0, driver.PendingCount())

	err = driver.Update(now.Add(10*time.Millisecond), visibleTiles)
	assert.Equal(t, nil, err)
	waitForPending(t, driver, 0)

	// second failure exhausts the budget
	err = driver.Update(now.Add(20*time.Millisecond), visibleTiles)
	assert.Equal(t, nil, err)
	assert.Equal(t, UpdateStatusDefinitiveFailure, updateState.Status())
	assert.Equal(t, 2, updateState.FailureCount())

	var definitiveFailureError *DefinitiveFailureError
	assert.Equal(t, true, errors.As(updateState.LastError(), &definitiveFailureError))
	assert.Equal(t, 2, definitiveFailureError.Attempts)

	// terminal: no attempt ever again
	err = driver.Update(now.Add(time.Hour), visibleTiles)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, driver.PendingCount())
	assert.Equal(t, int64(2), provider.fetchCount.Load())
}

func TestTileUpdateDriverUnsupportedFormatSurfaced(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &testProvider{
		fetch: func(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error) {
			return nil, &UnsupportedFormatError{
				Format:      RasterFormatCustom,
				ContentType: "application/octet-stream",
			}
		},
	}
	scheduler := NewCommandSchedulerWithDefaults(ctx, provider)
	driver := NewTileUpdateDriverWithDefaults(ctx, scheduler)

	layer := &testLayer{
		layerId: NewId(),
		improve: func(tile *Tile, current *FetchDescriptor, failureCount int) *FetchDescriptor {
			return testDescriptor("https://tiles.example.com/custom")
		},
	}
	driver.AddLayer(layer)

	tile := NewRootTile(DefaultAtlasCompositorSettings())
	tile.SetVisible(true)
	visibleTiles := []*Tile{tile}

	now := time.Now()
	err := driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)
	waitForPending(t, driver, 0)

	err = driver.Update(now, visibleTiles)
	var unsupportedFormatError *UnsupportedFormatError
	assert.Equal(t, true, errors.As(err, &unsupportedFormatError))

	// a configuration error is definitive on the first attempt
	updateState := tile.UpdateState(layer.layerId, DefaultUpdateStateSettings())
	assert.Equal(t, UpdateStatusDefinitiveFailure, updateState.Status())
	assert.Equal(t, int64(1), provider.fetchCount.Load())
}

func TestTileUpdateDriverInvalidateRearms(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &testProvider{
		fetch: func(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error) {
			return []RasterResult{
				{
					Image:      solidRaster(8, 8, color.RGBA{0, 0, 255, 255}),
					SubRect:    FullSubRect(),
					Format:     descriptor.Format,
					Descriptor: descriptor,
				},
			}, nil
		},
	}
	scheduler := NewCommandSchedulerWithDefaults(ctx, provider)
	driver := NewTileUpdateDriverWithDefaults(ctx, scheduler)

	var availableResolution atomic.Int64
	availableResolution.Store(256)

	layer := &testLayer{
		layerId: NewId(),
		improve: func(tile *Tile, current *FetchDescriptor, failureCount int) *FetchDescriptor {
			resolution := int(availableResolution.Load())
			if current != nil && resolution <= current.Resolution {
				return nil
			}
			descriptor := testDescriptor("https://tiles.example.com/latest")
			descriptor.Resolution = resolution
			return descriptor
		},
	}
	driver.AddLayer(layer)

	tile := NewRootTile(DefaultAtlasCompositorSettings())
	tile.SetVisible(true)
	visibleTiles := []*Tile{tile}

	now := time.Now()
	err := driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)
	waitForPending(t, driver, 0)
	err = driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)

	// parked: nothing better at the current resolution
	err = driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)
	updateState := tile.UpdateState(layer.layerId, DefaultUpdateStateSettings())
	assert.Equal(t, true, updateState.NoMoreUpdate())
	assert.Equal(t, int64(1), provider.fetchCount.Load())

	// the layer announces new data
	availableResolution.Store(512)
	driver.InvalidateLayer(layer.layerId)

	err = driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)
	waitForPending(t, driver, 0)
	err = driver.Update(now, visibleTiles)
	assert.Equal(t, nil, err)

	assert.Equal(t, 512, tile.BestDescriptor(layer.layerId).Resolution)
	assert.Equal(t, int64(2), provider.fetchCount.Load())
}
