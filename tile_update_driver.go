package terrastream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"

	"github.com/paulmach/orb/maptile"
)

// Orchestrates streaming for every visible tile and attached layer,
// once per host update cycle:
//
//	state check -> scheduler -> provider -> queue -> network -> result
//	-> compositor -> state update
//
// Completions settle asynchronously and are queued; they are applied
// at the start of the next cycle so each tile material keeps a single
// writer. At most one command is outstanding per (tile, layer).

type TileUpdateDriverSettings struct {
	UpdateStateSettings *UpdateStateSettings
}

func DefaultTileUpdateDriverSettings() *TileUpdateDriverSettings {
	return &TileUpdateDriverSettings{
		UpdateStateSettings: DefaultUpdateStateSettings(),
	}
}

type tileLayerKey struct {
	tile    maptile.Tile
	layerId Id
}

type completedUpdate struct {
	tile    *Tile
	layer   Layer
	command *Command
	results []RasterResult
	err     error
}

type TileUpdateDriver struct {
	ctx       context.Context
	scheduler *CommandScheduler
	settings  *TileUpdateDriverSettings

	stateLock sync.Mutex
	layers    []Layer
	// invariant: at most one entry per (tile, layer)
	pendingCommands map[tileLayerKey]*Command
	completed       []*completedUpdate
	// the most recent cycle's visible tiles, for layer invalidation
	// fan-out. rebuilt every cycle so dropped tiles are released.
	tiles map[maptile.Tile]*Tile
}

func NewTileUpdateDriverWithDefaults(ctx context.Context, scheduler *CommandScheduler) *TileUpdateDriver {
	return NewTileUpdateDriver(ctx, scheduler, DefaultTileUpdateDriverSettings())
}

func NewTileUpdateDriver(ctx context.Context, scheduler *CommandScheduler, settings *TileUpdateDriverSettings) *TileUpdateDriver {
	return &TileUpdateDriver{
		ctx:             ctx,
		scheduler:       scheduler,
		settings:        settings,
		layers:          []Layer{},
		pendingCommands: map[tileLayerKey]*Command{},
		completed:       []*completedUpdate{},
		tiles:           map[maptile.Tile]*Tile{},
	}
}

// returns a function to detach the layer
func (self *TileUpdateDriver) AddLayer(layer Layer) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.layers = append(self.layers, layer)
	layerId := layer.LayerId()
	return func() {
		self.removeLayer(layerId)
	}
}

func (self *TileUpdateDriver) removeLayer(layerId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i, layer := range self.layers {
		if layer.LayerId() == layerId {
			self.layers = append(self.layers[0:i], self.layers[i+1:]...)
			break
		}
	}
}

// registers the notifier feed so that "nothing better available"
// states re-arm when a layer announces new data. returns a function
// to unsubscribe.
func (self *TileUpdateDriver) AttachNotifier(notifier *LayerNotifier) func() {
	return notifier.AddCallback(func(invalidation *LayerInvalidation) {
		self.InvalidateLayer(invalidation.LayerId)
	})
}

func (self *TileUpdateDriver) InvalidateLayer(layerId Id) {
	self.stateLock.Lock()
	tiles := maps.Values(self.tiles)
	self.stateLock.Unlock()

	for _, tile := range tiles {
		tile.InvalidateLayer(layerId)
	}
}

// outstanding commands. observability only.
func (self *TileUpdateDriver) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pendingCommands)
}

// runs one update cycle over the currently visible tiles. returns the
// first format/protocol error encountered while applying completions;
// transient and cancelled outcomes are absorbed by the update states.
func (self *TileUpdateDriver) Update(now time.Time, visibleTiles []*Tile) error {
	err := self.applyCompleted(now)

	self.scheduler.Sweep()

	nextTiles := make(map[maptile.Tile]*Tile, len(visibleTiles))
	for _, tile := range visibleTiles {
		nextTiles[tile.Key()] = tile
	}

	self.stateLock.Lock()
	layers := make([]Layer, len(self.layers))
	copy(layers, self.layers)
	self.tiles = nextTiles
	self.stateLock.Unlock()

	for _, tile := range visibleTiles {
		for _, layer := range layers {
			self.updateTileLayer(now, tile, layer)
		}
	}
	return err
}

func (self *TileUpdateDriver) updateTileLayer(now time.Time, tile *Tile, layer Layer) {
	layerId := layer.LayerId()
	key := tileLayerKey{
		tile:    tile.Key(),
		layerId: layerId,
	}

	self.stateLock.Lock()
	_, outstanding := self.pendingCommands[key]
	self.stateLock.Unlock()
	if outstanding {
		return
	}

	updateState := tile.UpdateState(layerId, self.settings.UpdateStateSettings)
	if !updateState.CanTryUpdate(now) {
		return
	}

	improvement := layer.GetPossibleImprovement(tile, tile.BestDescriptor(layerId), updateState.FailureCount())
	if improvement == nil {
		updateState.NoMoreUpdatePossible()
		return
	}

	updateState.NewTry(now)

	command := NewCommand(
		tile.Key(),
		layerId,
		tile.ScreenFootprint(),
		improvement,
		tile.Liveness(),
		false,
	)

	self.stateLock.Lock()
	self.pendingCommands[key] = command
	self.stateLock.Unlock()

	glog.V(2).Infof("[td]schedule command=%s %s\n", command.commandId, improvement)
	go HandleError(func() {
		self.execute(tile, layer, command)
	})
}

func (self *TileUpdateDriver) execute(tile *Tile, layer Layer, command *Command) {
	results, err := self.scheduler.Execute(command)

	self.stateLock.Lock()
	delete(self.pendingCommands, tileLayerKey{
		tile:    tile.Key(),
		layerId: layer.LayerId(),
	})
	self.completed = append(self.completed, &completedUpdate{
		tile:    tile,
		layer:   layer,
		command: command,
		results: results,
		err:     err,
	})
	self.stateLock.Unlock()
}

func (self *TileUpdateDriver) applyCompleted(now time.Time) error {
	self.stateLock.Lock()
	completed := self.completed
	self.completed = []*completedUpdate{}
	self.stateLock.Unlock()

	var formatErr error
	rendered := map[*Tile]bool{}
	for _, completion := range completed {
		if err := self.applyOne(now, completion); err != nil {
			if formatErr == nil {
				formatErr = err
			}
		} else if completion.err == nil {
			rendered[completion.tile] = true
		}
	}
	// one render pass per touched tile per cycle
	for tile := range rendered {
		tile.Material().Render()
	}
	return formatErr
}

func (self *TileUpdateDriver) applyOne(now time.Time, completion *completedUpdate) error {
	layerId := completion.layer.LayerId()
	updateState := completion.tile.UpdateState(layerId, self.settings.UpdateStateSettings)

	if completion.err == nil {
		material := completion.tile.Material()
		for _, result := range completion.results {
			if material.Entry(layerId) == nil {
				if _, err := material.AddLayer(layerId, result.Image, completion.layer.ZOrder()); err != nil {
					return err
				}
			} else {
				if _, err := material.UpdateLayer(layerId, result.Image); err != nil {
					return err
				}
			}
		}
		completion.tile.SetBestDescriptor(layerId, completion.command.Descriptor())
		updateState.Success()
		return nil
	}

	if IsCancelled(completion.err) {
		// the tile merely scrolled off-screen. the attempt never
		// happened as far as the retry budget is concerned.
		updateState.Cancel()
		return nil
	}

	definitive := IsDefinitive(completion.err)
	updateState.Failure(now, definitive, completion.err)

	var unsupportedFormatError *UnsupportedFormatError
	if errors.As(completion.err, &unsupportedFormatError) {
		// configuration error, surfaced to the caller
		return completion.err
	}
	glog.V(1).Infof("[td]fetch failed tile=%v layer=%s: %v\n", completion.tile.Key(), layerId, completion.err)
	return nil
}
