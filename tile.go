package terrastream

import (
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Quadtree node with a fixed spatial extent and resolution level.
// Subdivision and camera visibility are owned by the host; the node
// here carries what the streaming core needs: a liveness token, lazy
// per-layer update states, and the composite material its layers are
// packed into.

type Tile struct {
	tile   maptile.Tile
	parent *Tile

	stateLock sync.Mutex
	children  []*Tile
	visible   bool
	// projected screen-space footprint, set by the host each frame.
	// larger footprint means higher streaming priority.
	screenFootprint float32

	liveness *Liveness

	// lazily created per attached layer
	updateStates    map[Id]*UpdateState
	bestDescriptors map[Id]*FetchDescriptor

	material *AtlasCompositor
}

func NewTile(tile maptile.Tile, parent *Tile, materialSettings *AtlasCompositorSettings) *Tile {
	liveness := NewLiveness()
	// not visible until the host says so
	liveness.Set(false)
	return &Tile{
		tile:            tile,
		parent:          parent,
		liveness:        liveness,
		updateStates:    map[Id]*UpdateState{},
		bestDescriptors: map[Id]*FetchDescriptor{},
		material:        NewAtlasCompositor(materialSettings),
	}
}

func NewRootTile(materialSettings *AtlasCompositorSettings) *Tile {
	return NewTile(maptile.New(0, 0, 0), nil, materialSettings)
}

func (self *Tile) Key() maptile.Tile {
	return self.tile
}

func (self *Tile) Parent() *Tile {
	return self.parent
}

func (self *Tile) Bound() orb.Bound {
	return self.tile.Bound()
}

func (self *Tile) Material() *AtlasCompositor {
	return self.material
}

func (self *Tile) Liveness() *Liveness {
	return self.liveness
}

func (self *Tile) Visible() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.visible
}

func (self *Tile) SetVisible(visible bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.visible = visible
	self.liveness.Set(visible)
}

func (self *Tile) ScreenFootprint() float32 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.screenFootprint
}

func (self *Tile) SetScreenFootprint(screenFootprint float32) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.screenFootprint = screenFootprint
}

// creates the four children. idempotent.
func (self *Tile) Subdivide(materialSettings *AtlasCompositorSettings) []*Tile {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.children == nil {
		children := []*Tile{}
		for _, childTile := range self.tile.Children() {
			children = append(children, NewTile(childTile, self, materialSettings))
		}
		self.children = children
	}
	return self.children
}

func (self *Tile) Children() []*Tile {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.children
}

// destroys the children. their in-flight work is dropped via the
// liveness tokens.
func (self *Tile) Collapse() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, child := range self.children {
		child.SetVisible(false)
	}
	self.children = nil
}

// lazily creates the update state for the layer
func (self *Tile) UpdateState(layerId Id, settings *UpdateStateSettings) *UpdateState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	updateState, ok := self.updateStates[layerId]
	if !ok {
		updateState = NewUpdateState(settings)
		self.updateStates[layerId] = updateState
	}
	return updateState
}

// the best raster already obtained for the layer, nil if none yet
func (self *Tile) BestDescriptor(layerId Id) *FetchDescriptor {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.bestDescriptors[layerId]
}

func (self *Tile) SetBestDescriptor(layerId Id, descriptor *FetchDescriptor) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.bestDescriptors[layerId] = descriptor
}

// re-arms "no improvement available" states for the layer on this
// node and all descendants
func (self *Tile) InvalidateLayer(layerId Id) {
	self.stateLock.Lock()
	updateState := self.updateStates[layerId]
	children := self.children
	self.stateLock.Unlock()

	if updateState != nil {
		updateState.Invalidate()
	}
	for _, child := range children {
		child.InvalidateLayer(layerId)
	}
}

// the sub-rectangle this tile covers within an ancestor's raster, for
// sampling an inherited coarser texture
func (self *Tile) SubRectWithin(ancestor *Tile) (SubRect, error) {
	return ParentSubRect(self.tile, ancestor.tile)
}

// a named raster data source attachable to tiles
type Layer interface {
	LayerId() Id
	// stacking order within a tile material. lower draws first.
	ZOrder() int
	// returns a strictly better raster than `current` for the tile, or
	// nil when nothing better is obtainable right now. `failureCount`
	// is the consecutive failure count for this (tile, layer), letting
	// a source back off to lower resolutions.
	GetPossibleImprovement(tile *Tile, current *FetchDescriptor, failureCount int) *FetchDescriptor
}
