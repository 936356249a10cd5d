package terrastream

import (
	"fmt"
	"image"
	"slices"
	"sync"

	"github.com/golang/glog"

	xdraw "golang.org/x/image/draw"
)

// Packs independently sized rasters into one shared surface so a
// tile's attached layers can be sampled together.
//
// Draws are deferred and flushed by `Render`, which the host calls at
// its own tick boundary. Growth never disturbs visible content: the
// old pixels are copied to the origin of the new backing image and
// every entry's normalized transform is recomputed against the new
// dimensions before any new content lands.

type AtlasCompositorSettings struct {
	InitialWidth  int
	InitialHeight int
	// empty pixels around each packed raster to prevent sampling
	// bleed at tile edges
	Border int
}

func DefaultAtlasCompositorSettings() *AtlasCompositorSettings {
	return &AtlasCompositorSettings{
		InitialWidth:  256,
		InitialHeight: 256,
		Border:        1,
	}
}

// padded placement of one layer's raster on the surface.
// TopOffset is the border thickness; the raster itself occupies the
// rect inset by TopOffset on every side.
type PackedRect struct {
	X         int
	Y         int
	Width     int
	Height    int
	TopOffset int
}

func (self PackedRect) Interior() image.Rectangle {
	return image.Rect(
		self.X+self.TopOffset,
		self.Y+self.TopOffset,
		self.X+self.Width-self.TopOffset,
		self.Y+self.Height-self.TopOffset,
	)
}

func (self PackedRect) Bounds() image.Rectangle {
	return image.Rect(self.X, self.Y, self.X+self.Width, self.Y+self.Height)
}

// offset and scale of a packed raster within the surface, in [0, 1]
type NormalizedTransform struct {
	OffsetX float64
	OffsetY float64
	ScaleX  float64
	ScaleY  float64
}

type AtlasEntry struct {
	layerId Id
	// backing raster, retained for draw replay. never disposed here,
	// other components may still reference it.
	image       image.Image
	zOrder      int
	insertOrder int
	packedRect  PackedRect
	transform   NormalizedTransform
}

func (self *AtlasEntry) LayerId() Id {
	return self.layerId
}

func (self *AtlasEntry) ZOrder() int {
	return self.zOrder
}

func (self *AtlasEntry) PackedRect() PackedRect {
	return self.packedRect
}

func (self *AtlasEntry) Transform() NormalizedTransform {
	return self.transform
}

// one logical surface per tile material. width and height never
// shrink over its lifetime. `Revision` is the cache validity token
// consumers must check.
type AtlasSurface struct {
	image    *image.RGBA
	revision uint64
}

func (self *AtlasSurface) Width() int {
	return self.image.Bounds().Dx()
}

func (self *AtlasSurface) Height() int {
	return self.image.Bounds().Dy()
}

func (self *AtlasSurface) Revision() uint64 {
	return self.revision
}

func (self *AtlasSurface) Image() *image.RGBA {
	return self.image
}

type atlasShelf struct {
	y      int
	height int
	nextX  int
}

type atlasDraw struct {
	image    image.Image
	destRect image.Rectangle
}

type AtlasCompositor struct {
	settings *AtlasCompositorSettings

	// single-writer: only the compositor mutates the surface
	stateLock sync.Mutex

	surface *AtlasSurface
	// kept sorted by (zOrder, insertOrder) for deterministic packing
	// and draw replay
	entries         []*AtlasEntry
	entriesByLayer  map[Id]*AtlasEntry
	nextInsertOrder int

	shelves []*atlasShelf

	pendingDraws []atlasDraw

	renderMonitor *Monitor
}

func NewAtlasCompositorWithDefaults() *AtlasCompositor {
	return NewAtlasCompositor(DefaultAtlasCompositorSettings())
}

func NewAtlasCompositor(settings *AtlasCompositorSettings) *AtlasCompositor {
	width := settings.InitialWidth
	if width <= 0 {
		width = DefaultAtlasCompositorSettings().InitialWidth
	}
	height := settings.InitialHeight
	if height <= 0 {
		height = DefaultAtlasCompositorSettings().InitialHeight
	}
	return &AtlasCompositor{
		settings: settings,
		surface: &AtlasSurface{
			image: image.NewRGBA(image.Rect(0, 0, width, height)),
		},
		entries:        []*AtlasEntry{},
		entriesByLayer: map[Id]*AtlasEntry{},
		shelves:        []*atlasShelf{},
		renderMonitor:  NewMonitor(),
	}
}

// notified after each render pass advances the revision. consumers
// waiting to re-upload the surface take the channel before rendering.
func (self *AtlasCompositor) RenderMonitor() *Monitor {
	return self.renderMonitor
}

func (self *AtlasCompositor) Surface() *AtlasSurface {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.surface
}

func (self *AtlasCompositor) Entries() []*AtlasEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.entries)
}

func (self *AtlasCompositor) Entry(layerId Id) *AtlasEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.entriesByLayer[layerId]
}

// packs the layer's raster and queues its draw for the next render
// pass, growing the surface first when needed
func (self *AtlasCompositor) AddLayer(layerId Id, img image.Image, zOrder int) (*AtlasEntry, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.entriesByLayer[layerId]; ok {
		return nil, fmt.Errorf("layer %s already attached", layerId)
	}

	bounds := img.Bounds()
	border := max(self.settings.Border, 0)
	paddedWidth := bounds.Dx() + 2*border
	paddedHeight := bounds.Dy() + 2*border

	x, y := self.allocate(paddedWidth, paddedHeight)

	entry := &AtlasEntry{
		layerId:     layerId,
		image:       img,
		zOrder:      zOrder,
		insertOrder: self.nextInsertOrder,
		packedRect: PackedRect{
			X:         x,
			Y:         y,
			Width:     paddedWidth,
			Height:    paddedHeight,
			TopOffset: border,
		},
	}
	self.nextInsertOrder += 1
	entry.transform = self.normalize(entry.packedRect)

	self.entries = append(self.entries, entry)
	slices.SortStableFunc(self.entries, func(a *AtlasEntry, b *AtlasEntry) int {
		if a.zOrder != b.zOrder {
			return a.zOrder - b.zOrder
		}
		return a.insertOrder - b.insertOrder
	})
	self.entriesByLayer[layerId] = entry

	self.pendingDraws = append(self.pendingDraws, atlasDraw{
		image:    img,
		destRect: entry.packedRect.Interior(),
	})
	glog.V(2).Infof("[at]add layer=%s rect=%+v\n", layerId, entry.packedRect)
	return entry, nil
}

// replaces a layer's raster. the packed rect is reused when the new
// raster has the same native size, otherwise a new rect is allocated.
func (self *AtlasCompositor) UpdateLayer(layerId Id, img image.Image) (*AtlasEntry, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entriesByLayer[layerId]
	if !ok {
		return nil, fmt.Errorf("layer %s not attached", layerId)
	}

	bounds := img.Bounds()
	border := entry.packedRect.TopOffset
	paddedWidth := bounds.Dx() + 2*border
	paddedHeight := bounds.Dy() + 2*border

	if paddedWidth != entry.packedRect.Width || paddedHeight != entry.packedRect.Height {
		x, y := self.allocate(paddedWidth, paddedHeight)
		entry.packedRect = PackedRect{
			X:         x,
			Y:         y,
			Width:     paddedWidth,
			Height:    paddedHeight,
			TopOffset: border,
		}
		entry.transform = self.normalize(entry.packedRect)
	}
	entry.image = img

	self.pendingDraws = append(self.pendingDraws, atlasDraw{
		image:    img,
		destRect: entry.packedRect.Interior(),
	})
	return entry, nil
}

// detaches a layer. the backing image is not disposed and the packed
// space is not reclaimed until `Compact`.
func (self *AtlasCompositor) RemoveLayer(layerId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entriesByLayer[layerId]
	if !ok {
		return false
	}
	delete(self.entriesByLayer, layerId)
	i := slices.Index(self.entries, entry)
	self.entries = slices.Delete(self.entries, i, i+1)
	return true
}

// records an image to be written at the rectangle on the next render
// pass. does not mutate the surface.
func (self *AtlasCompositor) Draw(img image.Image, destRect image.Rectangle) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.pendingDraws = append(self.pendingDraws, atlasDraw{
		image:    img,
		destRect: destRect,
	})
}

// flushes all queued draws, bumps the revision, and returns the surface
func (self *AtlasCompositor) Render() *AtlasSurface {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, draw := range self.pendingDraws {
		self.blit(draw.image, draw.destRect)
	}
	self.pendingDraws = self.pendingDraws[:0]
	self.surface.revision += 1
	self.renderMonitor.NotifyAll()
	return self.surface
}

// grows the surface if it is smaller than required. existing content
// is copied to the origin and every entry's transform is recomputed
// before any queued draw lands.
func (self *AtlasCompositor) EnsureCapacity(requiredWidth int, requiredHeight int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.ensureCapacity(requiredWidth, requiredHeight)
}

// must be called inside the state lock
func (self *AtlasCompositor) ensureCapacity(requiredWidth int, requiredHeight int) {
	width := self.surface.Width()
	height := self.surface.Height()
	if requiredWidth <= width && requiredHeight <= height {
		return
	}

	newWidth := width
	for newWidth < requiredWidth {
		newWidth *= 2
	}
	newHeight := height
	for newHeight < requiredHeight {
		newHeight *= 2
	}

	previous := self.surface.image
	next := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	xdraw.Draw(next, previous.Bounds(), previous, image.Point{}, xdraw.Src)
	// the previous generation is disposed here. entry backing images
	// are not.
	self.surface.image = next

	for _, entry := range self.entries {
		entry.transform = self.normalize(entry.packedRect)
	}
	glog.V(1).Infof("[at]grow %dx%d -> %dx%d\n", width, height, newWidth, newHeight)
}

// repacks every entry from the origin in (zOrder, insertOrder) order
// and queues a redraw of each from its backing image. reclaims space
// left by removed layers. call `Render` after.
func (self *AtlasCompositor) Compact() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.shelves = []*atlasShelf{}
	self.surface.image = image.NewRGBA(image.Rect(0, 0, self.surface.Width(), self.surface.Height()))
	self.pendingDraws = self.pendingDraws[:0]

	for _, entry := range self.entries {
		x, y := self.allocate(entry.packedRect.Width, entry.packedRect.Height)
		entry.packedRect.X = x
		entry.packedRect.Y = y
		entry.transform = self.normalize(entry.packedRect)
		self.pendingDraws = append(self.pendingDraws, atlasDraw{
			image:    entry.image,
			destRect: entry.packedRect.Interior(),
		})
	}
}

// must be called inside the state lock. grows the surface as needed,
// so it always succeeds.
func (self *AtlasCompositor) allocate(width int, height int) (int, int) {
	for {
		if x, y, ok := self.tryAllocate(width, height); ok {
			return x, y
		}
		shelfBottom := 0
		if 0 < len(self.shelves) {
			last := self.shelves[len(self.shelves)-1]
			shelfBottom = last.y + last.height
		}
		self.ensureCapacity(
			max(self.surface.Width(), width),
			max(self.surface.Height()*2, shelfBottom+height),
		)
	}
}

// shelf packing. a rect goes on the first shelf with room, or a new
// shelf below the last.
func (self *AtlasCompositor) tryAllocate(width int, height int) (int, int, bool) {
	surfaceWidth := self.surface.Width()
	surfaceHeight := self.surface.Height()

	for _, shelf := range self.shelves {
		if surfaceWidth < shelf.nextX+width {
			continue
		}
		if shelf.height < height {
			// a shelf only grows while it is empty
			if 0 < shelf.nextX {
				continue
			}
			if surfaceHeight < shelf.y+height {
				continue
			}
			shelf.height = height
		}
		x := shelf.nextX
		shelf.nextX += width
		return x, shelf.y, true
	}

	newY := 0
	if 0 < len(self.shelves) {
		last := self.shelves[len(self.shelves)-1]
		newY = last.y + last.height
	}
	if surfaceHeight < newY+height || surfaceWidth < width {
		return 0, 0, false
	}
	self.shelves = append(self.shelves, &atlasShelf{
		y:      newY,
		height: height,
		nextX:  width,
	})
	return 0, newY, true
}

func (self *AtlasCompositor) normalize(packedRect PackedRect) NormalizedTransform {
	width := float64(self.surface.Width())
	height := float64(self.surface.Height())
	interior := packedRect.Interior()
	return NormalizedTransform{
		OffsetX: float64(interior.Min.X) / width,
		OffsetY: float64(interior.Min.Y) / height,
		ScaleX:  float64(interior.Dx()) / width,
		ScaleY:  float64(interior.Dy()) / height,
	}
}

func (self *AtlasCompositor) blit(img image.Image, destRect image.Rectangle) {
	bounds := img.Bounds()
	if bounds.Dx() == destRect.Dx() && bounds.Dy() == destRect.Dy() {
		xdraw.Draw(self.surface.image, destRect, img, bounds.Min, xdraw.Src)
	} else {
		xdraw.NearestNeighbor.Scale(self.surface.image, destRect, img, bounds, xdraw.Src, nil)
	}
}
