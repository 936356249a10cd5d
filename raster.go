package terrastream

import (
	"fmt"
	"image"
	"net/url"

	"github.com/paulmach/orb/maptile"
)

// closed set of raster encodings. dispatch on this instead of
// content type strings.
type RasterFormat int

const (
	RasterFormatMapbox RasterFormat = iota
	RasterFormatHeightfield
	RasterFormatNumeric
	RasterFormatCustom
)

func (self RasterFormat) String() string {
	switch self {
	case RasterFormatMapbox:
		return "mapbox"
	case RasterFormatHeightfield:
		return "heightfield"
	case RasterFormatNumeric:
		return "numeric"
	case RasterFormatCustom:
		return "custom"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// describes one fetchable raster for one layer at one tile
type FetchDescriptor struct {
	Url     string
	LayerId Id
	Tile    maptile.Tile
	Format  RasterFormat
	// resolution in raster units per tile edge. a strictly larger
	// value is a strictly better raster for the same tile.
	Resolution int
}

func (self *FetchDescriptor) Host() (string, error) {
	u, err := url.Parse(self.Url)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("descriptor url has no host: %s", self.Url)
	}
	return u.Host, nil
}

// cache identity. two descriptors with the same key are the same raster.
func (self *FetchDescriptor) CacheKey() string {
	return fmt.Sprintf("%s|%s|%s", self.LayerId, self.Format, self.Url)
}

func (self *FetchDescriptor) String() string {
	return fmt.Sprintf("%s z%d (%d,%d) %s", self.Format, self.Tile.Z, self.Tile.X, self.Tile.Y, self.Url)
}

// normalized sub-rectangle within a parent raster, all components in [0, 1]
type SubRect struct {
	X float64
	Y float64
	W float64
	H float64
}

// the full extent
func FullSubRect() SubRect {
	return SubRect{X: 0, Y: 0, W: 1, H: 1}
}

// one decoded raster handed back by a provider
type RasterResult struct {
	Image image.Image
	// where this raster maps within the requested tile extent.
	// usually the full extent, narrower when the raster was
	// inherited from an ancestor tile.
	SubRect    SubRect
	Format     RasterFormat
	Descriptor *FetchDescriptor
}

// computes the normalized rectangle that `tile` covers within `ancestor`,
// used when a freshly subdivided tile samples an ancestor raster until its
// own fetch lands. y grows downward to match raster row order.
func ParentSubRect(tile maptile.Tile, ancestor maptile.Tile) (SubRect, error) {
	if tile.Z < ancestor.Z {
		return SubRect{}, fmt.Errorf("tile z%d is above ancestor z%d", tile.Z, ancestor.Z)
	}
	dz := uint32(tile.Z - ancestor.Z)
	if dz >= 32 {
		return SubRect{}, fmt.Errorf("zoom gap too large: %d", dz)
	}
	n := uint32(1) << dz
	if tile.X>>dz != ancestor.X || tile.Y>>dz != ancestor.Y {
		return SubRect{}, fmt.Errorf(
			"tile (%d,%d,z%d) is not under ancestor (%d,%d,z%d)",
			tile.X, tile.Y, tile.Z,
			ancestor.X, ancestor.Y, ancestor.Z,
		)
	}
	scale := 1 / float64(n)
	return SubRect{
		X: float64(tile.X-ancestor.X<<dz) * scale,
		Y: float64(tile.Y-ancestor.Y<<dz) * scale,
		W: scale,
		H: scale,
	}, nil
}
