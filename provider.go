package terrastream

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/golang/glog"
)

// Providers resolve a fetch descriptor to decoded rasters. The HTTP
// provider goes through the per-host resource queues and consults the
// raster cache first, so a raster that is merely being repositioned is
// never transferred twice.

type Provider interface {
	Fetch(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error)
}

type RasterCacheSettings struct {
	MaxCost     ByteCount
	NumCounters int64
	BufferItems int64
}

func DefaultRasterCacheSettings() *RasterCacheSettings {
	return &RasterCacheSettings{
		MaxCost:     mib(256),
		NumCounters: 100000,
		BufferItems: 64,
	}
}

// decoded-raster cache keyed by descriptor cache key, costed by
// transfer byte count
type RasterCache struct {
	cache *ristretto.Cache[string, []RasterResult]
}

func NewRasterCacheWithDefaults() *RasterCache {
	return NewRasterCache(DefaultRasterCacheSettings())
}

func NewRasterCache(settings *RasterCacheSettings) *RasterCache {
	cache, err := ristretto.NewCache[string, []RasterResult](&ristretto.Config[string, []RasterResult]{
		NumCounters: settings.NumCounters,
		MaxCost:     settings.MaxCost,
		BufferItems: settings.BufferItems,
	})
	if err != nil {
		panic(err)
	}
	return &RasterCache{
		cache: cache,
	}
}

func (self *RasterCache) Get(key string) ([]RasterResult, bool) {
	return self.cache.Get(key)
}

func (self *RasterCache) Put(key string, results []RasterResult, cost ByteCount) {
	self.cache.Set(key, results, cost)
}

// flushes set buffers. tests use this for determinism.
func (self *RasterCache) Wait() {
	self.cache.Wait()
}

type HttpProviderSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration

	// optional bearer auth for protected tile endpoints
	Auth *ProviderAuth

	// decoder for `RasterFormatCustom` payloads
	CustomDecoder func(response *Response) (image.Image, error)

	CacheSettings *RasterCacheSettings
}

func DefaultHttpProviderSettings() *HttpProviderSettings {
	return &HttpProviderSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
		CacheSettings:      DefaultRasterCacheSettings(),
	}
}

type HttpProvider struct {
	ctx      context.Context
	registry *QueueRegistry
	settings *HttpProviderSettings

	cache  *RasterCache
	client *http.Client
}

func NewHttpProviderWithDefaults(ctx context.Context, registry *QueueRegistry) *HttpProvider {
	return NewHttpProvider(ctx, registry, DefaultHttpProviderSettings())
}

func NewHttpProvider(ctx context.Context, registry *QueueRegistry, settings *HttpProviderSettings) *HttpProvider {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   settings.HttpTimeout,
	}
	return &HttpProvider{
		ctx:      ctx,
		registry: registry,
		settings: settings,
		cache:    NewRasterCache(settings.CacheSettings),
		client:   client,
	}
}

func (self *HttpProvider) Fetch(ctx context.Context, descriptor *FetchDescriptor) ([]RasterResult, error) {
	cacheKey := descriptor.CacheKey()
	if results, ok := self.cache.Get(cacheKey); ok {
		glog.V(2).Infof("[pr]cache hit %s\n", descriptor)
		return results, nil
	}

	host, err := descriptor.Host()
	if err != nil {
		return nil, err
	}

	request := NewRequest(ctx, host, func(ctx context.Context) (*Response, error) {
		return self.get(ctx, descriptor)
	})
	response, err := self.registry.Queue(host).Enqueue(request)
	if err != nil {
		return nil, err
	}
	if response.Status != http.StatusOK {
		return nil, &NetworkError{
			Status: response.Status,
			Url:    descriptor.Url,
		}
	}

	img, err := self.decode(descriptor, response)
	if err != nil {
		return nil, err
	}

	results := []RasterResult{
		{
			Image:      img,
			SubRect:    FullSubRect(),
			Format:     descriptor.Format,
			Descriptor: descriptor,
		},
	}
	self.cache.Put(cacheKey, results, ByteCount(len(response.Body)))
	return results, nil
}

func (self *HttpProvider) get(ctx context.Context, descriptor *FetchDescriptor) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", descriptor.Url, nil)
	if err != nil {
		return nil, err
	}
	if self.settings.Auth != nil {
		token, err := self.settings.Auth.MintToken(descriptor.LayerId)
		if err != nil {
			return nil, err
		}
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	r, err := self.client.Do(req)
	if err != nil {
		// a cancelled transfer is not a network failure
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// transport failure, transient
		return nil, &NetworkError{
			Status: 0,
			Url:    descriptor.Url,
			Cause:  err,
		}
	}
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &NetworkError{
			Status: 0,
			Url:    descriptor.Url,
			Cause:  err,
		}
	}
	return &Response{
		Status:      r.StatusCode,
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (self *HttpProvider) decode(descriptor *FetchDescriptor, response *Response) (image.Image, error) {
	switch descriptor.Format {
	case RasterFormatMapbox, RasterFormatHeightfield:
		img, _, err := image.Decode(bytes.NewReader(response.Body))
		if err != nil {
			return nil, &UnsupportedFormatError{
				Format:      descriptor.Format,
				ContentType: response.ContentType,
			}
		}
		return img, nil
	case RasterFormatNumeric:
		return decodeNumericGrid(response.Body, descriptor.Resolution)
	case RasterFormatCustom:
		if self.settings.CustomDecoder == nil {
			return nil, &UnsupportedFormatError{
				Format:      descriptor.Format,
				ContentType: response.ContentType,
			}
		}
		return self.settings.CustomDecoder(response)
	default:
		return nil, &UnsupportedFormatError{
			Format:      descriptor.Format,
			ContentType: response.ContentType,
		}
	}
}

// raw little-endian float32 grid of `resolution` x `resolution`
// samples, normalized into a 16-bit gray raster
func decodeNumericGrid(body []byte, resolution int) (image.Image, error) {
	if resolution <= 0 {
		return nil, fmt.Errorf("numeric grid requires a descriptor resolution")
	}
	n := resolution * resolution
	if len(body) != 4*n {
		return nil, fmt.Errorf("numeric grid size mismatch: %d bytes for %dx%d", len(body), resolution, resolution)
	}

	values := make([]float64, n)
	minValue := math.Inf(1)
	maxValue := math.Inf(-1)
	for i := 0; i < n; i += 1 {
		value := float64(math.Float32frombits(binary.LittleEndian.Uint32(body[4*i:])))
		values[i] = value
		// nodata samples do not define the range
		if math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		minValue = min(minValue, value)
		maxValue = max(maxValue, value)
	}
	if maxValue < minValue {
		return nil, fmt.Errorf("numeric grid has no finite samples")
	}
	scale := 0.0
	if minValue < maxValue {
		scale = float64(math.MaxUint16) / (maxValue - minValue)
	}

	img := image.NewGray16(image.Rect(0, 0, resolution, resolution))
	for y := 0; y < resolution; y += 1 {
		for x := 0; x < resolution; x += 1 {
			sample := values[y*resolution+x]
			if math.IsNaN(sample) {
				sample = minValue
			} else {
				sample = min(max(sample, minValue), maxValue)
			}
			value := uint16((sample - minValue) * scale)
			i := img.PixOffset(x, y)
			img.Pix[i] = uint8(value >> 8)
			img.Pix[i+1] = uint8(value)
		}
	}
	return img, nil
}
