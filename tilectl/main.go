package main

import (
	"context"
	"image/png"
	"log"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/rastermaps/terrastream"
)

const TileCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Tile stream control.

Usage:
    tilectl fetch --url=<url>
        [--format=<format>]
        [--resolution=<resolution>]
        [--auth_key=<auth_key>]
        [--out=<out>]
    tilectl watch --feed_url=<feed_url>
        [--count=<count>]
    tilectl mint-token --auth_key=<auth_key>
        --layer_id=<layer_id>
        [--ttl=<ttl>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --url=<url>                  Raster url to fetch.
    --format=<format>            mapbox | heightfield | numeric [default: mapbox]
    --resolution=<resolution>    Numeric grid edge length.
    --auth_key=<auth_key>        HS256 signing key for protected endpoints.
    --out=<out>                  Write the decoded raster as png.
    --feed_url=<feed_url>        Layer invalidation websocket url.
    --count=<count>              Print this many events then exit.
    --layer_id=<layer_id>        Layer id.
    --ttl=<ttl>                  Token lifetime in seconds [default: 300].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], TileCtlVersion)
	if err != nil {
		panic(err)
	}

	if fetch_, _ := opts.Bool("fetch"); fetch_ {
		fetch(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
	}
}

func fetch(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, _ := opts.String("--url")

	format := terrastream.RasterFormatMapbox
	switch formatStr, _ := opts.String("--format"); formatStr {
	case "", "mapbox":
	case "heightfield":
		format = terrastream.RasterFormatHeightfield
	case "numeric":
		format = terrastream.RasterFormatNumeric
	default:
		Err.Fatalf("unknown format: %s", formatStr)
	}

	resolution, _ := opts.Int("--resolution")

	settings := terrastream.DefaultHttpProviderSettings()
	if authKey, err := opts.String("--auth_key"); err == nil && authKey != "" {
		settings.Auth = terrastream.NewProviderAuth([]byte(authKey), "tilectl", 300*time.Second)
	}

	registry := terrastream.NewQueueRegistryWithDefaults(ctx)
	provider := terrastream.NewHttpProvider(ctx, registry, settings)

	descriptor := &terrastream.FetchDescriptor{
		Url:        url,
		LayerId:    terrastream.NewId(),
		Format:     format,
		Resolution: resolution,
	}
	results, err := terrastream.TraceWithReturnError(
		"fetch",
		func() ([]terrastream.RasterResult, error) {
			return provider.Fetch(ctx, descriptor)
		},
	)
	if err != nil {
		Err.Fatalf("fetch failed: %v", err)
	}

	for _, result := range results {
		bounds := result.Image.Bounds()
		Out.Printf("%s %dx%d sub=%+v", result.Format, bounds.Dx(), bounds.Dy(), result.SubRect)
	}

	if out, err := opts.String("--out"); err == nil && out != "" {
		f, err := os.Create(out)
		if err != nil {
			Err.Fatalf("create %s: %v", out, err)
		}
		defer f.Close()
		if err := png.Encode(f, results[0].Image); err != nil {
			Err.Fatalf("encode %s: %v", out, err)
		}
		Out.Printf("wrote %s", out)
	}
}

func watch(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feedUrl, _ := opts.String("--feed_url")
	count, err := opts.Int("--count")
	if err != nil {
		count = -1
	}

	done := make(chan struct{})
	remaining := count

	notifier := terrastream.NewLayerNotifierWithDefaults(ctx, feedUrl)
	defer notifier.Close()

	notifier.AddCallback(func(invalidation *terrastream.LayerInvalidation) {
		if invalidation.Tile != nil {
			Out.Printf(
				"layer=%s revision=%d tile=(%d,%d,z%d)",
				invalidation.LayerId,
				invalidation.Revision,
				invalidation.Tile.X,
				invalidation.Tile.Y,
				invalidation.Tile.Z,
			)
		} else {
			Out.Printf("layer=%s revision=%d", invalidation.LayerId, invalidation.Revision)
		}
		if 0 < remaining {
			remaining -= 1
			if remaining == 0 {
				close(done)
			}
		}
	})

	<-done
}

func mintToken(opts docopt.Opts) {
	authKey, _ := opts.String("--auth_key")
	layerIdStr, _ := opts.String("--layer_id")
	ttl, err := opts.Int("--ttl")
	if err != nil {
		ttl = 300
	}

	layerId, err := terrastream.ParseId(layerIdStr)
	if err != nil {
		Err.Fatalf("bad layer id: %v", err)
	}

	auth := terrastream.NewProviderAuth([]byte(authKey), "tilectl", time.Duration(ttl)*time.Second)
	token, err := auth.MintToken(layerId)
	if err != nil {
		Err.Fatalf("mint failed: %v", err)
	}
	Out.Printf("%s", token)
}
