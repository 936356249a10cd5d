package terrastream

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// Subscribes to a provider-side push feed announcing that a layer has
// new data. The driver uses these events to re-arm (tile, layer)
// states that previously reported "nothing better available".

type LayerInvalidation struct {
	LayerId  Id     `json:"layer_id"`
	Revision uint64 `json:"revision"`
	// optional tile scope. nil means the whole layer.
	Tile *TileRef `json:"tile,omitempty"`
}

type TileRef struct {
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
	Z uint32 `json:"z"`
}

type LayerNotifyFunction func(invalidation *LayerInvalidation)

type LayerNotifierSettings struct {
	// reconnect backoff mirrors the update state backoff
	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration
	HandshakeTimeout    time.Duration
}

func DefaultLayerNotifierSettings() *LayerNotifierSettings {
	return &LayerNotifierSettings{
		ReconnectMinBackoff: 500 * time.Millisecond,
		ReconnectMaxBackoff: 30 * time.Second,
		HandshakeTimeout:    5 * time.Second,
	}
}

type LayerNotifier struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *LayerNotifierSettings

	callbacks *CallbackList[LayerNotifyFunction]
}

func NewLayerNotifierWithDefaults(ctx context.Context, url string) *LayerNotifier {
	return NewLayerNotifier(ctx, url, DefaultLayerNotifierSettings())
}

func NewLayerNotifier(ctx context.Context, url string, settings *LayerNotifierSettings) *LayerNotifier {
	cancelCtx, cancel := context.WithCancel(ctx)
	notifier := &LayerNotifier{
		ctx:       cancelCtx,
		cancel:    cancel,
		url:       url,
		settings:  settings,
		callbacks: NewCallbackList[LayerNotifyFunction](),
	}
	go notifier.run()
	return notifier
}

// returns a function to remove the callback
func (self *LayerNotifier) AddCallback(callback LayerNotifyFunction) func() {
	return self.callbacks.Add(callback)
}

func (self *LayerNotifier) Close() {
	self.cancel()
}

func (self *LayerNotifier) run() {
	backoffSettings := &UpdateStateSettings{
		MinBackoff: self.settings.ReconnectMinBackoff,
		MaxBackoff: self.settings.ReconnectMaxBackoff,
	}
	failureCount := 0

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		err := self.connectAndRead()
		if err != nil {
			failureCount += 1
			backoff := backoffSettings.Backoff(failureCount)
			glog.V(1).Infof("[ln]feed error, reconnect in %s: %v\n", backoff, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(backoff):
			}
		} else {
			failureCount = 0
		}
	}
}

func (self *LayerNotifier) connectAndRead() error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// unblock the read when the notifier closes
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-self.ctx.Done():
			conn.Close()
		case <-readDone:
		}
	}()

	for {
		invalidation := &LayerInvalidation{}
		if err := conn.ReadJSON(invalidation); err != nil {
			select {
			case <-self.ctx.Done():
				return nil
			default:
				return err
			}
		}
		glog.V(2).Infof("[ln]invalidate layer=%s revision=%d\n", invalidation.LayerId, invalidation.Revision)
		for _, callback := range self.callbacks.Get() {
			HandleError(func() {
				callback(invalidation)
			})
		}
	}
}
