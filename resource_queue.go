package terrastream

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// Per-host bounded-concurrency executors for outbound fetches.
//
// Each distinct remote host gets its own FIFO admission queue, created
// lazily on first use. Admission is FIFO within one host; there is no
// ordering or fairness across hosts. The registry is an owned object,
// never package state, so independent instances can coexist.

type QueueRegistrySettings struct {
	MaxConcurrentPerHost int
}

func DefaultQueueRegistrySettings() *QueueRegistrySettings {
	return &QueueRegistrySettings{
		MaxConcurrentPerHost: 10,
	}
}

type QueueRegistry struct {
	ctx      context.Context
	settings *QueueRegistrySettings

	stateLock sync.Mutex
	queues    map[string]*ResourceQueue
}

func NewQueueRegistryWithDefaults(ctx context.Context) *QueueRegistry {
	return NewQueueRegistry(ctx, DefaultQueueRegistrySettings())
}

func NewQueueRegistry(ctx context.Context, settings *QueueRegistrySettings) *QueueRegistry {
	return &QueueRegistry{
		ctx:      ctx,
		settings: settings,
		queues:   map[string]*ResourceQueue{},
	}
}

func (self *QueueRegistry) Queue(host string) *ResourceQueue {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	queue, ok := self.queues[host]
	if !ok {
		queue = NewResourceQueue(self.ctx, host, self.settings.MaxConcurrentPerHost)
		self.queues[host] = queue
		glog.V(1).Infof("[rq]new queue host=%s max=%d\n", host, self.settings.MaxConcurrentPerHost)
	}
	return queue
}

func (self *QueueRegistry) HostCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.queues)
}

// the transfer operation. must honor ctx for abort support.
type RequestFunction func(ctx context.Context) (*Response, error)

type Request struct {
	requestId Id
	host      string
	ctx       context.Context
	op        RequestFunction
}

func NewRequest(ctx context.Context, host string, op RequestFunction) *Request {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Request{
		requestId: NewId(),
		host:      host,
		ctx:       ctx,
		op:        op,
	}
}

func (self *Request) RequestId() Id {
	return self.requestId
}

func (self *Request) Host() string {
	return self.host
}

type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

type requestResult struct {
	response *Response
	err      error
}

type queuedRequest struct {
	request *Request
	result  chan requestResult
}

type ResourceQueue struct {
	ctx           context.Context
	host          string
	maxConcurrent int

	stateLock sync.Mutex
	queued    []*queuedRequest
	inFlight  int
}

func NewResourceQueue(ctx context.Context, host string, maxConcurrent int) *ResourceQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultQueueRegistrySettings().MaxConcurrentPerHost
	}
	return &ResourceQueue{
		ctx:           ctx,
		host:          host,
		maxConcurrent: maxConcurrent,
	}
}

// blocks until the request settles. a request whose cancellation signal
// already fired when its turn comes fails with `ErrCancelled` without
// performing any transfer.
func (self *ResourceQueue) Enqueue(request *Request) (*Response, error) {
	queued := &queuedRequest{
		request: request,
		result:  make(chan requestResult, 1),
	}

	self.stateLock.Lock()
	self.queued = append(self.queued, queued)
	self.admit()
	self.stateLock.Unlock()

	select {
	case result := <-queued.result:
		return result.response, result.err
	case <-self.ctx.Done():
		return nil, ErrQueueClosed
	}
}

// must be called inside the state lock
func (self *ResourceQueue) admit() {
	for self.inFlight < self.maxConcurrent && 0 < len(self.queued) {
		head := self.queued[0]
		self.queued[0] = nil
		self.queued = self.queued[1:]

		select {
		case <-head.request.ctx.Done():
			// dropped before any transfer started
			glog.V(2).Infof("[rq]%s drop request=%s\n", self.host, head.request.requestId)
			head.result <- requestResult{err: ErrCancelled}
			continue
		default:
		}

		self.inFlight += 1
		go self.run(head)
	}
}

func (self *ResourceQueue) run(queued *queuedRequest) {
	var response *Response
	var err error
	HandleError(
		func() {
			response, err = queued.request.op(queued.request.ctx)
		},
		func(r error) {
			err = r
		},
	)
	glog.V(2).Infof("[rq]%s settle request=%s err=%v\n", self.host, queued.request.requestId, err)

	self.stateLock.Lock()
	self.inFlight -= 1
	self.admit()
	self.stateLock.Unlock()

	queued.result <- requestResult{
		response: response,
		err:      err,
	}
}

// observability only, not a control surface

func (self *ResourceQueue) QueueSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.queued)
}

func (self *ResourceQueue) InFlightCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.inFlight
}
