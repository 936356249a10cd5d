package terrastream

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/paulmach/orb/maptile"
)

// Priority-ordered backlog of pending streaming requests with cheap
// early cancellation.
//
// Priority orders only the backlog; it never preempts work already
// admitted. Equal priority is broken by submission order. Commands
// carry an explicit liveness token instead of closing over mutable
// tile state, so a stale backlog entry is dropped by a single atomic
// read at admission time.

// liveness token shared between a requester and its commands
type Liveness struct {
	alive atomic.Bool
}

func NewLiveness() *Liveness {
	liveness := &Liveness{}
	liveness.alive.Store(true)
	return liveness
}

func (self *Liveness) Set(alive bool) {
	self.alive.Store(alive)
}

func (self *Liveness) Alive() bool {
	return self.alive.Load()
}

type Command struct {
	commandId  Id
	tile       maptile.Tile
	layerId    Id
	priority   float32
	descriptor *FetchDescriptor
	liveness   *Liveness
	force      bool

	sequenceNumber uint64
	heapIndex      int
	result         chan commandResult
}

func NewCommand(
	tile maptile.Tile,
	layerId Id,
	priority float32,
	descriptor *FetchDescriptor,
	liveness *Liveness,
	force bool,
) *Command {
	return &Command{
		commandId:  NewId(),
		tile:       tile,
		layerId:    layerId,
		priority:   priority,
		descriptor: descriptor,
		liveness:   liveness,
		force:      force,
		result:     make(chan commandResult, 1),
	}
}

func (self *Command) CommandId() Id {
	return self.commandId
}

func (self *Command) Priority() float32 {
	return self.priority
}

func (self *Command) Descriptor() *FetchDescriptor {
	return self.descriptor
}

// true when the command should be dropped before consuming the network
func (self *Command) earlyDrop() bool {
	if self.force {
		return false
	}
	return self.liveness != nil && !self.liveness.Alive()
}

type commandResult struct {
	results []RasterResult
	err     error
}

type CommandSchedulerSettings struct {
	// commands forwarded to the provider at once. per-host transfer
	// bounds are enforced below this by the resource queues.
	MaxConcurrent int
}

func DefaultCommandSchedulerSettings() *CommandSchedulerSettings {
	return &CommandSchedulerSettings{
		MaxConcurrent: 32,
	}
}

type CommandScheduler struct {
	ctx      context.Context
	provider Provider
	settings *CommandSchedulerSettings

	stateLock          sync.Mutex
	backlog            *commandHeap
	nextSequenceNumber uint64
	inFlight           int
}

func NewCommandSchedulerWithDefaults(ctx context.Context, provider Provider) *CommandScheduler {
	return NewCommandScheduler(ctx, provider, DefaultCommandSchedulerSettings())
}

func NewCommandScheduler(ctx context.Context, provider Provider, settings *CommandSchedulerSettings) *CommandScheduler {
	scheduler := &CommandScheduler{
		ctx:      ctx,
		provider: provider,
		settings: settings,
		backlog:  newCommandHeap(),
	}
	return scheduler
}

// blocks until the command settles. a command whose liveness token is
// already dead resolves with `ErrCancelled` before any backlog or
// resource queue interaction.
func (self *CommandScheduler) Execute(command *Command) ([]RasterResult, error) {
	if command.earlyDrop() {
		glog.V(2).Infof("[cs]early drop command=%s\n", command.commandId)
		return nil, ErrCancelled
	}

	self.stateLock.Lock()
	command.sequenceNumber = self.nextSequenceNumber
	self.nextSequenceNumber += 1
	heap.Push(self.backlog, command)
	self.pump()
	self.stateLock.Unlock()

	select {
	case result := <-command.result:
		return result.results, result.err
	case <-self.ctx.Done():
		return nil, ErrQueueClosed
	}
}

// must be called inside the state lock
func (self *CommandScheduler) pump() {
	for self.inFlight < self.settings.MaxConcurrent && 0 < self.backlog.Len() {
		command := heap.Pop(self.backlog).(*Command)
		if command.earlyDrop() {
			glog.V(2).Infof("[cs]drop at admission command=%s\n", command.commandId)
			command.result <- commandResult{err: ErrCancelled}
			continue
		}
		self.inFlight += 1
		go self.run(command)
	}
}

func (self *CommandScheduler) run(command *Command) {
	var results []RasterResult
	var err error
	// a panicking provider settles the command instead of wedging a slot
	HandleError(
		func() {
			results, err = self.provider.Fetch(self.ctx, command.descriptor)
		},
		func(r error) {
			err = r
		},
	)

	self.stateLock.Lock()
	self.inFlight -= 1
	self.pump()
	self.stateLock.Unlock()

	command.result <- commandResult{
		results: results,
		err:     err,
	}
}

// drops all still-queued commands whose liveness died, without waiting
// for their natural turn. call once per update cycle.
func (self *CommandScheduler) Sweep() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	dropped := []*Command{}
	for _, command := range self.backlog.orderedCommands {
		if command.earlyDrop() {
			dropped = append(dropped, command)
		}
	}
	for _, command := range dropped {
		heap.Remove(self.backlog, command.heapIndex)
		command.result <- commandResult{err: ErrCancelled}
	}
	if 0 < len(dropped) {
		glog.V(1).Infof("[cs]sweep dropped %d\n", len(dropped))
	}
	return len(dropped)
}

func (self *CommandScheduler) BacklogSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.backlog.Len()
}

func (self *CommandScheduler) InFlightCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.inFlight
}

// max heap by priority, stable by submission sequence
type commandHeap struct {
	orderedCommands []*Command
}

func newCommandHeap() *commandHeap {
	commandHeap := &commandHeap{
		orderedCommands: []*Command{},
	}
	heap.Init(commandHeap)
	return commandHeap
}

// `heap.Interface`

func (self *commandHeap) Push(x any) {
	command := x.(*Command)
	command.heapIndex = len(self.orderedCommands)
	self.orderedCommands = append(self.orderedCommands, command)
}

func (self *commandHeap) Pop() any {
	n := len(self.orderedCommands)
	i := n - 1
	command := self.orderedCommands[i]
	self.orderedCommands[i] = nil
	self.orderedCommands = self.orderedCommands[:n-1]
	return command
}

// `sort.Interface`

func (self *commandHeap) Len() int {
	return len(self.orderedCommands)
}

func (self *commandHeap) Less(i int, j int) bool {
	a := self.orderedCommands[i]
	b := self.orderedCommands[j]
	if a.priority != b.priority {
		return b.priority < a.priority
	}
	// earliest submission wins
	return a.sequenceNumber < b.sequenceNumber
}

func (self *commandHeap) Swap(i int, j int) {
	a := self.orderedCommands[i]
	b := self.orderedCommands[j]
	b.heapIndex = i
	self.orderedCommands[i] = b
	a.heapIndex = j
	self.orderedCommands[j] = a
}
