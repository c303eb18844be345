package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/DevelopmentBelt/angcord-relay/src/registry"
	"github.com/DevelopmentBelt/angcord-relay/src/types"
	"github.com/rs/zerolog"
)

// Fanout delivers frames to every connection in a channel's group. Each
// channel gets its own serialized delivery queue, so frames handed to
// Broadcast in program order reach every still-connected recipient in
// that order. Channels are independent of each other.
type Fanout struct {
	reg          *registry.Registry
	logger       zerolog.Logger
	writeTimeout time.Duration
	queueSize    int
	idleTTL      time.Duration

	mu     sync.Mutex
	queues map[types.ChannelID]chan job
	wg     sync.WaitGroup
	done   chan struct{}
	closed bool
}

type job struct {
	frame   types.Frame
	exclude string
}

// queueIdleTTL is how long a channel queue may sit idle with no members
// in its group before its delivery goroutine exits and the queue is
// removed from the map.
const queueIdleTTL = 30 * time.Second

// NewFanout creates a fanout over the given registry. writeTimeout bounds
// how long delivery to one recipient may take before that recipient is
// treated as dead.
func NewFanout(reg *registry.Registry, writeTimeout time.Duration, queueSize int, logger zerolog.Logger) *Fanout {
	return &Fanout{
		reg:          reg,
		logger:       logger.With().Str("component", "fanout").Logger(),
		writeTimeout: writeTimeout,
		queueSize:    queueSize,
		idleTTL:      queueIdleTTL,
		queues:       make(map[types.ChannelID]chan job),
		done:         make(chan struct{}),
	}
}

// Broadcast queues frame for delivery to every member of channelID's
// group except excludeConnID (pass "" to deliver to everyone). Delivery
// failures are contained per recipient and never surface to the caller.
func (f *Fanout) Broadcast(channelID types.ChannelID, frame types.Frame, excludeConnID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	queue, ok := f.queues[channelID]
	if !ok {
		queue = make(chan job, f.queueSize)
		f.queues[channelID] = queue
		f.wg.Add(1)
		go f.run(channelID, queue)
	}
	// Holding mu here keeps the queue pinned: the reaper takes mu before
	// removing a queue, so a frame can never land on a queue nobody drains.
	select {
	case queue <- job{frame: frame, exclude: excludeConnID}:
	case <-f.done:
	}
}

// ErrFanoutStopped is returned when announcing through a stopped fanout.
var ErrFanoutStopped = errors.New("fanout stopped")

// Announce satisfies the commit coordinator's announcer: the frame goes
// to every member of its channel. Per-recipient failures are contained
// inside the delivery loop; only a stopped fanout reports an error.
func (f *Fanout) Announce(_ context.Context, frame types.Frame) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return ErrFanoutStopped
	}
	f.Broadcast(frame.ChannelID, frame, "")
	return nil
}

// Stop halts all delivery queues and waits for them to drain their
// current job.
func (f *Fanout) Stop() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.done)
	f.mu.Unlock()

	f.wg.Wait()
}

func (f *Fanout) run(channelID types.ChannelID, queue chan job) {
	defer f.wg.Done()
	idle := time.NewTimer(f.idleTTL)
	defer idle.Stop()
	for {
		select {
		case j := <-queue:
			f.deliver(channelID, j)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(f.idleTTL)
		case <-idle.C:
			if f.tryReap(channelID, queue) {
				return
			}
			idle.Reset(f.idleTTL)
		case <-f.done:
			return
		}
	}
}

// tryReap removes an idle channel's queue from the map so abandoned
// channels don't accumulate over the process lifetime. It declines when
// the queue still has work, the group still has members, or the map lock
// is held: a Broadcast in flight holds mu while pushing onto the queue,
// so blocking on it here could deadlock against our own full queue.
func (f *Fanout) tryReap(channelID types.ChannelID, queue chan job) bool {
	if !f.mu.TryLock() {
		return false
	}
	defer f.mu.Unlock()

	if len(queue) > 0 || len(f.reg.MembersOf(channelID)) > 0 {
		return false
	}
	delete(f.queues, channelID)
	return true
}

// deliver pushes one frame at the current member snapshot. A recipient
// that cannot accept the frame within the write budget is dropped from
// the channel and closed; the remaining recipients still get the frame.
func (f *Fanout) deliver(channelID types.ChannelID, j job) {
	members := f.reg.MembersOf(channelID)
	for _, member := range members {
		if member.ID == j.exclude {
			continue
		}
		if err := member.Enqueue(j.frame, f.writeTimeout); err != nil {
			f.logger.Warn().
				Err(err).
				Str("conn_id", member.ID).
				Str("channel", channelID).
				Msg("delivery failed, dropping recipient")
			f.reg.ConnectionClosed(member)
		}
	}
}
