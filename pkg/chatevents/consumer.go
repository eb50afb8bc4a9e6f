package chatevents

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Consumer owns the subscription of one conversation topic and dispatches decoded events
// in order.
type Consumer struct {
	convID     string
	subscriber message.Subscriber
	onEvent    func(Event)

	seq atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func NewConsumer(convID string, subscriber message.Subscriber, onEvent func(Event)) *Consumer {
	return &Consumer{
		convID:     convID,
		subscriber: subscriber,
		onEvent:    onEvent,
	}
}

// Start subscribes synchronously, so events published after Start returns are seen, and
// then consumes in the background.
func (c *Consumer) Start(ctx context.Context) error {
	if c == nil || c.subscriber == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := c.subscriber.Subscribe(runCtx, TopicForConversation(c.convID))
	if err != nil {
		cancel()
		return errors.Wrapf(err, "subscribe to conversation %s", c.convID)
	}
	c.cancel = cancel
	c.running = true
	c.done = make(chan struct{})
	go c.consume(ch, c.done)
	return nil
}

func (c *Consumer) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	c.running = false
	c.mu.Unlock()
}

// Close stops consuming and closes the subscriber. Only use it for subscribers owned by
// this consumer.
func (c *Consumer) Close() {
	if c == nil {
		return
	}
	c.Stop()
	if c.subscriber != nil {
		if err := c.subscriber.Close(); err != nil {
			log.Warn().Err(err).Str("component", "chatevents").Str("conv_id", c.convID).Msg("consumer: subscriber close failed")
		}
	}
}

func (c *Consumer) IsRunning() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Done is closed when the consume loop exits.
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Consumer) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	log.Debug().Str("component", "chatevents").Str("conv_id", c.convID).Msg("consumer: started")
	for msg := range ch {
		ev, err := DecodeEvent(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("component", "chatevents").Str("conv_id", c.convID).Msg("consumer: failed to decode event")
			msg.Ack()
			continue
		}
		ev.Cursor = c.nextSeq(extractStreamID(msg))
		if c.onEvent != nil {
			c.onEvent(ev)
		}
		msg.Ack()
	}
	log.Debug().Str("component", "chatevents").Str("conv_id", c.convID).Msg("consumer: stopped")
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
}

// nextSeq derives a monotonic cursor from the Redis stream id when there is one and from
// the wall clock otherwise.
func (c *Consumer) nextSeq(streamID string) uint64 {
	candidate := uint64(time.Now().UnixMilli()) * 1_000_000
	if streamID != "" {
		if derived, ok := deriveSeqFromStreamID(streamID); ok {
			candidate = derived
		}
	}
	for {
		current := c.seq.Load()
		next := candidate
		if next <= current {
			next = current + 1
		}
		if c.seq.CompareAndSwap(current, next) {
			return next
		}
	}
}

func extractStreamID(msg *message.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	for _, k := range []string{"xid", "redis_xid"} {
		if v := msg.Metadata.Get(k); v != "" {
			return v
		}
	}
	return ""
}

func deriveSeqFromStreamID(streamID string) (uint64, bool) {
	parts := strings.Split(streamID, "-")
	if len(parts) != 2 {
		return 0, false
	}
	ms, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, false
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return ms*1_000_000 + seq, true
}
