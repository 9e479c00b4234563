package message

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/statecast/statecast/internal/metrics"
)

// Transport is the framed connection the message layer writes to. The wire
// package's Conn satisfies it.
type Transport interface {
	Send(resourceID, sequence int64, payload []byte)
}

// Handler processes one inbound message of a registered type.
type Handler func(msg Fields)

// ReplyHandler receives the reply to a request. ok is false when the
// connection shut down or the reply deadline passed before a reply arrived;
// the reply fields are nil in that case.
type ReplyHandler func(reply Fields, arg interface{}, ok bool)

type pendingReply struct {
	handler  ReplyHandler
	arg      interface{}
	deadline time.Time
}

type queued struct {
	resourceID int64
	sequence   int64
	payload    []byte
}

// Options tune one message connection.
type Options struct {
	// PoolSize is the number of buffered outgoing messages that forces a
	// flush.
	PoolSize int

	// PoolDelay bounds how long a buffered message waits for the pool to
	// fill.
	PoolDelay time.Duration

	// ReplyTimeout is the deadline applied to every request.
	ReplyTimeout time.Duration

	Logger zerolog.Logger
}

// Conn is the message layer for one connection: it assigns strictly
// increasing sequence numbers, pools outgoing messages, correlates replies
// to requests with deadlines, and dispatches inbound messages by type.
type Conn struct {
	transport    Transport
	logger       zerolog.Logger
	poolSize     int
	poolDelay    time.Duration
	replyTimeout time.Duration

	mu         sync.Mutex
	nextSeq    int64
	pool       []queued
	poolTimer  *time.Timer
	flushing   bool
	pending    map[int64]pendingReply
	replyTimer *time.Timer
	closed     bool

	handlers map[string]Handler

	// OnReplyTimeout fires once when the earliest reply deadline passes
	// without a reply. The owner is expected to shut the connection down.
	OnReplyTimeout func()
}

// NewConn builds the message layer over a transport.
func NewConn(transport Transport, opts Options) *Conn {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 20
	}
	if opts.PoolDelay <= 0 {
		opts.PoolDelay = 100 * time.Millisecond
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 30 * time.Second
	}
	return &Conn{
		transport:    transport,
		logger:       opts.Logger,
		poolSize:     opts.PoolSize,
		poolDelay:    opts.PoolDelay,
		replyTimeout: opts.ReplyTimeout,
		pending:      make(map[int64]pendingReply),
		handlers:     make(map[string]Handler),
	}
}

// Handle registers the handler for one message type. Not safe to call once
// messages are flowing; register everything before the read pump starts.
func (c *Conn) Handle(msgType string, h Handler) {
	c.handlers[msgType] = h
}

// Send queues one message and returns its assigned sequence number. The
// message reaches the transport when the pool fills or the pool delay
// fires; queueing order is preserved. Fails silently after shutdown.
func (c *Conn) Send(resourceID int64, msg Fields) int64 {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	seq := c.enqueueLocked(resourceID, msg)
	flush := len(c.pool) >= c.poolSize
	c.mu.Unlock()

	if flush {
		c.Flush()
	}
	return seq
}

// Reply queues a reply to the request with the given sequence number.
func (c *Conn) Reply(resourceID, inReplyTo int64, msg Fields) int64 {
	msg["inReplyTo"] = inReplyTo
	return c.Send(resourceID, msg)
}

// Request queues a message and registers a handler for its reply. The
// handler is invoked once: with the reply, or with ok=false on timeout or
// shutdown.
func (c *Conn) Request(resourceID int64, msg Fields, handler ReplyHandler, arg interface{}) int64 {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		handler(nil, arg, false)
		return 0
	}
	seq := c.enqueueLocked(resourceID, msg)
	c.pending[seq] = pendingReply{
		handler:  handler,
		arg:      arg,
		deadline: time.Now().Add(c.replyTimeout),
	}
	metrics.PendingReplies.Inc()
	c.armReplyTimerLocked()
	flush := len(c.pool) >= c.poolSize
	c.mu.Unlock()

	if flush {
		c.Flush()
	}
	return seq
}

// enqueueLocked assigns the next sequence number, encodes the message, and
// appends it to the pool. Caller holds c.mu.
func (c *Conn) enqueueLocked(resourceID int64, msg Fields) int64 {
	c.nextSeq++
	seq := c.nextSeq
	msg["sequenceNr"] = seq
	if resourceID > 0 {
		msg["resourceId"] = resourceID
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		// Only non-JSON-able application fields can trip this; the
		// message is dropped rather than poisoning the pool.
		c.logger.Error().Err(err).Str("type", msg.Type()).Msg("Cannot encode outbound message")
		return seq
	}
	c.pool = append(c.pool, queued{resourceID: resourceID, sequence: seq, payload: payload})
	metrics.MessagesSent.WithLabelValues(msg.Type()).Inc()

	if c.poolTimer == nil {
		c.poolTimer = time.AfterFunc(c.poolDelay, c.Flush)
	}
	return seq
}

// Flush drains the pool to the transport in order. A flush while already
// flushing is a no-op.
func (c *Conn) Flush() {
	c.mu.Lock()
	if c.flushing || c.closed {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	batch := c.pool
	c.pool = nil
	if c.poolTimer != nil {
		c.poolTimer.Stop()
		c.poolTimer = nil
	}
	c.mu.Unlock()

	for _, q := range batch {
		c.transport.Send(q.resourceID, q.sequence, q.payload)
	}

	c.mu.Lock()
	c.flushing = false
	// Messages queued during the flush wait for the next trigger.
	if len(c.pool) > 0 && c.poolTimer == nil && !c.closed {
		c.poolTimer = time.AfterFunc(c.poolDelay, c.Flush)
	}
	c.mu.Unlock()
}

// HandleRaw decodes one reassembled transport payload and routes it: replies
// go to their pending handler, everything else to the type registry. Called
// from the connection's read goroutine, in arrival order.
func (c *Conn) HandleRaw(payload []byte) error {
	var msg Fields
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("message: malformed message: %w", err)
	}
	metrics.MessagesReceived.WithLabelValues(msg.Type()).Inc()

	if _, isReply := msg["inReplyTo"]; isReply {
		if c.deliverReply(msg) {
			return nil
		}
		// An unmatched reply is not fatal; the request may have timed
		// out moments earlier.
		c.logger.Debug().
			Int64("in_reply_to", msg.Int64("inReplyTo")).
			Str("type", msg.Type()).
			Msg("Reply without a pending request")
		return nil
	}

	h, ok := c.handlers[msg.Type()]
	if !ok {
		return fmt.Errorf("message: unknown message type %q", msg.Type())
	}
	h(msg)
	return nil
}

func (c *Conn) deliverReply(msg Fields) bool {
	seq := msg.Int64("inReplyTo")

	c.mu.Lock()
	p, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
		metrics.PendingReplies.Dec()
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.handler(msg, p.arg, true)
	return true
}

// armReplyTimerLocked schedules the timeout check for the earliest pending
// deadline. Caller holds c.mu.
func (c *Conn) armReplyTimerLocked() {
	earliest := time.Time{}
	for _, p := range c.pending {
		if earliest.IsZero() || p.deadline.Before(earliest) {
			earliest = p.deadline
		}
	}
	if c.replyTimer != nil {
		c.replyTimer.Stop()
		c.replyTimer = nil
	}
	if earliest.IsZero() {
		return
	}
	c.replyTimer = time.AfterFunc(time.Until(earliest), c.checkReplyDeadlines)
}

func (c *Conn) checkReplyDeadlines() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	expired := false
	for _, p := range c.pending {
		if !p.deadline.After(now) {
			expired = true
			break
		}
	}
	if !expired {
		c.armReplyTimerLocked()
		c.mu.Unlock()
		return
	}

	// One missed deadline condemns the connection; fail every pending
	// request, not just the expired one.
	failed := c.takePendingLocked()
	c.mu.Unlock()

	metrics.ReplyTimeouts.Inc()
	c.logger.Warn().Int("pending", len(failed)).Msg("Reply deadline passed, shutting connection down")
	for _, p := range failed {
		p.handler(nil, p.arg, false)
	}
	if c.OnReplyTimeout != nil {
		c.OnReplyTimeout()
	}
}

func (c *Conn) takePendingLocked() []pendingReply {
	failed := make([]pendingReply, 0, len(c.pending))
	for _, p := range c.pending {
		failed = append(failed, p)
	}
	metrics.PendingReplies.Sub(float64(len(c.pending)))
	c.pending = make(map[int64]pendingReply)
	if c.replyTimer != nil {
		c.replyTimer.Stop()
		c.replyTimer = nil
	}
	return failed
}

// Shutdown stops the pool timers and fails every pending reply handler.
// Safe to call more than once.
func (c *Conn) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pool = nil
	if c.poolTimer != nil {
		c.poolTimer.Stop()
		c.poolTimer = nil
	}
	failed := c.takePendingLocked()
	c.mu.Unlock()

	for _, p := range failed {
		p.handler(nil, p.arg, false)
	}
}
