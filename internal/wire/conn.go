package wire

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/statecast/statecast/internal/metrics"
)

const (
	// Time allowed to write a segment to the peer.
	writeWait = 5 * time.Second

	// Time allowed between reads before the connection is considered dead.
	pongWait = 30 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Options tune one connection.
type Options struct {
	// MaxSegmentSize bounds an encoded segment, header included.
	MaxSegmentSize int

	// SendQueueSize is the outbound segment queue depth. A peer that lets
	// the queue fill up is disconnected.
	SendQueueSize int

	Logger zerolog.Logger
}

// Conn runs the framed transport over one WebSocket connection. Inbound
// segments are reassembled and handed to OnMessage; every data segment is
// acknowledged with a flow ack. Outbound messages are split into segments
// and written by a single writer goroutine, so segments of one message stay
// contiguous and in order.
type Conn struct {
	id     int64
	ws     net.Conn
	logger zerolog.Logger

	maxSegmentSize int
	send           chan []byte
	done           chan struct{}
	closeOnce      sync.Once

	sendMu sync.Mutex
	asm    assembler
	wg     sync.WaitGroup

	// OnMessage receives each reassembled message. Called from the read
	// goroutine, in arrival order.
	OnMessage func(Message)

	// OnFlowAck receives progress reports for messages this side sent.
	OnFlowAck func(resourceID int64, ack FlowAck)

	// OnReceiveProgress reports inbound per-message progress, mirroring
	// the acks sent to the peer.
	OnReceiveProgress func(resourceID int64, ack FlowAck)

	// OnProtocolError, when set, is invoked instead of an immediate close
	// for fatal protocol errors; the handler must send its termination
	// notice and then close the connection. When nil the connection closes
	// directly.
	OnProtocolError func(err error)

	// OnClose fires exactly once when the connection shuts down.
	OnClose func(reason string, err error)
}

// NewConn wraps an upgraded WebSocket connection. Call Start to begin
// pumping.
func NewConn(wsConn net.Conn, id int64, opts Options) *Conn {
	if opts.MaxSegmentSize <= HeaderLen {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 1024
	}
	return &Conn{
		id:             id,
		ws:             wsConn,
		logger:         opts.Logger.With().Int64("conn_id", id).Logger(),
		maxSegmentSize: opts.MaxSegmentSize,
		send:           make(chan []byte, opts.SendQueueSize),
		done:           make(chan struct{}),
	}
}

// ID returns the server-local connection id.
func (c *Conn) ID() int64 { return c.id }

// Start launches the read and write goroutines.
func (c *Conn) Start() {
	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
}

// Wait blocks until both pumps have exited.
func (c *Conn) Wait() {
	c.wg.Wait()
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send splits a message into segments and queues them. It fails silently
// when the connection is closed; a full queue disconnects the peer.
func (c *Conn) Send(resourceID, sequence int64, payload []byte) {
	if c.isClosed() {
		return
	}
	segments, err := Split(resourceID, sequence, payload, c.maxSegmentSize)
	if err != nil {
		c.logger.Error().Err(err).
			Int64("resource_id", resourceID).
			Int64("sequence", sequence).
			Msg("Cannot frame outbound message")
		return
	}
	c.enqueue(segments)
}

func (c *Conn) sendFlowAck(resourceID int64, ack FlowAck) {
	if c.isClosed() {
		return
	}
	c.enqueue([][]byte{EncodeFlowAck(resourceID, ack)})
	metrics.FlowAcksSent.Inc()
}

// enqueue pushes encoded segments under one lock so that segments of one
// message are never interleaved with another message's.
func (c *Conn) enqueue(segments [][]byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for _, seg := range segments {
		select {
		case c.send <- seg:
		case <-c.done:
			return
		default:
			c.logger.Warn().
				Int("queue_cap", cap(c.send)).
				Msg("Send queue overflow, disconnecting slow peer")
			c.Close(metrics.DisconnectReasonSlowConsumer, errors.New("wire: send queue overflow"))
			return
		}
	}
}

// Close shuts the connection down. Safe to call repeatedly; only the first
// reason wins.
func (c *Conn) Close(reason string, err error) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		metrics.RecordDisconnect(reason)

		evt := c.logger.Info()
		if err != nil {
			evt = c.logger.Warn().Err(err)
		}
		evt.Str("reason", reason).Msg("Connection closed")

		if c.OnClose != nil {
			c.OnClose(reason, err)
		}
	})
}

func (c *Conn) readPump() {
	defer c.wg.Done()

	var (
		reason  = metrics.DisconnectReasonReadError
		readErr error
		fatal   error
	)
	defer func() {
		if fatal != nil && c.OnProtocolError != nil {
			// The handler sends a termination notice and closes.
			c.OnProtocolError(fatal)
			return
		}
		c.Close(reason, readErr)
	}()

	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		data, op, err := wsutil.ReadClientData(c.ws)
		if err != nil {
			if c.isClosed() {
				reason = metrics.DisconnectReasonShutdown
				return
			}
			readErr = err
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		metrics.SegmentsReceived.Inc()
		metrics.BytesReceived.Add(float64(len(data)))

		seg, err := ParseSegment(data)
		if err != nil {
			reason = metrics.DisconnectReasonProtocolError
			readErr = err
			if errors.Is(err, ErrVersionMismatch) {
				fatal = err
			}
			return
		}

		if seg.Sequence == FlowAckSequence {
			ack, err := ParseFlowAck(seg.Payload)
			if err != nil {
				reason = metrics.DisconnectReasonProtocolError
				readErr = err
				return
			}
			if c.OnFlowAck != nil {
				c.OnFlowAck(seg.ResourceID, ack)
			}
			continue
		}

		msg, received, err := c.asm.feed(seg)
		if err != nil {
			if errors.Is(err, errOutOfOrder) {
				c.logger.Warn().
					Int64("resource_id", seg.ResourceID).
					Int64("sequence", seg.Sequence).
					Str("marker", string(seg.Marker)).
					Msg("Discarding out-of-order segment")
				continue
			}
			reason = metrics.DisconnectReasonProtocolError
			readErr = err
			return
		}

		ack := FlowAck{AckedSequence: seg.Sequence, Received: received, Total: seg.TotalLength}
		c.sendFlowAck(seg.ResourceID, ack)
		if c.OnReceiveProgress != nil {
			c.OnReceiveProgress(seg.ResourceID, ack)
		}

		if msg != nil && c.OnMessage != nil {
			c.OnMessage(*msg)
		}
	}
}

func (c *Conn) writePump() {
	defer c.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close(metrics.DisconnectReasonWriteError, nil)
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = wsutil.WriteServerMessage(c.ws, ws.OpClose, nil)
			return

		case seg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.ws, ws.OpText, seg); err != nil {
				c.logger.Debug().Err(err).
					Int("segment_size", len(seg)).
					Msg("Failed to write segment")
				c.Close(metrics.DisconnectReasonWriteError, err)
				return
			}
			metrics.SegmentsSent.Inc()
			metrics.BytesSent.Add(float64(len(seg)))

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.ws, ws.OpPing, nil); err != nil {
				c.Close(metrics.DisconnectReasonWriteError, err)
				return
			}
		}
	}
}
