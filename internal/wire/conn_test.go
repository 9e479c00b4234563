package wire

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPeer drives the client end of a pipe: it collects data frames from the
// server and exposes them as parsed segments.
type testPeer struct {
	conn     net.Conn
	segments chan Segment
}

func newTestPeer(conn net.Conn) *testPeer {
	p := &testPeer{conn: conn, segments: make(chan Segment, 256)}
	go func() {
		defer close(p.segments)
		for {
			data, op, err := wsutil.ReadServerData(conn)
			if err != nil {
				return
			}
			if op != ws.OpText && op != ws.OpBinary {
				continue
			}
			seg, err := ParseSegment(data)
			if err != nil {
				return
			}
			p.segments <- seg
		}
	}()
	return p
}

func (p *testPeer) write(t *testing.T, raw []byte) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientMessage(p.conn, ws.OpText, raw))
}

func (p *testPeer) next(t *testing.T) Segment {
	t.Helper()
	select {
	case seg, ok := <-p.segments:
		require.True(t, ok, "peer stream ended")
		return seg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a segment")
		return Segment{}
	}
}

func startConn(t *testing.T, opts Options) (*Conn, *testPeer) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	opts.Logger = zerolog.Nop()
	conn := NewConn(serverSide, 1, opts)
	peer := newTestPeer(clientSide)
	t.Cleanup(func() {
		conn.Close("test_done", nil)
		_ = clientSide.Close()
		conn.Wait()
	})
	return conn, peer
}

func TestConnDeliversInboundMessageAndAck(t *testing.T) {
	conn, peer := startConn(t, Options{})

	inbound := make(chan Message, 1)
	conn.OnMessage = func(m Message) { inbound <- m }
	conn.Start()

	segments, err := Split(7, 3, []byte("hello"), DefaultMaxSegmentSize)
	require.NoError(t, err)
	peer.write(t, segments[0])

	select {
	case msg := <-inbound:
		assert.Equal(t, int64(7), msg.ResourceID)
		assert.Equal(t, int64(3), msg.Sequence)
		assert.Equal(t, []byte("hello"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	ackSeg := peer.next(t)
	assert.Equal(t, int64(FlowAckSequence), ackSeg.Sequence)
	assert.Equal(t, int64(7), ackSeg.ResourceID)
	ack, err := ParseFlowAck(ackSeg.Payload)
	require.NoError(t, err)
	assert.Equal(t, FlowAck{AckedSequence: 3, Received: 5, Total: 5}, ack)
}

func TestConnAcksEverySegmentOfSplitMessage(t *testing.T) {
	conn, peer := startConn(t, Options{})

	inbound := make(chan Message, 1)
	conn.OnMessage = func(m Message) { inbound <- m }
	conn.Start()

	const maxSegment = 100
	payload := []byte(strings.Repeat("x", (maxSegment-HeaderLen)*2+10))
	segments, err := Split(4, 9, payload, maxSegment)
	require.NoError(t, err)
	require.Len(t, segments, 3)

	var acks []FlowAck
	for _, raw := range segments {
		peer.write(t, raw)
		ackSeg := peer.next(t)
		ack, err := ParseFlowAck(ackSeg.Payload)
		require.NoError(t, err)
		acks = append(acks, ack)
	}

	total := int64(len(payload))
	require.Len(t, acks, 3)
	assert.Equal(t, total, acks[2].Received)
	assert.Equal(t, total, acks[2].Total)
	assert.Less(t, acks[0].Received, acks[1].Received)

	select {
	case msg := <-inbound:
		assert.Equal(t, payload, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("reassembled message was not delivered")
	}
}

func TestConnSendSplitsAndStaysContiguous(t *testing.T) {
	conn, peer := startConn(t, Options{MaxSegmentSize: 100})
	conn.Start()

	payload := []byte(strings.Repeat("y", (100-HeaderLen)*2+1))
	conn.Send(2, 11, payload)

	var rebuilt []byte
	var markers []byte
	for {
		seg := peer.next(t)
		if seg.Sequence == FlowAckSequence {
			continue
		}
		require.Equal(t, int64(2), seg.ResourceID)
		require.Equal(t, int64(11), seg.Sequence)
		markers = append(markers, seg.Marker)
		rebuilt = append(rebuilt, seg.Payload...)
		if seg.Marker == MarkerLast || seg.Marker == MarkerWhole {
			break
		}
	}
	assert.Equal(t, []byte{MarkerFirst, MarkerMiddle, MarkerLast}, markers)
	assert.Equal(t, payload, rebuilt)
}

func TestConnReportsFlowAcks(t *testing.T) {
	conn, peer := startConn(t, Options{})

	acks := make(chan FlowAck, 1)
	conn.OnFlowAck = func(resourceID int64, ack FlowAck) {
		assert.Equal(t, int64(2), resourceID)
		acks <- ack
	}
	conn.Start()

	peer.write(t, EncodeFlowAck(2, FlowAck{AckedSequence: 11, Received: 40, Total: 80}))

	select {
	case ack := <-acks:
		assert.Equal(t, FlowAck{AckedSequence: 11, Received: 40, Total: 80}, ack)
	case <-time.After(2 * time.Second):
		t.Fatal("flow ack was not reported")
	}
}

func TestConnVersionMismatchIsFatal(t *testing.T) {
	conn, peer := startConn(t, Options{})

	closed := make(chan string, 1)
	protocolErrs := make(chan error, 1)
	conn.OnClose = func(reason string, err error) { closed <- reason }
	conn.OnProtocolError = func(err error) {
		protocolErrs <- err
		conn.Close("protocol_error", err)
	}
	conn.Start()

	raw := EncodeSegment(Header{Marker: MarkerWhole, ResourceID: 1, Sequence: 1, TotalLength: 2}, []byte("ok"))
	raw[0], raw[1] = '9', '9'
	peer.write(t, raw)

	select {
	case err := <-protocolErrs:
		assert.ErrorIs(t, err, ErrVersionMismatch)
	case <-time.After(2 * time.Second):
		t.Fatal("protocol error handler did not fire")
	}

	select {
	case reason := <-closed:
		assert.Equal(t, "protocol_error", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close")
	}
}

func TestConnOutOfOrderSegmentIsTolerated(t *testing.T) {
	conn, peer := startConn(t, Options{})

	inbound := make(chan Message, 1)
	conn.OnMessage = func(m Message) { inbound <- m }
	conn.Start()

	// middle with no first: dropped, connection stays up
	peer.write(t, EncodeSegment(Header{Marker: MarkerMiddle, ResourceID: 1, Sequence: 4, TotalLength: 10}, []byte("zzzz")))

	segments, err := Split(1, 5, []byte("next"), DefaultMaxSegmentSize)
	require.NoError(t, err)
	peer.write(t, segments[0])

	select {
	case msg := <-inbound:
		assert.Equal(t, int64(5), msg.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive the out-of-order segment")
	}
}

func TestConnSendAfterCloseIsSilent(t *testing.T) {
	conn, _ := startConn(t, Options{})
	conn.Start()
	conn.Close("test_done", nil)
	conn.Send(1, 1, []byte("ignored"))
}
