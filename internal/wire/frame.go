// Package wire implements the framed multiplex transport: fixed-width ASCII
// segment headers, splitting of large payloads, in-order reassembly, and
// per-message flow acknowledgements.
package wire

import (
	"errors"
	"fmt"
	"strconv"
)

// HeaderVersion is the two-digit version expected on every segment. A peer
// speaking any other version is terminated.
const HeaderVersion = "01"

// Segment markers.
const (
	MarkerWhole  byte = '-'
	MarkerFirst  byte = '['
	MarkerMiddle byte = '+'
	MarkerLast   byte = ']'
)

// Fixed-width header fields: version (2), marker (1), resource id (8),
// sequence number (10), total payload length (12).
const (
	headerVersionLen  = 2
	resourceIDDigits  = 8
	sequenceDigits    = 10
	totalLengthDigits = 12

	// HeaderLen is the total length of every segment header.
	HeaderLen = headerVersionLen + 1 + resourceIDDigits + sequenceDigits + totalLengthDigits
)

// DefaultMaxSegmentSize bounds one encoded segment, header included.
const DefaultMaxSegmentSize = 16000

// Field limits implied by the fixed widths.
const (
	MaxResourceID  = 99999999
	MaxSequence    = 9999999999
	MaxTotalLength = 999999999999
)

// FlowAckSequence is the sequence number marking a flow acknowledgement
// segment; data messages always use positive sequence numbers.
const FlowAckSequence = 0

// ErrVersionMismatch is returned for a segment whose header version is not
// HeaderVersion. The connection must send a termination notice and close.
var ErrVersionMismatch = errors.New("wire: header version mismatch")

// errOutOfOrder marks a segment whose marker does not fit the reassembly
// state. The buffer is discarded and the connection keeps running.
var errOutOfOrder = errors.New("wire: segment out of order")

// Header is the parsed fixed-width prefix of one segment.
type Header struct {
	Marker      byte
	ResourceID  int64
	Sequence    int64
	TotalLength int64
}

// Segment is one parsed wire segment.
type Segment struct {
	Header
	Payload []byte
}

// Message is a fully reassembled inbound message.
type Message struct {
	ResourceID int64
	Sequence   int64
	Payload    []byte
}

// FlowAck reports byte-level progress for one message: how much of the
// message with AckedSequence has arrived at the peer.
type FlowAck struct {
	AckedSequence int64
	Received      int64
	Total         int64
}

// flowAckLen is the fixed payload length of a flow acknowledgement.
const flowAckLen = sequenceDigits + totalLengthDigits + totalLengthDigits

func appendPadded(b []byte, v int64, width int) []byte {
	digits := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return append(b, digits...)
}

func parseField(b []byte) (int64, error) {
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wire: malformed numeric field %q", string(b))
	}
	return v, nil
}

func validMarker(m byte) bool {
	switch m {
	case MarkerWhole, MarkerFirst, MarkerMiddle, MarkerLast:
		return true
	}
	return false
}

// EncodeSegment renders one segment: header followed by payload.
func EncodeSegment(h Header, payload []byte) []byte {
	buf := make([]byte, 0, HeaderLen+len(payload))
	buf = append(buf, HeaderVersion...)
	buf = append(buf, h.Marker)
	buf = appendPadded(buf, h.ResourceID, resourceIDDigits)
	buf = appendPadded(buf, h.Sequence, sequenceDigits)
	buf = appendPadded(buf, h.TotalLength, totalLengthDigits)
	return append(buf, payload...)
}

// ParseSegment decodes a raw wire segment.
func ParseSegment(raw []byte) (Segment, error) {
	if len(raw) < HeaderLen {
		return Segment{}, fmt.Errorf("wire: segment shorter than header: %d bytes", len(raw))
	}
	if string(raw[:headerVersionLen]) != HeaderVersion {
		return Segment{}, fmt.Errorf("%w: got %q", ErrVersionMismatch, string(raw[:headerVersionLen]))
	}
	marker := raw[headerVersionLen]
	if !validMarker(marker) {
		return Segment{}, fmt.Errorf("wire: unknown segment marker %q", marker)
	}

	off := headerVersionLen + 1
	resourceID, err := parseField(raw[off : off+resourceIDDigits])
	if err != nil {
		return Segment{}, err
	}
	off += resourceIDDigits
	sequence, err := parseField(raw[off : off+sequenceDigits])
	if err != nil {
		return Segment{}, err
	}
	off += sequenceDigits
	total, err := parseField(raw[off : off+totalLengthDigits])
	if err != nil {
		return Segment{}, err
	}

	return Segment{
		Header: Header{
			Marker:      marker,
			ResourceID:  resourceID,
			Sequence:    sequence,
			TotalLength: total,
		},
		Payload: raw[HeaderLen:],
	}, nil
}

// Split encodes a message as one or more segments, each at most
// maxSegmentSize bytes including the header. A payload within the budget
// goes out as a single whole segment.
func Split(resourceID, sequence int64, payload []byte, maxSegmentSize int) ([][]byte, error) {
	if resourceID < 0 || resourceID > MaxResourceID {
		return nil, fmt.Errorf("wire: resource id %d out of range", resourceID)
	}
	if sequence < 0 || sequence > MaxSequence {
		return nil, fmt.Errorf("wire: sequence number %d out of range", sequence)
	}
	if int64(len(payload)) > MaxTotalLength {
		return nil, fmt.Errorf("wire: payload of %d bytes exceeds the header width", len(payload))
	}
	budget := maxSegmentSize - HeaderLen
	if budget <= 0 {
		return nil, fmt.Errorf("wire: segment size %d leaves no payload budget", maxSegmentSize)
	}

	total := int64(len(payload))
	if len(payload) <= budget {
		h := Header{Marker: MarkerWhole, ResourceID: resourceID, Sequence: sequence, TotalLength: total}
		return [][]byte{EncodeSegment(h, payload)}, nil
	}

	var segments [][]byte
	for off := 0; off < len(payload); off += budget {
		end := off + budget
		if end > len(payload) {
			end = len(payload)
		}
		marker := MarkerMiddle
		switch {
		case off == 0:
			marker = MarkerFirst
		case end == len(payload):
			marker = MarkerLast
		}
		h := Header{Marker: marker, ResourceID: resourceID, Sequence: sequence, TotalLength: total}
		segments = append(segments, EncodeSegment(h, payload[off:end]))
	}
	return segments, nil
}

// EncodeFlowAck renders the acknowledgement segment for a message on the
// given resource id: a segment with sequence 0 whose payload carries the
// acknowledged sequence number, the bytes received so far, and the total.
func EncodeFlowAck(resourceID int64, ack FlowAck) []byte {
	payload := make([]byte, 0, flowAckLen)
	payload = appendPadded(payload, ack.AckedSequence, sequenceDigits)
	payload = appendPadded(payload, ack.Received, totalLengthDigits)
	payload = appendPadded(payload, ack.Total, totalLengthDigits)
	h := Header{
		Marker:      MarkerWhole,
		ResourceID:  resourceID,
		Sequence:    FlowAckSequence,
		TotalLength: int64(len(payload)),
	}
	return EncodeSegment(h, payload)
}

// ParseFlowAck decodes the payload of a sequence-0 segment.
func ParseFlowAck(payload []byte) (FlowAck, error) {
	if len(payload) != flowAckLen {
		return FlowAck{}, fmt.Errorf("wire: flow ack payload has %d bytes, want %d", len(payload), flowAckLen)
	}
	acked, err := parseField(payload[:sequenceDigits])
	if err != nil {
		return FlowAck{}, err
	}
	received, err := parseField(payload[sequenceDigits : sequenceDigits+totalLengthDigits])
	if err != nil {
		return FlowAck{}, err
	}
	total, err := parseField(payload[sequenceDigits+totalLengthDigits:])
	if err != nil {
		return FlowAck{}, err
	}
	return FlowAck{AckedSequence: acked, Received: received, Total: total}, nil
}

// assembler reassembles the inbound segment stream. Segments of one message
// arrive contiguously, so a single buffer suffices per connection.
type assembler struct {
	active   bool
	header   Header
	buf      []byte
	received int64
}

// feed consumes one segment. It returns the completed message when the
// segment finishes one, and the number of payload bytes received so far for
// the in-flight message (used for flow acknowledgements). An errOutOfOrder
// result discards the buffer but leaves the connection usable.
func (a *assembler) feed(seg Segment) (msg *Message, received int64, err error) {
	switch seg.Marker {
	case MarkerWhole:
		if a.active {
			a.reset()
			return nil, 0, errOutOfOrder
		}
		if int64(len(seg.Payload)) != seg.TotalLength {
			return nil, 0, fmt.Errorf("wire: whole segment carries %d bytes, header says %d",
				len(seg.Payload), seg.TotalLength)
		}
		return &Message{
			ResourceID: seg.ResourceID,
			Sequence:   seg.Sequence,
			Payload:    seg.Payload,
		}, seg.TotalLength, nil

	case MarkerFirst:
		if a.active {
			a.reset()
			return nil, 0, errOutOfOrder
		}
		a.active = true
		a.header = seg.Header
		a.buf = append(a.buf[:0], seg.Payload...)
		a.received = int64(len(seg.Payload))
		return nil, a.received, nil

	case MarkerMiddle, MarkerLast:
		if !a.active || seg.ResourceID != a.header.ResourceID || seg.Sequence != a.header.Sequence {
			a.reset()
			return nil, 0, errOutOfOrder
		}
		a.buf = append(a.buf, seg.Payload...)
		a.received += int64(len(seg.Payload))
		if a.received > a.header.TotalLength {
			a.reset()
			return nil, 0, fmt.Errorf("wire: message %d overflows declared length %d",
				a.header.Sequence, a.header.TotalLength)
		}
		if seg.Marker == MarkerMiddle {
			return nil, a.received, nil
		}
		if a.received != a.header.TotalLength {
			received := a.received
			a.reset()
			return nil, 0, fmt.Errorf("wire: message ended with %d of %d bytes",
				received, seg.TotalLength)
		}
		msg = &Message{
			ResourceID: a.header.ResourceID,
			Sequence:   a.header.Sequence,
			Payload:    append([]byte(nil), a.buf...),
		}
		received = a.received
		a.reset()
		return msg, received, nil
	}
	return nil, 0, fmt.Errorf("wire: unknown segment marker %q", seg.Marker)
}

func (a *assembler) reset() {
	a.active = false
	a.buf = a.buf[:0]
	a.received = 0
}
