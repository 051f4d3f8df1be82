package apnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	commandNotification byte = 0x01
	commandResponse     byte = 0x08

	// notification header: command, identifier, expiry, token length
	notificationHeaderSize = 1 + 4 + 4 + 2
	responseFrameSize      = 1 + 1 + 4
	feedbackRecordSize     = 4 + 2 + TokenSize

	// MaxWirePayloadSize is the hard payload bound imposed by the wire
	// format: the payload length travels in a 16-bit field.
	MaxWirePayloadSize = 65535
)

// Status is the gateway's verdict on a single notification, carried in the
// error-response frame the peer sends right before closing the connection.
type Status uint8

const (
	StatusSuccess            Status = 0
	StatusProcessingError    Status = 1
	StatusMissingDeviceToken Status = 2
	StatusMissingTopic       Status = 3
	StatusMissingPayload     Status = 4
	StatusInvalidTokenSize   Status = 5
	StatusInvalidTopicSize   Status = 6
	StatusInvalidPayloadSize Status = 7
	StatusInvalidToken       Status = 8
	StatusUnknown            Status = 255
)

var statusNames = map[Status]string{
	StatusSuccess:            "success",
	StatusProcessingError:    "processing_error",
	StatusMissingDeviceToken: "missing_device_token",
	StatusMissingTopic:       "missing_topic",
	StatusMissingPayload:     "missing_payload",
	StatusInvalidTokenSize:   "invalid_token_size",
	StatusInvalidTopicSize:   "invalid_topic_size",
	StatusInvalidPayloadSize: "invalid_payload_size",
	StatusInvalidToken:       "invalid_token",
	StatusUnknown:            "unknown",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Response is a decoded error-response frame.
type Response struct {
	Status     Status
	Identifier uint32
}

// EncodeNotification encodes one outbound push frame. All integers are
// big-endian. The payload must fit the 16-bit wire length field; the
// configured payload limit is enforced by the caller at enqueue time.
//
// Layout: command(1)=0x01 identifier(4) expiry(4) tokenLen(2)=32 token(32)
// payloadLen(2) payload(N).
func EncodeNotification(token DeviceToken, payload []byte, expiry uint32, identifier uint32) ([]byte, error) {
	if len(payload) > MaxWirePayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, wire format carries at most %d", ErrPayloadTooLarge, len(payload), MaxWirePayloadSize)
	}

	var b bytes.Buffer
	b.Grow(notificationHeaderSize + TokenSize + 2 + len(payload))

	var u32 [4]byte
	var u16 [2]byte
	b.WriteByte(commandNotification)
	binary.BigEndian.PutUint32(u32[:], identifier)
	b.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], expiry)
	b.Write(u32[:])
	binary.BigEndian.PutUint16(u16[:], TokenSize)
	b.Write(u16[:])
	b.Write(token[:])
	binary.BigEndian.PutUint16(u16[:], uint16(len(payload)))
	b.Write(u16[:])
	b.Write(payload)

	return b.Bytes(), nil
}

// frameIdentifier extracts the identifier from an encoded notification frame.
func frameIdentifier(frame []byte) uint32 {
	if len(frame) < 5 {
		return 0
	}
	return binary.BigEndian.Uint32(frame[1:5])
}

// DecodeResponse decodes the 6-byte error-response frame.
// Layout: command(1)=0x08 status(1) identifier(4).
func DecodeResponse(frame []byte) (Response, error) {
	if len(frame) != responseFrameSize {
		return Response{}, fmt.Errorf("%w: want %d-byte response frame, got %d", ErrInvalidFrame, responseFrameSize, len(frame))
	}
	if frame[0] != commandResponse {
		return Response{}, fmt.Errorf("%w: unexpected command 0x%02x", ErrInvalidFrame, frame[0])
	}
	status := Status(frame[1])
	if _, ok := statusNames[status]; !ok {
		return Response{}, fmt.Errorf("%w: unknown status %d", ErrInvalidFrame, frame[1])
	}
	return Response{Status: status, Identifier: binary.BigEndian.Uint32(frame[2:6])}, nil
}

// FeedbackRecord reports a device token the feedback service deems
// unreachable and when it was first observed as such.
type FeedbackRecord struct {
	Timestamp time.Time
	Token     DeviceToken
}

// FeedbackParser reassembles 38-byte feedback records from an arbitrarily
// chunked byte stream. A record is either fully consumed or fully retained
// across calls; no record is ever half-emitted. The zero value is ready for
// use and Reset readies the parser for a new stream.
//
// Record layout: unixSeconds(4) tokenLen(2)=32 token(32).
type FeedbackParser struct {
	buf    bytes.Buffer
	poison bool
}

// Feed appends chunk to the parser's buffer and returns every record that is
// now complete, in stream order. A token-length field other than 32 means the
// stream framing is lost beyond recovery; the parser reports ErrInvalidFrame
// together with the records decoded so far and consumes nothing further.
func (p *FeedbackParser) Feed(chunk []byte) ([]FeedbackRecord, error) {
	if p.poison {
		return nil, fmt.Errorf("%w: feedback stream framing lost", ErrInvalidFrame)
	}
	p.buf.Write(chunk)

	var records []FeedbackRecord
	for p.buf.Len() >= feedbackRecordSize {
		head := p.buf.Bytes()[:feedbackRecordSize]
		if tokenLen := binary.BigEndian.Uint16(head[4:6]); tokenLen != TokenSize {
			p.poison = true
			return records, fmt.Errorf("%w: feedback token length %d", ErrInvalidFrame, tokenLen)
		}
		rec := p.buf.Next(feedbackRecordSize)
		var token DeviceToken
		copy(token[:], rec[6:])
		records = append(records, FeedbackRecord{
			Timestamp: time.Unix(int64(binary.BigEndian.Uint32(rec[0:4])), 0),
			Token:     token,
		})
	}
	return records, nil
}

// Pending reports how many buffered bytes have not yet formed a full record.
func (p *FeedbackParser) Pending() int {
	return p.buf.Len()
}

// Reset discards all parser state.
func (p *FeedbackParser) Reset() {
	p.buf.Reset()
	p.poison = false
}
