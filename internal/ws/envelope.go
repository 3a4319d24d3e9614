package ws

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Envelope field numbers:
//
//	message Frame {
//	  string stream = 1;
//	  uint64 version = 2;
//	  google.protobuf.Timestamp captured_at = 3;
//	  string content_type = 4;
//	  bytes payload = 5;
//	}
const (
	fieldStream      protowire.Number = 1
	fieldVersion     protowire.Number = 2
	fieldCapturedAt  protowire.Number = 3
	fieldContentType protowire.Number = 4
	fieldPayload     protowire.Number = 5
)

// Envelope is one frame as carried by the frame.protobuf.v1 subprotocol.
type Envelope struct {
	Stream      string
	Version     uint64
	CapturedAt  time.Time
	ContentType string
	Payload     []byte
}

// MarshalEnvelope encodes e in protobuf wire format.
func MarshalEnvelope(e Envelope) ([]byte, error) {
	ts, err := proto.Marshal(timestamppb.New(e.CapturedAt))
	if err != nil {
		return nil, fmt.Errorf("marshal timestamp: %w", err)
	}

	b := make([]byte, 0, len(e.Payload)+len(e.Stream)+len(e.ContentType)+len(ts)+32)
	b = protowire.AppendTag(b, fieldStream, protowire.BytesType)
	b = protowire.AppendString(b, e.Stream)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Version)
	b = protowire.AppendTag(b, fieldCapturedAt, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)
	b = protowire.AppendTag(b, fieldContentType, protowire.BytesType)
	b = protowire.AppendString(b, e.ContentType)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	return b, nil
}

// UnmarshalEnvelope decodes an envelope. Unknown fields are skipped.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("read tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("read version: %w", protowire.ParseError(n))
			}
			e.Version = v
			b = b[n:]

		case typ == protowire.BytesType && num >= fieldStream && num <= fieldPayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("read field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldStream:
				e.Stream = string(v)
			case fieldCapturedAt:
				var ts timestamppb.Timestamp
				if err := proto.Unmarshal(v, &ts); err != nil {
					return Envelope{}, fmt.Errorf("read captured_at: %w", err)
				}
				e.CapturedAt = ts.AsTime()
			case fieldContentType:
				e.ContentType = string(v)
			case fieldPayload:
				e.Payload = append([]byte(nil), v...)
			default:
				return Envelope{}, errors.New("version field has bytes wire type")
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}
