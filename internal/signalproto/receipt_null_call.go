package signalproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type ReceiptMessageType uint32

const (
	ReceiptDelivery ReceiptMessageType = 0
	ReceiptRead     ReceiptMessageType = 1
)

type ReceiptMessage struct {
	Type       ReceiptMessageType
	Timestamps []uint64
}

func (r *ReceiptMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Type))
	for _, ts := range r.Timestamps {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, ts)
	}
	return b
}

func UnmarshalReceiptMessage(b []byte) (*ReceiptMessage, error) {
	r := &ReceiptMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("signalproto: receiptMessage: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.Type = ReceiptMessageType(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.Timestamps = append(r.Timestamps, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}

// NullMessage carries only padding, used to obscure true message length on
// the wire (Signal's "null message" pattern).
type NullMessage struct {
	Padding []byte
}

func (m *NullMessage) Marshal() []byte {
	if len(m.Padding) == 0 {
		return nil
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Padding)
	return b
}

func UnmarshalNullMessage(b []byte) *NullMessage {
	m := &NullMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m
		}
		b = b[n:]
		if num == 1 {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m
			}
			m.Padding = append([]byte(nil), v...)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return m
		}
		b = b[n:]
	}
	return m
}

// CallMessage is routed opaquely by this engine (spec §4.5: WebRTC signaling
// is out of scope beyond "a CallMessage variant exists and routes").
type CallMessage struct {
	Kind string
	Body []byte
}

func (c *CallMessage) Marshal() []byte {
	var b []byte
	if c.Kind != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, c.Kind)
	}
	if len(c.Body) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Body)
	}
	return b
}

func UnmarshalCallMessage(b []byte) (*CallMessage, error) {
	c := &CallMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("signalproto: callMessage: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			c.Kind = string(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			c.Body = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return c, nil
}
