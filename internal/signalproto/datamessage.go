package signalproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// DataMessage flag bits (spec §4.6). These are genuine flag bits, not an
// enum; unknown nonzero bits must be rejected.
const (
	FlagEndSession             uint32 = 1
	FlagExpirationTimerUpdate  uint32 = 2
	FlagProfileKeyUpdate       uint32 = 4
	knownFlagsMask             uint32 = FlagEndSession | FlagExpirationTimerUpdate | FlagProfileKeyUpdate
)

// KnownFlagsMask exposes the set of flag bits this engine recognizes.
func KnownFlagsMask() uint32 { return knownFlagsMask }

type AttachmentPointer struct {
	ID          uint64
	ContentType string
	Key         []byte
}

type Quote struct {
	ID     int64
	Author string
	Text   string
}

type DataMessage struct {
	Body        string
	Attachments []*AttachmentPointer
	Group       *GroupContext
	Flags       uint32
	ExpireTimer uint32
	ProfileKey  []byte
	Timestamp   uint64
	Quote       *Quote
}

const (
	dmFieldBody        = 1
	dmFieldAttachments = 2
	dmFieldGroup       = 3
	dmFieldFlags       = 4
	dmFieldExpireTimer = 5
	dmFieldProfileKey  = 6
	dmFieldTimestamp   = 7
	dmFieldQuote       = 8
)

func (m *DataMessage) Marshal() []byte {
	var b []byte
	if m.Body != "" {
		b = protowire.AppendTag(b, dmFieldBody, protowire.BytesType)
		b = protowire.AppendString(b, m.Body)
	}
	for _, a := range m.Attachments {
		b = appendSubMessage(b, dmFieldAttachments, a.Marshal())
	}
	if m.Group != nil {
		b = appendSubMessage(b, dmFieldGroup, m.Group.Marshal())
	}
	if m.Flags != 0 {
		b = protowire.AppendTag(b, dmFieldFlags, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Flags))
	}
	if m.ExpireTimer != 0 {
		b = protowire.AppendTag(b, dmFieldExpireTimer, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.ExpireTimer))
	}
	if len(m.ProfileKey) > 0 {
		b = protowire.AppendTag(b, dmFieldProfileKey, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ProfileKey)
	}
	if m.Timestamp != 0 {
		b = protowire.AppendTag(b, dmFieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Timestamp)
	}
	if m.Quote != nil {
		b = appendSubMessage(b, dmFieldQuote, m.Quote.Marshal())
	}
	return b
}

func UnmarshalDataMessage(b []byte) (*DataMessage, error) {
	m := &DataMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("signalproto: dataMessage: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case dmFieldBody:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("signalproto: dataMessage.body: %w", protowire.ParseError(n))
			}
			m.Body = string(v)
			b = b[n:]
		case dmFieldAttachments:
			v, n, err := consumeSub(b)
			if err != nil {
				return nil, fmt.Errorf("signalproto: dataMessage.attachments: %w", err)
			}
			a, err := UnmarshalAttachmentPointer(v)
			if err != nil {
				return nil, err
			}
			m.Attachments = append(m.Attachments, a)
			b = b[n:]
		case dmFieldGroup:
			v, n, err := consumeSub(b)
			if err != nil {
				return nil, fmt.Errorf("signalproto: dataMessage.group: %w", err)
			}
			g, err := UnmarshalGroupContext(v)
			if err != nil {
				return nil, err
			}
			m.Group = g
			b = b[n:]
		case dmFieldFlags:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("signalproto: dataMessage.flags: %w", protowire.ParseError(n))
			}
			m.Flags = uint32(v)
			b = b[n:]
		case dmFieldExpireTimer:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("signalproto: dataMessage.expireTimer: %w", protowire.ParseError(n))
			}
			m.ExpireTimer = uint32(v)
			b = b[n:]
		case dmFieldProfileKey:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("signalproto: dataMessage.profileKey: %w", protowire.ParseError(n))
			}
			m.ProfileKey = append([]byte(nil), v...)
			b = b[n:]
		case dmFieldTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("signalproto: dataMessage.timestamp: %w", protowire.ParseError(n))
			}
			m.Timestamp = v
			b = b[n:]
		case dmFieldQuote:
			v, n, err := consumeSub(b)
			if err != nil {
				return nil, fmt.Errorf("signalproto: dataMessage.quote: %w", err)
			}
			q, err := UnmarshalQuote(v)
			if err != nil {
				return nil, err
			}
			m.Quote = q
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("signalproto: dataMessage: skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

func (a *AttachmentPointer) Marshal() []byte {
	var b []byte
	if a.ID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, a.ID)
	}
	if a.ContentType != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, a.ContentType)
	}
	if len(a.Key) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, a.Key)
	}
	return b
}

func UnmarshalAttachmentPointer(b []byte) (*AttachmentPointer, error) {
	a := &AttachmentPointer{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("signalproto: attachmentPointer: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			a.ID = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			a.ContentType = string(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			a.Key = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return a, nil
}

func (q *Quote) Marshal() []byte {
	var b []byte
	if q.ID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(q.ID))
	}
	if q.Author != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, q.Author)
	}
	if q.Text != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, q.Text)
	}
	return b
}

// UnmarshalQuote decodes a Quote. The wire ID is a 64-bit varint; it is
// stored in Quote.ID as a plain int64.
func UnmarshalQuote(b []byte) (*Quote, error) {
	q := &Quote{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			q.ID = int64(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			q.Author = string(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			q.Text = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return q, nil
}
