package signalproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Content is the inner protobuf discriminated union exposed after session
// decryption (spec §4.5 innerHandleContentMessage). Exactly one of the
// pointer fields is expected to be set by a well-formed sender.
type Content struct {
	DataMessage    *DataMessage
	SyncMessage    *SyncMessage
	CallMessage    *CallMessage
	NullMessage    *NullMessage
	ReceiptMessage *ReceiptMessage
}

const (
	contentFieldData    = 1
	contentFieldSync    = 2
	contentFieldCall    = 3
	contentFieldNull    = 4
	contentFieldReceipt = 5
)

func (c *Content) Marshal() []byte {
	var b []byte
	if c.DataMessage != nil {
		b = appendSubMessage(b, contentFieldData, c.DataMessage.Marshal())
	}
	if c.SyncMessage != nil {
		b = appendSubMessage(b, contentFieldSync, c.SyncMessage.Marshal())
	}
	if c.CallMessage != nil {
		b = appendSubMessage(b, contentFieldCall, c.CallMessage.Marshal())
	}
	if c.NullMessage != nil {
		b = appendSubMessage(b, contentFieldNull, c.NullMessage.Marshal())
	}
	if c.ReceiptMessage != nil {
		b = appendSubMessage(b, contentFieldReceipt, c.ReceiptMessage.Marshal())
	}
	return b
}

func UnmarshalContent(b []byte) (*Content, error) {
	c := &Content{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("signalproto: content: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case contentFieldData:
			v, n, err := consumeSub(b)
			if err != nil {
				return nil, fmt.Errorf("signalproto: content.dataMessage: %w", err)
			}
			dm, err := UnmarshalDataMessage(v)
			if err != nil {
				return nil, err
			}
			c.DataMessage = dm
			b = b[n:]
		case contentFieldSync:
			v, n, err := consumeSub(b)
			if err != nil {
				return nil, fmt.Errorf("signalproto: content.syncMessage: %w", err)
			}
			sm, err := UnmarshalSyncMessage(v)
			if err != nil {
				return nil, err
			}
			c.SyncMessage = sm
			b = b[n:]
		case contentFieldCall:
			v, n, err := consumeSub(b)
			if err != nil {
				return nil, fmt.Errorf("signalproto: content.callMessage: %w", err)
			}
			cm, err := UnmarshalCallMessage(v)
			if err != nil {
				return nil, err
			}
			c.CallMessage = cm
			b = b[n:]
		case contentFieldNull:
			v, n, err := consumeSub(b)
			if err != nil {
				return nil, fmt.Errorf("signalproto: content.nullMessage: %w", err)
			}
			c.NullMessage = UnmarshalNullMessage(v)
			b = b[n:]
		case contentFieldReceipt:
			v, n, err := consumeSub(b)
			if err != nil {
				return nil, fmt.Errorf("signalproto: content.receiptMessage: %w", err)
			}
			rm, err := UnmarshalReceiptMessage(v)
			if err != nil {
				return nil, err
			}
			c.ReceiptMessage = rm
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("signalproto: content: skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return c, nil
}

// appendSubMessage appends a length-delimited embedded message field.
func appendSubMessage(b []byte, fieldNum protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, fieldNum, protowire.BytesType)
	b = protowire.AppendBytes(b, sub)
	return b
}

// consumeSub consumes a length-delimited field and returns its payload plus
// the number of bytes consumed from the outer buffer.
func consumeSub(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}
