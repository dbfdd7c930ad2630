package signalproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type SyncSent struct {
	Destination              string
	Timestamp                uint64
	Message                  *DataMessage
	ExpirationStartTimestamp uint64
}

type SyncRead struct {
	Sender    string
	Timestamp uint64
}

type SyncVerified struct {
	Destination string
	IdentityKey []byte
	State       uint32
}

type SyncConfiguration struct {
	ReadReceipts bool
}

type SyncBlocked struct {
	Numbers  []string
	GroupIDs [][]byte
}

// SyncMessage dispatches on the first populated field, in the order listed
// in spec §4.5 handleSyncMessage: sent, contacts, groups, blocked, request,
// read, verified, configuration. Contacts/Groups/Request carry only opaque
// blobs in this engine (attachment-shaped sync blobs handled generically).
type SyncMessage struct {
	Sent          *SyncSent
	Contacts      []byte
	Groups        []byte
	Blocked       *SyncBlocked
	Request       uint32
	HasRequest    bool
	Read          []*SyncRead
	Verified      *SyncVerified
	Configuration *SyncConfiguration
}

const (
	smFieldSent          = 1
	smFieldContacts      = 2
	smFieldGroups        = 3
	smFieldRequest       = 4
	smFieldRead          = 5
	smFieldBlocked       = 6
	smFieldVerified      = 7
	smFieldConfiguration = 9
)

func (s *SyncMessage) Marshal() []byte {
	var b []byte
	if s.Sent != nil {
		b = appendSubMessage(b, smFieldSent, s.Sent.Marshal())
	}
	if len(s.Contacts) > 0 {
		b = protowire.AppendTag(b, smFieldContacts, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Contacts)
	}
	if len(s.Groups) > 0 {
		b = protowire.AppendTag(b, smFieldGroups, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Groups)
	}
	if s.HasRequest {
		b = protowire.AppendTag(b, smFieldRequest, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.Request))
	}
	for _, r := range s.Read {
		b = appendSubMessage(b, smFieldRead, r.Marshal())
	}
	if s.Blocked != nil {
		b = appendSubMessage(b, smFieldBlocked, s.Blocked.Marshal())
	}
	if s.Verified != nil {
		b = appendSubMessage(b, smFieldVerified, s.Verified.Marshal())
	}
	if s.Configuration != nil {
		b = appendSubMessage(b, smFieldConfiguration, s.Configuration.Marshal())
	}
	return b
}

func UnmarshalSyncMessage(b []byte) (*SyncMessage, error) {
	s := &SyncMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("signalproto: syncMessage: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case smFieldSent:
			v, n, err := consumeSub(b)
			if err != nil {
				return nil, err
			}
			sent, err := UnmarshalSyncSent(v)
			if err != nil {
				return nil, err
			}
			s.Sent = sent
			b = b[n:]
		case smFieldContacts:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.Contacts = append([]byte(nil), v...)
			b = b[n:]
		case smFieldGroups:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.Groups = append([]byte(nil), v...)
			b = b[n:]
		case smFieldRequest:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.Request = uint32(v)
			s.HasRequest = true
			b = b[n:]
		case smFieldRead:
			v, n, err := consumeSub(b)
			if err != nil {
				return nil, err
			}
			r, err := UnmarshalSyncRead(v)
			if err != nil {
				return nil, err
			}
			s.Read = append(s.Read, r)
			b = b[n:]
		case smFieldBlocked:
			v, n, err := consumeSub(b)
			if err != nil {
				return nil, err
			}
			bl, err := UnmarshalSyncBlocked(v)
			if err != nil {
				return nil, err
			}
			s.Blocked = bl
			b = b[n:]
		case smFieldVerified:
			v, n, err := consumeSub(b)
			if err != nil {
				return nil, err
			}
			ver, err := UnmarshalSyncVerified(v)
			if err != nil {
				return nil, err
			}
			s.Verified = ver
			b = b[n:]
		case smFieldConfiguration:
			v, n, err := consumeSub(b)
			if err != nil {
				return nil, err
			}
			s.Configuration = UnmarshalSyncConfiguration(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return s, nil
}

func (s *SyncSent) Marshal() []byte {
	var b []byte
	if s.Destination != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, s.Destination)
	}
	if s.Timestamp != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, s.Timestamp)
	}
	if s.Message != nil {
		b = appendSubMessage(b, 3, s.Message.Marshal())
	}
	if s.ExpirationStartTimestamp != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, s.ExpirationStartTimestamp)
	}
	return b
}

func UnmarshalSyncSent(b []byte) (*SyncSent, error) {
	s := &SyncSent{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.Destination = string(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.Timestamp = v
			b = b[n:]
		case 3:
			v, n, err := consumeSub(b)
			if err != nil {
				return nil, err
			}
			dm, err := UnmarshalDataMessage(v)
			if err != nil {
				return nil, err
			}
			s.Message = dm
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.ExpirationStartTimestamp = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return s, nil
}

func (r *SyncRead) Marshal() []byte {
	var b []byte
	if r.Sender != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, r.Sender)
	}
	if r.Timestamp != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, r.Timestamp)
	}
	return b
}

func UnmarshalSyncRead(b []byte) (*SyncRead, error) {
	r := &SyncRead{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.Sender = string(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.Timestamp = v
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

func (v *SyncVerified) Marshal() []byte {
	var b []byte
	if v.Destination != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, v.Destination)
	}
	if len(v.IdentityKey) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, v.IdentityKey)
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.State))
	return b
}

func UnmarshalSyncVerified(b []byte) (*SyncVerified, error) {
	v := &SyncVerified{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			val, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			v.Destination = string(val)
			b = b[n:]
		case 2:
			val, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			v.IdentityKey = append([]byte(nil), val...)
			b = b[n:]
		case 3:
			val, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			v.State = uint32(val)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return v, nil
}

func (c *SyncConfiguration) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(c.ReadReceipts))
	return b
}

func UnmarshalSyncConfiguration(b []byte) *SyncConfiguration {
	c := &SyncConfiguration{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return c
		}
		b = b[n:]
		if num == 1 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return c
			}
			c.ReadReceipts = v != 0
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return c
		}
		b = b[n:]
	}
	return c
}

func (bl *SyncBlocked) Marshal() []byte {
	var b []byte
	for _, n := range bl.Numbers {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, n)
	}
	for _, g := range bl.GroupIDs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, g)
	}
	return b
}

func UnmarshalSyncBlocked(b []byte) (*SyncBlocked, error) {
	bl := &SyncBlocked{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			bl.Numbers = append(bl.Numbers, string(v))
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			bl.GroupIDs = append(bl.GroupIDs, append([]byte(nil), v...))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return bl, nil
}

func boolVarint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
