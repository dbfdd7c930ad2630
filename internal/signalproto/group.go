package signalproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// GroupContext.Type (spec §4.6 group reconciliation).
type GroupContextType uint32

const (
	GroupUnknown GroupContextType = 0
	GroupUpdate  GroupContextType = 1
	GroupDeliver GroupContextType = 2
	GroupQuit    GroupContextType = 3
)

type GroupContext struct {
	ID      []byte
	Type    GroupContextType
	Name    string
	Members []string
	Avatar  *AttachmentPointer
}

const (
	gcFieldID      = 1
	gcFieldType    = 2
	gcFieldName    = 3
	gcFieldMembers = 4
	gcFieldAvatar  = 5
)

func (g *GroupContext) Marshal() []byte {
	var b []byte
	if len(g.ID) > 0 {
		b = protowire.AppendTag(b, gcFieldID, protowire.BytesType)
		b = protowire.AppendBytes(b, g.ID)
	}
	b = protowire.AppendTag(b, gcFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(g.Type))
	if g.Name != "" {
		b = protowire.AppendTag(b, gcFieldName, protowire.BytesType)
		b = protowire.AppendString(b, g.Name)
	}
	for _, m := range g.Members {
		b = protowire.AppendTag(b, gcFieldMembers, protowire.BytesType)
		b = protowire.AppendString(b, m)
	}
	if g.Avatar != nil {
		b = appendSubMessage(b, gcFieldAvatar, g.Avatar.Marshal())
	}
	return b
}

func UnmarshalGroupContext(b []byte) (*GroupContext, error) {
	g := &GroupContext{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("signalproto: groupContext: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case gcFieldID:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			g.ID = append([]byte(nil), v...)
			b = b[n:]
		case gcFieldType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			g.Type = GroupContextType(v)
			b = b[n:]
		case gcFieldName:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			g.Name = string(v)
			b = b[n:]
		case gcFieldMembers:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			g.Members = append(g.Members, string(v))
			b = b[n:]
		case gcFieldAvatar:
			v, n, err := consumeSub(b)
			if err != nil {
				return nil, err
			}
			a, err := UnmarshalAttachmentPointer(v)
			if err != nil {
				return nil, err
			}
			g.Avatar = a
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return g, nil
}
