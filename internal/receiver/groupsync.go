package receiver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"signalengine/internal/errs"
	"signalengine/internal/logging"
	"signalengine/internal/signalproto"
)

// processDecrypted normalizes a decoded DataMessage in place (spec §4.6).
// source is the sender used for "first sighting" group membership seeding.
func (r *Receiver) processDecrypted(ctx context.Context, source string, dm *signalproto.DataMessage) error {
	flags := dm.Flags & 0xFFFFFFFF
	if flags&^signalproto.KnownFlagsMask() != 0 {
		return errs.UnknownFlags{Flags: dm.Flags}
	}

	switch {
	case flags&signalproto.FlagEndSession != 0:
		dm.Body = ""
		dm.Attachments = nil
		dm.Group = nil
		return nil

	case flags&(signalproto.FlagExpirationTimerUpdate|signalproto.FlagProfileKeyUpdate) != 0:
		dm.Body = ""
		dm.Attachments = nil
		// group is retained.
	}

	if dm.Group != nil {
		if err := r.reconcileGroup(ctx, source, dm); err != nil {
			return err
		}
	}

	for _, a := range dm.Attachments {
		if r.handlers.OnAttachment != nil {
			if err := r.handlers.OnAttachment(ctx, a); err != nil {
				return fmt.Errorf("receiver: attachment %d failed: %w", a.ID, err)
			}
		}
	}

	// dm.Quote.ID already decodes as a plain int64 (signalproto.Quote); the
	// wire varint is 64-bit but callers only ever see the normalized value.
	return nil
}

func (r *Receiver) reconcileGroup(ctx context.Context, source string, dm *signalproto.DataMessage) error {
	g := dm.Group
	existing, err := r.store.GroupsGetNumbers(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("reconcileGroup: lookup %x: %w", g.ID, err)
	}

	if existing == nil && g.Type != signalproto.GroupUpdate {
		logging.Warn("reconcileGroup: first sighting of unknown group", zap.Binary("group_id", g.ID), zap.String("source", source))
		if err := r.store.GroupsCreateNewGroup(ctx, []string{source}, g.ID); err != nil {
			return err
		}
		existing = []string{source}
	}

	switch g.Type {
	case signalproto.GroupUpdate:
		if existing == nil {
			if err := r.store.GroupsCreateNewGroup(ctx, g.Members, g.ID); err != nil {
				return err
			}
		} else if err := r.store.GroupsUpdateNumbers(ctx, g.ID, g.Members); err != nil {
			return err
		}
		if g.Avatar != nil && r.handlers.OnAttachment != nil {
			if err := r.handlers.OnAttachment(ctx, g.Avatar); err != nil {
				logging.Warn("reconcileGroup: avatar fetch failed, swallowed", zap.Binary("group_id", g.ID), zap.Error(err))
			}
		}

	case signalproto.GroupQuit:
		if source == r.localNumber {
			if err := r.store.GroupsDeleteGroup(ctx, g.ID); err != nil {
				return err
			}
		} else if err := r.store.GroupsRemoveNumber(ctx, g.ID, source); err != nil {
			return err
		}
		dm.Body = ""
		dm.Attachments = nil

	case signalproto.GroupDeliver:
		g.Name = ""
		g.Members = nil
		g.Avatar = nil

	default:
		return errs.UnknownGroupType{Type: uint32(g.Type)}
	}

	if r.handlers.OnGroup != nil {
		r.handlers.OnGroup(&GroupEvent{GroupID: g.ID, Type: g.Type})
	}
	return nil
}
