package receiver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"signalengine/internal/errs"
	"signalengine/internal/logging"
	"signalengine/internal/signalproto"
	"signalengine/internal/store"
)

// innerHandleContentMessage implements spec §4.5: decode Content, route
// exactly one of its variants.
func (r *Receiver) innerHandleContentMessage(ctx context.Context, id string, envelope *signalproto.Envelope, plaintext []byte, confirm ConfirmFunc) {
	content, err := signalproto.UnmarshalContent(plaintext)
	if err != nil {
		confirm()
		r.emitError(fmt.Errorf("receiver: decode content %s: %w", id, err), nil)
		return
	}

	switch {
	case content.SyncMessage != nil:
		r.handleSyncMessage(ctx, envelope, content.SyncMessage, confirm)
	case content.DataMessage != nil:
		r.handleDataMessage(ctx, envelope, content.DataMessage, confirm)
	case content.NullMessage != nil:
		confirm()
	case content.CallMessage != nil:
		// Routed opaquely; no dedicated event in this engine's scope.
		confirm()
	case content.ReceiptMessage != nil:
		r.handleReceiptMessage(envelope, content.ReceiptMessage, confirm)
	default:
		confirm()
		r.emitError(errs.UnsupportedContent{EnvelopeID: id}, nil)
	}
}

// isFatalProcessDecryptedError reports whether err is one of the spec §4.6
// conditions documented as "remove from cache, fatal" (UnknownFlags, an
// unrecognized GroupContext type) rather than a recoverable failure like an
// attachment fetch error, which leaves the item in cache for retry.
func isFatalProcessDecryptedError(err error) bool {
	var flagsErr errs.UnknownFlags
	var groupErr errs.UnknownGroupType
	return errors.As(err, &flagsErr) || errors.As(err, &groupErr)
}

func (r *Receiver) handleReceiptMessage(envelope *signalproto.Envelope, rm *signalproto.ReceiptMessage, confirm ConfirmFunc) {
	for _, ts := range rm.Timestamps {
		switch rm.Type {
		case signalproto.ReceiptRead:
			if r.handlers.OnRead != nil {
				r.handlers.OnRead(&ReadEvent{Timestamp: ts, Source: envelope.Source, SourceDevice: envelope.SourceDevice, Confirm: confirm})
			}
		default:
			if r.handlers.OnDelivery != nil {
				r.handlers.OnDelivery(&DeliveryEvent{Timestamp: ts, Source: envelope.Source, SourceDevice: envelope.SourceDevice, Confirm: confirm})
			}
		}
	}
}

// handleDataMessage implements spec §4.5 handleDataMessage / §8 scenario 3.
func (r *Receiver) handleDataMessage(ctx context.Context, envelope *signalproto.Envelope, dm *signalproto.DataMessage, confirm ConfirmFunc) {
	if dm.Flags&signalproto.FlagEndSession != 0 {
		r.handleEndSession(ctx, envelope.Source)
	}

	if err := r.processDecrypted(ctx, envelope.Source, dm); err != nil {
		if isFatalProcessDecryptedError(err) {
			confirm()
			r.emitError(fmt.Errorf("receiver: processDecrypted: %w", err), nil)
			return
		}
		r.emitError(fmt.Errorf("receiver: processDecrypted: %w", err), confirm)
		return
	}

	if r.handlers.OnMessage != nil {
		r.handlers.OnMessage(&MessageEvent{
			Source:       envelope.Source,
			SourceDevice: envelope.SourceDevice,
			Timestamp:    envelope.Timestamp,
			Message:      dm,
			Confirm:      confirm,
		})
	}
}

// handleSentMessage mirrors handleDataMessage for a sync "sent" entry (spec
// §4.5 handleSentMessage).
func (r *Receiver) handleSentMessage(ctx context.Context, sent *signalproto.SyncSent, confirm ConfirmFunc) {
	if sent.Message == nil {
		confirm()
		return
	}
	if sent.Message.Flags&signalproto.FlagEndSession != 0 {
		r.handleEndSession(ctx, sent.Destination)
	}
	if err := r.processDecrypted(ctx, sent.Destination, sent.Message); err != nil {
		if isFatalProcessDecryptedError(err) {
			confirm()
			r.emitError(fmt.Errorf("receiver: processDecrypted (sent): %w", err), nil)
			return
		}
		r.emitError(fmt.Errorf("receiver: processDecrypted (sent): %w", err), confirm)
		return
	}
	if r.handlers.OnSent != nil {
		r.handlers.OnSent(&SentEvent{
			Destination:              sent.Destination,
			Timestamp:                sent.Timestamp,
			ExpirationStartTimestamp: sent.ExpirationStartTimestamp,
			Message:                  sent.Message,
			Confirm:                  confirm,
		})
	}
}

// handleSyncMessage implements spec §4.5 handleSyncMessage: only accepted
// from a linked device of the local account.
func (r *Receiver) handleSyncMessage(ctx context.Context, envelope *signalproto.Envelope, sm *signalproto.SyncMessage, confirm ConfirmFunc) {
	if envelope.Source != r.localNumber || envelope.SourceDevice == r.localDeviceID {
		confirm()
		r.emitError(fmt.Errorf("receiver: sync message from non-linked address %s.%d", envelope.Source, envelope.SourceDevice), nil)
		return
	}

	switch {
	case sm.Sent != nil:
		r.handleSentMessage(ctx, sm.Sent, confirm)
	case len(sm.Contacts) > 0:
		confirm()
		if r.handlers.OnContactSync != nil {
			r.handlers.OnContactSync(&ContactSyncEvent{Blob: sm.Contacts, Confirm: confirm})
		}
	case len(sm.Groups) > 0:
		confirm()
		if r.handlers.OnGroupSync != nil {
			r.handlers.OnGroupSync(&GroupSyncEvent{Blob: sm.Groups, Confirm: confirm})
		}
	case sm.Blocked != nil:
		r.handleBlocked(ctx, sm.Blocked)
		confirm()
	case sm.HasRequest:
		confirm()
	case len(sm.Read) > 0:
		for _, read := range sm.Read {
			if r.handlers.OnReadSync != nil {
				r.handlers.OnReadSync(&ReadSyncEvent{Sender: read.Sender, Timestamp: read.Timestamp, Confirm: confirm})
			}
		}
	case sm.Verified != nil:
		confirm()
		if r.handlers.OnVerified != nil {
			r.handlers.OnVerified(&VerifiedEvent{
				Destination: sm.Verified.Destination,
				IdentityKey: sm.Verified.IdentityKey,
				State:       sm.Verified.State,
				Confirm:     confirm,
			})
		}
	case sm.Configuration != nil:
		confirm()
		if r.handlers.OnConfiguration != nil {
			r.handlers.OnConfiguration(&ConfigurationEvent{ReadReceipts: sm.Configuration.ReadReceipts, Confirm: confirm})
		}
	default:
		confirm()
	}
}

func (r *Receiver) handleBlocked(ctx context.Context, blocked *signalproto.SyncBlocked) {
	if err := r.store.Put(ctx, "blocked", joinCSV(blocked.Numbers)); err != nil {
		logging.Error("receiver: persist blocked numbers failed", zap.Error(err))
	}
}

func joinCSV(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// handleEndSession deletes every known session for number (spec §4.5/§8
// scenario 3: "deleteAllSessionsForDevice invoked for every known device id").
func (r *Receiver) handleEndSession(ctx context.Context, number string) {
	deviceIDs, err := r.store.GetDeviceIDs(ctx, number)
	if err != nil {
		logging.Error("receiver: handleEndSession: get device ids failed", zap.String("number", number), zap.Error(err))
		return
	}
	for _, deviceID := range deviceIDs {
		addr := store.SessionAddress{Number: number, DeviceID: deviceID}
		r.sessions.DeleteSession(addr)
		if err := r.store.RemoveSession(ctx, addr); err != nil {
			logging.Error("receiver: remove session failed", zap.Any("address", addr), zap.Error(err))
		}
	}
}
