package receiver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signalengine/internal/cache"
	"signalengine/internal/errs"
	"signalengine/internal/logging"
	"signalengine/internal/padding"
	"signalengine/internal/ratchetlib"
	"signalengine/internal/signalproto"
	"signalengine/internal/store"
	"signalengine/internal/taskqueue"
)

const pathQueueEmpty = "/api/v1/queue/empty"
const pathMessage = "/api/v1/message"

// Options configures a Receiver.
type Options struct {
	LocalNumber         string
	LocalDeviceID       uint32
	TaskTimeout         time.Duration
	PurgeThreshold      int
	MaxAttempts         uint
	DecryptSignalingKey func(body []byte) ([]byte, error)
}

// Receiver is the spec §4.5 MessageReceiver: it owns one socket's worth of
// envelope processing, serialized through a taskqueue.Queue: each envelope
// is decrypted and dispatched inside one task, and tasks run one at a time
// in the order they were queued, so dispatch order matches arrival order.
type Receiver struct {
	store    store.Store
	sessions *ratchetlib.Manager
	cache    *cache.Cache
	queue    *taskqueue.Queue
	incoming *taskqueue.IncomingTracker

	localNumber   string
	localDeviceID uint32
	decryptSignal func([]byte) ([]byte, error)

	handlers Handlers
}

// New builds a Receiver over st/sessions, wired to invoke h as events are
// dispatched.
func New(st store.Store, sessions *ratchetlib.Manager, opts Options, h Handlers) *Receiver {
	r := &Receiver{
		store:         st,
		sessions:      sessions,
		cache:         cache.New(st, opts.PurgeThreshold, opts.MaxAttempts),
		incoming:      taskqueue.NewIncomingTracker(),
		localNumber:   opts.LocalNumber,
		localDeviceID: opts.LocalDeviceID,
		decryptSignal: opts.DecryptSignalingKey,
		handlers:      h,
	}
	r.queue = taskqueue.New(opts.TaskTimeout, func(completed uint64) {
		if h.OnProgress != nil {
			h.OnProgress(completed)
		}
	})
	return r
}

// QueueAllCached replays the durable cache at startup (spec §4.2
// queueAllCached / scenario 5). Every replayed item is decoded from
// item.Envelope and decrypted again; item.Decrypted is not used.
func (r *Receiver) QueueAllCached(ctx context.Context) error {
	return r.cache.QueueAllCached(ctx, func(item *store.UnprocessedItem) {
		r.queueRawEnvelope(item.ID, item.Envelope)
	})
}

// HandleRequest processes one framed WebSocket request (spec §4.5
// handleRequest).
func (r *Receiver) HandleRequest(ctx context.Context, req *store.Request) {
	if req.Verb == "PUT" && req.Path == pathQueueEmpty {
		_ = req.Respond(200, "OK")
		if r.handlers.OnEmpty != nil {
			r.handlers.OnEmpty()
		}
		return
	}

	if req.Verb != "PUT" || req.Path != pathMessage {
		_ = req.Respond(200, "OK")
		return
	}

	plaintext, err := r.decryptEnvelopeBody(req.Body)
	if err != nil {
		_ = req.Respond(500, "signaling key decrypt failed")
		r.emitError(err, nil)
		return
	}

	envelope, err := signalproto.UnmarshalEnvelope(plaintext)
	if err != nil {
		_ = req.Respond(500, "envelope decode failed")
		r.emitError(fmt.Errorf("receiver: decode envelope: %w", err), nil)
		return
	}

	if r.isBlocked(ctx, envelope.Source) {
		_ = req.Respond(200, "OK")
		return
	}

	id := envelope.Identity()
	if err := r.cache.Insert(ctx, id, plaintext); err != nil {
		_ = req.Respond(500, "cache insert failed")
		logging.Error("receiver: addToCache failed", zap.String("id", id), zap.Error(err))
		return
	}
	_ = req.Respond(200, "OK")

	r.queueRawEnvelope(id, plaintext)
}

func (r *Receiver) decryptEnvelopeBody(body []byte) ([]byte, error) {
	if r.decryptSignal == nil {
		return body, nil
	}
	out, err := r.decryptSignal(body)
	if err != nil {
		return nil, fmt.Errorf("receiver: signaling key decrypt: %w", err)
	}
	return out, nil
}

func (r *Receiver) isBlocked(ctx context.Context, number string) bool {
	blocked, err := r.store.Get(ctx, "blocked", "")
	if err != nil {
		return false
	}
	for _, n := range splitCSV(blocked) {
		if n == number {
			return true
		}
	}
	return false
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// queueRawEnvelope records id in the incoming tracker and appends the
// envelope to the serial task chain; arrival order is preserved because
// tasks run in the order queueRawEnvelope is called (spec §5 ordering
// guarantee). The tracker only records which envelopes are pending.
func (r *Receiver) queueRawEnvelope(id string, raw []byte) {
	r.incoming.Push(id)
	r.queue.Add(func(ctx context.Context) error {
		defer r.incoming.Remove(id)
		envelope, err := signalproto.UnmarshalEnvelope(raw)
		if err != nil {
			logging.Error("receiver: re-decode cached envelope failed", zap.String("id", id), zap.Error(err))
			return err
		}
		r.handleEnvelope(ctx, id, envelope)
		return nil
	})
}

func (r *Receiver) confirmFunc(ctx context.Context, id string) ConfirmFunc {
	return func() {
		if err := r.cache.Confirm(ctx, id); err != nil {
			logging.Error("receiver: confirm failed", zap.String("id", id), zap.Error(err))
		}
	}
}

// handleEnvelope implements spec §4.5 handleEnvelope.
func (r *Receiver) handleEnvelope(ctx context.Context, id string, envelope *signalproto.Envelope) {
	confirm := r.confirmFunc(ctx, id)

	if envelope.Type == signalproto.EnvelopeReceipt {
		if r.handlers.OnDelivery != nil {
			r.handlers.OnDelivery(&DeliveryEvent{
				Timestamp:    envelope.Timestamp,
				Source:       envelope.Source,
				SourceDevice: envelope.SourceDevice,
				Confirm:      confirm,
			})
		}
		return
	}

	switch {
	case len(envelope.Content) > 0:
		plaintext, err := r.decrypt(ctx, id, envelope, envelope.Content)
		if err != nil {
			return // decrypt already emitted the error event
		}
		r.innerHandleContentMessage(ctx, id, envelope, plaintext, confirm)

	case len(envelope.LegacyMessage) > 0:
		plaintext, err := r.decrypt(ctx, id, envelope, envelope.LegacyMessage)
		if err != nil {
			return
		}
		dm, err := signalproto.UnmarshalDataMessage(plaintext)
		if err != nil {
			r.emitError(fmt.Errorf("receiver: decode legacy data message: %w", err), confirm)
			return
		}
		r.handleDataMessage(ctx, envelope, dm, confirm)

	default:
		confirm()
		r.emitError(errs.MalformedEnvelope{EnvelopeID: id}, nil)
	}
}

// decrypt implements spec §4.5 decrypt: address-select a session, route by
// envelope type, unpad, and persist the plaintext back into the cache.
func (r *Receiver) decrypt(ctx context.Context, id string, envelope *signalproto.Envelope, ciphertext []byte) ([]byte, error) {
	addr := store.SessionAddress{Number: envelope.Source, DeviceID: envelope.SourceDevice}

	var padded []byte
	var err error
	switch envelope.Type {
	case signalproto.EnvelopeCiphertext:
		padded, err = r.sessions.DecryptMessage(addr, ciphertext)
	case signalproto.EnvelopePreKeyBundle:
		padded, err = r.sessions.DecryptPreKeyMessage(addr, ciphertext)
		if err == nil && addr.Number == r.localNumber {
			r.sessions.SetUnlimited(addr, true)
		}
	default:
		err = errs.UnknownMessageType{Type: int32(envelope.Type)}
	}

	if err != nil {
		var changed *errs.IdentityKeyChanged
		if asIdentityKeyChanged(err, &changed) {
			wrapped := &errs.IncomingIdentityKeyError{
				Source:       envelope.Source,
				SourceDevice: envelope.SourceDevice,
				Ciphertext:   ciphertext,
				IdentityKey:  changed.IdentityKey,
			}
			r.emitError(wrapped, r.confirmFunc(ctx, id))
			return nil, wrapped
		}
		r.emitError(fmt.Errorf("receiver: decrypt %s: %w", id, err), nil)
		return nil, err
	}

	plaintext, err := padding.Unpad(padded)
	if err != nil {
		r.emitError(fmt.Errorf("receiver: unpad %s: %w", id, err), nil)
		return nil, err
	}

	if err := r.cache.SaveDecrypted(ctx, id, plaintext); err != nil {
		logging.Error("receiver: updateCache failed", zap.String("id", id), zap.Error(err))
	}
	return plaintext, nil
}

func asIdentityKeyChanged(err error, out **errs.IdentityKeyChanged) bool {
	if v, ok := err.(*errs.IdentityKeyChanged); ok {
		*out = v
		return true
	}
	return false
}

func (r *Receiver) emitError(err error, confirm ConfirmFunc) {
	logging.Error("receiver: error event", zap.Error(err))
	if r.handlers.OnError != nil {
		r.handlers.OnError(&ErrorEvent{Err: err, Confirm: confirm})
	}
}
