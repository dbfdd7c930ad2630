// Package sender implements the send engine: per-number device fan-out,
// stale-device detection, key fetch, session build, and 404/409/410
// reconciliation (spec §4.7).
package sender

import (
	"context"
	"encoding/base64"
	"sync"

	"go.uber.org/zap"

	"signalengine/internal/errs"
	"signalengine/internal/logging"
	"signalengine/internal/ratchetlib"
	"signalengine/internal/signalproto"
	"signalengine/internal/store"
)

// Base64Codec lets callers route the base64 encode step through
// internal/worker instead of doing it inline (spec §4.9).
type Base64Codec interface {
	Encode(ctx context.Context, input []byte) ([]byte, error)
}

type stdBase64 struct{}

func (stdBase64) Encode(_ context.Context, input []byte) ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(input)), nil
}

// Sender is the spec §4.7 OutgoingMessage engine for one local identity.
type Sender struct {
	store    store.Store
	server   store.Server
	sessions *ratchetlib.Manager
	codec    Base64Codec

	localNumber   string
	localDeviceID uint32

	mu              sync.Mutex
	registrationIDs map[store.SessionAddress]uint32
}

// New builds a Sender. codec may be nil to use encoding/base64 directly.
func New(st store.Store, server store.Server, sessions *ratchetlib.Manager, localNumber string, localDeviceID uint32, codec Base64Codec) *Sender {
	if codec == nil {
		codec = stdBase64{}
	}
	return &Sender{
		store:           st,
		server:          server,
		sessions:        sessions,
		codec:           codec,
		localNumber:     localNumber,
		localDeviceID:   localDeviceID,
		registrationIDs: make(map[store.SessionAddress]uint32),
	}
}

// Callback receives the final outcome of a Send call once every recipient
// number has completed (spec §4.7 step 4).
type Callback func(successfulNumbers []string, errs []error)

// outgoingBatch is the spec §3 OutgoingBatch: destroyed after the final
// callback fires.
type outgoingBatch struct {
	timestamp uint64
	content   *signalproto.Content
	silent    bool

	mu                sync.Mutex
	total             int
	numbersCompleted  int
	successfulNumbers []string
	errors            []error
	callback          Callback
	fired             bool
}

func (b *outgoingBatch) complete(number string, err error) {
	b.mu.Lock()
	if err == nil {
		b.successfulNumbers = append(b.successfulNumbers, number)
	} else {
		b.errors = append(b.errors, err)
	}
	b.numbersCompleted++
	done := b.numbersCompleted == b.total && !b.fired
	if done {
		b.fired = true
	}
	successful := append([]string(nil), b.successfulNumbers...)
	errors := append([]error(nil), b.errors...)
	b.mu.Unlock()

	if done && b.callback != nil {
		b.callback(successful, errors)
	}
}

// Send fans out content to every number in numbers, each independently, and
// invokes cb exactly once with the aggregate result (spec §4.7).
func (s *Sender) Send(ctx context.Context, timestamp uint64, numbers []string, content *signalproto.Content, silent bool, cb Callback) {
	batch := &outgoingBatch{
		timestamp: timestamp,
		content:   content,
		silent:    silent,
		total:     len(numbers),
		callback:  cb,
	}
	if len(numbers) == 0 {
		if cb != nil {
			cb(nil, nil)
		}
		return
	}
	for _, number := range numbers {
		number := number
		go s.sendToNumber(ctx, batch, number)
	}
}

func (s *Sender) registerError(batch *outgoingBatch, number string, reason string, cause error) {
	logging.Warn("sender: registering error for number", zap.String("number", number), zap.String("reason", reason), zap.Error(cause))
	batch.complete(number, &errs.OutgoingMessageError{
		Number:          number,
		OriginalContent: marshalContentSafe(batch.content),
		Timestamp:       batch.timestamp,
		Cause:           cause,
		Reason:          reason,
	})
}

func marshalContentSafe(c *signalproto.Content) []byte {
	if c == nil {
		return nil
	}
	return c.Marshal()
}
