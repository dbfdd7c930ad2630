// Package retryneg implements the spec §4.8 retry negotiator: re-decrypt a
// ciphertext that failed with an identity-key error as a pre-key message and
// pick which proto variant to dispatch it as based on a calendar cutoff. The
// ratchet Manager keeps the identity key it first accepted for an address,
// so the retry succeeds only when the message's identity key matches it.
package retryneg

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"signalengine/internal/padding"
	"signalengine/internal/ratchetlib"
	"signalengine/internal/signalproto"
	"signalengine/internal/store"
)

// legacyCutoffMs is 2017-06-01T07:00:00Z in epoch milliseconds (spec §4.8):
// messages sent before this instant predate Content framing and must be
// decoded as a bare DataMessage.
const legacyCutoffMs = 1496300400000

// Negotiator re-decrypts a ciphertext that previously failed with an
// unrecognized identity key. A key that still differs from the one the
// Manager knows for the address fails again with IdentityKeyChanged.
type Negotiator struct {
	sessions *ratchetlib.Manager
}

// New builds a Negotiator sharing sessions with the engine's ratchet
// manager.
func New(sessions *ratchetlib.Manager) *Negotiator {
	return &Negotiator{sessions: sessions}
}

// Result is the decoded plaintext of a retried message, tagged with which
// variant it was dispatched as.
type Result struct {
	IsLegacy    bool
	DataMessage *signalproto.DataMessage
	Content     *signalproto.Content
}

// TryMessageAgain implements spec §4.8 tryMessageAgain / §8 scenario 6.
// from is an envelope-identity-shaped address string "{number}.{deviceId}";
// ciphertext is the original pre-key whisper message body that failed with
// IncomingIdentityKeyError; sentAt is the DataMessage/Content timestamp the
// caller recovered out of band (the original envelope's timestamp, or a
// timestamp embedded in the error context).
func (n *Negotiator) TryMessageAgain(ctx context.Context, from string, ciphertext []byte, sentAt uint64) (*Result, error) {
	addr, err := parseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("retryneg: %w", err)
	}

	padded, err := n.sessions.DecryptPreKeyMessage(addr, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("retryneg: decrypt prekey message: %w", err)
	}
	plaintext, err := padding.Unpad(padded)
	if err != nil {
		return nil, fmt.Errorf("retryneg: unpad: %w", err)
	}

	if sentAt < legacyCutoffMs {
		dm, err := signalproto.UnmarshalDataMessage(plaintext)
		if err != nil {
			return nil, fmt.Errorf("retryneg: decode legacy data message: %w", err)
		}
		return &Result{IsLegacy: true, DataMessage: dm}, nil
	}

	if content, err := signalproto.UnmarshalContent(plaintext); err == nil && validateRetryContentMessage(content) {
		return &Result{Content: content}, nil
	}

	dm, err := signalproto.UnmarshalDataMessage(plaintext)
	if err != nil {
		return nil, fmt.Errorf("retryneg: decode fallback legacy data message: %w", err)
	}
	return &Result{IsLegacy: true, DataMessage: dm}, nil
}

// validateRetryContentMessage implements spec §4.8's Content-variant guard:
// no sync message, exactly one of dataMessage/callMessage/nullMessage, and a
// dataMessage must carry at least one field that makes it worth dispatching.
func validateRetryContentMessage(c *signalproto.Content) bool {
	if c.SyncMessage != nil {
		return false
	}

	set := 0
	if c.DataMessage != nil {
		set++
	}
	if c.CallMessage != nil {
		set++
	}
	if c.NullMessage != nil {
		set++
	}
	if set != 1 {
		return false
	}

	if dm := c.DataMessage; dm != nil {
		meaningful := len(dm.Attachments) > 0 || dm.Body != "" || dm.ExpireTimer != 0 || dm.Flags != 0 || dm.Group != nil
		if !meaningful {
			return false
		}
	}
	return true
}

func parseAddress(from string) (store.SessionAddress, error) {
	idx := strings.LastIndex(from, ".")
	if idx < 0 {
		return store.SessionAddress{}, fmt.Errorf("malformed address %q", from)
	}
	deviceID, err := strconv.ParseUint(from[idx+1:], 10, 32)
	if err != nil {
		return store.SessionAddress{}, fmt.Errorf("malformed device id in %q: %w", from, err)
	}
	return store.SessionAddress{Number: from[:idx], DeviceID: uint32(deviceID)}, nil
}
