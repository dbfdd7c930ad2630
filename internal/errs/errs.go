// Package errs defines the structured error taxonomy for the send and
// receive engines (spec §7). Each kind carries the recovery context a caller
// needs to decide whether to retry, renegotiate identity, or give up.
package errs

import "fmt"

// OutgoingMessageError is a generic send failure suitable for retry by the
// caller. It is registered per-number and never prevents other recipients
// of the same batch from succeeding.
type OutgoingMessageError struct {
	Number          string
	OriginalContent []byte
	Timestamp       uint64
	Cause           error
	Reason          string
}

func (e *OutgoingMessageError) Error() string {
	return fmt.Sprintf("outgoing message to %s failed: %s: %v", e.Number, e.Reason, e.Cause)
}

func (e *OutgoingMessageError) Unwrap() error { return e.Cause }

// SendMessageNetworkError is a transport failure that doesn't fit the
// 404/409/410 device-reconciliation paths.
type SendMessageNetworkError struct {
	Number    string
	JSONBody  []byte
	Timestamp uint64
	Cause     error
}

func (e *SendMessageNetworkError) Error() string {
	return fmt.Sprintf("network error sending to %s: %v", e.Number, e.Cause)
}

func (e *SendMessageNetworkError) Unwrap() error { return e.Cause }

// OutgoingIdentityKeyError indicates the peer's identity key rotated
// mid-send. Only UI/policy can decide whether to trust and retry, so this
// always surfaces to the caller instead of being silently retried.
type OutgoingIdentityKeyError struct {
	Number          string
	OriginalContent []byte
	Timestamp       uint64
	IdentityKey     []byte
}

func (e *OutgoingIdentityKeyError) Error() string {
	return fmt.Sprintf("identity key changed for %s", e.Number)
}

// IncomingIdentityKeyError indicates a received ciphertext was encrypted
// under an identity key we don't recognize for that address.
type IncomingIdentityKeyError struct {
	Source       string
	SourceDevice uint32
	Ciphertext   []byte
	IdentityKey  []byte
}

func (e *IncomingIdentityKeyError) Error() string {
	return fmt.Sprintf("unknown identity key for %s.%d", e.Source, e.SourceDevice)
}

// UnregisteredUserError is raised on a 404 from key fetch or send.
type UnregisteredUserError struct {
	Number string
	Cause  error
}

func (e *UnregisteredUserError) Error() string {
	return fmt.Sprintf("%s is not a registered user", e.Number)
}

func (e *UnregisteredUserError) Unwrap() error { return e.Cause }

// InvalidPadding is returned by padding.Unpad when the terminator byte is
// missing or the tail isn't all zeroes.
type InvalidPadding struct{}

func (InvalidPadding) Error() string { return "invalid padding: missing 0x80 terminator" }

// UnknownFlags is raised when a DataMessage sets a flag bit this engine
// doesn't recognize (spec §4.6).
type UnknownFlags struct{ Flags uint32 }

func (e UnknownFlags) Error() string { return fmt.Sprintf("unknown data message flags: %#x", e.Flags) }

// UnknownGroupType is raised when a GroupContext names a type outside
// {UNKNOWN, UPDATE, DELIVER, QUIT} (spec §4.6 group reconciliation).
type UnknownGroupType struct{ Type uint32 }

func (e UnknownGroupType) Error() string { return fmt.Sprintf("unknown group context type %d", e.Type) }

// MalformedEnvelope is raised when an envelope has neither content nor
// legacyMessage set (spec §4.5).
type MalformedEnvelope struct{ EnvelopeID string }

func (e MalformedEnvelope) Error() string { return fmt.Sprintf("malformed envelope %s", e.EnvelopeID) }

// UnsupportedContent is raised when a decoded Content has none of the known
// oneof variants set (spec §4.5).
type UnsupportedContent struct{ EnvelopeID string }

func (e UnsupportedContent) Error() string {
	return fmt.Sprintf("unsupported content in envelope %s", e.EnvelopeID)
}

// UnknownMessageType is raised for an Envelope.Type outside
// {CIPHERTEXT, PREKEY_BUNDLE, RECEIPT}.
type UnknownMessageType struct{ Type int32 }

func (e UnknownMessageType) Error() string { return fmt.Sprintf("unknown envelope type %d", e.Type) }

// WorkerTimeout is returned when a codec job exceeds its deadline.
type WorkerTimeout struct{ JobID uint64 }

func (e WorkerTimeout) Error() string { return fmt.Sprintf("worker job %d timed out", e.JobID) }

// NoSessionError is raised when the ratchet layer is asked to encrypt or
// decrypt for an address with no established session.
type NoSessionError struct{ Address string }

func (e NoSessionError) Error() string { return fmt.Sprintf("no session for %s", e.Address) }

// UnknownOneTimePreKeyError is raised when an inbound pre-key message names
// a one-time pre-key ID this engine never published, or already consumed.
type UnknownOneTimePreKeyError struct{ ID uint32 }

func (e UnknownOneTimePreKeyError) Error() string {
	return fmt.Sprintf("unknown or already-consumed one-time pre-key %d", e.ID)
}

// IdentityKeyChanged is surfaced by the ratchet layer when a pre-key bundle
// or ciphertext was produced under an identity key different from the one
// on file. Send and receive paths each wrap this with their own context.
type IdentityKeyChanged struct {
	Address     string
	IdentityKey []byte
}

func (e *IdentityKeyChanged) Error() string {
	return fmt.Sprintf("identity key changed for %s", e.Address)
}
