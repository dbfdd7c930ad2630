package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"signalengine/internal/errs"
	"signalengine/internal/logging"
	"signalengine/internal/padding"
	"signalengine/internal/signalproto"
	"signalengine/internal/store"
)

// sendToNumber implements spec §4.7 steps 1-3 for one recipient number:
// stale-device scan, key fetch for any device lacking a session, then
// dispatch through doSendMessage. Any error not already registered on batch
// by a deeper call is registered here.
func (s *Sender) sendToNumber(ctx context.Context, batch *outgoingBatch, number string) {
	updateDevices, err := s.getStaleDeviceIDsForNumber(ctx, number)
	if err != nil {
		s.registerError(batch, number, "Failed to get stale device ids", err)
		return
	}

	if err := s.getKeysForNumber(ctx, batch, number, updateDevices); err != nil {
		var idErr *errs.OutgoingIdentityKeyError
		if errors.As(err, &idErr) {
			batch.complete(number, idErr)
			return
		}
		var unreg *errs.UnregisteredUserError
		if errors.As(err, &unreg) {
			batch.complete(number, unreg)
			return
		}
		s.registerError(batch, number, "Failed to get keys for number", err)
		return
	}

	s.doSendMessage(ctx, batch, number, true)
}

// getStaleDeviceIDsForNumber enumerates the number's known devices and
// returns those without an open ratchet session; an unknown number (no
// devices on file at all) is treated as a bootstrap and reports device 1
// (spec §4.7 step 1).
func (s *Sender) getStaleDeviceIDsForNumber(ctx context.Context, number string) ([]uint32, error) {
	deviceIDs, err := s.store.GetDeviceIDs(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("sender: get device ids for %s: %w", number, err)
	}
	if len(deviceIDs) == 0 {
		return []uint32{1}, nil
	}

	stale := []uint32{}
	for _, id := range deviceIDs {
		addr := store.SessionAddress{Number: number, DeviceID: id}
		if !s.sessions.HasSession(addr) {
			stale = append(stale, id)
		}
	}
	return stale, nil
}

// getKeysForNumber fetches pre-key bundles and builds sender sessions for
// each device named in updateDevices (or, if nil, every device the server
// knows about for number), per spec §4.7 step 2. A 404 for a device other
// than 1 means that device was retired; it is dropped from the Store and
// skipped. A 404 for device 1 is fatal: the number is not registered.
func (s *Sender) getKeysForNumber(ctx context.Context, batch *outgoingBatch, number string, updateDevices []uint32) error {
	if updateDevices == nil {
		bundle, err := s.server.GetKeysForNumber(ctx, number, nil)
		if err != nil {
			return s.classifyKeyFetchError(ctx, number, 0, err)
		}
		for _, device := range bundle.Devices {
			if err := s.buildSession(batch, number, bundle.IdentityKey, device); err != nil {
				return err
			}
		}
		return nil
	}

	for _, deviceID := range updateDevices {
		deviceID := deviceID
		bundle, err := s.server.GetKeysForNumber(ctx, number, &deviceID)
		if err != nil {
			classified := s.classifyKeyFetchError(ctx, number, deviceID, err)
			if _, dropped := classified.(droppedDeviceError); dropped {
				continue
			}
			return classified
		}
		for _, device := range bundle.Devices {
			if err := s.buildSession(batch, number, bundle.IdentityKey, device); err != nil {
				return err
			}
		}
	}
	return nil
}

// droppedDeviceError signals that a 404 for a non-primary device was handled
// by removing the device, and the caller should move on to the next one.
type droppedDeviceError struct{}

func (droppedDeviceError) Error() string { return "device dropped" }

func (s *Sender) classifyKeyFetchError(ctx context.Context, number string, deviceID uint32, err error) error {
	var httpErr *store.HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.Code == 404 {
		if deviceID != 0 && deviceID != 1 {
			logging.Warn("sender: device retired, removing", zap.String("number", number), zap.Uint32("device", deviceID))
			if rmErr := s.store.RemoveDevice(ctx, number, deviceID); rmErr != nil {
				logging.Error("sender: remove retired device failed", zap.Error(rmErr))
			}
			return droppedDeviceError{}
		}
		return &errs.UnregisteredUserError{Number: number, Cause: err}
	}
	return fmt.Errorf("sender: get keys for %s: %w", number, err)
}

// buildSession runs X3DH against one pre-key bundle device and records its
// registration id for later DeviceCiphertext framing. An identity-key change
// is rethrown as OutgoingIdentityKeyError carrying the batch's content and
// timestamp for upstream reporting (spec §4.7 step 2).
func (s *Sender) buildSession(batch *outgoingBatch, number string, identityKey []byte, device store.PreKeyDevice) error {
	addr := store.SessionAddress{Number: number, DeviceID: device.DeviceID}

	s.mu.Lock()
	s.registrationIDs[addr] = device.RegistrationID
	s.mu.Unlock()

	if err := s.sessions.BuildSenderSession(addr, identityKey, device); err != nil {
		var changed *errs.IdentityKeyChanged
		if errors.As(err, &changed) {
			return &errs.OutgoingIdentityKeyError{
				Number:          number,
				OriginalContent: marshalContentSafe(batch.content),
				Timestamp:       batch.timestamp,
				IdentityKey:     changed.IdentityKey,
			}
		}
		return fmt.Errorf("sender: build session for %s: %w", addr, err)
	}
	return nil
}

// doSendMessage implements spec §4.7 step 3: encrypt the batch's content to
// every known device of number, POST the bundle, and reconcile the device
// roster on 409/410/404. recurse preserves the source's retry asymmetry
// exactly (spec §9 design note): 409 recovery re-invokes with recurse=true
// (unbounded while the mismatch keeps resolving), 410 recovery always forces
// recurse=false so a repeat failure on the retry hits the retry limit.
func (s *Sender) doSendMessage(ctx context.Context, batch *outgoingBatch, number string, recurse bool) {
	deviceIDs, err := s.store.GetDeviceIDs(ctx, number)
	if err != nil {
		s.registerError(batch, number, "Failed to load device list", err)
		return
	}
	if len(deviceIDs) == 0 {
		s.registerError(batch, number, "empty device list", nil)
		return
	}

	plaintext := padding.Pad(batch.content.Marshal())
	unlimited := number == s.localNumber

	messages := make([]store.DeviceCiphertext, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		addr := store.SessionAddress{Number: number, DeviceID: deviceID}
		if unlimited {
			s.sessions.SetUnlimited(addr, true)
		}

		isPreKey, wire, err := s.sessions.Encrypt(addr, plaintext)
		if err != nil {
			var changed *errs.IdentityKeyChanged
			if errors.As(err, &changed) {
				batch.complete(number, &errs.OutgoingIdentityKeyError{
					Number:          number,
					OriginalContent: marshalContentSafe(batch.content),
					Timestamp:       batch.timestamp,
					IdentityKey:     changed.IdentityKey,
				})
				return
			}
			s.registerError(batch, number, "Failed to create or send message", err)
			return
		}

		encoded, err := s.codec.Encode(ctx, wire)
		if err != nil {
			s.registerError(batch, number, "Failed to create or send message", err)
			return
		}

		ctype := uint8(signalproto.EnvelopeCiphertext)
		if isPreKey {
			ctype = uint8(signalproto.EnvelopePreKeyBundle)
		}

		s.mu.Lock()
		regID := s.registrationIDs[addr]
		s.mu.Unlock()

		messages = append(messages, store.DeviceCiphertext{
			Type:                      ctype,
			DestinationDeviceID:       deviceID,
			DestinationRegistrationID: regID,
			Content:                   string(encoded),
		})
	}

	err = s.server.SendMessages(ctx, number, messages, batch.timestamp, batch.silent)
	if err == nil {
		batch.complete(number, nil)
		return
	}

	var httpErr *store.HTTPStatusError
	if !errors.As(err, &httpErr) {
		batch.complete(number, &errs.SendMessageNetworkError{
			Number:    number,
			JSONBody:  encodeMessagesSafe(messages),
			Cause:     err,
			Timestamp: batch.timestamp,
		})
		return
	}

	switch httpErr.Code {
	case 409:
		if !recurse {
			s.registerError(batch, number, "Hit retry limit", httpErr)
			return
		}
		s.reconcileMismatch(ctx, batch, number, httpErr.Mismatch)
		s.doSendMessage(ctx, batch, number, true)

	case 410:
		if !recurse {
			s.registerError(batch, number, "Hit retry limit", httpErr)
			return
		}
		s.reconcileStale(ctx, batch, number, httpErr.Stale)
		s.doSendMessage(ctx, batch, number, false)

	case 404:
		batch.complete(number, &errs.UnregisteredUserError{Number: number, Cause: httpErr})

	default:
		s.registerError(batch, number, "Failed to create or send message", httpErr)
	}
}

// reconcileMismatch applies a 409 DeviceMismatch: extra devices the server no
// longer recognizes are dropped, and keys are (re)fetched for devices the
// server says are missing from our roster (spec §4.7 step 3, §8 scenario 1).
func (s *Sender) reconcileMismatch(ctx context.Context, batch *outgoingBatch, number string, mismatch *store.DeviceMismatch) {
	if mismatch == nil {
		return
	}
	for _, deviceID := range mismatch.ExtraDevices {
		addr := store.SessionAddress{Number: number, DeviceID: deviceID}
		s.sessions.DeleteSession(addr)
		if err := s.store.RemoveSession(ctx, addr); err != nil {
			logging.Error("sender: remove extra device session failed", zap.Any("address", addr), zap.Error(err))
		}
		if err := s.store.RemoveDevice(ctx, number, deviceID); err != nil {
			logging.Error("sender: remove extra device failed", zap.Any("address", addr), zap.Error(err))
		}
	}
	if len(mismatch.MissingDevices) > 0 {
		if err := s.store.SetDeviceIDs(ctx, number, appendDeviceIDs(mustDeviceIDs(ctx, s.store, number), mismatch.MissingDevices)); err != nil {
			logging.Error("sender: record missing devices failed", zap.String("number", number), zap.Error(err))
		}
		if err := s.getKeysForNumber(ctx, batch, number, mismatch.MissingDevices); err != nil {
			logging.Warn("sender: refetch keys for missing devices failed", zap.String("number", number), zap.Error(err))
		}
	}
}

// reconcileStale applies a 410 StaleDevices: close and rebuild the session
// for each stale device (spec §4.7 step 3, §8 scenario 2).
func (s *Sender) reconcileStale(ctx context.Context, batch *outgoingBatch, number string, stale *store.StaleDevices) {
	if stale == nil {
		return
	}
	for _, deviceID := range stale.StaleDevices {
		addr := store.SessionAddress{Number: number, DeviceID: deviceID}
		s.sessions.DeleteSession(addr)
		if err := s.store.RemoveSession(ctx, addr); err != nil {
			logging.Error("sender: close stale device session failed", zap.Any("address", addr), zap.Error(err))
		}
	}
	if err := s.getKeysForNumber(ctx, batch, number, stale.StaleDevices); err != nil {
		logging.Warn("sender: refetch keys for stale devices failed", zap.String("number", number), zap.Error(err))
	}
}

func mustDeviceIDs(ctx context.Context, st store.Store, number string) []uint32 {
	ids, err := st.GetDeviceIDs(ctx, number)
	if err != nil {
		return nil
	}
	return ids
}

func appendDeviceIDs(existing, missing []uint32) []uint32 {
	have := make(map[uint32]bool, len(existing))
	out := append([]uint32(nil), existing...)
	for _, id := range existing {
		have[id] = true
	}
	for _, id := range missing {
		if !have[id] {
			out = append(out, id)
			have[id] = true
		}
	}
	return out
}

func encodeMessagesSafe(messages []store.DeviceCiphertext) []byte {
	out, err := json.Marshal(messages)
	if err != nil {
		return nil
	}
	return out
}
