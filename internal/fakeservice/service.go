// Package fakeservice is a local, in-memory stand-in for the Signal service
// the production transport would talk to: it accepts pre-key bundle
// registration, answers key-fetch/send requests with the same structured
// 404/409/410 bodies the real service returns, and relays envelopes over a
// websocket frame identical in shape to wsresource's. It generalizes the
// teacher's single-peer HttpServer (gorilla/mux + gorilla/websocket,
// one map[string]*websocket.Conn) to the multi-number/multi-device
// bookkeeping internal/store.Server and internal/receiver expect.
package fakeservice

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signalengine/internal/logging"
	"signalengine/internal/store"
)

const (
	pathQueueEmpty = "/api/v1/queue/empty"
	pathMessage    = "/api/v1/message"
)

// registeredDevice is what a client deposits when it registers keys for one
// of its devices (the fake analogue of real-service account provisioning).
type registeredDevice struct {
	store.PreKeyDevice
	mailbox []mailboxEntry
}

type mailboxEntry struct {
	sourceNumber string
	messages     []store.DeviceCiphertext
	timestamp    uint64
}

type account struct {
	identityKey []byte
	devices     map[uint32]*registeredDevice
	socket      *websocket.Conn
}

// Service is the fake Signal service: an HTTP+WebSocket server holding
// registered identities and pending mailboxes in memory.
type Service struct {
	mu       sync.Mutex
	accounts map[string]*account

	upgrader websocket.Upgrader
}

// New builds an empty fake service.
func New() *Service {
	return &Service{
		accounts: make(map[string]*account),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Router builds the mux.Router of endpoints a Client dials against.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/keys/{number}", s.handleGetKeys()).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{number}/{deviceId}", s.handleGetKeys()).Methods(http.MethodGet)
	r.HandleFunc("/v1/devices/{number}", s.handleGetDevices()).Methods(http.MethodGet)
	r.HandleFunc("/v1/messages/{number}", s.handleSendMessages()).Methods(http.MethodPut)
	r.HandleFunc("/v1/websocket", s.handleWebsocket()).Methods(http.MethodGet)
	return r
}

// ListenAndServe runs the fake service on addr, blocking like the teacher's
// Run() did.
func (s *Service) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.Router())
}

// RegisterIdentity preloads a recipient's identity key and pre-key bundle
// devices, as account provisioning would in production. Tests call this to
// set up the fixtures a send/receive scenario exercises.
func (s *Service) RegisterIdentity(number string, identityKey []byte, devices []store.PreKeyDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[number]
	if !ok {
		acc = &account{devices: make(map[uint32]*registeredDevice)}
		s.accounts[number] = acc
	}
	acc.identityKey = identityKey
	for _, d := range devices {
		acc.devices[d.DeviceID] = &registeredDevice{PreKeyDevice: d}
	}
}

// RemoveDevice simulates a device retirement, so a later key fetch 404s.
func (s *Service) RemoveDevice(number string, deviceID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[number]; ok {
		delete(acc.devices, deviceID)
	}
}

func (s *Service) handleGetKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		number := vars["number"]

		s.mu.Lock()
		acc, ok := s.accounts[number]
		s.mu.Unlock()
		if !ok {
			writeHTTPStatusError(w, 404, "number not registered", nil, nil)
			return
		}

		bundle := store.PreKeyBundle{IdentityKey: acc.identityKey}
		if id, ok := vars["deviceId"]; ok {
			var deviceID uint32
			fmt.Sscanf(id, "%d", &deviceID)
			s.mu.Lock()
			dev, found := acc.devices[deviceID]
			s.mu.Unlock()
			if !found {
				writeHTTPStatusError(w, 404, "device not registered", nil, nil)
				return
			}
			bundle.Devices = []store.PreKeyDevice{dev.PreKeyDevice}
		} else {
			s.mu.Lock()
			for _, dev := range acc.devices {
				bundle.Devices = append(bundle.Devices, dev.PreKeyDevice)
			}
			s.mu.Unlock()
		}

		writeJSON(w, 200, bundle)
	}
}

func (s *Service) handleGetDevices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		number := mux.Vars(r)["number"]
		s.mu.Lock()
		acc, ok := s.accounts[number]
		var ids []uint32
		if ok {
			for id := range acc.devices {
				ids = append(ids, id)
			}
		}
		s.mu.Unlock()
		if !ok {
			writeHTTPStatusError(w, 404, "number not registered", nil, nil)
			return
		}
		writeJSON(w, 200, ids)
	}
}

// sendMessagesRequest mirrors the real service's PUT /v1/messages body.
type sendMessagesRequest struct {
	From      string                   `json:"from"`
	Messages  []store.DeviceCiphertext `json:"messages"`
	Timestamp uint64                   `json:"timestamp"`
	Silent    bool                     `json:"silent"`
}

func (s *Service) handleSendMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		number := mux.Vars(r)["number"]

		var req sendMessagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeHTTPStatusError(w, 400, "malformed request", nil, nil)
			return
		}

		s.mu.Lock()
		acc, ok := s.accounts[number]
		s.mu.Unlock()
		if !ok {
			writeHTTPStatusError(w, 404, "number not registered", nil, nil)
			return
		}

		if mismatch := s.detectMismatch(acc, req.Messages); mismatch != nil {
			writeHTTPStatusError(w, 409, "device mismatch", mismatch, nil)
			return
		}
		if stale := s.detectStale(acc, req.Messages); stale != nil {
			writeHTTPStatusError(w, 410, "stale devices", nil, stale)
			return
		}

		s.deliver(number, acc, req.From, req.Messages, req.Timestamp)
		w.WriteHeader(204)
	}
}

// detectMismatch reports any destination device the account no longer has
// (ExtraDevices) or any registered device the request omitted
// (MissingDevices), the same shape the real service returns on 409.
func (s *Service) detectMismatch(acc *account, messages []store.DeviceCiphertext) *store.DeviceMismatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	sent := make(map[uint32]bool, len(messages))
	var extra []uint32
	for _, m := range messages {
		sent[m.DestinationDeviceID] = true
		if _, ok := acc.devices[m.DestinationDeviceID]; !ok {
			extra = append(extra, m.DestinationDeviceID)
		}
	}
	var missing []uint32
	for id := range acc.devices {
		if !sent[id] {
			missing = append(missing, id)
		}
	}
	if len(extra) == 0 && len(missing) == 0 {
		return nil
	}
	return &store.DeviceMismatch{ExtraDevices: extra, MissingDevices: missing}
}

// detectStale always returns nil: the fake service never answers a send
// with 410, whatever RegisterIdentity has recorded for a device.
func (s *Service) detectStale(acc *account, messages []store.DeviceCiphertext) *store.StaleDevices {
	return nil
}

func (s *Service) deliver(toNumber string, acc *account, from string, messages []store.DeviceCiphertext, timestamp uint64) {
	s.mu.Lock()
	conn := acc.socket
	s.mu.Unlock()

	if conn == nil {
		s.mu.Lock()
		for _, dev := range acc.devices {
			dev.mailbox = append(dev.mailbox, mailboxEntry{sourceNumber: from, messages: messages, timestamp: timestamp})
		}
		s.mu.Unlock()
		return
	}

	s.pushEnvelopes(conn, from, messages, timestamp)
}

func (s *Service) handleWebsocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		number := r.URL.Query().Get("number")
		if number == "" {
			http.Error(w, "number is required", http.StatusBadRequest)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error("fakeservice: upgrade failed", zap.Error(err))
			return
		}

		s.mu.Lock()
		acc, ok := s.accounts[number]
		if !ok {
			acc = &account{devices: make(map[uint32]*registeredDevice)}
			s.accounts[number] = acc
		}
		acc.socket = conn
		pending := s.drainMailbox(acc)
		s.mu.Unlock()

		for _, entry := range pending {
			s.pushEnvelopes(conn, entry.sourceNumber, entry.messages, entry.timestamp)
		}

		go s.drainClientFrames(number, conn)
	}
}

func (s *Service) drainMailbox(acc *account) []mailboxEntry {
	var all []mailboxEntry
	for _, dev := range acc.devices {
		all = append(all, dev.mailbox...)
		dev.mailbox = nil
	}
	return all
}

// drainClientFrames discards response frames the client sends back
// (acks to pushed requests); the fake service doesn't need them, but must
// keep reading or the connection looks stalled.
func (s *Service) drainClientFrames(number string, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.mu.Lock()
			if acc, ok := s.accounts[number]; ok && acc.socket == conn {
				acc.socket = nil
			}
			s.mu.Unlock()
			return
		}
	}
}

type pushRequest struct {
	Verb string          `json:"verb"`
	Path string          `json:"path"`
	ID   uint64          `json:"id"`
	Body json.RawMessage `json:"body,omitempty"`
}

type pushedEnvelope struct {
	Source       string `json:"source"`
	SourceDevice uint32 `json:"sourceDevice"`
	Timestamp    uint64 `json:"timestamp"`
	Type         uint8  `json:"type"`
	Message      string `json:"message"`
}

func (s *Service) pushEnvelopes(conn *websocket.Conn, from string, messages []store.DeviceCiphertext, timestamp uint64) {
	for _, m := range messages {
		env := pushedEnvelope{Source: from, Timestamp: timestamp, Type: m.Type, Message: m.Content}
		body, err := json.Marshal(env)
		if err != nil {
			continue
		}
		req := pushRequest{Verb: "PUT", Path: pathMessage, Body: body}
		b, err := json.Marshal(req)
		if err != nil {
			continue
		}
		s.mu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, b)
		s.mu.Unlock()
		if err != nil {
			logging.Warn("fakeservice: push envelope failed", zap.Error(err))
			return
		}
	}
	empty := pushRequest{Verb: "PUT", Path: pathQueueEmpty}
	b, _ := json.Marshal(empty)
	s.mu.Lock()
	conn.WriteMessage(websocket.TextMessage, b)
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeHTTPStatusError(w http.ResponseWriter, status int, message string, mismatch *store.DeviceMismatch, stale *store.StaleDevices) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := struct {
		Message        string   `json:"message,omitempty"`
		ExtraDevices   []uint32 `json:"extraDevices,omitempty"`
		MissingDevices []uint32 `json:"missingDevices,omitempty"`
		StaleDevices   []uint32 `json:"staleDevices,omitempty"`
	}{Message: message}
	if mismatch != nil {
		body.ExtraDevices = mismatch.ExtraDevices
		body.MissingDevices = mismatch.MissingDevices
	}
	if stale != nil {
		body.StaleDevices = stale.StaleDevices
	}
	json.NewEncoder(w).Encode(body)
}
