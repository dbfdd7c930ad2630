package fakeservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"signalengine/internal/store"
	"signalengine/internal/wsresource"
)

// Client implements store.Server against a Service reachable over HTTP/WS,
// the role the teacher's server.go played for its single demo peer.
type Client struct {
	httpBase string
	wsBase   string
	number   string

	http *http.Client
}

// NewClient builds a store.Server bound to one local number, talking to a
// Service listening at addr (e.g. "localhost:9090").
func NewClient(addr, number string) *Client {
	return &Client{
		httpBase: "http://" + addr,
		wsBase:   "ws://" + addr,
		number:   number,
		http:     http.DefaultClient,
	}
}

func (c *Client) GetMessageSocket(ctx context.Context) (store.Socket, error) {
	u := c.wsBase + "/v1/websocket?number=" + url.QueryEscape(c.number)
	return wsresource.Dial(ctx, u, nil)
}

func (c *Client) GetKeysForNumber(ctx context.Context, number string, deviceID *uint32) (*store.PreKeyBundle, error) {
	u := c.httpBase + "/v1/keys/" + url.PathEscape(number)
	if deviceID != nil {
		u += "/" + strconv.FormatUint(uint64(*deviceID), 10)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("fakeservice: build key request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fakeservice: get keys for %s: %w", number, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeStatusError(resp)
	}

	var bundle store.PreKeyBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("fakeservice: decode key bundle: %w", err)
	}
	return &bundle, nil
}

func (c *Client) SendMessages(ctx context.Context, number string, messages []store.DeviceCiphertext, timestamp uint64, silent bool) error {
	payload := sendMessagesRequest{From: c.number, Messages: messages, Timestamp: timestamp, Silent: silent}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fakeservice: marshal send request: %w", err)
	}

	u := c.httpBase + "/v1/messages/" + url.PathEscape(number)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("fakeservice: build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fakeservice: send messages to %s: %w", number, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeStatusError(resp)
	}
	return nil
}

// GetAttachment is out of scope for this transport core (spec non-goal);
// the fake service never stores attachment bytes.
func (c *Client) GetAttachment(ctx context.Context, id uint64) ([]byte, error) {
	return nil, fmt.Errorf("fakeservice: attachment retrieval is not implemented")
}

func (c *Client) GetDevices(ctx context.Context, number string) ([]uint32, error) {
	u := c.httpBase + "/v1/devices/" + url.PathEscape(number)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("fakeservice: build devices request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fakeservice: get devices for %s: %w", number, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeStatusError(resp)
	}
	var ids []uint32
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("fakeservice: decode device list: %w", err)
	}
	return ids, nil
}

func decodeStatusError(resp *http.Response) error {
	var body struct {
		Message        string   `json:"message,omitempty"`
		ExtraDevices   []uint32 `json:"extraDevices,omitempty"`
		MissingDevices []uint32 `json:"missingDevices,omitempty"`
		StaleDevices   []uint32 `json:"staleDevices,omitempty"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	httpErr := &store.HTTPStatusError{Code: resp.StatusCode, Message: body.Message}
	if len(body.ExtraDevices) > 0 || len(body.MissingDevices) > 0 {
		httpErr.Mismatch = &store.DeviceMismatch{ExtraDevices: body.ExtraDevices, MissingDevices: body.MissingDevices}
	}
	if len(body.StaleDevices) > 0 {
		httpErr.Stale = &store.StaleDevices{StaleDevices: body.StaleDevices}
	}
	return httpErr
}
