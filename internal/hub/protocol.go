package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
)

// The hub speaks the SignalR JSON protocol: after an HTTP negotiate, records
// are exchanged over the websocket as JSON documents terminated by 0x1e.
const recordSeparator byte = 0x1e

const (
	msgInvocation = 1
	msgCompletion = 3
	msgPing       = 6
	msgClose      = 7
)

type negotiateResponse struct {
	ConnectionID    string `json:"connectionId"`
	ConnectionToken string `json:"connectionToken"`
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// serverMessage is the decoded form of any inbound record.
type serverMessage struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type clientInvocation struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId"`
	Target       string `json:"target"`
	Arguments    []any  `json:"arguments"`
}

type pingMessage struct {
	Type int `json:"type"`
}

func encodeRecord(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, recordSeparator), nil
}

// splitRecords splits a websocket frame into its 0x1e-terminated records.
func splitRecords(data []byte) [][]byte {
	parts := bytes.Split(data, []byte{recordSeparator})
	records := parts[:0]
	for _, p := range parts {
		if len(p) > 0 {
			records = append(records, p)
		}
	}
	return records
}

// websocketURL rewrites the hub's HTTP URL into its websocket equivalent.
func websocketURL(hubURL string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("invalid hub URL %q: %w", hubURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid hub URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}
