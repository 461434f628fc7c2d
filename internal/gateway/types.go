package gateway

import "encoding/json"

// ConnectionState is the gateway's view of a tenant session.
type ConnectionState string

const (
	StateOpen       ConnectionState = "open"
	StateClose      ConnectionState = "close"
	StateConnecting ConnectionState = "connecting"
)

// Result is the normalized outcome of an operation where the gateway may
// report a business failure. Callers never parse gateway-specific error
// formats; transport failures surface as Go errors instead.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SessionStatus is the multiplexed status payload used both for login polling
// and as a QR fallback: some gateway versions embed the pairing code here
// instead of serving it from the dedicated QR endpoint.
type SessionStatus struct {
	Connected bool   `json:"connected"`
	LoggedIn  bool   `json:"loggedIn"`
	JID       string `json:"jid,omitempty"`
	Name      string `json:"name,omitempty"`
	QRCode    string `json:"qrcode,omitempty"`
}

// User is a gateway-side tenant account.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Token     string `json:"token"`
	JID       string `json:"jid,omitempty"`
	Connected bool   `json:"connected"`
	LoggedIn  bool   `json:"loggedIn"`
}

// SendTextResult carries the message id on success.
type SendTextResult struct {
	Result
	MessageID string `json:"messageId,omitempty"`
}

// envelope is the gateway's uniform response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}
