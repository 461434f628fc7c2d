// Package pairing implements the WhatsApp device-pairing orchestrator: the
// state machine that takes a tenant from "not connected" to a live session
// authenticated via QR scan, against an asynchronous and unreliable gateway.
//
// One Orchestrator instance owns one tenant's pairing lifecycle. At most one
// pairing attempt is active per instance at any time; every timer and polling
// loop the attempt starts is released on teardown, whatever state the attempt
// was in.
package pairing

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"

	"github.com/Evemarques07/saas-sub002/internal/gateway"
	"github.com/Evemarques07/saas-sub002/internal/qrimg"
	"github.com/Evemarques07/saas-sub002/internal/token"
)

// Status is the observable lifecycle phase exposed for UI binding.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusChecking   Status = "checking"
	StatusLoading    Status = "loading"
	StatusQRCode     Status = "qrcode"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
	StatusAPIOffline Status = "api-offline"
)

// Intervals holds the timing parameters of one pairing attempt. Production
// code uses DefaultIntervals; tests shrink them to run the same paths fast.
type Intervals struct {
	QRValidity    time.Duration
	SettleDelay   time.Duration
	QRRetryDelay  time.Duration
	PollInterval  time.Duration
	MaxQRAttempts int
	MaxPollErrors int
}

// DefaultIntervals returns the fixed production timings.
func DefaultIntervals() Intervals {
	return Intervals{
		QRValidity:    120 * time.Second,
		SettleDelay:   2 * time.Second,
		QRRetryDelay:  2 * time.Second,
		PollInterval:  3 * time.Second,
		MaxQRAttempts: 3,
		MaxPollErrors: 5,
	}
}

// GatewayAPI is the subset of the gateway client the orchestrator drives.
type GatewayAPI interface {
	CheckHealth(ctx context.Context) bool
	EnsureUser(ctx context.Context, name, userToken string) gateway.Result
	Connect(ctx context.Context, userToken string) (bool, error)
	ConnectionState(ctx context.Context, userToken string) (gateway.ConnectionState, error)
	QRCode(ctx context.Context, userToken string) (string, error)
	SessionStatus(ctx context.Context, userToken string) (*gateway.SessionStatus, error)
}

// ConnectedFunc is fired exactly once per successful pairing.
type ConnectedFunc func(phone, name, userToken string)

// Snapshot is the observable state for UI binding.
type Snapshot struct {
	Status    Status `json:"status"`
	QRCode    string `json:"qrCode,omitempty"`
	QRExpired bool   `json:"qrExpired"`
	Error     string `json:"error,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Config configures one Orchestrator.
type Config struct {
	Slug        string
	Token       string // stored credential; derived from Slug when empty
	Gateway     GatewayAPI
	Intervals   Intervals
	OnConnected ConnectedFunc
	TerminalQR  bool // render raw pairing codes in the terminal (debug)
}

// Orchestrator sequences one tenant's pairing attempts.
type Orchestrator struct {
	mu sync.Mutex

	slug        string
	token       string
	gw          GatewayAPI
	iv          Intervals
	onConnected ConnectedFunc
	terminalQR  bool

	status  Status
	qrCode  string
	expired bool
	lastErr string
	phone   string
	name    string

	// busy guards re-entrancy: true while a start/refresh flow is executing
	// its sequential steps. gen identifies the current attempt; goroutines
	// from a superseded attempt compare gen before touching state.
	busy   bool
	gen    int
	cancel context.CancelFunc
	expiry *time.Timer
}

// New creates an orchestrator in the idle state.
func New(cfg Config) *Orchestrator {
	iv := cfg.Intervals
	if iv.PollInterval == 0 {
		iv = DefaultIntervals()
	}
	tok := cfg.Token
	if tok == "" {
		tok = token.Derive(cfg.Slug)
	}
	return &Orchestrator{
		slug:        cfg.Slug,
		token:       tok,
		gw:          cfg.Gateway,
		iv:          iv,
		onConnected: cfg.OnConnected,
		terminalQR:  cfg.TerminalQR,
		status:      StatusIdle,
	}
}

// Token returns the tenant credential the orchestrator is pairing with.
func (o *Orchestrator) Token() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.token
}

// Snapshot returns the current observable state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		Status:    o.status,
		QRCode:    o.qrCode,
		QRExpired: o.expired,
		Error:     o.lastErr,
		Phone:     o.phone,
		Name:      o.name,
	}
}

// Start begins a pairing attempt. A second call while an attempt is in flight
// or active is a no-op; restarting is allowed from idle, error and
// api-offline.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		log.Debug().Str("slug", o.slug).Msg("Pairing start ignored, attempt already in flight")
		return
	}
	switch o.status {
	case StatusChecking, StatusLoading, StatusQRCode, StatusConnected:
		o.mu.Unlock()
		log.Debug().Str("slug", o.slug).Str("status", string(o.status)).Msg("Pairing start ignored, attempt already active")
		return
	}
	gen, ctx := o.beginFlowLocked(StatusChecking)
	o.mu.Unlock()

	go o.run(ctx, gen, true)
}

// RefreshQR requests a fresh QR code. Permitted from the qrcode (including
// expired) and error states; it repeats the connect-session call and the QR
// loop without re-running the health check or tenant-user creation.
func (o *Orchestrator) RefreshQR() {
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		log.Debug().Str("slug", o.slug).Msg("QR refresh ignored, attempt already in flight")
		return
	}
	if o.status != StatusQRCode && o.status != StatusError {
		o.mu.Unlock()
		log.Debug().Str("slug", o.slug).Str("status", string(o.status)).Msg("QR refresh ignored in current state")
		return
	}
	o.stopTimersLocked()
	gen, ctx := o.beginFlowLocked(StatusLoading)
	o.mu.Unlock()

	go o.run(ctx, gen, false)
}

// Close tears the current attempt down from any state: the polling loop and
// expiration timer are released, the re-entrancy guard is reset and the
// observable state returns to idle. Safe to call repeatedly, including from
// idle.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.stopTimersLocked()
	o.gen++
	o.busy = false
	o.status = StatusIdle
	o.qrCode = ""
	o.expired = false
	o.lastErr = ""
	o.phone = ""
	o.name = ""
	o.mu.Unlock()

	log.Debug().Str("slug", o.slug).Msg("Pairing orchestrator closed")
}

// beginFlowLocked starts a new attempt generation. Caller holds o.mu.
func (o *Orchestrator) beginFlowLocked(initial Status) (int, context.Context) {
	o.gen++
	o.busy = true
	o.status = initial
	o.qrCode = ""
	o.expired = false
	o.lastErr = ""
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	return o.gen, ctx
}

// stopTimersLocked releases the expiration timer and cancels the attempt
// context, which stops any running poller. Caller holds o.mu.
func (o *Orchestrator) stopTimersLocked() {
	if o.expiry != nil {
		o.expiry.Stop()
		o.expiry = nil
	}
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

// run executes one flow: the full sequence on start, or only the
// connect-and-QR portion on refresh.
func (o *Orchestrator) run(ctx context.Context, gen int, full bool) {
	if full {
		if !o.gw.CheckHealth(ctx) {
			o.finish(gen, StatusAPIOffline, "")
			return
		}

		if res := o.gw.EnsureUser(ctx, o.slug, o.token); !res.Success {
			o.finish(gen, StatusError, res.Error)
			return
		}

		state, err := o.gw.ConnectionState(ctx, o.token)
		if err != nil {
			o.finish(gen, StatusError, err.Error())
			return
		}
		if state == gateway.StateOpen {
			// Session survived from a previous pairing; skip the QR entirely.
			status, err := o.gw.SessionStatus(ctx, o.token)
			if err != nil {
				o.finish(gen, StatusError, err.Error())
				return
			}
			o.completeConnected(gen, status.JID, status.Name)
			return
		}
	}

	o.setStatus(gen, StatusLoading)

	if _, err := o.gw.Connect(ctx, o.token); err != nil {
		o.finish(gen, StatusError, err.Error())
		return
	}

	// Let the gateway settle before asking for a QR; cold sessions take a
	// moment to produce one.
	if !sleep(ctx, o.iv.SettleDelay) {
		return
	}

	o.acquireQR(ctx, gen)
}

// acquireQR is the bounded QR-acquisition loop. Each attempt tries the
// dedicated QR endpoint, then the QR embedded in the status payload, then
// checks whether the login already landed (the phone can be scanned before
// the QR ever reaches us). Exhausting all attempts fails the attempt.
func (o *Orchestrator) acquireQR(ctx context.Context, gen int) {
	for attempt := 1; attempt <= o.iv.MaxQRAttempts; attempt++ {
		qr, err := o.gw.QRCode(ctx, o.token)
		if err != nil {
			log.Warn().Err(err).Str("slug", o.slug).Int("attempt", attempt).Msg("QR endpoint failed")
		}
		if qr != "" {
			o.presentQR(ctx, gen, qr)
			return
		}

		status, err := o.gw.SessionStatus(ctx, o.token)
		if err != nil {
			log.Warn().Err(err).Str("slug", o.slug).Int("attempt", attempt).Msg("Status fallback failed during QR acquisition")
		} else {
			if status.QRCode != "" {
				o.presentQR(ctx, gen, status.QRCode)
				return
			}
			if status.LoggedIn {
				o.completeConnected(gen, status.JID, status.Name)
				return
			}
		}

		if attempt < o.iv.MaxQRAttempts {
			if !sleep(ctx, o.iv.QRRetryDelay) {
				return
			}
		}
	}

	o.finish(gen, StatusError, "could not generate QR code")
}

// presentQR stores the QR credential, arms its expiration timer and starts
// the login-status poller.
func (o *Orchestrator) presentQR(ctx context.Context, gen int, qr string) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.status = StatusQRCode
	o.qrCode = qr
	o.expired = false
	o.busy = false
	o.expiry = time.AfterFunc(o.iv.QRValidity, func() {
		o.markExpired(gen)
	})
	o.mu.Unlock()

	log.Info().Str("slug", o.slug).Msg("QR code ready, awaiting scan")

	if o.terminalQR {
		if code, ok := qrimg.RawCode(qr); ok {
			qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
		}
	}

	go o.poll(ctx, gen)
}

// markExpired flags the QR as expired. The poller keeps running: a scan that
// lands in the gap is still honored, the UI just offers a "new QR" action.
func (o *Orchestrator) markExpired(gen int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen || o.status != StatusQRCode {
		return
	}
	o.expired = true
	log.Info().Str("slug", o.slug).Msg("QR code expired, scan still possible until refreshed")
}

// setStatus updates the phase if the attempt is still current.
func (o *Orchestrator) setStatus(gen int, s Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return
	}
	o.status = s
}

// finish ends the attempt in a terminal (user-retriable) state.
func (o *Orchestrator) finish(gen int, s Status, errMsg string) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.stopTimersLocked()
	o.busy = false
	o.status = s
	o.lastErr = errMsg
	o.qrCode = ""
	o.expired = false
	o.mu.Unlock()

	if errMsg != "" {
		log.Error().Str("slug", o.slug).Str("error", errMsg).Msg("Pairing attempt failed")
	} else {
		log.Warn().Str("slug", o.slug).Str("status", string(s)).Msg("Pairing attempt ended")
	}
}

// completeConnected resolves the attempt as connected, captures the device
// identity and fires the connected callback exactly once.
func (o *Orchestrator) completeConnected(gen int, jid, name string) {
	o.mu.Lock()
	if o.gen != gen || o.status == StatusConnected {
		o.mu.Unlock()
		return
	}
	o.stopTimersLocked()
	o.busy = false
	o.status = StatusConnected
	o.qrCode = ""
	o.expired = false
	o.lastErr = ""
	o.phone = PhoneFromJID(jid)
	o.name = name
	cb := o.onConnected
	phone, tok := o.phone, o.token
	o.mu.Unlock()

	log.Info().Str("slug", o.slug).Str("phone", phone).Str("name", name).Msg("WhatsApp session connected")

	if cb != nil {
		cb(phone, name, tok)
	}
}

// PhoneFromJID extracts the phone number from a gateway JID such as
// "5521971537174:52@s.whatsapp.net".
func PhoneFromJID(jid string) string {
	phone := jid
	if i := strings.Index(phone, "@"); i >= 0 {
		phone = phone[:i]
	}
	if i := strings.Index(phone, ":"); i >= 0 {
		phone = phone[:i]
	}
	if i := strings.Index(phone, "."); i >= 0 {
		phone = phone[:i]
	}
	return phone
}

// sleep waits for d unless the attempt is cancelled first. Returns false on
// cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
