package pairing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Evemarques07/saas-sub002/internal/gateway"
)

// fakeGateway scripts gateway behavior per call and counts every operation.
type fakeGateway struct {
	mu sync.Mutex

	healthCalls  int
	ensureCalls  int
	connectCalls int
	stateCalls   int
	qrCalls      int
	statusCalls  int

	health  func(call int) bool
	ensure  func(call int) gateway.Result
	connect func(call int) (bool, error)
	state   func(call int) (gateway.ConnectionState, error)
	qr      func(call int) (string, error)
	status  func(call int) (*gateway.SessionStatus, error)
}

func (f *fakeGateway) CheckHealth(ctx context.Context) bool {
	f.mu.Lock()
	f.healthCalls++
	call := f.healthCalls
	fn := f.health
	f.mu.Unlock()
	if fn == nil {
		return true
	}
	return fn(call)
}

func (f *fakeGateway) EnsureUser(ctx context.Context, name, userToken string) gateway.Result {
	f.mu.Lock()
	f.ensureCalls++
	call := f.ensureCalls
	fn := f.ensure
	f.mu.Unlock()
	if fn == nil {
		return gateway.Result{Success: true}
	}
	return fn(call)
}

func (f *fakeGateway) Connect(ctx context.Context, userToken string) (bool, error) {
	f.mu.Lock()
	f.connectCalls++
	call := f.connectCalls
	fn := f.connect
	f.mu.Unlock()
	if fn == nil {
		return true, nil
	}
	return fn(call)
}

func (f *fakeGateway) ConnectionState(ctx context.Context, userToken string) (gateway.ConnectionState, error) {
	f.mu.Lock()
	f.stateCalls++
	call := f.stateCalls
	fn := f.state
	f.mu.Unlock()
	if fn == nil {
		return gateway.StateClose, nil
	}
	return fn(call)
}

func (f *fakeGateway) QRCode(ctx context.Context, userToken string) (string, error) {
	f.mu.Lock()
	f.qrCalls++
	call := f.qrCalls
	fn := f.qr
	f.mu.Unlock()
	if fn == nil {
		return "", nil
	}
	return fn(call)
}

func (f *fakeGateway) SessionStatus(ctx context.Context, userToken string) (*gateway.SessionStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	call := f.statusCalls
	fn := f.status
	f.mu.Unlock()
	if fn == nil {
		return &gateway.SessionStatus{}, nil
	}
	return fn(call)
}

func (f *fakeGateway) counts() (health, ensure, connect, state, qr, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthCalls, f.ensureCalls, f.connectCalls, f.stateCalls, f.qrCalls, f.statusCalls
}

func testIntervals() Intervals {
	return Intervals{
		QRValidity:    50 * time.Millisecond,
		SettleDelay:   5 * time.Millisecond,
		QRRetryDelay:  5 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		MaxQRAttempts: 3,
		MaxPollErrors: 5,
	}
}

func waitForStatus(t *testing.T, o *Orchestrator, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return o.Snapshot().Status == want
	}, 2*time.Second, 2*time.Millisecond, "expected status %q, last seen %q", want, o.Snapshot().Status)
}

func TestStartIsSingleFlight(t *testing.T) {
	fake := &fakeGateway{
		health: func(int) bool {
			time.Sleep(20 * time.Millisecond)
			return true
		},
		qr: func(int) (string, error) { return "2@code", nil },
	}
	o := New(Config{Slug: "acme", Gateway: fake, Intervals: testIntervals()})
	defer o.Close()

	o.Start()
	o.Start()
	waitForStatus(t, o, StatusQRCode)

	health, _, _, _, _, _ := fake.counts()
	assert.Equal(t, 1, health, "a second rapid start must not trigger a second health check")
}

func TestCloseClearsAllTimers(t *testing.T) {
	fake := &fakeGateway{
		qr: func(int) (string, error) { return "2@code", nil },
		status: func(int) (*gateway.SessionStatus, error) {
			return &gateway.SessionStatus{}, nil
		},
	}
	iv := testIntervals()
	o := New(Config{Slug: "acme", Gateway: fake, Intervals: iv})

	o.Start()
	waitForStatus(t, o, StatusQRCode)

	o.Close()
	// Let any in-flight tick drain before taking the baseline.
	time.Sleep(2 * iv.PollInterval)
	_, _, _, _, qrBefore, statusBefore := fake.counts()

	time.Sleep(6 * iv.PollInterval)
	_, _, _, _, qrAfter, statusAfter := fake.counts()

	assert.Equal(t, qrBefore, qrAfter, "no QR calls may happen after close")
	assert.Equal(t, statusBefore, statusAfter, "no status polls may happen after close")
	assert.Equal(t, StatusIdle, o.Snapshot().Status)
}

func TestCloseClearsDeviceIdentity(t *testing.T) {
	fake := &fakeGateway{
		state: func(int) (gateway.ConnectionState, error) { return gateway.StateOpen, nil },
		status: func(int) (*gateway.SessionStatus, error) {
			return &gateway.SessionStatus{LoggedIn: true, JID: "5521971537174@s.whatsapp.net", Name: "Loja Central"}, nil
		},
	}
	o := New(Config{Slug: "acme", Gateway: fake, Intervals: testIntervals()})

	o.Start()
	waitForStatus(t, o, StatusConnected)
	require.Equal(t, "5521971537174", o.Snapshot().Phone)

	o.Close()
	snap := o.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Empty(t, snap.Phone, "teardown must not leak the previous device identity")
	assert.Empty(t, snap.Name)
}

func TestCloseIsIdempotentFromIdle(t *testing.T) {
	o := New(Config{Slug: "acme", Gateway: &fakeGateway{}, Intervals: testIntervals()})
	o.Close()
	o.Close()
	assert.Equal(t, StatusIdle, o.Snapshot().Status)
}

func TestQRAcquisitionRetriesUntilThirdAttempt(t *testing.T) {
	fake := &fakeGateway{
		qr: func(call int) (string, error) {
			if call < 3 {
				return "", nil
			}
			return "2@finally", nil
		},
		status: func(int) (*gateway.SessionStatus, error) {
			return &gateway.SessionStatus{}, nil
		},
	}
	o := New(Config{Slug: "acme", Gateway: fake, Intervals: testIntervals()})
	defer o.Close()

	o.Start()
	waitForStatus(t, o, StatusQRCode)

	_, _, _, _, qr, _ := fake.counts()
	assert.Equal(t, 3, qr, "expected exactly 3 QR fetches")
	assert.Equal(t, "2@finally", o.Snapshot().QRCode)
}

func TestQRAcquisitionExhaustionFailsAttempt(t *testing.T) {
	fake := &fakeGateway{
		status: func(int) (*gateway.SessionStatus, error) {
			return &gateway.SessionStatus{}, nil
		},
	}
	o := New(Config{Slug: "acme", Gateway: fake, Intervals: testIntervals()})
	defer o.Close()

	o.Start()
	waitForStatus(t, o, StatusError)

	snap := o.Snapshot()
	assert.Equal(t, "could not generate QR code", snap.Error)
	_, _, _, _, qr, _ := fake.counts()
	assert.Equal(t, 3, qr)
}

func TestLoginRaceDuringQRAcquisition(t *testing.T) {
	connected := make(chan string, 2)
	fake := &fakeGateway{
		status: func(call int) (*gateway.SessionStatus, error) {
			if call >= 2 {
				return &gateway.SessionStatus{LoggedIn: true, JID: "5521971537174:52@s.whatsapp.net", Name: "Loja Central"}, nil
			}
			return &gateway.SessionStatus{}, nil
		},
	}
	o := New(Config{
		Slug:      "acme",
		Gateway:   fake,
		Intervals: testIntervals(),
		OnConnected: func(phone, name, userToken string) {
			connected <- phone + "/" + name
		},
	})
	defer o.Close()

	o.Start()
	waitForStatus(t, o, StatusConnected)

	snap := o.Snapshot()
	assert.Empty(t, snap.QRCode, "a QR must never be presented when the login races ahead")
	assert.Equal(t, "5521971537174", snap.Phone)
	assert.Equal(t, "Loja Central", snap.Name)

	select {
	case got := <-connected:
		assert.Equal(t, "5521971537174/Loja Central", got)
	case <-time.After(time.Second):
		t.Fatal("connected callback never fired")
	}
	select {
	case <-connected:
		t.Fatal("connected callback fired more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExistingOpenSessionSkipsQREntirely(t *testing.T) {
	fake := &fakeGateway{
		state: func(int) (gateway.ConnectionState, error) { return gateway.StateOpen, nil },
		status: func(int) (*gateway.SessionStatus, error) {
			return &gateway.SessionStatus{LoggedIn: true, JID: "551199999@s.whatsapp.net", Name: "Acme"}, nil
		},
	}
	o := New(Config{Slug: "acme", Gateway: fake, Intervals: testIntervals()})
	defer o.Close()

	o.Start()
	waitForStatus(t, o, StatusConnected)

	_, _, connect, _, qr, _ := fake.counts()
	assert.Zero(t, connect, "no handshake needed for a surviving session")
	assert.Zero(t, qr, "no QR needed for a surviving session")
}

func TestPollerStopsAtErrorThreshold(t *testing.T) {
	fake := &fakeGateway{
		qr: func(int) (string, error) { return "2@code", nil },
		status: func(int) (*gateway.SessionStatus, error) {
			return nil, context.DeadlineExceeded
		},
	}
	iv := testIntervals()
	o := New(Config{Slug: "acme", Gateway: fake, Intervals: iv})
	defer o.Close()

	o.Start()
	waitForStatus(t, o, StatusError)

	_, _, _, _, _, status := fake.counts()
	assert.Equal(t, 5, status, "poller must stop at the consecutive-error threshold")

	time.Sleep(4 * iv.PollInterval)
	_, _, _, _, _, statusAfter := fake.counts()
	assert.Equal(t, 5, statusAfter, "no 6th poll may happen after the threshold")
}

func TestPollerRecoversCounterOnGoodResponse(t *testing.T) {
	fake := &fakeGateway{
		qr: func(int) (string, error) { return "2@code", nil },
		status: func(call int) (*gateway.SessionStatus, error) {
			// 4 failures, one good-but-pending response, 4 more failures:
			// never reaches 5 consecutive, then the login lands.
			switch {
			case call <= 4 || (call >= 6 && call <= 9):
				return nil, context.DeadlineExceeded
			case call == 5:
				return &gateway.SessionStatus{}, nil
			default:
				return &gateway.SessionStatus{LoggedIn: true, JID: "55119@s.whatsapp.net"}, nil
			}
		},
	}
	o := New(Config{Slug: "acme", Gateway: fake, Intervals: testIntervals()})
	defer o.Close()

	o.Start()
	waitForStatus(t, o, StatusConnected)
}

func TestQRExpirationKeepsPollerRunning(t *testing.T) {
	fake := &fakeGateway{
		qr: func(int) (string, error) { return "2@code", nil },
		status: func(int) (*gateway.SessionStatus, error) {
			return &gateway.SessionStatus{}, nil
		},
	}
	iv := testIntervals()
	o := New(Config{Slug: "acme", Gateway: fake, Intervals: iv})
	defer o.Close()

	o.Start()
	waitForStatus(t, o, StatusQRCode)

	require.Eventually(t, func() bool {
		return o.Snapshot().QRExpired
	}, 2*time.Second, 2*time.Millisecond)

	snap := o.Snapshot()
	assert.Equal(t, StatusQRCode, snap.Status, "expiration is a sub-state, not terminal")

	_, _, _, _, _, statusBefore := fake.counts()
	time.Sleep(4 * iv.PollInterval)
	_, _, _, _, _, statusAfter := fake.counts()
	assert.Greater(t, statusAfter, statusBefore, "poller must keep running after expiration")
}

func TestRefreshQRIssuesFreshCredential(t *testing.T) {
	fake := &fakeGateway{
		qr: func(call int) (string, error) {
			if call == 1 {
				return "2@first", nil
			}
			return "2@second", nil
		},
		status: func(int) (*gateway.SessionStatus, error) {
			return &gateway.SessionStatus{}, nil
		},
	}
	o := New(Config{Slug: "acme", Gateway: fake, Intervals: testIntervals()})
	defer o.Close()

	o.Start()
	waitForStatus(t, o, StatusQRCode)
	require.Equal(t, "2@first", o.Snapshot().QRCode)

	o.RefreshQR()
	require.Eventually(t, func() bool {
		snap := o.Snapshot()
		return snap.Status == StatusQRCode && snap.QRCode == "2@second"
	}, 2*time.Second, 2*time.Millisecond)

	health, ensure, connect, _, _, _ := fake.counts()
	assert.Equal(t, 1, health, "refresh must not re-run the health check")
	assert.Equal(t, 1, ensure, "refresh must not re-run tenant-user creation")
	assert.Equal(t, 2, connect, "refresh repeats the connect-session call")
	assert.False(t, o.Snapshot().QRExpired)
}

func TestHealthCheckFailureIsRetriable(t *testing.T) {
	healthy := false
	var mu sync.Mutex
	fake := &fakeGateway{
		qr: func(int) (string, error) { return "2@code", nil },
	}
	fake.health = func(int) bool {
		mu.Lock()
		defer mu.Unlock()
		return healthy
	}
	o := New(Config{Slug: "acme", Gateway: fake, Intervals: testIntervals()})
	defer o.Close()

	o.Start()
	waitForStatus(t, o, StatusAPIOffline)

	mu.Lock()
	healthy = true
	mu.Unlock()

	o.Start()
	waitForStatus(t, o, StatusQRCode)

	health, _, _, _, _, _ := fake.counts()
	assert.Equal(t, 2, health)
}

func TestPhoneFromJID(t *testing.T) {
	tests := []struct {
		jid  string
		want string
	}{
		{"5521971537174:52@s.whatsapp.net", "5521971537174"},
		{"5521971537174@s.whatsapp.net", "5521971537174"},
		{"5521971537174.0:52@s.whatsapp.net", "5521971537174"},
		{"5521971537174", "5521971537174"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PhoneFromJID(tt.jid), "jid %q", tt.jid)
	}
}

func TestTokenReuseAndDerivation(t *testing.T) {
	o := New(Config{Slug: "acme", Token: "stored_token", Gateway: &fakeGateway{}, Intervals: testIntervals()})
	assert.Equal(t, "stored_token", o.Token(), "a stored credential must be reused, not re-derived")

	derived := New(Config{Slug: "acme", Gateway: &fakeGateway{}, Intervals: testIntervals()})
	assert.Contains(t, derived.Token(), "acme_token_")
}
