// Package gateway is the typed client for the WhatsApp HTTP gateway. Each
// method maps one gateway endpoint to a domain result, normalizing
// gateway-reported business errors into the Result shape so callers never
// branch on transport-level details.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/Evemarques07/saas-sub002/pkg/httputil"
)

// Client talks to one gateway instance. Session operations authenticate with
// the tenant token (token header); admin operations use the admin token.
type Client struct {
	baseURL    string
	adminToken string

	health *httputil.Client
	api    *httputil.Client
	qr     *httputil.Client
}

// NewClient creates a gateway client for the given base URL.
func NewClient(baseURL, adminToken string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gateway baseURL cannot be empty")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	log.Info().Str("baseURL", baseURL).Msg("Gateway client configured")

	return &Client{
		baseURL:    baseURL,
		adminToken: adminToken,
		health:     httputil.NewHealthClient(),
		api:        httputil.NewDefaultClient(),
		qr:         httputil.NewQRClient(),
	}, nil
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

// CheckHealth probes the gateway with the fast-fail client. Any failure means
// "not healthy" rather than an error; the whole pairing flow is gated on it.
func (c *Client) CheckHealth(ctx context.Context) bool {
	resp, err := c.health.Execute(ctx, http.MethodGet, c.url("/health"), nil)
	if err != nil {
		log.Warn().Err(err).Msg("Gateway health check failed")
		return false
	}
	if resp.IsError() {
		log.Warn().Int("statusCode", resp.StatusCode()).Msg("Gateway health check returned an error")
		return false
	}
	return true
}

// EnsureUser creates the tenant account on the gateway if it does not exist.
// A conflict ("already exists") response is treated as success, making the
// call idempotent.
func (c *Client) EnsureUser(ctx context.Context, name, userToken string) Result {
	body := map[string]string{"name": name, "token": userToken}

	resp, err := c.api.Execute(ctx, http.MethodPost, c.url("/admin/users"), func(r *resty.Request) {
		r.SetHeader("Authorization", c.adminToken).SetBody(body)
	})
	if err != nil {
		return Result{Error: err.Error()}
	}

	env, decErr := decode(resp)
	if resp.StatusCode() == http.StatusConflict || (env != nil && isAlreadyExists(env.Error)) {
		return Result{Success: true}
	}
	if decErr != nil {
		return Result{Error: decErr.Error()}
	}
	if resp.IsError() || !env.Success {
		return Result{Error: gatewayError(resp, env)}
	}
	return Result{Success: true}
}

// Connect asks the gateway to start the device handshake. An "already
// connecting"/"already connected" business error is a soft success: the
// caller proceeds to request a QR code regardless.
func (c *Client) Connect(ctx context.Context, userToken string) (bool, error) {
	body := map[string]interface{}{
		"Subscribe": []string{"Message", "Connected", "Disconnected"},
		"Immediate": true,
	}

	resp, err := c.api.Execute(ctx, http.MethodPost, c.url("/session/connect"), func(r *resty.Request) {
		r.SetHeader("token", userToken).SetBody(body)
	})
	if err != nil {
		return false, err
	}

	env, decErr := decode(resp)
	if env != nil && isAlreadyConnecting(env.Error) {
		log.Debug().Str("error", env.Error).Msg("Session already connecting, proceeding")
		return true, nil
	}
	if decErr != nil {
		return false, decErr
	}
	if resp.IsError() || !env.Success {
		return false, fmt.Errorf("gateway connect failed: %s", gatewayError(resp, env))
	}
	return true, nil
}

// ConnectionState reads the gateway's current view of the session.
func (c *Client) ConnectionState(ctx context.Context, userToken string) (ConnectionState, error) {
	resp, err := c.api.Execute(ctx, http.MethodGet, c.url("/session/state"), func(r *resty.Request) {
		r.SetHeader("token", userToken)
	})
	if err != nil {
		return StateClose, err
	}

	env, decErr := decode(resp)
	if decErr != nil {
		return StateClose, decErr
	}
	if resp.IsError() || !env.Success {
		return StateClose, fmt.Errorf("gateway state query failed: %s", gatewayError(resp, env))
	}

	var data struct {
		State ConnectionState `json:"state"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return StateClose, fmt.Errorf("failed to decode session state: %w", err)
	}
	switch data.State {
	case StateOpen, StateConnecting:
		return data.State, nil
	default:
		return StateClose, nil
	}
}

// QRCode fetches the pairing code from the dedicated endpoint. An empty
// return means "not ready yet", not an error.
func (c *Client) QRCode(ctx context.Context, userToken string) (string, error) {
	resp, err := c.qr.Execute(ctx, http.MethodGet, c.url("/session/qr"), func(r *resty.Request) {
		r.SetHeader("token", userToken)
	})
	if err != nil {
		return "", err
	}

	env, decErr := decode(resp)
	if decErr != nil {
		return "", decErr
	}
	if resp.IsError() || !env.Success {
		// "no QR yet" is a normal phase of the handshake, not a failure.
		log.Debug().Str("error", env.Error).Msg("QR code not available")
		return "", nil
	}

	var data struct {
		QRCode string `json:"qrcode"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("failed to decode QR payload: %w", err)
	}
	return data.QRCode, nil
}

// SessionStatus reads the multiplexed status payload.
func (c *Client) SessionStatus(ctx context.Context, userToken string) (*SessionStatus, error) {
	resp, err := c.api.Execute(ctx, http.MethodGet, c.url("/session/status"), func(r *resty.Request) {
		r.SetHeader("token", userToken)
	})
	if err != nil {
		return nil, err
	}

	env, decErr := decode(resp)
	if decErr != nil {
		return nil, decErr
	}
	if resp.IsError() || !env.Success {
		return nil, fmt.Errorf("gateway status query failed: %s", gatewayError(resp, env))
	}

	var status SessionStatus
	if err := json.Unmarshal(env.Data, &status); err != nil {
		return nil, fmt.Errorf("failed to decode session status: %w", err)
	}
	return &status, nil
}

// SendText sends a text message through the paired session.
func (c *Client) SendText(ctx context.Context, userToken, phone, bodyText string) SendTextResult {
	body := map[string]string{"Phone": phone, "Body": bodyText}

	resp, err := c.api.Execute(ctx, http.MethodPost, c.url("/chat/send/text"), func(r *resty.Request) {
		r.SetHeader("token", userToken).SetBody(body)
	})
	if err != nil {
		return SendTextResult{Result: Result{Error: err.Error()}}
	}

	env, decErr := decode(resp)
	if decErr != nil {
		return SendTextResult{Result: Result{Error: decErr.Error()}}
	}
	if resp.IsError() || !env.Success {
		return SendTextResult{Result: Result{Error: gatewayError(resp, env)}}
	}

	var data struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(env.Data, &data)
	return SendTextResult{Result: Result{Success: true}, MessageID: data.ID}
}

// Disconnect closes the session on the gateway.
func (c *Client) Disconnect(ctx context.Context, userToken string) bool {
	resp, err := c.api.Execute(ctx, http.MethodPost, c.url("/session/disconnect"), func(r *resty.Request) {
		r.SetHeader("token", userToken)
	})
	if err != nil {
		log.Error().Err(err).Msg("Gateway disconnect failed")
		return false
	}
	env, decErr := decode(resp)
	if decErr != nil || resp.IsError() || !env.Success {
		log.Warn().Str("error", gatewayError(resp, env)).Msg("Gateway disconnect rejected")
		return false
	}
	return true
}

// DeleteUser removes a tenant account from the gateway.
func (c *Client) DeleteUser(ctx context.Context, id string) bool {
	resp, err := c.api.Execute(ctx, http.MethodDelete, c.url("/admin/users/"+id), func(r *resty.Request) {
		r.SetHeader("Authorization", c.adminToken)
	})
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("Gateway user deletion failed")
		return false
	}
	env, decErr := decode(resp)
	if decErr != nil || resp.IsError() || !env.Success {
		log.Warn().Str("id", id).Str("error", gatewayError(resp, env)).Msg("Gateway user deletion rejected")
		return false
	}
	return true
}

// ListUsers returns all tenant accounts known to the gateway.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	resp, err := c.api.Execute(ctx, http.MethodGet, c.url("/admin/users"), func(r *resty.Request) {
		r.SetHeader("Authorization", c.adminToken)
	})
	if err != nil {
		return nil, err
	}

	env, decErr := decode(resp)
	if decErr != nil {
		return nil, decErr
	}
	if resp.IsError() || !env.Success {
		return nil, fmt.Errorf("gateway user listing failed: %s", gatewayError(resp, env))
	}

	var users []User
	if err := json.Unmarshal(env.Data, &users); err != nil {
		return nil, fmt.Errorf("failed to decode user list: %w", err)
	}
	return users, nil
}

func decode(resp *resty.Response) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, fmt.Errorf("unexpected gateway response (status %d): %w", resp.StatusCode(), err)
	}
	return &env, nil
}

func gatewayError(resp *resty.Response, env *envelope) string {
	if env != nil && env.Error != "" {
		return env.Error
	}
	if resp != nil {
		return fmt.Sprintf("gateway returned status %d", resp.StatusCode())
	}
	return "unknown gateway error"
}

func isAlreadyExists(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "already exists") || strings.Contains(m, "duplicate")
}

func isAlreadyConnecting(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "already connected") || strings.Contains(m, "already connecting") || strings.Contains(m, "already logged in")
}
