package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/involvex/involvex-claude-router/internal/store"
	"github.com/involvex/involvex-claude-router/internal/translator"
)

const (
	kiroAuthBase    = "https://prod.us-east-1.auth.desktop.kiro.dev"
	kiroDefaultBase = "https://codewhisperer.us-east-1.amazonaws.com/v1"
)

// KiroExecutor serves the kiro provider: credentials come from an OAuth
// device-code flow against the Kiro desktop auth service, execution is an
// OpenAI-compatible passthrough to the CodeWhisperer endpoint.
type KiroExecutor struct {
	reg      *translator.Registry
	proxyURL string
}

// NewKiroExecutor builds the kiro executor.
func NewKiroExecutor(reg *translator.Registry, proxyURL string) *KiroExecutor {
	return &KiroExecutor{reg: reg, proxyURL: proxyURL}
}

func (e *KiroExecutor) Identifier() string { return "kiro" }

func (e *KiroExecutor) NeedsRefresh(conn *store.ProviderConnection) bool {
	return oauthNeedsRefresh(conn)
}

// DeviceAuthorization is the first leg of the device-code flow. The
// caller shows VerificationURI and UserCode to the user and then polls.
type DeviceAuthorization struct {
	DeviceCode      string `json:"deviceCode"`
	UserCode        string `json:"userCode"`
	VerificationURI string `json:"verificationUri"`
	ExpiresIn       int64  `json:"expiresIn"`
	Interval        int64  `json:"interval"`
}

// InitiateDeviceFlow starts a device authorization and returns the
// verification URI for the caller to surface.
func (e *KiroExecutor) InitiateDeviceFlow(ctx context.Context) (*DeviceAuthorization, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, kiroAuthBase+"/deviceAuthorization", strings.NewReader("{}"))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := newHTTPClient(e.proxyURL, refreshTimeout).Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp)
	}
	var auth DeviceAuthorization
	if err = json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, fmt.Errorf("kiro device authorization: %w", err)
	}
	return &auth, nil
}

// PollDeviceToken polls the token endpoint until the user approves the
// device code, the code expires, or ctx is cancelled.
func (e *KiroExecutor) PollDeviceToken(ctx context.Context, auth *DeviceAuthorization) (*store.ProviderConnection, error) {
	interval := time.Duration(auth.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)

	for time.Now().Before(deadline) {
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		conn, err := e.exchangeDeviceCode(ctx, auth.DeviceCode)
		if err == nil {
			return conn, nil
		}
		if StatusCodeOf(err) != http.StatusBadRequest {
			return nil, err
		}
		// authorization_pending; keep polling
	}
	return nil, NewStatusError(http.StatusRequestTimeout, "kiro device code expired before approval")
}

func (e *KiroExecutor) exchangeDeviceCode(ctx context.Context, deviceCode string) (*store.ProviderConnection, error) {
	payload, _ := json.Marshal(map[string]string{"deviceCode": deviceCode})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, kiroAuthBase+"/token", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := newHTTPClient(e.proxyURL, refreshTimeout).Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp)
	}
	return decodeKiroToken(resp.Body)
}

// Refresh exchanges the stored refresh token at the Kiro auth service.
func (e *KiroExecutor) Refresh(ctx context.Context, conn *store.ProviderConnection) (*store.ProviderConnection, error) {
	if conn.RefreshToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "kiro connection has no refresh token")
	}
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	payload, _ := json.Marshal(map[string]string{"refreshToken": conn.RefreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, kiroAuthBase+"/refreshToken", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := newHTTPClient(e.proxyURL, refreshTimeout).Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp)
	}
	return decodeKiroToken(resp.Body)
}

func decodeKiroToken(r io.Reader) (*store.ProviderConnection, error) {
	var token struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
	}
	if err := json.NewDecoder(r).Decode(&token); err != nil {
		return nil, fmt.Errorf("kiro token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "kiro token response carried no access token")
	}
	conn := &store.ProviderConnection{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if token.ExpiresIn > 0 {
		expires := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
		conn.ExpiresAt = &expires
	}
	return conn, nil
}

func (e *KiroExecutor) chatURL(conn *store.ProviderConnection) string {
	if override := stringData(conn, "baseUrl"); override != "" {
		return strings.TrimSuffix(override, "/") + "/chat/completions"
	}
	return kiroDefaultBase + "/chat/completions"
}

func (e *KiroExecutor) translate(req Request, opts Options, stream bool) []byte {
	body := e.reg.Request(opts.SourceFormat, translator.FormatOpenAIChat, req.Model, bytes.Clone(req.Payload), stream)
	body, _ = sjson.SetBytes(body, "model", req.Model)
	return body
}

func (e *KiroExecutor) setHeaders(r *http.Request, conn *store.ProviderConnection, stream bool) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	if stream {
		r.Header.Set("Accept", "text/event-stream")
	}
}

func (e *KiroExecutor) Execute(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (Response, error) {
	if conn.AccessToken == "" {
		return Response{}, NewStatusError(http.StatusUnauthorized, "missing kiro access token")
	}
	translated := e.translate(req, opts, false)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.chatURL(conn), bytes.NewReader(translated))
	if err != nil {
		return Response{}, err
	}
	e.setHeaders(httpReq, conn, false)

	resp, err := newHTTPClient(e.proxyURL, nonStreamTimeout).Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, drainError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}

	var param any
	out := e.reg.ResponseNonStream(opts.SourceFormat, translator.FormatOpenAIChat, ctx, req.Model, bytes.Clone(opts.OriginalRequest), translated, body, &param)
	return Response{Payload: []byte(out)}, nil
}

func (e *KiroExecutor) ExecuteStream(ctx context.Context, conn *store.ProviderConnection, req Request, opts Options) (<-chan StreamChunk, error) {
	if conn.AccessToken == "" {
		return nil, NewStatusError(http.StatusUnauthorized, "missing kiro access token")
	}
	translated := e.translate(req, opts, true)
	ctx, cancel := streamContext(ctx)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.chatURL(conn), bytes.NewReader(translated))
	if err != nil {
		cancel()
		return nil, err
	}
	e.setHeaders(httpReq, conn, true)

	resp, err := newHTTPClient(e.proxyURL, 0).Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		cancel()
		return nil, drainError(resp)
	}

	out := make(chan StreamChunk)
	var param any
	go forwardSSE(ctx, cancel, resp.Body, out, func(line []byte) []string {
		return e.reg.ResponseStream(opts.SourceFormat, translator.FormatOpenAIChat, ctx, req.Model, bytes.Clone(opts.OriginalRequest), translated, line, &param)
	})
	return out, nil
}
