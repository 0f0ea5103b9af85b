package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Upstream header names for the challenge/confirm handshake.
const (
	headerAuthToken  = "X-Radiko-AuthToken"
	headerKeyLength  = "X-Radiko-KeyLength"
	headerKeyOffset  = "X-Radiko-KeyOffset"
	headerAuthtoken  = "X-Radiko-Authtoken"
	headerPartialKey = "X-Radiko-Partialkey"
	headerAreaID     = "X-Radiko-AreaId"
)

// Token is the time-limited session credential produced by the handshake.
type Token struct {
	Value      string
	AreaID     string
	PartialKey string
	IssuedAt   time.Time
	TTL        time.Duration
}

// Valid reports whether the token is still usable at now, keeping a safety
// margin before the declared expiry. Expiry is judged by wall clock, never
// by waiting for an upstream rejection.
func (t *Token) Valid(now time.Time, margin time.Duration) bool {
	if t == nil || t.Value == "" {
		return false
	}
	if t.TTL <= 0 {
		// Externally supplied override credential, trusted as-is.
		return true
	}
	return now.Before(t.IssuedAt.Add(t.TTL - margin))
}

// TokenManager acquires and caches the upstream session token, renewing it
// transparently on expiry. Renewal is single-flight: concurrent callers
// during an in-flight handshake share its outcome. The token lives in
// memory only.
type TokenManager struct {
	cfg    *Config
	client *http.Client
	log    zerolog.Logger
	now    func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	tok   *Token
}

// NewTokenManager builds a manager over the configured handshake endpoints.
func NewTokenManager(cfg *Config, log zerolog.Logger) *TokenManager {
	return &TokenManager{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log.With().Str("component", "auth").Logger(),
		now:    time.Now,
	}
}

// Token returns a token guaranteed unexpired at return time, performing the
// handshake when the cache is empty or stale. On persistent upstream failure
// the error wraps ErrAuthUnavailable; callers treat that as "no stream can
// be resolved right now".
func (tm *TokenManager) Token(ctx context.Context) (*Token, error) {
	if tm.cfg.OverrideToken != "" {
		return &Token{Value: tm.cfg.OverrideToken}, nil
	}

	tm.mu.Lock()
	if tm.tok.Valid(tm.now(), tm.cfg.TokenMargin) {
		tok := *tm.tok
		tm.mu.Unlock()
		return &tok, nil
	}
	tm.mu.Unlock()

	v, err, _ := tm.group.Do("handshake", func() (interface{}, error) {
		// A caller queued behind a finished renewal sees the fresh token.
		tm.mu.Lock()
		if tm.tok.Valid(tm.now(), tm.cfg.TokenMargin) {
			tok := *tm.tok
			tm.mu.Unlock()
			return &tok, nil
		}
		tm.mu.Unlock()

		tok, err := tm.handshakeWithRetry(ctx)
		if err != nil {
			return nil, err
		}
		tm.mu.Lock()
		tm.tok = tok
		tm.mu.Unlock()
		copied := *tok
		return &copied, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

// Invalidate drops the cached token so the next caller re-handshakes. Used
// after an upstream rejection of a token we believed valid.
func (tm *TokenManager) Invalidate() {
	tm.mu.Lock()
	tm.tok = nil
	tm.mu.Unlock()
}

// Headers returns the request headers an authenticated stream consumer must
// attach, including the token and partial key.
func (tm *TokenManager) Headers(tok *Token) map[string]string {
	headers := tm.baseHeaders()
	if tok == nil {
		return headers
	}
	headers[headerAuthtoken] = tok.Value
	if tok.PartialKey != "" {
		headers[headerPartialKey] = tok.PartialKey
	}
	if tok.AreaID != "" {
		headers[headerAreaID] = tok.AreaID
	}
	return headers
}

func (tm *TokenManager) baseHeaders() map[string]string {
	headers := map[string]string{
		"Pragma":               "no-cache",
		"Cache-Control":        "no-cache",
		"User-Agent":           "Mozilla/5.0",
		"Origin":               "https://radiko.jp",
		"Referer":              "https://radiko.jp/",
		"X-Radiko-App":         tm.cfg.App,
		"X-Radiko-App-Version": tm.cfg.AppVersion,
		"X-Radiko-Device":      tm.cfg.Device,
		"X-Radiko-User":        tm.cfg.User,
	}
	if tm.cfg.Cookie != "" {
		headers["Cookie"] = tm.cfg.Cookie
	}
	return headers
}

// handshakeWithRetry runs the full handshake up to the configured attempt
// ceiling with quadratic backoff between attempts.
func (tm *TokenManager) handshakeWithRetry(ctx context.Context) (*Token, error) {
	var lastErr error
	for attempt := 1; attempt <= tm.cfg.AuthAttempts; attempt++ {
		tok, err := tm.handshake(ctx)
		if err == nil {
			tm.log.Debug().Str("area", tok.AreaID).Int("attempt", attempt).Msg("handshake ok")
			return tok, nil
		}
		lastErr = err
		tm.log.Warn().Err(err).Int("attempt", attempt).Msg("handshake failed")
		if attempt == tm.cfg.AuthAttempts {
			break
		}
		backoff := time.Duration(attempt*attempt) * tm.cfg.AuthBackoff
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, ctx.Err())
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, lastErr)
}

// handshake performs the two-step exchange: a challenge request yielding the
// token and key window, then a confirmation carrying the derived partial key.
func (tm *TokenManager) handshake(ctx context.Context) (*Token, error) {
	token, keyLength, keyOffset, err := tm.challenge(ctx)
	if err != nil {
		return nil, err
	}

	partial, err := derivePartialKey(tm.cfg.AuthKey, keyOffset, keyLength)
	if err != nil {
		return nil, err
	}

	areaID, err := tm.confirm(ctx, token, partial)
	if err != nil {
		return nil, err
	}

	return &Token{
		Value:      token,
		AreaID:     areaID,
		PartialKey: partial,
		IssuedAt:   tm.now(),
		TTL:        tm.cfg.TokenTTL,
	}, nil
}

func (tm *TokenManager) challenge(ctx context.Context) (token string, keyLength, keyOffset int, err error) {
	var lastStatus int
	for _, u := range tm.cfg.Auth1URLs {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if reqErr != nil {
			return "", 0, 0, fmt.Errorf("failed to build auth1 request: %w", reqErr)
		}
		applyHeaders(req, tm.baseHeaders())

		resp, doErr := tm.client.Do(req)
		if doErr != nil {
			err = doErr
			continue
		}
		resp.Body.Close()
		lastStatus = resp.StatusCode

		tok := resp.Header.Get(headerAuthToken)
		length := resp.Header.Get(headerKeyLength)
		offset := resp.Header.Get(headerKeyOffset)
		if tok == "" || length == "" || offset == "" {
			continue
		}

		keyLength, err = strconv.Atoi(length)
		if err != nil {
			return "", 0, 0, fmt.Errorf("malformed challenge: key length %q", length)
		}
		keyOffset, err = strconv.Atoi(offset)
		if err != nil {
			return "", 0, 0, fmt.Errorf("malformed challenge: key offset %q", offset)
		}
		return tok, keyLength, keyOffset, nil
	}
	if err != nil {
		return "", 0, 0, fmt.Errorf("auth1 failed: %w", err)
	}
	return "", 0, 0, fmt.Errorf("auth1 missing challenge headers (last status %d)", lastStatus)
}

func (tm *TokenManager) confirm(ctx context.Context, token, partial string) (string, error) {
	headers := tm.baseHeaders()
	headers[headerAuthtoken] = token
	headers[headerPartialKey] = partial

	var lastErr error
	for _, u := range tm.cfg.Auth2URLs {
		resp, err := tm.confirmRequest(ctx, http.MethodPost, u, headers)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.status == http.StatusNotFound || resp.status == http.StatusMethodNotAllowed {
			// Some mirrors only answer GET.
			resp, err = tm.confirmRequest(ctx, http.MethodGet, u, headers)
			if err != nil {
				lastErr = err
				continue
			}
		}
		if resp.status != http.StatusOK {
			lastErr = fmt.Errorf("auth2 returned HTTP %d", resp.status)
			continue
		}
		return parseAreaID(resp.body), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no auth2 endpoints configured")
	}
	return "", fmt.Errorf("auth2 failed: %w", lastErr)
}

type confirmResponse struct {
	status int
	body   string
}

func (tm *TokenManager) confirmRequest(ctx context.Context, method, u string, headers map[string]string) (confirmResponse, error) {
	var body *strings.Reader
	if method == http.MethodPost {
		body = strings.NewReader("\r\n")
	} else {
		body = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return confirmResponse{}, fmt.Errorf("failed to build auth2 request: %w", err)
	}
	applyHeaders(req, headers)

	resp, err := tm.client.Do(req)
	if err != nil {
		return confirmResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil {
		return confirmResponse{}, fmt.Errorf("failed to read auth2 response: %w", err)
	}
	return confirmResponse{status: resp.StatusCode, body: string(respBody)}, nil
}

// derivePartialKey extracts the challenge window from the shared auth key
// and base64-encodes it.
func derivePartialKey(authKey string, offset, length int) (string, error) {
	if offset < 0 || length <= 0 || offset+length > len(authKey) {
		return "", fmt.Errorf("malformed challenge: window [%d:%d] outside key of %d bytes",
			offset, offset+length, len(authKey))
	}
	return base64.StdEncoding.EncodeToString([]byte(authKey[offset : offset+length])), nil
}

// parseAreaID pulls the JPxx area code from the auth2 response body.
func parseAreaID(body string) string {
	head := strings.TrimSpace(strings.Split(body, ",")[0])
	if strings.HasPrefix(head, "JP") {
		return head
	}
	for _, field := range strings.FieldsFunc(body, func(r rune) bool { return r == ',' || r == '\n' }) {
		field = strings.TrimSpace(field)
		if strings.HasPrefix(field, "JP") && len(field) == 4 {
			return field
		}
	}
	return ""
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
