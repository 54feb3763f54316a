package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"aerosol/internal/checksum"
	"aerosol/internal/errs"
	"aerosol/internal/model"
	"aerosol/internal/vaultpath"
)

const defaultTimeout = 30 * time.Second

// HTTPClient implements Transport against a vault server.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *zap.Logger
}

var _ Transport = (*HTTPClient)(nil)

type Option func(*HTTPClient)

// WithHTTPClient replaces the default client with its 30s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.http = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(h *HTTPClient) { h.logger = l }
}

// NewHTTPClient returns a client for baseURL, e.g. http://localhost:27027.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	h := &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type errorBody struct {
	Error string `json:"error"`
}

// call sends a JSON request and decodes a JSON response into out when out
// is non-nil. It returns the response headers on success.
func (h *HTTPClient) call(ctx context.Context, op, method, path string, query url.Values, token string, in, out any) (http.Header, error) {
	u := h.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, &errs.NetworkError{Op: op, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, &errs.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	h.logger.Debug("request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("dur", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(op, method, query, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, &errs.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return resp.Header, nil
}

// statusError maps a non-2xx response to the error taxonomy.
func statusError(op, method string, query url.Values, status int, raw []byte) error {
	var body errorBody
	_ = json.Unmarshal(raw, &body)
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized:
		return &errs.AuthError{Kind: authKind(msg), Err: errors.New(msg)}
	case status == http.StatusNotFound:
		return &errs.NotFoundError{Path: query.Get("filename")}
	case status == http.StatusBadRequest && method == http.MethodPatch:
		return &errs.ConflictError{Path: query.Get("newFilename")}
	default:
		return &errs.NetworkError{Op: op, StatusCode: status, Err: errors.New(msg)}
	}
}

// authKind recovers the kind from "Invalid authentication token: <kind>".
func authKind(msg string) errs.AuthKind {
	i := strings.LastIndex(msg, ": ")
	if i < 0 {
		return errs.AuthInvalid
	}
	switch msg[i+2:] {
	case errs.AuthMissing.String():
		return errs.AuthMissing
	case errs.AuthExpired.String():
		return errs.AuthExpired
	case errs.AuthRevoked.String():
		return errs.AuthRevoked
	default:
		return errs.AuthInvalid
	}
}

func credential(op string, header http.Header) (string, error) {
	tok := header.Get("Authorization")
	if tok == "" {
		return "", &errs.NetworkError{Op: op, Err: errors.New("response carries no Authorization header")}
	}
	return tok, nil
}

func (h *HTTPClient) RequestRegistrationToken(ctx context.Context, vaultName, password string) (string, error) {
	const op = "request registration token"
	header, err := h.call(ctx, op, http.MethodPost, "/registrationToken", nil, "",
		map[string]string{"vaultName": vaultName, "password": password}, nil)
	if err != nil {
		return "", err
	}
	return credential(op, header)
}

func (h *HTTPClient) Register(ctx context.Context, registrationToken, username string) (string, error) {
	const op = "register"
	header, err := h.call(ctx, op, http.MethodPost, "/user", nil, "",
		map[string]string{"token": registrationToken, "username": username}, nil)
	if err != nil {
		return "", err
	}
	return credential(op, header)
}

func (h *HTTPClient) Renew(ctx context.Context, refreshToken string) (string, time.Duration, error) {
	const op = "renew access token"
	var out struct {
		ExpiresIn int64 `json:"expiresIn"`
	}
	header, err := h.call(ctx, op, http.MethodGet, "/user", nil, refreshToken, nil, &out)
	if err != nil {
		return "", 0, err
	}
	access, err := credential(op, header)
	if err != nil {
		return "", 0, err
	}
	return access, time.Duration(out.ExpiresIn) * time.Second, nil
}

func (h *HTTPClient) Revoke(ctx context.Context, accessToken string) error {
	_, err := h.call(ctx, "revoke", http.MethodDelete, "/user", nil, accessToken, nil, nil)
	return err
}

type checksumBody struct {
	Checksum string `json:"checksum"`
}

func (h *HTTPClient) Aggregate(ctx context.Context, accessToken string) (checksum.Fingerprint, error) {
	var out checksumBody
	if _, err := h.call(ctx, "get aggregate", http.MethodGet, "/checksum", nil, accessToken, nil, &out); err != nil {
		return "", err
	}
	return checksum.Fingerprint(out.Checksum), nil
}

func (h *HTTPClient) FileChecksum(ctx context.Context, accessToken string, p vaultpath.Path) (checksum.Fingerprint, error) {
	var out checksumBody
	q := url.Values{"filename": {p.String()}}
	if _, err := h.call(ctx, "get checksum", http.MethodGet, "/checksum", q, accessToken, nil, &out); err != nil {
		return "", err
	}
	return checksum.Fingerprint(out.Checksum), nil
}

// Checksums fetches the detailed map. Entries with paths that fail
// validation are skipped.
func (h *HTTPClient) Checksums(ctx context.Context, accessToken string) (checksum.Entries, error) {
	var out map[string]string
	if _, err := h.call(ctx, "get checksums", http.MethodGet, "/checksums", nil, accessToken, nil, &out); err != nil {
		return nil, err
	}
	entries := make(checksum.Entries, len(out))
	for raw, fp := range out {
		p, err := vaultpath.Parse(raw)
		if err != nil {
			h.logger.Warn("skipping invalid remote path", zap.String("path", raw), zap.Error(err))
			continue
		}
		entries[p] = checksum.Fingerprint(fp)
	}
	return entries, nil
}

func (h *HTTPClient) Download(ctx context.Context, accessToken string, p vaultpath.Path) ([]byte, error) {
	const op = "download"
	var out struct {
		Contents string `json:"contents"`
	}
	q := url.Values{"filename": {p.String()}}
	if _, err := h.call(ctx, op, http.MethodGet, "/file", q, accessToken, nil, &out); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(out.Contents)
	if err != nil {
		return nil, &errs.NetworkError{Op: op, Err: fmt.Errorf("decode contents of %s: %w", p, err)}
	}
	return data, nil
}

func (h *HTTPClient) Upload(ctx context.Context, accessToken string, p vaultpath.Path, data []byte) (checksum.Fingerprint, error) {
	in := map[string]string{
		"filename": p.String(),
		"contents": base64.StdEncoding.EncodeToString(data),
	}
	var out checksumBody
	if _, err := h.call(ctx, "upload", http.MethodPut, "/file", nil, accessToken, in, &out); err != nil {
		return "", err
	}
	return checksum.Fingerprint(out.Checksum), nil
}

func (h *HTTPClient) Delete(ctx context.Context, accessToken string, p vaultpath.Path) error {
	q := url.Values{"filename": {p.String()}}
	_, err := h.call(ctx, "delete", http.MethodDelete, "/file", q, accessToken, nil, nil)
	return err
}

func (h *HTTPClient) Rename(ctx context.Context, accessToken string, oldPath, newPath vaultpath.Path) error {
	q := url.Values{"filename": {oldPath.String()}, "newFilename": {newPath.String()}}
	_, err := h.call(ctx, "rename", http.MethodPatch, "/file", q, accessToken, nil, nil)
	return err
}

func (h *HTTPClient) websocketURL(accessToken string) (string, error) {
	u, err := url.Parse(h.baseURL + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"token": {accessToken}}.Encode()
	return u.String(), nil
}

func (h *HTTPClient) Subscribe(ctx context.Context, accessToken string) (<-chan model.VaultChange, error) {
	const op = "subscribe"
	wsURL, err := h.websocketURL(accessToken)
	if err != nil {
		return nil, &errs.NetworkError{Op: op, Err: err}
	}

	conn, resp, err := h.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			raw, _ := io.ReadAll(resp.Body)
			return nil, statusError(op, http.MethodGet, nil, resp.StatusCode, raw)
		}
		return nil, &errs.NetworkError{Op: op, Err: err}
	}

	out := make(chan model.VaultChange, 16)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer close(done)
		for {
			var change model.VaultChange
			if err := conn.ReadJSON(&change); err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("notification stream closed", zap.Error(err))
				}
				return
			}
			if change.Type != model.VaultChangedType {
				continue
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
