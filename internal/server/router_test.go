package server_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"aerosol/internal/checksum"
	"aerosol/internal/filestore"
	"aerosol/internal/model"
	"aerosol/internal/server/servertest"
	"aerosol/internal/vaultpath"
)

func do(t *testing.T, h *servertest.Harness, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return resp
}

func putFile(t *testing.T, h *servertest.Harness, access, name string, contents []byte) {
	t.Helper()
	w := do(t, h, http.MethodPut, "/file", access, map[string]any{
		"filename": name,
		"contents": base64.StdEncoding.EncodeToString(contents),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("PUT %s: expected 200, got %d: %s", name, w.Code, w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	h := servertest.New(t)
	w := do(t, h, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRegisterAndRenew(t *testing.T) {
	h := servertest.New(t)
	ctx := context.Background()
	if err := h.Store.RegistrationTokens().Create(ctx, &model.RegistrationToken{Value: "T1", IssuedAt: h.Clock.Now().UnixMilli()}); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	w := do(t, h, http.MethodPost, "/user", "", map[string]any{"token": "T1", "username": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	refresh := w.Header().Get("Authorization")
	if refresh == "" {
		t.Fatalf("expected refresh token in Authorization header")
	}

	w = do(t, h, http.MethodGet, "/user", refresh, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["expiresIn"]; got != float64(60) {
		t.Fatalf("expected expiresIn 60, got %v", got)
	}
	access := w.Header().Get("Authorization")
	if access == "" || access == refresh {
		t.Fatalf("expected a fresh access token, got %q", access)
	}

	w = do(t, h, http.MethodGet, "/checksum", access, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected access token to authorize, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRegistrationTokenIsSingleUse(t *testing.T) {
	h := servertest.New(t)
	ctx := context.Background()
	if err := h.Store.RegistrationTokens().Create(ctx, &model.RegistrationToken{Value: "T1", IssuedAt: h.Clock.Now().UnixMilli()}); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	w := do(t, h, http.MethodPost, "/user", "", map[string]any{"token": "T1", "username": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = do(t, h, http.MethodPost, "/user", "", map[string]any{"token": "T1", "username": "mallory"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on reuse, got %d: %s", w.Code, w.Body.String())
	}
}

func TestIssueRegistrationToken(t *testing.T) {
	h := servertest.New(t)

	w := do(t, h, http.MethodPost, "/registrationToken", "", map[string]any{"vaultName": servertest.VaultName, "password": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/registrationToken", "", map[string]any{"vaultName": servertest.VaultName})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/registrationToken", "", map[string]any{"vaultName": servertest.VaultName, "password": servertest.VaultPassword})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	tok := w.Header().Get("Authorization")
	if len(tok) != 32 {
		t.Fatalf("expected 32 char token, got %q", tok)
	}

	w = do(t, h, http.MethodPost, "/user", "", map[string]any{"token": tok, "username": "bob"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected issued token to register, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPutThenAggregate(t *testing.T) {
	h := servertest.New(t)
	access := h.AccessToken(t, h.Register(t, "alice"))

	putFile(t, h, access, "a.md", []byte("hello"))

	w := do(t, h, http.MethodGet, "/checksum", access, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	want := checksum.AggregateOf(checksum.Entries{"a.md": checksum.ComputeEntry([]byte("hello"))})
	got := decode(t, w)["checksum"]
	if got != string(want) || got != "bce442bcd8aebbe790d8aafda22acfdd" {
		t.Fatalf("expected aggregate %s, got %v", want, got)
	}

	w = do(t, h, http.MethodGet, "/checksum?filename=a.md", access, nil)
	if decode(t, w)["checksum"] != "5d41402abc4b2a76b9719d911017c592" {
		t.Fatalf("unexpected file checksum: %s", w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/checksums", access, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if m := decode(t, w); len(m) != 1 || m["a.md"] != "5d41402abc4b2a76b9719d911017c592" {
		t.Fatalf("unexpected checksums: %v", m)
	}
}

func TestFileRoundTrip(t *testing.T) {
	h := servertest.New(t)
	access := h.AccessToken(t, h.Register(t, "alice"))

	payload := []byte{0x00, 0x01, 0xfe, 0xff, '\n'}
	putFile(t, h, access, "bin/blob.dat", payload)

	w := do(t, h, http.MethodGet, "/file?filename=bin/blob.dat", access, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got, err := base64.StdEncoding.DecodeString(decode(t, w)["contents"].(string))
	if err != nil {
		t.Fatalf("decode contents: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %v, got %v", payload, got)
	}

	w = do(t, h, http.MethodPatch, "/file?filename=bin/blob.dat&newFilename=bin/moved.dat", access, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rename: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/file?filename=bin/blob.dat", access, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for old path, got %d", w.Code)
	}

	w = do(t, h, http.MethodDelete, "/file?filename=bin/moved.dat", access, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	w = do(t, h, http.MethodDelete, "/file?filename=bin/moved.dat", access, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/checksum", access, nil)
	if decode(t, w)["checksum"] != string(checksum.AggregateOf(checksum.Entries{})) {
		t.Fatalf("expected empty vault aggregate, got %s", w.Body.String())
	}
}

func TestRenameOntoExistingFileIsRejected(t *testing.T) {
	h := servertest.New(t)
	access := h.AccessToken(t, h.Register(t, "alice"))

	putFile(t, h, access, "x.md", []byte("x"))
	putFile(t, h, access, "y.md", []byte("y"))
	before := do(t, h, http.MethodGet, "/checksums", access, nil).Body.String()
	aggregate := h.Vault.Aggregate()

	w := do(t, h, http.MethodPatch, "/file?filename=x.md&newFilename=y.md", access, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	for name, want := range map[string]string{"x.md": "x", "y.md": "y"} {
		data, err := h.Files.Read(vaultpath.Path(name))
		if err != nil || string(data) != want {
			t.Fatalf("%s changed: %q %v", name, data, err)
		}
	}
	if after := do(t, h, http.MethodGet, "/checksums", access, nil).Body.String(); after != before {
		t.Fatalf("checksums changed: %s -> %s", before, after)
	}
	if h.Vault.Aggregate() != aggregate {
		t.Fatalf("aggregate changed")
	}
}

func TestInvalidPathsAreRejected(t *testing.T) {
	h := servertest.New(t)
	access := h.AccessToken(t, h.Register(t, "alice"))

	for _, name := range []string{
		"../etc/passwd", "/abs.md", `dir\file.md`, "a//b.md",
		".obsidian/app.json", "notes/.git/HEAD", "notes/" + filestore.TempPrefix + "1",
	} {
		w := do(t, h, http.MethodPut, "/file", access, map[string]any{
			"filename": name,
			"contents": base64.StdEncoding.EncodeToString([]byte("x")),
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", name, w.Code)
		}
	}

	putFile(t, h, access, "a.md", []byte("a"))
	w := do(t, h, http.MethodPatch, "/file?filename=a.md&newFilename=.obsidian/a.md", access, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("rename into dot directory: expected 400, got %d", w.Code)
	}
	w = do(t, h, http.MethodGet, "/file?filename=.obsidian/app.json", access, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("read of dot directory: expected 400, got %d", w.Code)
	}
	if got := len(h.Vault.Checksums()); got != 1 {
		t.Fatalf("expected only a.md indexed, got %d entries", got)
	}
}

func TestRenameDirectoryIsNotFound(t *testing.T) {
	h := servertest.New(t)
	access := h.AccessToken(t, h.Register(t, "alice"))

	putFile(t, h, access, "notes/a.md", []byte("a"))
	aggregate := h.Vault.Aggregate()

	w := do(t, h, http.MethodPatch, "/file?filename=notes&newFilename=moved", access, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/file?filename=notes", access, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("read of directory: expected 404, got %d", w.Code)
	}

	// A restart rebuilds the index from disk; it must agree with what the
	// server reported before.
	snap, err := h.Vault.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Aggregate != aggregate {
		t.Fatalf("aggregate changed across reload: %s -> %s", aggregate, snap.Aggregate)
	}
	if _, ok := snap.Entries["notes/a.md"]; !ok {
		t.Fatalf("notes/a.md missing after reload: %v", snap.Entries)
	}
}

func TestFileRoutesRequireAccessToken(t *testing.T) {
	h := servertest.New(t)
	refresh := h.Register(t, "alice")

	w := do(t, h, http.MethodGet, "/checksum", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/checksum", refresh, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for refresh token, got %d", w.Code)
	}

	access := h.AccessToken(t, refresh)
	h.Clock.Advance(61 * time.Second)
	w = do(t, h, http.MethodGet, "/checksum", access, nil)
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "expired") {
		t.Fatalf("expected 401 expired, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRevokeInvalidatesRefreshAndAccess(t *testing.T) {
	h := servertest.New(t)
	refresh := h.Register(t, "alice")
	access := h.AccessToken(t, refresh)

	w := do(t, h, http.MethodDelete, "/user", access, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/user", refresh, nil)
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "revoked") {
		t.Fatalf("expected 401 revoked, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/checksum", access, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected stale access token to be rejected, got %d", w.Code)
	}
}

func TestWebSocketNotifiesChanges(t *testing.T) {
	h := servertest.New(t)
	access := h.AccessToken(t, h.Register(t, "alice"))

	wsURL := "ws" + strings.TrimPrefix(h.URL(), "http") + "/ws?token=" + access
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var greeting model.VaultChange
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if greeting.Type != model.VaultChangedType || greeting.Checksum != string(h.Vault.Aggregate()) {
		t.Fatalf("unexpected greeting %+v", greeting)
	}

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var pong map[string]any
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong["type"] != "pong" {
		t.Fatalf("expected pong, got %v", pong)
	}

	putFile(t, h, access, "a.md", []byte("hello"))

	var change model.VaultChange
	if err := conn.ReadJSON(&change); err != nil {
		t.Fatalf("read change: %v", err)
	}
	if change.Path != "a.md" || change.Checksum != "bce442bcd8aebbe790d8aafda22acfdd" {
		t.Fatalf("unexpected change %+v", change)
	}
}

func TestWebSocketRequiresAccessToken(t *testing.T) {
	h := servertest.New(t)
	wsURL := "ws" + strings.TrimPrefix(h.URL(), "http") + "/ws?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %v", resp)
	}
}
