package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"aerosol/internal/config"
	"aerosol/internal/server/servertest"
)

func testApp(t *testing.T, env map[string]string) *app {
	return &app{
		newLogger: func(bool) (*zap.Logger, error) {
			return zaptest.NewLogger(t, zaptest.Level(zapcore.WarnLevel)), nil
		},
		getenv: func(key string) string { return env[key] },
	}
}

func run(ctx context.Context, a *app, args ...string) (string, error) {
	root := newRoot(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestApplyServer(t *testing.T) {
	tests := []struct {
		raw      string
		protocol string
		host     string
		port     int
		wantErr  bool
	}{
		{raw: "http://localhost:8080", protocol: "http", host: "localhost", port: 8080},
		{raw: "https://sync.example.com", protocol: "https", host: "sync.example.com", port: config.DefaultPort},
		{raw: "localhost:9000", protocol: "http", host: "localhost", port: 9000},
		{raw: "10.0.0.2", protocol: "http", host: "10.0.0.2", port: config.DefaultPort},
		{raw: "ftp://example.com", wantErr: true},
		{raw: "http://example.com:notaport", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			c := config.DefaultClientConfig()
			err := applyServer(&c, tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.protocol, c.Protocol)
			assert.Equal(t, tt.host, c.ServerURL)
			assert.Equal(t, tt.port, c.ServerPort)
		})
	}
}

func TestConnectStatusDisconnect(t *testing.T) {
	h := servertest.New(t)
	ctx := context.Background()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	vault := filepath.Join(dir, "vault")
	a := testApp(t, map[string]string{passwordEnv: servertest.VaultPassword})

	out, err := run(ctx, a, "--config", cfgPath, "connect", "unused", "--server", h.URL(), "--vault", vault)
	assert.Error(t, err, "an unknown registration token is rejected")
	assert.Empty(t, out)

	out, err = run(ctx, a, "--config", cfgPath, "token")
	require.NoError(t, err)
	tok := strings.TrimSpace(out)
	require.NotEmpty(t, tok)

	out, err = run(ctx, a, "--config", cfgPath, "connect", tok, "--username", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, `as "alice"`)

	cfg, err := config.LoadClientConfig(cfgPath)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.RefreshToken)
	assert.Equal(t, vault, cfg.VaultDir)

	out, err = run(ctx, a, "--config", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "connected: yes (alice)")
	assert.Contains(t, out, "remote:    in sync")

	out, err = run(ctx, a, "--config", cfgPath, "disconnect")
	require.NoError(t, err)
	assert.Contains(t, out, "Disconnected.")

	out, err = run(ctx, a, "--config", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "connected: no")
}

func TestTokenRequiresPassword(t *testing.T) {
	h := servertest.New(t)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	a := testApp(t, nil)
	ctx := context.Background()

	_, err := run(ctx, a, "--config", cfgPath, "token")
	assert.ErrorContains(t, err, "password is required")

	c := config.DefaultClientConfig()
	require.NoError(t, applyServer(&c, h.URL()))
	require.NoError(t, config.SaveClientConfig(cfgPath, c))

	_, err = run(ctx, a, "--config", cfgPath, "token", "--password", "wrong")
	assert.Error(t, err)

	out, err := run(ctx, a, "--config", cfgPath, "token", "--password", servertest.VaultPassword)
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestSyncRunsUntilCancelled(t *testing.T) {
	h := servertest.New(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	vault := filepath.Join(dir, "vault")
	a := testApp(t, map[string]string{passwordEnv: servertest.VaultPassword})

	_, err := h.Vault.Write(context.Background(), "hello.md", []byte("hi"))
	require.NoError(t, err)

	c := config.DefaultClientConfig()
	require.NoError(t, applyServer(&c, h.URL()))
	require.NoError(t, config.SaveClientConfig(cfgPath, c))
	out, err := run(context.Background(), a, "--config", cfgPath, "token")
	require.NoError(t, err)
	_, err = run(context.Background(), a, "--config", cfgPath,
		"connect", strings.TrimSpace(out), "--vault", vault, "--poll", "50ms")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := run(ctx, a, "--config", cfgPath, "sync")
		done <- err
	}()

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(vault, "hello.md"))
		return err == nil && string(data) == "hi"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "sync did not stop")
	}
}
