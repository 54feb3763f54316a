// Package servertest starts a fully wired vault server over an in-memory
// file system for tests of the server and its clients.
package servertest

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"aerosol/internal/auth"
	"aerosol/internal/filestore"
	"aerosol/internal/middleware"
	"aerosol/internal/server"
	"aerosol/internal/service"
	"aerosol/internal/store"
)

const (
	VaultName     = "vault"
	VaultPassword = "vault-password"
)

// Epoch is the fake clock's start time.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type Harness struct {
	Router *gin.Engine
	Server *httptest.Server
	Clock  *clockwork.FakeClock

	Auth  *service.AuthService
	Vault *service.VaultService
	Files *filestore.Store
	Store *store.Store
}

// New wires a server with a fake clock, in-memory state and a 60s access
// token lifetime. The listener is closed when the test ends.
func New(t testing.TB) *Harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(Epoch)
	logger := zaptest.NewLogger(t)
	st := store.New()

	authSvc := service.NewAuthService(service.AuthOptions{
		Users:       st.Users(),
		Tokens:      st.RegistrationTokens(),
		Vaults:      st.Vaults(),
		TokenConfig: auth.DefaultTokenConfig("test-master-secret"),
		Clock:       clock,
		Logger:      logger,
	})
	require.NoError(t, authSvc.EnsureVault(ctx, VaultName, VaultPassword))

	files := filestore.New(afero.NewMemMapFs())
	vault := service.NewVaultService(files, st.Checksums(), logger)
	_, err := vault.Load(ctx)
	require.NoError(t, err)

	limiter := middleware.NewRateLimiterWithClock(1000, time.Minute, clock)
	t.Cleanup(limiter.Stop)

	// Websocket goroutines can outlive the test, so the router gets a
	// logger that is safe to use after it ends.
	router := server.NewRouter(server.Deps{
		Auth:                authSvc,
		Vault:               vault,
		Logger:              zap.NewNop(),
		RegistrationLimiter: limiter,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &Harness{
		Router: router,
		Server: srv,
		Clock:  clock,
		Auth:   authSvc,
		Vault:  vault,
		Files:  files,
		Store:  st,
	}
}

// URL is the base URL of the running server.
func (h *Harness) URL() string { return h.Server.URL }

// Register issues a registration token and consumes it, returning the
// refresh token of a new user.
func (h *Harness) Register(t testing.TB, username string) string {
	t.Helper()
	ctx := context.Background()
	tok, err := h.Auth.IssueRegistrationToken(ctx, VaultName, VaultPassword)
	require.NoError(t, err)
	refresh, _, err := h.Auth.Register(ctx, tok, username)
	require.NoError(t, err)
	return refresh
}

// AccessToken renews an access token from refresh.
func (h *Harness) AccessToken(t testing.TB, refresh string) string {
	t.Helper()
	access, _, err := h.Auth.RenewAccess(context.Background(), refresh)
	require.NoError(t, err)
	return access
}
