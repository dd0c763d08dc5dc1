package integration

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"wardsim/internal/app"
	"wardsim/internal/auth"
	"wardsim/internal/client/cache"
	"wardsim/internal/client/channel"
	"wardsim/internal/client/provider"
	"wardsim/internal/client/restapi"
	"wardsim/internal/config"
	"wardsim/pkg/protocol"
)

const testSecret = "integration-secret-0123456789"

type testServer struct {
	app     *app.Application
	baseURL string
	auth    *auth.Authenticator
}

// startServer runs the full server on a loopback port with a fresh database
func startServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "wardsim.db")
	cfg.Auth.JWTSecret = testSecret
	cfg.Session.ExpiryCheckInterval = 50 * time.Millisecond

	application, err := app.NewApplication(cfg, zaptest.NewLogger(t), app.WithListenAddr("127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})

	authenticator, err := auth.New(testSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	require.NoError(t, err)
	return &testServer{
		app:     application,
		baseURL: "http://" + application.GetAddr(),
		auth:    authenticator,
	}
}

func (s *testServer) token(t *testing.T, id auth.Identity) string {
	t.Helper()
	token, err := s.auth.Issue(id)
	require.NoError(t, err)
	return token
}

func (s *testServer) rest(t *testing.T, id auth.Identity) *restapi.Client {
	t.Helper()
	token := s.token(t, id)
	return restapi.New(s.baseURL, func() string { return token }, 5*time.Second, zaptest.NewLogger(t))
}

// testClient is one logged-in viewer: channel, provider and REST client
type testClient struct {
	channel  *channel.Channel
	provider *provider.Provider
	rest     *restapi.Client
	identity *channel.MemoryIdentity
	stop     func()
}

func (s *testServer) connect(t *testing.T, id auth.Identity, wardID string, store cache.Store) *testClient {
	t.Helper()
	logger := zaptest.NewLogger(t)
	identity := channel.NewMemoryIdentity()
	identity.Set(channel.Identity{UserID: id.UserID, Role: id.Role, OrgID: id.OrgID, Token: s.token(t, id)})

	ch, err := channel.New(channel.Config{
		ServerURL:  s.baseURL,
		Namespace:  protocol.NamespaceWard,
		WardID:     wardID,
		MinBackoff: 20 * time.Millisecond,
		MaxBackoff: 200 * time.Millisecond,
	}, identity, logger)
	require.NoError(t, err)

	rest := s.rest(t, id)
	if store == nil {
		store = cache.NewMemoryStore()
	}
	p := provider.New(provider.Viewer{UserID: id.UserID, Role: id.Role, OrgID: id.OrgID}, ch, rest,
		provider.WithStore(store),
		provider.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() {
		_ = ch.Run(ctx)
		done <- struct{}{}
	}()
	go func() {
		_ = p.Run(ctx)
		done <- struct{}{}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
			<-done
		})
	}
	t.Cleanup(stop)

	require.Eventually(t, ch.Connected, 3*time.Second, 10*time.Millisecond)
	return &testClient{channel: ch, provider: p, rest: rest, identity: identity, stop: stop}
}

func waitActive(t *testing.T, c *testClient, sessionID string) provider.Snapshot {
	t.Helper()
	var snap provider.Snapshot
	require.Eventually(t, func() bool {
		snap = c.provider.Snapshot()
		return snap.State == provider.Active && !snap.Restored &&
			snap.Session != nil && snap.Session.SessionID == sessionID
	}, 3*time.Second, 10*time.Millisecond)
	return snap
}

func waitIdle(t *testing.T, c *testClient) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.provider.Snapshot().State == provider.Idle
	}, 3*time.Second, 10*time.Millisecond)
}
