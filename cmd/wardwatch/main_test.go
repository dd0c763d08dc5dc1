package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"wardsim/internal/app"
	"wardsim/internal/auth"
	"wardsim/internal/client/provider"
	"wardsim/internal/client/view"
	"wardsim/internal/config"
	"wardsim/internal/timer"
	"wardsim/pkg/types"
)

const testSecret = "wardwatch-secret-0123456789"

func startServer(t *testing.T) (string, *auth.Authenticator) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "wardsim.db")
	cfg.Auth.JWTSecret = testSecret

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
	return "http://" + application.GetAddr(), authenticator
}

func clientArgs(t *testing.T, url string, a *auth.Authenticator, id auth.Identity, rest ...string) []string {
	t.Helper()
	token, err := a.Issue(id)
	require.NoError(t, err)
	return append([]string{
		"--client.server_url", url,
		"--client.token", token,
		"--client.ward_id", "w1",
		"--client.log.level", "error",
	}, rest...)
}

func TestClientConfig_Requirements(t *testing.T) {
	t.Setenv("WARDSIM_CLIENT_TOKEN", "")
	t.Setenv("WARDSIM_CLIENT_WARD_ID", "")
	var out bytes.Buffer

	err := run(context.Background(), []string{"--client.ward_id", "w1"}, &out)
	require.ErrorContains(t, err, "token is required")

	err = run(context.Background(), []string{"--client.token", "x"}, &out)
	require.ErrorContains(t, err, "ward is required")

	err = run(context.Background(), []string{"--client.token", "x", "--client.ward_id", "w1", "--client.cache_backend", "disk"}, &out)
	require.ErrorContains(t, err, "cache backend")

	err = run(context.Background(), []string{"--client.token", "x", "--client.ward_id", "w1", "bogus"}, &out)
	require.ErrorContains(t, err, "unknown command")
}

// FUNCTIONAL VALIDATION: seed, start and end drive the lifecycle endpoints
func TestCommands_SeedStartEnd(t *testing.T) {
	url, a := startServer(t)
	ctx := context.Background()
	admin := auth.Identity{UserID: "a1", Role: "admin", OrgID: "org1"}
	faculty := auth.Identity{UserID: "f1", Role: "faculty", OrgID: "org1"}

	dir := t.TempDir()
	wardFile := filepath.Join(dir, "ward.json")
	require.NoError(t, os.WriteFile(wardFile, []byte(`{"name": "Acute", "patient_ids": ["p1", "p2"],
		"staff": [{"id": "f1", "role": "faculty"}, {"id": "s1", "role": "student"}]}`), 0o600))
	assignFile := filepath.Join(dir, "assignments.json")
	require.NoError(t, os.WriteFile(assignFile, []byte(`{"zone1": {"user": {"id": "s1"}, "patients": ["p1"]}}`), 0o600))

	var out bytes.Buffer
	require.NoError(t, run(ctx, clientArgs(t, url, a, admin, "seed", wardFile), &out))
	require.Contains(t, out.String(), "seeded ward w1 with 2 patients")

	out.Reset()
	require.NoError(t, run(ctx, clientArgs(t, url, a, faculty, "--minutes", "10", "--assignments", assignFile, "start"), &out))
	require.Contains(t, out.String(), "started session")

	out.Reset()
	err := run(ctx, clientArgs(t, url, a, faculty, "start"), &out)
	require.ErrorContains(t, err, "failed to start session")

	out.Reset()
	require.NoError(t, run(ctx, clientArgs(t, url, a, faculty, "end"), &out))
	require.True(t, strings.HasPrefix(out.String(), "ended session "))

	err = run(ctx, clientArgs(t, url, a, faculty, "end"), &out)
	require.ErrorContains(t, err, "no active session")
}

type countingFetcher struct {
	detail *types.SessionDetail
	calls  int
}

func (c *countingFetcher) FetchSession(ctx context.Context, id string) (*types.SessionDetail, error) {
	c.calls++
	return c.detail, nil
}

func TestScreen_RefetchesOnlyOnChange(t *testing.T) {
	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	detail := &types.SessionDetail{
		Session: &types.WardSession{ID: "sess1", WardID: "w1", WardName: "Acute", StartTime: start,
			Duration: types.Minutes(15), StartedBy: "f1", StartedByRole: types.RoleFaculty, Status: types.SessionStatusActive},
		Assignments: types.ParseAssignments(`{"zone1": {"user": {"id": "s1"}, "patients": ["p1"]}}`),
	}
	fetcher := &countingFetcher{detail: detail}
	var out bytes.Buffer
	scr := newScreen(view.NewLoader(fetcher, provider.Viewer{UserID: "s1", Role: "student"}, nil), &out)
	scr.now = func() time.Time { return start.Add(time.Minute) }
	ctx := context.Background()

	scr.show(ctx, provider.Snapshot{State: provider.Idle})
	require.Contains(t, out.String(), view.WaitingMessage)
	require.Equal(t, 0, fetcher.calls)

	snap := provider.Snapshot{
		State:   provider.Active,
		Session: &provider.ActiveSession{SessionID: "sess1", AssignedRoom: "1"},
		Timer:   timer.SnapshotAt(start.Add(time.Minute), start, types.Minutes(15)),
	}
	scr.show(ctx, snap)
	require.Equal(t, 1, fetcher.calls)
	require.Contains(t, out.String(), "14:00")

	// a tick only redraws the timer
	out.Reset()
	snap.Timer = timer.SnapshotAt(start.Add(2*time.Minute), start, types.Minutes(15))
	scr.show(ctx, snap)
	require.Equal(t, 1, fetcher.calls)
	require.Contains(t, out.String(), "13:00")

	// new data refetches and the banner prints once
	snap.LastUpdate = &types.UpdateSignal{PatientID: "p1", Timestamp: start.Add(2 * time.Minute)}
	snap.Notification = &provider.Notification{ID: "n1", Message: "Sam added vitals for patient p1", Link: "/student/patients/p1"}
	out.Reset()
	scr.show(ctx, snap)
	scr.show(ctx, snap)
	require.Equal(t, 2, fetcher.calls)
	require.Equal(t, 1, strings.Count(out.String(), "Sam added vitals"))
}
