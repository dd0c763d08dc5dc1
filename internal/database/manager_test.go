package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	dbconfig "wardsim/pkg/database"
	"wardsim/pkg/interfaces"
	"wardsim/pkg/types"
)

// Test database setup helpers
func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	config.RetryDelay = time.Millisecond

	manager, err := NewManager(config, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, manager.Migrate())
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func testWard(id string) *types.Ward {
	return &types.Ward{
		ID:         id,
		OrgID:      "org1",
		Name:       "Ward " + id,
		PatientIDs: []string{"p1", "p2", "p3"},
		Staff:      []types.StaffRef{{ID: "u1", Name: "Nurse Ada", Role: "student"}},
	}
}

func testSession(id, wardID string) *types.WardSession {
	assignments := types.ParseAssignments(`{"zone1": {"assignedUser": {"id": "u1"}, "patients": [{"id": "p1"}]}}`)
	return &types.WardSession{
		ID:            id,
		WardID:        wardID,
		OrgID:         "org1",
		StartTime:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Duration:      types.Minutes(15),
		StartedBy:     "f1",
		StartedByRole: types.RoleFaculty,
		Status:        types.SessionStatusActive,
		Assignments:   assignments,
	}
}

func TestManager_InterfaceCompliance(t *testing.T) {
	var _ interfaces.DatabaseManager = (*Manager)(nil)
}

func TestManager_NewManagerRejectsInvalidConfig(t *testing.T) {
	config := dbconfig.DefaultConfig()
	config.DatabasePath = ""
	_, err := NewManager(config, nil)
	require.Error(t, err)
}

// Functional Validation Tests - Core Database Operations
func TestManager_WardRoundTrip(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, manager.UpsertWard(ctx, testWard("w1")))
	ward, err := manager.GetWard(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, testWard("w1"), ward)

	updated := testWard("w1")
	updated.Name = "Renamed"
	updated.PatientIDs = nil
	require.NoError(t, manager.UpsertWard(ctx, updated))
	ward, err = manager.GetWard(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "Renamed", ward.Name)
	require.Empty(t, ward.PatientIDs)

	_, err = manager.GetWard(ctx, "missing")
	require.ErrorIs(t, err, interfaces.ErrWardNotFound)
}

func TestManager_CreateAndGetSession(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, manager.UpsertWard(ctx, testWard("w1")))

	session := testSession("s1", "w1")
	require.NoError(t, manager.CreateSession(ctx, session))

	got, err := manager.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "Ward w1", got.WardName)
	require.True(t, session.StartTime.Equal(got.StartTime))
	require.Equal(t, types.Minutes(15), got.Duration)
	require.Equal(t, types.SessionStatusActive, got.Status)
	require.Nil(t, got.EndTime)
	require.Equal(t, []string{"p1"}, got.Assignments.Zone(1).PatientIDs())
	require.Equal(t, "u1", got.Assignments.Zone(1).AssignedUser.ID)

	_, err = manager.GetSession(ctx, "nope")
	require.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestManager_UnlimitedDurationPersists(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, manager.UpsertWard(ctx, testWard("w1")))

	session := testSession("s1", "w1")
	session.Duration = types.Unlimited()
	require.NoError(t, manager.CreateSession(ctx, session))

	got, err := manager.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, got.Duration.Unlimited)
}

func TestManager_OneActiveSessionPerWard(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, manager.UpsertWard(ctx, testWard("w1")))
	require.NoError(t, manager.UpsertWard(ctx, testWard("w2")))

	require.NoError(t, manager.CreateSession(ctx, testSession("s1", "w1")))
	err := manager.CreateSession(ctx, testSession("s2", "w1"))
	require.ErrorIs(t, err, interfaces.ErrActiveSessionExists)

	// Other wards are independent
	require.NoError(t, manager.CreateSession(ctx, testSession("s3", "w2")))

	// Ending frees the ward
	ended := testSession("s1", "w1")
	now := time.Now()
	ended.Status = types.SessionStatusEnded
	ended.EndTime = &now
	ended.EndReason = types.EndReasonManual
	require.NoError(t, manager.UpdateSession(ctx, ended))
	require.NoError(t, manager.CreateSession(ctx, testSession("s2", "w1")))
}

func TestManager_CreateSessionUnknownWard(t *testing.T) {
	manager := setupTestDB(t)
	err := manager.CreateSession(context.Background(), testSession("s1", "ghost"))
	require.ErrorIs(t, err, interfaces.ErrWardNotFound)
}

func TestManager_UpdateSession(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, manager.UpsertWard(ctx, testWard("w1")))
	require.NoError(t, manager.CreateSession(ctx, testSession("s1", "w1")))

	end := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)
	session := testSession("s1", "w1")
	session.Status = types.SessionStatusEnded
	session.EndTime = &end
	session.EndReason = types.EndReasonExpired
	require.NoError(t, manager.UpdateSession(ctx, session))

	got, err := manager.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, types.SessionStatusEnded, got.Status)
	require.NotNil(t, got.EndTime)
	require.True(t, end.Equal(*got.EndTime))
	require.Equal(t, types.EndReasonExpired, got.EndReason)

	err = manager.UpdateSession(ctx, testSession("missing", "w1"))
	require.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestManager_ListActiveSessions(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	sessions, err := manager.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, sessions)

	for i, id := range []string{"w1", "w2", "w3"} {
		require.NoError(t, manager.UpsertWard(ctx, testWard(id)))
		s := testSession("s-"+id, id)
		s.StartTime = s.StartTime.Add(time.Duration(i) * time.Minute)
		require.NoError(t, manager.CreateSession(ctx, s))
	}

	ended := testSession("s-w2", "w2")
	ended.Status = types.SessionStatusEnded
	require.NoError(t, manager.UpdateSession(ctx, ended))

	sessions, err = manager.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "s-w3", sessions[0].ID)
	require.Equal(t, "s-w1", sessions[1].ID)
}

// Technical Validation Tests - single writer under concurrency
func TestManager_ConcurrentWrites(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ward := testWard("w" + string(rune('a'+i)))
			errs <- manager.UpsertWard(ctx, ward)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestManager_ConcurrentStartsOneWins(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, manager.UpsertWard(ctx, testWard("w1")))

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- manager.CreateSession(ctx, testSession("s"+string(rune('0'+i)), "w1"))
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, interfaces.ErrActiveSessionExists)
	}
	require.Equal(t, 1, wins)
}

func TestManager_HealthCheck(t *testing.T) {
	manager := setupTestDB(t)
	require.NoError(t, manager.HealthCheck(context.Background()))
	require.NotNil(t, manager.GetDB())
}

func TestManager_Close(t *testing.T) {
	manager := setupTestDB(t)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	err := manager.UpsertWard(context.Background(), testWard("w1"))
	require.ErrorIs(t, err, ErrManagerClosed)
}

// Failure paths on a mocked driver

func newMockManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	config := dbconfig.DefaultConfig()
	config.RetryDelay = time.Millisecond
	manager := NewManagerFromDB(db, config, zaptest.NewLogger(t))
	t.Cleanup(func() {
		mock.ExpectClose()
		_ = manager.Close()
	})
	return manager, mock
}

func TestManager_WriteRetriedOnce(t *testing.T) {
	manager, mock := newMockManager(t)

	mock.ExpectExec("UPDATE ward_sessions").WillReturnError(errors.New("database is locked"))
	mock.ExpectExec("UPDATE ward_sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	session := testSession("s1", "w1")
	session.Status = types.SessionStatusEnded
	require.NoError(t, manager.UpdateSession(context.Background(), session))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_WriteFailsAfterRetry(t *testing.T) {
	manager, mock := newMockManager(t)

	mock.ExpectExec("INSERT INTO wards").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectExec("INSERT INTO wards").WillReturnError(errors.New("disk I/O error"))

	err := manager.UpsertWard(context.Background(), testWard("w1"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk I/O error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_ActiveConflictNotRetried(t *testing.T) {
	manager, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := manager.CreateSession(context.Background(), testSession("s1", "w1"))
	require.ErrorIs(t, err, interfaces.ErrActiveSessionExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_ReadErrors(t *testing.T) {
	manager, mock := newMockManager(t)
	ctx := context.Background()

	mock.ExpectQuery("FROM ward_sessions").WillReturnError(errors.New("boom"))
	_, err := manager.GetSession(ctx, "s1")
	require.Error(t, err)
	require.NotErrorIs(t, err, interfaces.ErrSessionNotFound)

	mock.ExpectQuery("FROM ward_sessions").WillReturnError(errors.New("boom"))
	_, err = manager.ListActiveSessions(ctx)
	require.Error(t, err)

	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("no such table"))
	require.Error(t, manager.HealthCheck(ctx))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_WriteHonoursContext(t *testing.T) {
	manager, _ := newMockManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The writer may or may not pick the op up first; a cancelled context
	// must never hang the caller.
	done := make(chan struct{})
	go func() {
		_ = manager.UpsertWard(ctx, testWard("w1"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("write with cancelled context hung")
	}
}
