package view

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wardsim/internal/client/provider"
	"wardsim/pkg/types"
)

// Fetcher is the REST surface the loader reads the session breakdown from
type Fetcher interface {
	FetchSession(ctx context.Context, sessionID string) (*types.SessionDetail, error)
}

// Loader builds layouts from provider snapshots, fetching the zone
// breakdown for the active session
type Loader struct {
	fetcher Fetcher
	viewer  provider.Viewer
	logger  *zap.Logger
}

func NewLoader(fetcher Fetcher, viewer provider.Viewer, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{fetcher: fetcher, viewer: viewer, logger: logger.Named("view")}
}

// Load builds the layout for snap. Without an active session nothing is
// fetched. A failed fetch falls back to the detail the provider holds.
func (l *Loader) Load(ctx context.Context, snap provider.Snapshot, now time.Time) Layout {
	in := Input{
		ViewerID: l.viewer.UserID,
		Role:     l.viewer.Role,
		Timer:    snap.Timer,
		Now:      now,
	}
	if snap.Session == nil {
		return Build(in)
	}
	in.AssignedRoom = snap.Session.AssignedRoom
	if snap.State != provider.Active {
		in.Loading = true
		return Build(in)
	}

	detail, err := l.fetcher.FetchSession(ctx, snap.Session.SessionID)
	if err != nil {
		l.logger.Warn("failed to load session breakdown",
			zap.String("session_id", snap.Session.SessionID), zap.Error(err))
		detail = snap.Session.Detail
	}
	if detail == nil {
		in.Loading = true
	}
	in.Detail = detail
	return Build(in)
}
