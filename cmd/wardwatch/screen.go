package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"wardsim/internal/client/provider"
	"wardsim/internal/client/view"
)

// screen redraws the layout on every snapshot. The zone breakdown is only
// refetched when the session, its state or its data changes; timer ticks
// reuse the last layout.
type screen struct {
	loader *view.Loader
	out    io.Writer
	now    func() time.Time

	key    string
	layout view.Layout
	banner string
}

func newScreen(loader *view.Loader, out io.Writer) *screen {
	return &screen{loader: loader, out: out, now: time.Now}
}

func layoutKey(snap provider.Snapshot) string {
	key := snap.State.String()
	if s := snap.Session; s != nil {
		key += "|" + s.SessionID + "|" + s.AssignedRoom
	}
	if u := snap.LastUpdate; u != nil {
		key += "|" + u.PatientID + "|" + u.Timestamp.Format(time.RFC3339Nano)
	}
	return key
}

func (s *screen) show(ctx context.Context, snap provider.Snapshot) {
	if key := layoutKey(snap); key != s.key {
		s.key = key
		s.layout = s.loader.Load(ctx, snap, s.now())
	}
	s.layout.Timer = snap.Timer

	if n := snap.Notification; n != nil {
		if n.ID != s.banner {
			s.banner = n.ID
			fmt.Fprintf(s.out, "\n>> %s (%s)\n", n.Message, n.Link)
		}
	}

	fmt.Fprintln(s.out)
	if err := view.Render(s.out, s.layout); err != nil {
		fmt.Fprintf(s.out, "render failed: %v\n", err)
	}
}
