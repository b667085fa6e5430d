package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/msageha/specsync/internal/events"
	"github.com/msageha/specsync/internal/uds"
)

// Status is what a running daemon reports over the control socket.
type Status struct {
	PID               int                      `json:"pid"`
	Root              string                   `json:"root"`
	StartedAt         time.Time                `json:"started_at"`
	Subscribers       []events.SubscriberStats `json:"subscribers"`
	DeadLetters       int                      `json:"dead_letters"`
	PendingConflicts  int                      `json:"pending_conflicts"`
	ActiveAssignments int                      `json:"active_assignments"`
}

type ReplayParams struct {
	Subscriber string `json:"subscriber,omitempty"`
}

type ReplayResult struct {
	Replayed int `json:"replayed"`
}

// startControl serves the control socket. A daemon without one still syncs,
// so failing to listen is only logged.
func (d *Daemon) startControl() {
	d.control.Handle(uds.CmdPing, func(ctx context.Context, req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]int{"pid": os.Getpid()})
	})
	d.control.Handle(uds.CmdStatus, func(ctx context.Context, req *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.Status())
	})
	d.control.Handle(uds.CmdValidate, func(ctx context.Context, req *uds.Request) *uds.Response {
		rep, err := d.validate(ctx)
		if err != nil {
			return uds.FromError(err)
		}
		return uds.SuccessResponse(rep)
	})
	d.control.Handle(uds.CmdReplay, func(ctx context.Context, req *uds.Request) *uds.Response {
		var p ReplayParams
		if err := req.Decode(&p); err != nil {
			return uds.FromError(err)
		}
		n, err := d.replay(ctx, p.Subscriber)
		if err != nil {
			return uds.FromError(err)
		}
		return uds.SuccessResponse(ReplayResult{Replayed: n})
	})
	d.control.Handle(uds.CmdShutdown, func(ctx context.Context, req *uds.Request) *uds.Response {
		d.sys.Logger.Info("shutdown requested over control socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutting_down"})
	})

	if err := d.control.Start(); err != nil {
		d.sys.Logger.Warn("control socket unavailable", "path", d.control.SocketPath(), "error", err)
		return
	}
	d.sys.Logger.Info("control socket listening", "path", d.control.SocketPath())
}

// Status snapshots router and project counters.
func (d *Daemon) Status() Status {
	st := Status{
		PID:         os.Getpid(),
		Root:        d.sys.Layout.Root,
		StartedAt:   d.startedAt,
		Subscribers: d.router.Stats(),
		DeadLetters: len(d.router.DeadLetters()),
	}
	if pending, err := d.sys.Arbiter.Pending(); err == nil {
		st.PendingConflicts = len(pending)
	}
	if snap, err := d.sys.Repo.Snapshot(); err == nil {
		st.ActiveAssignments = snap.Assignments.CountActive()
	}
	return st
}
