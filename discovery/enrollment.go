package discovery

import (
	"context"
	"fmt"
)

// EnrollmentState is PeerListener's view of one interface's dashboard-
// requested enrollment, per SPEC_FULL.md §7 ("Interface enrollment
// confirmation is asynchronous"): ListenInterface/UnlistenInterface must
// return immediately to the dashboard's HTTP handler, with completion
// reported later through a status field instead of blocking the
// request.
type EnrollmentState int

const (
	// EnrollmentUnknown is the zero value: iface has never been
	// requested, or a prior UnlistenInterface completed.
	EnrollmentUnknown EnrollmentState = iota
	EnrollmentPending
	EnrollmentEnrolled
	EnrollmentFailed
)

func (s EnrollmentState) String() string {
	switch s {
	case EnrollmentPending:
		return "pending"
	case EnrollmentEnrolled:
		return "enrolled"
	case EnrollmentFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Enrollment is one interface's current enrollment status and, for
// EnrollmentFailed, the reason.
type Enrollment struct {
	State  EnrollmentState
	Reason string
}

type requestListenMsg struct {
	iface string
}

type requestUnlistenMsg struct {
	iface string
}

type enrollmentStatusReq struct {
	iface string
	resp  chan Enrollment
}

// RequestListen asks PeerListener to enroll iface without waiting for
// the outcome. Call EnrollmentStatus to observe Pending settle into
// Enrolled or Failed(reason). Non-blocking: safe to call directly from
// a dashboard HTTP handler.
func (l *Listener) RequestListen(iface string) {
	l.mailbox.Push(requestListenMsg{iface: iface})
}

// RequestUnlisten asks PeerListener to drop iface's enrollment without
// waiting for the outcome.
func (l *Listener) RequestUnlisten(iface string) {
	l.mailbox.Push(requestUnlistenMsg{iface: iface})
}

// EnrollmentStatus reports iface's current enrollment state, for the
// dashboard's GetTunnels-adjacent polling of ListenInterface/
// UnlistenInterface completion.
func (l *Listener) EnrollmentStatus(ctx context.Context, iface string) (Enrollment, error) {
	req := enrollmentStatusReq{iface: iface, resp: make(chan Enrollment, 1)}
	l.mailbox.Push(req)
	select {
	case e := <-req.resp:
		return e, nil
	case <-ctx.Done():
		return Enrollment{}, ctx.Err()
	case <-l.quit:
		return Enrollment{}, fmt.Errorf("discovery: listener stopped")
	}
}

func (l *Listener) handleRequestListen(iface string) {
	if l.enrollment == nil {
		l.enrollment = make(map[string]Enrollment)
	}
	l.enrollment[iface] = Enrollment{State: EnrollmentPending}

	if err := l.handleListen(iface); err != nil {
		l.enrollment[iface] = Enrollment{State: EnrollmentFailed, Reason: err.Error()}
		return
	}
	l.enrollment[iface] = Enrollment{State: EnrollmentEnrolled}
}

func (l *Listener) handleRequestUnlisten(iface string) {
	l.handleUnlisten(iface)
	if l.enrollment != nil {
		delete(l.enrollment, iface)
	}
}
