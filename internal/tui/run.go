package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kunho817/echelon/internal/approval"
	"github.com/kunho817/echelon/internal/bus"
	"github.com/kunho817/echelon/internal/orchestrator"
)

// Attach runs the console over a coordinator until the mission finishes
// or the operator detaches. It owns the terminal, so the mission itself
// must run on another goroutine.
func Attach(ctx context.Context, coord *orchestrator.Coordinator) error {
	approvals := coord.Approvals()
	console := NewConsole(approvals.Submit, approvals.Pending()...)
	p := tea.NewProgram(console, tea.WithAltScreen())

	// Bus handlers run on the publisher's goroutine and must not block,
	// so events funnel through a buffered channel and a forwarder owns
	// the Send calls. A full buffer drops the event; the console only
	// needs the latest state and requests are re-fetchable.
	events := make(chan tea.Msg, 64)
	unsubscribe := coord.Bus().SubscribeAll(func(e bus.Event) {
		msg := messageFor(e)
		if msg == nil {
			return
		}
		select {
		case events <- msg:
		default:
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case msg := <-events:
				p.Send(msg)
			case <-ctx.Done():
				p.Quit()
				return
			case <-done:
				return
			}
		}
	}()

	_, err := p.Run()
	return err
}

// messageFor translates a bus event into a console message. Events the
// console does not care about map to nil.
func messageFor(e bus.Event) tea.Msg {
	switch e.Type {
	case bus.EventApprovalRequested:
		return ApprovalRequestMsg{Request: requestFromEvent(e)}
	case bus.EventApprovalResolved:
		return ApprovalResolvedMsg{TaskID: e.TaskID, DecidedBy: e.Message}
	case bus.EventMissionCompleted:
		return MissionDoneMsg{Status: e.Message}
	case bus.EventMissionCancelled:
		return MissionDoneMsg{Status: "cancelled"}
	}
	return nil
}

// requestFromEvent rebuilds the request payload the approval manager put
// on the wire.
func requestFromEvent(e bus.Event) *approval.Request {
	req := &approval.Request{
		TaskID:      e.TaskID,
		AgentID:     e.AgentID,
		Summary:     e.Message,
		RequestedAt: e.Timestamp,
	}
	if title, ok := e.Data["title"].(string); ok {
		req.Title = title
	}
	if diff, ok := e.Data["diff"].(string); ok {
		req.Diff = diff
	}
	if hash, ok := e.Data["diff_hash"].(string); ok {
		req.DiffHash = hash
	}
	return req
}
