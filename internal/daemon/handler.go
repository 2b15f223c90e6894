package daemon

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/tiroq/proctor/internal/bridge"
	"github.com/tiroq/proctor/internal/diaglog"
	"github.com/tiroq/proctor/internal/interview"
)

// Dismiss implements bridge.Handler.
func (d *Daemon) Dismiss(target string) {
	d.logCommand("dismiss", target)
	switch target {
	case bridge.TargetGaze:
		d.session.DismissWarning()
	case bridge.TargetFullscreen:
		d.fullscreen.Dismiss(context.Background())
	default:
		d.logger.Debug("unknown dismiss target", zap.String("target", target))
	}
}

// InterviewStart implements bridge.Handler.
func (d *Daemon) InterviewStart(ctx context.Context, resume, role string) {
	d.logCommand("interview_start", role)
	res, err := d.flow.Begin(ctx, resume, role)
	d.sendRound(res, err)
}

// Answer implements bridge.Handler.
func (d *Daemon) Answer(ctx context.Context, answer string) {
	d.logCommand("answer", "")
	res, err := d.flow.Answer(ctx, answer)
	d.sendRound(res, err)
}

// Final implements bridge.Handler.
func (d *Daemon) Final(ctx context.Context) {
	d.logCommand("final", "")
	decision, err := d.flow.Final(ctx)
	if err != nil {
		d.sendError(err)
		return
	}
	verdicts, err := d.flow.Verdicts(ctx)
	if err != nil {
		d.logger.Warn("read round verdicts failed", zap.Error(err))
	}
	d.send(bridge.TypeRound, bridge.RoundPayload{
		Stage:     string(d.flow.Stage()),
		Status:    decision.Status,
		Decision:  decision.Decision,
		Rationale: decision.Rationale,
		Verdicts:  verdicts,
	})
}

// Restart implements bridge.Handler.
func (d *Daemon) Restart(ctx context.Context) {
	d.logCommand("restart", "")
	if err := d.flow.Restart(ctx); err != nil {
		d.sendError(err)
		return
	}
	d.sendRound(nil, nil)
}

// sendRound reports the outcome of a flow call. With neither a result nor an
// error it reports the current stage and question.
func (d *Daemon) sendRound(res *interview.RoundResult, err error) {
	if err != nil {
		d.sendError(err)
		return
	}
	p := bridge.RoundPayload{
		Stage:    string(d.flow.Stage()),
		Question: d.flow.Question(),
	}
	if res != nil {
		p.Status = res.Status
		p.Verdict = res.Verdict
		p.Message = res.Message
		p.Decision = res.Decision
	}
	d.send(bridge.TypeRound, p)
}

func (d *Daemon) sendError(err error) {
	d.setError(err)
	msg := err.Error()
	var apiErr *interview.APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.Detail
	}
	d.send(bridge.TypeError, bridge.ErrorPayload{
		Message:     msg,
		RateLimited: interview.IsRateLimited(err),
	})
}

func (d *Daemon) send(typ string, payload any) {
	if err := d.bridge.Send(typ, payload); err != nil {
		d.logger.Debug("reply not delivered", zap.String("type", typ), zap.Error(err))
	}
}

func (d *Daemon) logCommand(name, arg string) {
	d.setAction(name)
	d.logger.Info("agent command", zap.String("command", name), zap.String("arg", arg))
	d.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentCore,
		Event:     diaglog.EventCommandReceived,
		Payload:   map[string]any{"command": name, "source": "agent"},
	})
}
