package interview

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tiroq/proctor/internal/diaglog"
	"github.com/tiroq/proctor/internal/logger"
	"github.com/tiroq/proctor/internal/store"
)

// Stage is where the candidate is in the interview.
type Stage string

const (
	StageScreening Stage = "SCREENING"
	StageTechnical Stage = "TECHNICAL"
	StageScenario  Stage = "SCENARIO"
	StageDecision  Stage = "DECISION"
	StageRejected  Stage = "REJECTED"
)

// RoundID returns the API round number answered in s, or 0.
func RoundID(s Stage) int {
	switch s {
	case StageTechnical:
		return 2
	case StageScenario:
		return 3
	}
	return 0
}

// StageForRound maps an API round number to its stage.
func StageForRound(round int) (Stage, bool) {
	switch round {
	case 1:
		return StageScreening, true
	case 2:
		return StageTechnical, true
	case 3:
		return StageScenario, true
	}
	return "", false
}

// ProctoredStage reports whether webcam proctoring runs during s.
func ProctoredStage(s Stage) bool {
	return s == StageTechnical || s == StageScenario
}

// API is the subset of Client the flow uses.
type API interface {
	Reset(ctx context.Context) error
	Start(ctx context.Context, resume, role string) (*RoundResult, error)
	Answer(ctx context.Context, round int, answer string) (*RoundResult, error)
	FinalDecision(ctx context.Context) (*FinalDecision, error)
}

// Flow is the interview round state machine. Transitions are driven by API
// responses; the flow records them in the session store and tells its
// listeners so proctoring and fullscreen can follow.
type Flow struct {
	api    API
	store  store.Store
	logger *zap.Logger
	diag   *diaglog.Logger

	// op serializes Begin, Answer, Final and Restart.
	op sync.Mutex

	mu       sync.Mutex
	stage    Stage
	question string
	final    *FinalDecision
	onStage  []func(from, to Stage)
	onActive []func(active bool)
}

// NewFlow creates a flow in SCREENING.
func NewFlow(api API, st store.Store, l *zap.Logger, diag *diaglog.Logger) *Flow {
	if st == nil {
		st = store.NewMemory()
	}
	return &Flow{
		api:    api,
		store:  st,
		logger: logger.OrNop(l).Named("interview"),
		diag:   diag,
		stage:  StageScreening,
	}
}

// OnStage registers fn for every stage transition.
func (f *Flow) OnStage(fn func(from, to Stage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStage = append(f.onStage, fn)
}

// OnActive registers fn for changes of the interview_active flag. It fires
// before the screening call, so fullscreen can be requested up front.
func (f *Flow) OnActive(fn func(active bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onActive = append(f.onActive, fn)
}

// Stage returns the current stage.
func (f *Flow) Stage() Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stage
}

// Question returns the question for the current round.
func (f *Flow) Question() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.question
}

// Active reports whether an interview is in progress.
func (f *Flow) Active(ctx context.Context) bool {
	active, err := store.GetBool(ctx, f.store, store.KeyInterviewActive)
	if err != nil {
		f.logger.Warn("read interview_active failed", zap.Error(err))
		return false
	}
	return active
}

// Restore rebuilds the stage from the store after a daemon restart.
func (f *Flow) Restore(ctx context.Context) error {
	f.op.Lock()
	defer f.op.Unlock()

	stage := StageScreening
	if _, rejected, err := f.store.Get(ctx, store.KeyRejectedAt); err != nil {
		return err
	} else if rejected {
		stage = StageRejected
	} else if v, ok, err := f.store.Get(ctx, store.KeyCurrentRound); err != nil {
		return err
	} else if ok {
		switch v {
		case "complete":
			stage = StageDecision
		default:
			n, _ := strconv.Atoi(v)
			if s, known := StageForRound(n); known {
				stage = s
			}
		}
	}

	q, _, err := f.store.Get(ctx, store.KeyCurrentQuestion)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.question = q
	f.mu.Unlock()

	f.transition(stage)
	return nil
}

// Begin starts a new interview: the store is cleared and the interview is
// marked active before the screening call.
func (f *Flow) Begin(ctx context.Context, resume, role string) (*RoundResult, error) {
	resume = strings.TrimSpace(resume)
	role = strings.TrimSpace(role)
	if resume == "" || role == "" {
		return nil, fmt.Errorf("%w: resume and role are required", ErrEmptyInput)
	}

	f.op.Lock()
	defer f.op.Unlock()

	if err := f.store.Clear(ctx); err != nil {
		return nil, fmt.Errorf("clear session: %w", err)
	}
	f.mu.Lock()
	f.final = nil
	f.question = ""
	f.mu.Unlock()
	f.transition(StageScreening)

	if err := store.SetBool(ctx, f.store, store.KeyInterviewActive, true); err != nil {
		return nil, fmt.Errorf("mark interview active: %w", err)
	}
	f.activeChanged(true)

	if err := f.api.Reset(ctx); err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return nil, err
		}
		f.logger.Warn("reset rejected, starting anyway", zap.Error(err))
	}

	res, err := f.api.Start(ctx, resume, role)
	if err != nil {
		f.noteError(err)
		return nil, err
	}

	sets := map[string]string{
		store.RoundVerdictKey(1):  res.Verdict,
		store.RoundDecisionKey(1): res.Decision,
		store.KeyInterviewRole:    role,
	}
	if err := f.apply(ctx, 1, res, sets); err != nil {
		return nil, err
	}
	return res, nil
}

// Answer submits the answer for the current round.
func (f *Flow) Answer(ctx context.Context, answer string) (*RoundResult, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, fmt.Errorf("%w: answer is required", ErrEmptyInput)
	}

	f.op.Lock()
	defer f.op.Unlock()

	stage := f.Stage()
	round := RoundID(stage)
	if round == 0 {
		return nil, fmt.Errorf("%w: cannot answer in %s", ErrInvalidStage, stage)
	}

	res, err := f.api.Answer(ctx, round, answer)
	if err != nil {
		f.noteError(err)
		return nil, err
	}

	sets := map[string]string{
		store.RoundVerdictKey(round):  res.Verdict,
		store.RoundDecisionKey(round): res.Decision,
	}
	if err := f.apply(ctx, round, res, sets); err != nil {
		return nil, err
	}
	return res, nil
}

// apply records a round result and moves to the next stage.
func (f *Flow) apply(ctx context.Context, round int, res *RoundResult, sets map[string]string) error {
	var next Stage
	switch res.Status {
	case StatusRejected:
		sets[store.KeyRejectedAt] = strconv.Itoa(round)
		sets[store.KeyRejectionVerdict] = res.Verdict
		next = StageRejected
	case StatusComplete:
		sets[store.KeyCurrentRound] = "complete"
		next = StageDecision
	default:
		nextRound := res.NextRound
		if nextRound == 0 {
			nextRound = round + 1
		}
		s, ok := StageForRound(nextRound)
		if !ok || nextRound <= round {
			return fmt.Errorf("%w: unexpected next round %d after round %d", ErrInvalidStage, nextRound, round)
		}
		sets[store.KeyCurrentQuestion] = string(res.Question)
		sets[store.KeyCurrentRound] = strconv.Itoa(nextRound)
		next = s

		f.mu.Lock()
		f.question = string(res.Question)
		f.mu.Unlock()
	}

	for k, v := range sets {
		if err := f.store.Set(ctx, k, v); err != nil {
			return fmt.Errorf("store %s: %w", k, err)
		}
	}

	f.logger.Info("round result",
		zap.Int("round", round),
		zap.String("status", res.Status),
		zap.String("decision", res.Decision),
		zap.String(logger.FieldStage, string(next)))
	f.transition(next)
	return nil
}

// Final returns the hiring decision. A candidate rejected in an earlier
// round is answered locally from the stored verdict.
func (f *Flow) Final(ctx context.Context) (*FinalDecision, error) {
	f.op.Lock()
	defer f.op.Unlock()

	if _, rejected, err := f.store.Get(ctx, store.KeyRejectedAt); err != nil {
		return nil, err
	} else if rejected || f.Stage() == StageRejected {
		verdict, _, err := f.store.Get(ctx, store.KeyRejectionVerdict)
		if err != nil {
			return nil, err
		}
		return &FinalDecision{Decision: "REJECT", Rationale: verdict, Status: StatusRejected}, nil
	}

	if stage := f.Stage(); stage != StageDecision {
		return nil, fmt.Errorf("%w: no decision in %s", ErrInvalidStage, stage)
	}

	f.mu.Lock()
	cached := f.final
	f.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	d, err := f.api.FinalDecision(ctx)
	if err != nil {
		f.noteError(err)
		return nil, err
	}
	f.mu.Lock()
	f.final = d
	f.mu.Unlock()
	return d, nil
}

// Verdicts returns the stored round verdicts keyed by round number.
func (f *Flow) Verdicts(ctx context.Context) (map[int]string, error) {
	out := make(map[int]string)
	for r := 1; r <= 3; r++ {
		v, ok, err := f.store.Get(ctx, store.RoundVerdictKey(r))
		if err != nil {
			return nil, err
		}
		if ok && v != "" {
			out[r] = v
		}
	}
	return out, nil
}

// Restart clears the session and returns to SCREENING with no interview
// active.
func (f *Flow) Restart(ctx context.Context) error {
	f.op.Lock()
	defer f.op.Unlock()

	if err := f.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	f.mu.Lock()
	f.final = nil
	f.question = ""
	f.mu.Unlock()

	f.activeChanged(false)
	f.transition(StageScreening)
	return nil
}

func (f *Flow) transition(to Stage) {
	f.mu.Lock()
	from := f.stage
	f.stage = to
	hooks := append([]func(from, to Stage){}, f.onStage...)
	f.mu.Unlock()

	if from == to {
		return
	}
	f.logger.Info("stage changed", zap.String("from", string(from)), zap.String("to", string(to)))
	f.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentInterview,
		Event:     diaglog.EventStageChange,
		Payload:   map[string]any{"from": string(from), "to": string(to)},
	})
	for _, fn := range hooks {
		fn(from, to)
	}
}

func (f *Flow) activeChanged(active bool) {
	f.mu.Lock()
	hooks := append([]func(bool){}, f.onActive...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(active)
	}
}

func (f *Flow) noteError(err error) {
	if IsRateLimited(err) {
		f.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentInterview,
			Event:     diaglog.EventRateLimited,
			Reason:    err.Error(),
		})
	}
}
