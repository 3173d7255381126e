package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/dushaobindoudou/bubble-sub000/internal/contracts"
	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
	"github.com/dushaobindoudou/bubble-sub000/internal/orchestrator"
)

// Flows starts the configuration flows a plan needs.
type Flows interface {
	SubmitRoleGrant(ctx context.Context, g orchestrator.RoleGrant) (*orchestrator.Flow, error)
	SubmitSeedUpdate(ctx context.Context, u orchestrator.SeedUpdate) (*orchestrator.Flow, error)
}

// Step statuses in a report.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// StepReport is the outcome of one step.
type StepReport struct {
	Index       int
	Step        Step
	Status      string
	OperationID string
	Handle      domain.Handle
	ErrorKind   domain.ErrorKind
	Message     string
}

// Report is the outcome of a plan run.
type Report struct {
	Steps []StepReport
}

// Failed reports whether any step failed.
func (r Report) Failed() bool {
	for _, s := range r.Steps {
		if s.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Print writes the report as an aligned table.
func (r Report) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tSTATUS\tHANDLE\tDETAIL")
	for _, s := range r.Steps {
		detail := s.Message
		if s.ErrorKind != "" {
			detail = string(s.ErrorKind) + ": " + detail
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.Index, s.Step, s.Status, s.Handle, detail)
	}
	return tw.Flush()
}

// Runner executes plans sequentially.
type Runner struct {
	flows  Flows
	logger *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(flows Flows, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{flows: flows, logger: logger.With(slog.String("component", "deploy"))}
}

// Run executes the plan in order and stops at the first failed step; later
// steps are reported as skipped. It returns an error only when ctx ends the
// run early; step failures are in the report.
func (r *Runner) Run(ctx context.Context, p Plan) (Report, error) {
	rep := Report{Steps: make([]StepReport, len(p.Steps))}
	for i, s := range p.Steps {
		rep.Steps[i] = StepReport{Index: i + 1, Step: s, Status: StatusSkipped}
	}

	for i, s := range p.Steps {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		sr := &rep.Steps[i]
		log := r.logger.With(slog.Int("step", sr.Index), slog.String("kind", s.Kind))
		log.InfoContext(ctx, "deploy step started", slog.String("step", s.String()))

		f, err := r.start(ctx, s)
		if err != nil {
			sr.Status = StatusFailed
			sr.ErrorKind = domain.KindOf(err)
			sr.Message = err.Error()
			log.ErrorContext(ctx, "deploy step could not start", slog.String("error", err.Error()))
			return rep, nil
		}
		sr.OperationID = f.ID

		res, err := f.Wait(ctx)
		if err != nil && ctx.Err() != nil {
			sr.Status = StatusFailed
			sr.Message = "interrupted while waiting: " + err.Error()
			return rep, ctx.Err()
		}
		sr.Handle = res.Handle
		sr.Message = res.Message
		if !res.Succeeded() {
			sr.Status = StatusFailed
			sr.ErrorKind = res.ErrorKind
			log.ErrorContext(ctx, "deploy step failed",
				slog.String("error_kind", string(res.ErrorKind)),
				slog.String("error", res.Message),
			)
			return rep, nil
		}
		sr.Status = StatusSucceeded
		log.InfoContext(ctx, "deploy step succeeded", slog.String("handle", string(res.Handle)))
	}
	return rep, nil
}

func (r *Runner) start(ctx context.Context, s Step) (*orchestrator.Flow, error) {
	switch s.Kind {
	case KindGrantRole:
		return r.flows.SubmitRoleGrant(ctx, orchestrator.RoleGrant{Contract: s.Contract, Role: s.Role, Account: s.Account})
	case KindUpdateSeed:
		seed, err := contracts.ParseSeed(s.Seed)
		if err != nil {
			return nil, domain.Validation("deploy", "%v", err)
		}
		return r.flows.SubmitSeedUpdate(ctx, orchestrator.SeedUpdate{Contract: s.Contract, Seed: seed})
	default:
		return nil, domain.Validation("deploy", "unknown step kind %q", s.Kind)
	}
}
