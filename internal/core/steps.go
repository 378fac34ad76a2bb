package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/zrok-agentctl/internal/telemetry"
	"github.com/3cpo-dev/zrok-agentctl/pkg/api"
)

// step is one fallible action of a lifecycle run. undo, when set, reverses a
// completed do.
type step struct {
	name string
	do   func(ctx context.Context) error
	undo func(ctx context.Context) error
}

// run executes steps in order and journals each of them. journal stays nil
// until the run is known to change the host.
type run struct {
	id       string
	op       api.Operation
	platform string
	target   string
	journal  Journal
	log      zerolog.Logger
	// done holds every step that started, the failed one included, so a
	// rollback also clears what a step left half done.
	done []step
}

func (o *Orchestrator) newRun(op api.Operation) *run {
	id := uuid.NewString()
	return &run{
		id:       id,
		op:       op,
		platform: o.Platform.Name(),
		target:   o.Host.Name(),
		log:      log.With().Str("run", id).Str("op", string(op)).Logger(),
	}
}

func (r *run) execute(ctx context.Context, steps []step) error {
	for _, s := range steps {
		start := time.Now()
		r.log.Info().Str("step", s.name).Msg("step started")
		err := s.do(ctx)
		took := time.Since(start)

		status := "ok"
		if err != nil {
			status = "failed"
		}
		labels := map[string]string{"op": string(r.op), "step": s.name, "status": status}
		telemetry.CounterGlobal("zrok_agentctl_steps", 1, labels)
		telemetry.TimerGlobal("zrok_agentctl_step_duration", took, labels)

		if err != nil {
			r.log.Error().Err(err).Str("step", s.name).Dur("took", took).Msg("step failed")
			r.record(ctx, s.name, status, err.Error(), start)
			r.done = append(r.done, s)
			return fmt.Errorf("%s: %w", s.name, err)
		}
		r.log.Info().Str("step", s.name).Dur("took", took).Msg("step completed")
		r.record(ctx, s.name, status, "", start)
		r.done = append(r.done, s)
	}
	return nil
}

// rollback undoes the steps that ran, the failed one first and then the
// completed ones in reverse order. It keeps going past failures and returns
// all of them.
func (r *run) rollback(ctx context.Context) error {
	var result *multierror.Error
	for i := len(r.done) - 1; i >= 0; i-- {
		s := r.done[i]
		if s.undo == nil {
			continue
		}
		start := time.Now()
		if err := s.undo(ctx); err != nil {
			r.log.Error().Err(err).Str("step", s.name).Msg("rollback failed")
			r.record(ctx, s.name, "rollback_failed", err.Error(), start)
			result = multierror.Append(result, fmt.Errorf("undo %s: %w", s.name, err))
			continue
		}
		r.log.Warn().Str("step", s.name).Msg("rolled back")
		r.record(ctx, s.name, "rolled_back", "", start)
	}
	r.done = nil
	return result.ErrorOrNil()
}

// finish records the run outcome.
func (r *run) finish(ctx context.Context, outcome api.Outcome, start time.Time, detail string) {
	telemetry.CounterGlobal("zrok_agentctl_runs", 1, map[string]string{"op": string(r.op), "outcome": string(outcome)})
	r.record(ctx, "run", string(outcome), detail, start)
}

// record journals a step. Journal failures never fail the run.
func (r *run) record(ctx context.Context, step, status, detail string, start time.Time) {
	if r.journal == nil {
		return
	}
	err := r.journal.Record(context.WithoutCancel(ctx), Entry{
		RunID:      r.id,
		Operation:  string(r.op),
		Platform:   r.platform,
		Target:     r.target,
		Step:       step,
		Status:     status,
		Detail:     detail,
		StartedAt:  start,
		FinishedAt: time.Now(),
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("journal")
	}
}
