package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"qazna.org/esign/internal/envelope"
	"qazna.org/esign/internal/ids"
	"qazna.org/esign/internal/obs"
)

// SweepActor is the audit actor for poll sweeps.
const SweepActor = "system:poller"

// SweepResult summarizes one pass.
type SweepResult struct {
	Checked int `json:"checked"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

// Sweeper polls the provider for every open envelope.
type Sweeper struct {
	engine      *Engine
	store       envelope.Store
	concurrency int
	batch       int
}

// NewSweeper returns a sweeper running at most concurrency syncs at once.
func NewSweeper(engine *Engine, store envelope.Store, concurrency int) *Sweeper {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Sweeper{engine: engine, store: store, concurrency: concurrency, batch: 500}
}

// SweepOnce syncs the oldest open envelopes, certificate included. A failing
// envelope is logged and counted; it never aborts the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	open, err := s.store.ListOpen(ctx, s.batch)
	if err != nil {
		return SweepResult{}, err
	}
	correlationID := ids.Prefixed("sweep")
	var changed, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, env := range open {
		g.Go(func() error {
			updated, err := s.engine.SyncSignatureEnvelopeFromProvider(gctx, env.ID, SweepActor, correlationID, SyncOptions{
				IncludeCertificate: true,
				Source:             SourcePoll,
			})
			if err != nil {
				failed.Add(1)
				obs.LogEvent("error", "poll sync failed", map[string]any{
					"signature_id":   env.ID,
					"correlation_id": correlationID,
					"error":          err.Error(),
				})
				return nil
			}
			if updated != nil && updated.Status != env.Status {
				changed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{Checked: len(open), Changed: int(changed.Load()), Failed: int(failed.Load())}
	obs.LogEvent("info", "poll sweep finished", map[string]any{
		"correlation_id": correlationID,
		"checked":        res.Checked,
		"changed":        res.Changed,
		"failed":         res.Failed,
	})
	return res, ctx.Err()
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			obs.LogEvent("error", "poll sweep failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
