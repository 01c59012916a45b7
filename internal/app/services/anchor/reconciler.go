package anchor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ProofMesh-Network/proof_layer/internal/app/storage"
	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

// reconcileBatch caps how many partially anchored records one sweep
// re-checks.
const reconcileBatch = 50

// reconcileMinAge leaves fresh records alone; a chain that just rejected an
// anchor is unlikely to accept it seconds later.
const reconcileMinAge = 10 * time.Minute

// Reconciler periodically re-verifies partially anchored records. Chains
// recover, transactions confirm late: a record written during an outage can
// become fully anchored without any new write from us once the pending
// transactions land.
type Reconciler struct {
	orchestrator *Orchestrator
	store        storage.AnchorStore
	schedule     string
	minAge       time.Duration
	cron         *cron.Cron
	log          *logger.Logger
}

// NewReconciler creates a reconciler with the given cron schedule
// (standard 5-field syntax). An empty schedule defaults to every 15
// minutes.
func NewReconciler(orchestrator *Orchestrator, store storage.AnchorStore, schedule string, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("anchor-reconciler")
	}
	if schedule == "" {
		schedule = "*/15 * * * *"
	}
	return &Reconciler{
		orchestrator: orchestrator,
		store:        store,
		schedule:     schedule,
		minAge:       reconcileMinAge,
		log:          log,
	}
}

func (r *Reconciler) Name() string { return "anchor-reconciler" }

// Start schedules the reconcile sweep.
func (r *Reconciler) Start(ctx context.Context) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		r.sweep(ctx)
	}); err != nil {
		return err
	}
	r.cron.Start()
	r.log.WithField("schedule", r.schedule).Info("anchor reconciler started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// sweep re-verifies each partially anchored record and persists any
// progress.
func (r *Reconciler) sweep(ctx context.Context) {
	records, err := r.store.ListPartiallyAnchored(ctx, time.Now().Add(-r.minAge), reconcileBatch)
	if err != nil {
		r.log.WithError(err).Error("list partially anchored records")
		return
	}
	if len(records) == 0 {
		return
	}
	r.log.WithField("records", len(records)).Info("reconciling partial anchors")

	for _, rec := range records {
		results := r.orchestrator.VerifyAllAnchors(ctx, rec.VerificationHash)

		changed := false
		for name, result := range results {
			prev, known := rec.Results[name]
			if result.Anchored && (!known || !prev.Anchored) {
				if known && prev.TxHash != "" && result.TxHash == "" {
					result.TxHash = prev.TxHash
				}
				rec.Results[name] = result
				changed = true
			}
		}
		if !changed {
			continue
		}

		rec.Recount()
		if _, err := r.store.SaveAnchorRecord(ctx, rec); err != nil {
			r.log.WithError(err).WithField("hash", rec.VerificationHash).Error("save reconciled record")
			continue
		}
		r.log.WithField("hash", rec.VerificationHash).
			WithField("anchored", rec.AnchoredCount).
			WithField("chains", rec.ChainCount).
			Info("anchor record reconciled")
	}
}
