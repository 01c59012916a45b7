package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ProofMesh-Network/proof_layer/internal/app/metrics"
	"github.com/ProofMesh-Network/proof_layer/internal/app/services/anchor"
	"github.com/ProofMesh-Network/proof_layer/internal/app/services/ledger"
	"github.com/ProofMesh-Network/proof_layer/internal/app/services/metering"
	"github.com/ProofMesh-Network/proof_layer/internal/app/services/pricing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/storage"
	"github.com/ProofMesh-Network/proof_layer/internal/app/storage/memory"
	"github.com/ProofMesh-Network/proof_layer/internal/app/system"
	"github.com/ProofMesh-Network/proof_layer/internal/chain"
	"github.com/ProofMesh-Network/proof_layer/internal/notify"
	"github.com/ProofMesh-Network/proof_layer/internal/resilience"
	"github.com/ProofMesh-Network/proof_layer/pkg/cache"
	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Credits storage.CreditStore
	Pricing storage.PricingTierStore
	Anchors storage.AnchorStore
	Usage   storage.UsageStore
}

// Options carries the non-storage dependencies of the application. Zero
// values select sane defaults.
type Options struct {
	Cache             cache.Cache
	Adapters          []chain.Adapter
	Notifier          notify.Notifier
	ReconcileSchedule string
	QueueCapacity     int
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Ledger   *ledger.Service
	Pricing  *pricing.Service
	Anchors  *anchor.Orchestrator
	Pipeline *metering.Pipeline
	Queue    *metering.UsageQueue
	Breakers *resilience.Registry
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Credits == nil {
		stores.Credits = mem
	}
	if stores.Pricing == nil {
		stores.Pricing = mem
	}
	if stores.Anchors == nil {
		stores.Anchors = mem
	}
	if stores.Usage == nil {
		stores.Usage = mem
	}

	manager := system.NewManager()

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(log)
	}

	ledgerService := ledger.New(stores.Credits, opts.Cache, notifier, log)
	pricingService := pricing.New(stores.Pricing, opts.Cache, log)

	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig(), log)
	breakers.OnStateChange(func(name string, state resilience.State) {
		metrics.SetBreakerState(name, int(state))
	})

	chainBreaker := resilience.DefaultBreakerConfig()
	chainBreaker.IsExpectedFailure = func(err error) bool {
		// A bare cancellation came from our side, not the chain's; it must
		// not count toward tripping the breaker.
		return !errors.Is(err, context.Canceled)
	}
	for _, adapter := range opts.Adapters {
		breakers.Configure(adapter.Name(), chainBreaker)
	}

	retrier := resilience.NewRetrier(resilience.DefaultRetryConfig(), log)
	orchestrator := anchor.New(opts.Adapters, breakers, retrier, stores.Anchors, opts.Cache, log)

	queue := metering.NewUsageQueue(stores.Usage, opts.QueueCapacity, log)
	pipeline := metering.NewPipeline(pricingService, ledgerService, queue, log)

	if err := manager.Register(queue); err != nil {
		return nil, fmt.Errorf("register %s: %w", queue.Name(), err)
	}

	if len(opts.Adapters) > 0 {
		reconciler := anchor.NewReconciler(orchestrator, stores.Anchors, opts.ReconcileSchedule, log)
		if err := manager.Register(reconciler); err != nil {
			return nil, fmt.Errorf("register %s: %w", reconciler.Name(), err)
		}
	} else {
		log.Warn("no anchor chains configured; anchoring and reconciliation disabled")
	}

	return &Application{
		manager:  manager,
		log:      log,
		Ledger:   ledgerService,
		Pricing:  pricingService,
		Anchors:  orchestrator,
		Pipeline: pipeline,
		Queue:    queue,
		Breakers: breakers,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
