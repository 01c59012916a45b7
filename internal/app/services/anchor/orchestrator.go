// Package anchor fans verification hashes out to the configured chains and
// tracks each hash's per-chain anchoring state.
package anchor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/anchoring"
	"github.com/ProofMesh-Network/proof_layer/internal/app/metrics"
	"github.com/ProofMesh-Network/proof_layer/internal/app/storage"
	"github.com/ProofMesh-Network/proof_layer/internal/chain"
	"github.com/ProofMesh-Network/proof_layer/internal/resilience"
	"github.com/ProofMesh-Network/proof_layer/pkg/cache"
	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

// perChainTimeout bounds each chain's call independently: a hung node must
// not eat into its siblings' time.
const perChainTimeout = 45 * time.Second

// anchorDeadline bounds the whole fan-out plus the record persist. Slightly
// above perChainTimeout so a chain that uses its full budget still gets its
// result written.
const anchorDeadline = perChainTimeout + 15*time.Second

// verifyCacheTTL keeps read-path results fresh enough to observe new
// anchors while absorbing repeated verification polls.
const verifyCacheTTL = 2 * time.Minute

// Orchestrator coordinates anchoring across all configured chain adapters.
// Every chain call goes through that chain's circuit breaker wrapping the
// shared retry policy.
type Orchestrator struct {
	adapters map[string]chain.Adapter
	breakers *resilience.Registry
	retrier  *resilience.Retrier
	store    storage.AnchorStore
	cache    cache.Cache
	log      *logger.Logger
}

// New constructs an orchestrator over the given adapters. cache may be nil.
func New(adapters []chain.Adapter, breakers *resilience.Registry, retrier *resilience.Retrier, store storage.AnchorStore, c cache.Cache, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewDefault("anchor")
	}
	byName := make(map[string]chain.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	return &Orchestrator{
		adapters: byName,
		breakers: breakers,
		retrier:  retrier,
		store:    store,
		cache:    c,
		log:      log,
	}
}

// Chains returns the configured chain names, sorted.
func (o *Orchestrator) Chains() []string {
	names := make([]string, 0, len(o.adapters))
	for name := range o.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AnchorAll anchors the hash on every configured chain concurrently and
// waits for all calls to settle. The returned record has one entry per
// chain; a failed chain carries its error in the entry instead of aborting
// the others. Partial success is a valid terminal state. AnchorAll itself
// errors only on persistence failure or when no chain is configured.
func (o *Orchestrator) AnchorAll(ctx context.Context, verificationHash string) (anchoring.Record, error) {
	if verificationHash == "" {
		return anchoring.Record{}, fmt.Errorf("verification hash is required")
	}
	if len(o.adapters) == 0 {
		return anchoring.Record{}, fmt.Errorf("no chains configured")
	}

	// Once anchoring starts it runs to a terminal state on its own deadline.
	// A caller disconnect must not abort in-flight chain transactions or the
	// record persist, and an aborted call would still feed the breakers.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), anchorDeadline)
	defer cancel()

	results := make(map[string]anchoring.AttemptResult, len(o.adapters))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, adapter := range o.adapters {
		wg.Add(1)
		go func(name string, adapter chain.Adapter) {
			defer wg.Done()
			result := o.anchorOne(ctx, name, adapter, verificationHash)
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, adapter)
	}
	wg.Wait()

	rec := anchoring.Record{
		VerificationHash: verificationHash,
		Results:          results,
	}
	rec.Recount()

	saved, err := o.store.SaveAnchorRecord(ctx, rec)
	if err != nil {
		return anchoring.Record{}, fmt.Errorf("persist anchor record: %w", err)
	}

	o.log.WithField("hash", verificationHash).
		WithField("anchored", saved.AnchoredCount).
		WithField("chains", saved.ChainCount).
		Info("anchoring settled")
	return saved, nil
}

// anchorOne runs a single chain's write path under its own timeout,
// breaker and retry policy. It never returns an error: failures are folded
// into the attempt result.
func (o *Orchestrator) anchorOne(ctx context.Context, name string, adapter chain.Adapter, verificationHash string) anchoring.AttemptResult {
	ctx, cancel := context.WithTimeout(ctx, perChainTimeout)
	defer cancel()

	start := time.Now()
	var txHash string
	var blockNumber uint64
	err := o.breakers.Get(name).Execute(ctx, func(ctx context.Context) error {
		return o.retrier.Do(ctx, "anchor:"+name, func(ctx context.Context) error {
			var err error
			txHash, blockNumber, err = adapter.Anchor(ctx, verificationHash)
			return err
		})
	})
	metrics.RecordAnchorAttempt(name, time.Since(start), err == nil)
	if err != nil {
		o.log.WithError(err).WithField("chain", name).WithField("hash", verificationHash).Warn("anchor failed")
		return anchoring.AttemptResult{Chain: name, Error: err.Error()}
	}

	return anchoring.AttemptResult{
		Chain:       name,
		Anchored:    true,
		TxHash:      txHash,
		BlockNumber: blockNumber,
	}
}

// VerifyAnchor checks one chain's anchor state for the hash. Results are
// cached with a short TTL; a cache hit bypasses the breaker and retry
// layers entirely.
func (o *Orchestrator) VerifyAnchor(ctx context.Context, verificationHash, chainName string) (anchoring.AttemptResult, error) {
	adapter, ok := o.adapters[chainName]
	if !ok {
		return anchoring.AttemptResult{}, fmt.Errorf("unknown chain %q", chainName)
	}

	key := verifyKey(verificationHash, chainName)
	if o.cache != nil {
		var cached anchoring.AttemptResult
		if err := cache.GetJSON(ctx, o.cache, key, &cached); err == nil {
			return cached, nil
		}
	}

	var anchored bool
	var blockNumber uint64
	err := o.breakers.Get(chainName).Execute(ctx, func(ctx context.Context) error {
		return o.retrier.Do(ctx, "verify:"+chainName, func(ctx context.Context) error {
			var err error
			anchored, blockNumber, err = adapter.Verify(ctx, verificationHash)
			return err
		})
	})
	if err != nil {
		return anchoring.AttemptResult{}, err
	}

	result := anchoring.AttemptResult{
		Chain:       chainName,
		Anchored:    anchored,
		BlockNumber: blockNumber,
	}
	if o.cache != nil {
		if err := cache.SetJSON(ctx, o.cache, key, result, verifyCacheTTL); err != nil {
			o.log.WithError(err).WithField("chain", chainName).Warn("cache verify result failed")
		}
	}
	return result, nil
}

// VerifyAllAnchors checks every configured chain concurrently. Like
// AnchorAll, per-chain failures are folded into the result map.
func (o *Orchestrator) VerifyAllAnchors(ctx context.Context, verificationHash string) map[string]anchoring.AttemptResult {
	results := make(map[string]anchoring.AttemptResult, len(o.adapters))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name := range o.adapters {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, perChainTimeout)
			defer cancel()

			result, err := o.VerifyAnchor(ctx, verificationHash, name)
			if err != nil {
				result = anchoring.AttemptResult{Chain: name, Error: err.Error()}
			}
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

// GetRecord returns the persisted anchoring state for a hash.
func (o *Orchestrator) GetRecord(ctx context.Context, verificationHash string) (anchoring.Record, error) {
	return o.store.GetAnchorRecord(ctx, verificationHash)
}

func verifyKey(hash, chainName string) string {
	return "anchor:verify:" + chainName + ":" + hash
}
