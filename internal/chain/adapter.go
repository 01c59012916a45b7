package chain

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

// Adapter is a single blockchain's anchoring client. Implementations are
// safe for concurrent use.
type Adapter interface {
	// Name returns the configured chain name (e.g. "ethereum", "neo").
	Name() string

	// Anchor records the verification hash on the chain and returns the
	// transaction hash and, when already known, the inclusion block.
	// A zero block number means the transaction is still pending.
	Anchor(ctx context.Context, verificationHash string) (txHash string, blockNumber uint64, err error)

	// Verify checks whether the hash has been anchored on the chain.
	Verify(ctx context.Context, verificationHash string) (anchored bool, blockNumber uint64, err error)
}

// AdapterConfig is one chain entry in the chains config file.
type AdapterConfig struct {
	Name           string `yaml:"name"`
	Type           string `yaml:"type"` // "evm" or "neo"
	RPCURL         string `yaml:"rpc_url"`
	Contract       string `yaml:"contract"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`

	// EVM: node-managed account the anchor transactions are sent from.
	FromAddress string `yaml:"from_address"`

	// Neo: signing key (WIF) and network magic for transaction signing.
	WIF          string `yaml:"wif"`
	NetworkMagic uint32 `yaml:"network_magic"`
}

type chainsFile struct {
	Chains []AdapterConfig `yaml:"chains"`
}

func (c AdapterConfig) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoadAdapters reads the chains config file and constructs an adapter per
// usable entry. A missing file yields no adapters. Entries missing their
// endpoint, contract or signing identity are skipped with a warning, not
// treated as fatal: a chain that cannot be reached is simply not anchored to.
func LoadAdapters(path string, log *logger.Logger) ([]Adapter, error) {
	if log == nil {
		log = logger.NewDefault("chain")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", path).Info("no chains config, anchoring disabled")
			return nil, nil
		}
		return nil, fmt.Errorf("read chains config: %w", err)
	}

	var file chainsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse chains config: %w", err)
	}

	var adapters []Adapter
	for _, cfg := range file.Chains {
		adapter, err := NewAdapter(cfg)
		if err != nil {
			log.WithError(err).WithField("chain", cfg.Name).Warn("skipping chain")
			continue
		}
		log.WithField("chain", adapter.Name()).WithField("type", cfg.Type).Info("chain adapter configured")
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

// NewAdapter constructs the adapter for a single config entry.
func NewAdapter(cfg AdapterConfig) (Adapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("chain name required")
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc_url required")
	}
	if cfg.Contract == "" {
		return nil, fmt.Errorf("contract required")
	}

	switch cfg.Type {
	case "evm":
		return NewEVMAdapter(cfg)
	case "neo":
		return NewNeoAdapter(cfg)
	default:
		return nil, fmt.Errorf("unknown chain type %q", cfg.Type)
	}
}
