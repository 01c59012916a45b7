package chain

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/config/netmode"
	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	neoio "github.com/nspcc-dev/neo-go/pkg/io"
	"github.com/nspcc-dev/neo-go/pkg/smartcontract/callflag"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/vm/emit"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
)

// validUntilBlockOffset gives a submitted transaction roughly one hour of
// 15-second blocks to be included before it expires.
const validUntilBlockOffset = 240

// neoNetworkFee covers the single-signature witness plus a margin; anchor
// transactions are small and uniform so a fixed fee is sufficient.
const neoNetworkFee = 2_000_000

// NeoAdapter anchors hashes on a Neo N3 chain through a registry contract
// exposing anchor(hash) and getAnchor(hash). Transactions are built and
// signed locally with the configured WIF key.
type NeoAdapter struct {
	name     string
	client   *Client
	contract util.Uint160
	account  *wallet.Account
	magic    netmode.Magic
}

// NewNeoAdapter builds an adapter for one Neo chain config entry.
func NewNeoAdapter(cfg AdapterConfig) (*NeoAdapter, error) {
	if cfg.WIF == "" {
		return nil, fmt.Errorf("wif required for neo chain")
	}
	if cfg.NetworkMagic == 0 {
		return nil, fmt.Errorf("network_magic required for neo chain")
	}

	priv, err := keys.NewPrivateKeyFromWIF(cfg.WIF)
	if err != nil {
		return nil, fmt.Errorf("parse wif: %w", err)
	}

	contract, err := util.Uint160DecodeStringLE(strings.TrimPrefix(cfg.Contract, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse contract hash: %w", err)
	}

	client, err := NewClient(cfg.RPCURL, cfg.timeout())
	if err != nil {
		return nil, err
	}

	return &NeoAdapter{
		name:     cfg.Name,
		client:   client,
		contract: contract,
		account:  wallet.NewAccountFromPrivateKey(priv),
		magic:    netmode.Magic(cfg.NetworkMagic),
	}, nil
}

func (a *NeoAdapter) Name() string { return a.name }

// Anchor builds, signs and relays an anchor(hash) invocation. The block
// number is reported as 0: inclusion is observed later through Verify.
func (a *NeoAdapter) Anchor(ctx context.Context, verificationHash string) (string, uint64, error) {
	hashBytes, err := hex.DecodeString(strings.TrimPrefix(verificationHash, "0x"))
	if err != nil {
		return "", 0, fmt.Errorf("invalid verification hash: %w", err)
	}

	w := neoio.NewBufBinWriter()
	emit.AppCall(w.BinWriter, a.contract, "anchor", callflag.All, hashBytes)
	if w.Err != nil {
		return "", 0, fmt.Errorf("build invocation script: %w", w.Err)
	}
	script := w.Bytes()

	sysFee, err := a.testInvoke(ctx, script)
	if err != nil {
		return "", 0, err
	}

	height, err := a.blockCount(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("get block count: %w", err)
	}

	tx := transaction.New(script, sysFee)
	tx.Nonce = rand.Uint32()
	tx.ValidUntilBlock = uint32(height) + validUntilBlockOffset
	tx.NetworkFee = neoNetworkFee
	tx.Signers = []transaction.Signer{{
		Account: a.account.ScriptHash(),
		Scopes:  transaction.CalledByEntry,
	}}

	if err := a.account.SignTx(a.magic, tx); err != nil {
		return "", 0, fmt.Errorf("sign transaction: %w", err)
	}

	raw := base64.StdEncoding.EncodeToString(tx.Bytes())
	if _, err := a.client.Call(ctx, "sendrawtransaction", []interface{}{raw}); err != nil {
		return "", 0, fmt.Errorf("relay transaction: %w", err)
	}

	return tx.Hash().StringLE(), 0, nil
}

// Verify invokes getAnchor(hash) read-only; the contract returns the block
// index the hash was anchored at, or zero when unknown.
func (a *NeoAdapter) Verify(ctx context.Context, verificationHash string) (bool, uint64, error) {
	hashBytes, err := hex.DecodeString(strings.TrimPrefix(verificationHash, "0x"))
	if err != nil {
		return false, 0, fmt.Errorf("invalid verification hash: %w", err)
	}

	params := []interface{}{
		"0x" + a.contract.StringLE(),
		"getAnchor",
		[]contractParam{{Type: "ByteArray", Value: base64.StdEncoding.EncodeToString(hashBytes)}},
	}
	result, err := a.client.Call(ctx, "invokefunction", params)
	if err != nil {
		return false, 0, fmt.Errorf("invoke getAnchor: %w", err)
	}

	var invoke invokeResult
	if err := json.Unmarshal(result, &invoke); err != nil {
		return false, 0, fmt.Errorf("unmarshal invoke result: %w", err)
	}
	if invoke.State != "HALT" {
		return false, 0, fmt.Errorf("getAnchor faulted: %s", invoke.Exception)
	}
	if len(invoke.Stack) == 0 {
		return false, 0, fmt.Errorf("empty result stack")
	}

	blockNumber, err := invoke.Stack[0].integer()
	if err != nil {
		return false, 0, fmt.Errorf("parse getAnchor result: %w", err)
	}
	return blockNumber > 0, blockNumber, nil
}

// testInvoke dry-runs the script and returns the system fee it consumed.
func (a *NeoAdapter) testInvoke(ctx context.Context, script []byte) (int64, error) {
	params := []interface{}{
		base64.StdEncoding.EncodeToString(script),
		[]rpcSigner{{Account: a.account.Address, Scopes: "CalledByEntry"}},
	}
	result, err := a.client.Call(ctx, "invokescript", params)
	if err != nil {
		return 0, fmt.Errorf("test invoke: %w", err)
	}

	var invoke invokeResult
	if err := json.Unmarshal(result, &invoke); err != nil {
		return 0, fmt.Errorf("unmarshal invoke result: %w", err)
	}
	if invoke.State != "HALT" {
		return 0, fmt.Errorf("anchor invocation faulted: %s", invoke.Exception)
	}

	fee, err := strconv.ParseInt(invoke.GasConsumed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse gasconsumed: %w", err)
	}
	return fee, nil
}

func (a *NeoAdapter) blockCount(ctx context.Context) (uint64, error) {
	result, err := a.client.Call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}
	var count uint64
	if err := json.Unmarshal(result, &count); err != nil {
		return 0, err
	}
	return count, nil
}

type contractParam struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type rpcSigner struct {
	Account string `json:"account"`
	Scopes  string `json:"scopes"`
}

type invokeResult struct {
	Script      string      `json:"script"`
	State       string      `json:"state"`
	GasConsumed string      `json:"gasconsumed"`
	Exception   string      `json:"exception,omitempty"`
	Stack       []stackItem `json:"stack"`
}

type stackItem struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// integer decodes an Integer stack item; the Neo RPC encodes those as
// JSON strings.
func (s stackItem) integer() (uint64, error) {
	if s.Type != "Integer" {
		return 0, fmt.Errorf("unexpected stack item type %s", s.Type)
	}
	var v string
	if err := json.Unmarshal(s.Value, &v); err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}
