package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/crypto/sha3"
)

// EVMAdapter anchors hashes on an Ethereum-compatible chain through a
// registry contract exposing anchor(bytes32) and getAnchor(bytes32).
// Write transactions are submitted from the node-managed from_address,
// so the node (or its signer sidecar) holds the key, not this process.
type EVMAdapter struct {
	name        string
	client      *Client
	contract    string
	fromAddress string
}

var (
	anchorSelector    = methodSelector("anchor(bytes32)")
	getAnchorSelector = methodSelector("getAnchor(bytes32)")
)

// NewEVMAdapter builds an adapter for one EVM chain config entry.
func NewEVMAdapter(cfg AdapterConfig) (*EVMAdapter, error) {
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("from_address required for evm chain")
	}

	client, err := NewClient(cfg.RPCURL, cfg.timeout())
	if err != nil {
		return nil, err
	}

	return &EVMAdapter{
		name:        cfg.Name,
		client:      client,
		contract:    cfg.Contract,
		fromAddress: cfg.FromAddress,
	}, nil
}

func (a *EVMAdapter) Name() string { return a.name }

// Anchor submits anchor(hash) and reports the transaction hash. The
// inclusion block is read from the receipt when the transaction has
// already been mined; a pending transaction reports block 0.
func (a *EVMAdapter) Anchor(ctx context.Context, verificationHash string) (string, uint64, error) {
	word, err := hashWord(verificationHash)
	if err != nil {
		return "", 0, err
	}

	tx := map[string]interface{}{
		"from": a.fromAddress,
		"to":   a.contract,
		"data": "0x" + hex.EncodeToString(anchorSelector) + hex.EncodeToString(word),
	}
	result, err := a.client.Call(ctx, "eth_sendTransaction", []interface{}{tx})
	if err != nil {
		return "", 0, fmt.Errorf("send anchor tx: %w", err)
	}

	txHash := gjson.ParseBytes(result).String()
	if txHash == "" {
		return "", 0, fmt.Errorf("empty transaction hash in response")
	}

	blockNumber, _ := a.receiptBlock(ctx, txHash)
	return txHash, blockNumber, nil
}

// Verify calls getAnchor(hash); the contract returns the block the hash
// was anchored at, or zero when unknown.
func (a *EVMAdapter) Verify(ctx context.Context, verificationHash string) (bool, uint64, error) {
	word, err := hashWord(verificationHash)
	if err != nil {
		return false, 0, err
	}

	call := map[string]interface{}{
		"to":   a.contract,
		"data": "0x" + hex.EncodeToString(getAnchorSelector) + hex.EncodeToString(word),
	}
	result, err := a.client.Call(ctx, "eth_call", []interface{}{call, "latest"})
	if err != nil {
		return false, 0, fmt.Errorf("call getAnchor: %w", err)
	}

	blockNumber, err := parseHexQuantity(gjson.ParseBytes(result).String())
	if err != nil {
		return false, 0, fmt.Errorf("parse getAnchor result: %w", err)
	}
	return blockNumber > 0, blockNumber, nil
}

// receiptBlock returns the mined block for a transaction, or 0 while the
// transaction is still pending.
func (a *EVMAdapter) receiptBlock(ctx context.Context, txHash string) (uint64, error) {
	result, err := a.client.Call(ctx, "eth_getTransactionReceipt", []interface{}{txHash})
	if err != nil {
		return 0, err
	}

	receipt := gjson.ParseBytes(result)
	if !receipt.Exists() || receipt.Type == gjson.Null {
		return 0, nil
	}
	return parseHexQuantity(receipt.Get("blockNumber").String())
}

// methodSelector returns the 4-byte Keccak selector for a Solidity
// function signature.
func methodSelector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// hashWord converts a hex verification hash into the 32-byte word the
// contract expects.
func hashWord(verificationHash string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(verificationHash, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid verification hash: %w", err)
	}
	if len(raw) > 32 {
		return nil, fmt.Errorf("verification hash longer than 32 bytes")
	}
	word := make([]byte, 32)
	copy(word[32-len(raw):], raw)
	return word, nil
}

// parseHexQuantity parses an 0x-prefixed hex quantity, tolerating the
// zero-padded 32-byte words returned by eth_call.
func parseHexQuantity(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, nil
	}
	if len(s) > 16 {
		s = strings.TrimLeft(s, "0")
		if s == "" {
			return 0, nil
		}
		if len(s) > 16 {
			return 0, fmt.Errorf("quantity overflows uint64")
		}
	}
	return strconv.ParseUint(s, 16, 64)
}
