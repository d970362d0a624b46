// Package evm implements the blockchain gateway for Ethereum-compatible
// nodes. The driver pays a single consolidated address per transaction, which
// fits currencies whose payouts settle to one destination; wallets fanning
// out to many addresses belong on a coinrpc daemon.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/cascadepool/payoutbot/internal/config"
	"github.com/cascadepool/payoutbot/internal/crypto"
	"github.com/cascadepool/payoutbot/internal/domain"
)

// weiDecimals shifts between wei and whole-coin amounts.
const weiDecimals = 18

// Gateway talks to one Ethereum-compatible node.
type Gateway struct {
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	from       common.Address
	chainID    *big.Int
	gasLimit   uint64
	logger     *slog.Logger
}

// NewGateway dials the node, loads the signing key, and verifies the remote
// chain id matches the configured one.
func NewGateway(ctx context.Context, cfg config.NodeConfig, logger *slog.Logger) (*Gateway, error) {
	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.PrivateKey,
		EncryptedKeyPath: cfg.EncryptedKeyPath,
		KeyPassword:      cfg.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("evm: load key: %w", err)
	}

	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("evm: parse key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.URL, err)
	}

	remoteID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("evm: query chain id: %w", err)
	}
	if remoteID.Int64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("evm: node reports chain id %d, config says %d", remoteID.Int64(), cfg.ChainID)
	}

	return &Gateway{
		client:     client,
		privateKey: pk,
		from:       ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		gasLimit:   cfg.GasLimit,
		logger:     logger.With(slog.String("component", "evm")),
	}, nil
}

// Close releases the underlying RPC connection.
func (g *Gateway) Close() {
	g.client.Close()
}

// Ping checks the node answers.
func (g *Gateway) Ping(ctx context.Context) error {
	if _, err := g.client.BlockNumber(ctx); err != nil {
		return g.wrap("ping", err)
	}
	return nil
}

// Balance returns the signing account's balance in whole coins.
func (g *Gateway) Balance(ctx context.Context) (decimal.Decimal, error) {
	wei, err := g.client.BalanceAt(ctx, g.from, nil)
	if err != nil {
		return decimal.Zero, g.wrap("get balance", err)
	}
	return decimal.NewFromBigInt(wei, -weiDecimals), nil
}

// Send broadcasts a value transfer and returns its hash. Exactly one output
// is accepted; the refusal happens before anything touches the network, so a
// misconfigured batch fails clean.
func (g *Gateway) Send(ctx context.Context, outputs map[string]decimal.Decimal) (string, error) {
	if len(outputs) != 1 {
		return "", fmt.Errorf("evm: driver pays one address per transaction, got %d outputs", len(outputs))
	}

	var addr string
	var amount decimal.Decimal
	for a, v := range outputs {
		addr, amount = a, v
	}
	if err := g.ValidateAddress(addr); err != nil {
		return "", err
	}

	to := common.HexToAddress(addr)
	wei := amount.Shift(weiDecimals).BigInt()

	nonce, err := g.client.PendingNonceAt(ctx, g.from)
	if err != nil {
		return "", g.wrap("pending nonce", err)
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", g.wrap("suggest gas price", err)
	}

	tx := types.NewTransaction(nonce, to, wei, g.gasLimit, gasPrice, nil)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), g.privateKey)
	if err != nil {
		return "", fmt.Errorf("evm: sign transaction: %w", err)
	}

	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("evm: send transaction: %w", err)
	}

	return signed.Hash().Hex(), nil
}

// MaxOutputsPerSend reports that value transfers pay a single address, so
// callers split multi-address batches into one broadcast per output.
func (g *Gateway) MaxOutputsPerSend() int { return 1 }

// Confirmations returns how many blocks deep the transaction is. A mined
// receipt at the head block counts as one; an unmined transaction is zero.
func (g *Gateway) Confirmations(ctx context.Context, txid string) (int64, error) {
	receipt, err := g.client.TransactionReceipt(ctx, common.HexToHash(txid))
	if errors.Is(err, ethereum.NotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, g.wrap("transaction receipt", err)
	}

	head, err := g.client.BlockNumber(ctx)
	if err != nil {
		return 0, g.wrap("block number", err)
	}

	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return 0, nil
	}
	return int64(head-mined) + 1, nil
}

// TransactionFee returns the gas cost of a mined transaction in whole coins.
func (g *Gateway) TransactionFee(ctx context.Context, txid string) (decimal.Decimal, error) {
	receipt, err := g.client.TransactionReceipt(ctx, common.HexToHash(txid))
	if err != nil {
		return decimal.Zero, g.wrap("transaction receipt", err)
	}

	fee := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
	return decimal.NewFromBigInt(fee, -weiDecimals), nil
}

// ValidateAddress reports whether addr is a well-formed hex address.
func (g *Gateway) ValidateAddress(addr string) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("%w: %q is not a hex address", domain.ErrInvalidInput, addr)
	}
	return nil
}

// wrap classifies read-path errors: deadline hits become gateway timeouts,
// everything else is retryable on the next run.
func (g *Gateway) wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.GatewayTimeoutError{Gateway: "evm", Op: op}
	}
	return &domain.TransientError{Op: "evm: " + op, Err: err}
}

var (
	_ domain.NetworkGateway   = (*Gateway)(nil)
	_ domain.BroadcastLimiter = (*Gateway)(nil)
)
