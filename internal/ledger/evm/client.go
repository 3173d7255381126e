// Package evm implements domain.LedgerClient against an EVM JSON-RPC node.
// Calls are ABI-encoded from the contracts package, signed locally with the
// account key or handed to the node's wallet (eth_sendTransaction), and
// every RPC passes through a circuit breaker.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sony/gobreaker"

	"github.com/dushaobindoudou/bubble-sub000/internal/contracts"
	"github.com/dushaobindoudou/bubble-sub000/internal/crypto"
	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

var _ domain.LedgerClient = (*Client)(nil)

// SignerMode selects who signs transactions.
type SignerMode string

const (
	// SignerLocal signs with the configured private key.
	SignerLocal SignerMode = "local"
	// SignerRemote asks the node's wallet to sign and may be rejected by
	// the account holder.
	SignerRemote SignerMode = "remote"
)

// Config configures a Client.
type Config struct {
	RPCURL  string
	ChainID int64
	Mode    SignerMode
	// From is the account address used in remote mode. In local mode it
	// is derived from the signer.
	From string
	// GasBufferPercent is added on top of the node's gas estimate.
	GasBufferPercent uint64
	// CallTimeout bounds each read RPC. Zero leaves reads bounded only by
	// the caller's context.
	CallTimeout time.Duration
	Breaker     BreakerSettings
}

// BreakerSettings configures the RPC circuit breaker.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

const defaultGasBuffer = 20

// backend is the subset of *ethclient.Client the Client uses.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// rpcCaller issues raw JSON-RPC calls (eth_sendTransaction in remote mode).
type rpcCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// Client is a domain.LedgerClient backed by an EVM node.
type Client struct {
	eth     backend
	raw     rpcCaller
	closer  func()
	mode    SignerMode
	signer  *crypto.Signer
	from    common.Address
	chainID *big.Int
	gasBuf  uint64
	timeout time.Duration
	abis    map[string]abi.ABI
	events  map[common.Hash]abi.Event
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	nonceMu sync.Mutex
	nonce   *uint64
}

// Dial connects to cfg.RPCURL and checks the node serves cfg.ChainID.
// signer is required in local mode and ignored in remote mode.
func Dial(ctx context.Context, cfg Config, signer *crypto.Signer, logger *slog.Logger) (*Client, error) {
	rc, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.RPCURL, err)
	}
	eth := ethclient.NewClient(rc)

	got, err := eth.ChainID(ctx)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("evm: chain id: %w", err)
	}
	if cfg.ChainID != 0 && got.Int64() != cfg.ChainID {
		rc.Close()
		return nil, fmt.Errorf("evm: node serves chain %d, configured %d", got.Int64(), cfg.ChainID)
	}
	cfg.ChainID = got.Int64()

	c, err := newClient(eth, rc, cfg, signer, logger)
	if err != nil {
		rc.Close()
		return nil, err
	}
	c.closer = rc.Close
	return c, nil
}

func newClient(eth backend, raw rpcCaller, cfg Config, signer *crypto.Signer, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abis, err := contracts.ABIs()
	if err != nil {
		return nil, err
	}

	c := &Client{
		eth:     eth,
		raw:     raw,
		mode:    cfg.Mode,
		signer:  signer,
		chainID: big.NewInt(cfg.ChainID),
		gasBuf:  cfg.GasBufferPercent,
		timeout: cfg.CallTimeout,
		abis:    abis,
		events:  indexEvents(abis),
		logger:  logger.With(slog.String("component", "evm")),
	}
	if c.gasBuf == 0 {
		c.gasBuf = defaultGasBuffer
	}

	switch cfg.Mode {
	case SignerLocal, "":
		if signer == nil {
			return nil, errors.New("evm: local signer mode requires a private key")
		}
		c.mode = SignerLocal
		c.from = common.HexToAddress(signer.Address())
		c.chainID = signer.ChainID()
	case SignerRemote:
		if !common.IsHexAddress(cfg.From) {
			return nil, fmt.Errorf("evm: remote signer mode requires a from address, got %q", cfg.From)
		}
		c.from = common.HexToAddress(cfg.From)
	default:
		return nil, fmt.Errorf("evm: unknown signer mode %q", cfg.Mode)
	}

	c.breaker = newBreaker(cfg.Breaker, c.logger)
	return c, nil
}

// Account returns the address calls are sent from.
func (c *Client) Account() string { return c.from.Hex() }

// Close releases the RPC connection.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Submit encodes, signs and broadcasts call. It returns the transaction
// hash as the handle. A transport failure after signing returns the handle
// together with a network error: the transaction may have reached the node.
func (c *Client) Submit(ctx context.Context, call domain.Call) (domain.Handle, error) {
	op := "submit " + call.Method
	data, err := c.pack(call.Interface, call.Method, call.Args...)
	if err != nil {
		return "", err
	}
	to := common.HexToAddress(call.Contract)
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}

	gas, err := call1(c, ctx, op, func(ctx context.Context) (uint64, error) {
		return c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data, Value: value})
	})
	if err != nil {
		return "", err
	}
	gas += gas * c.gasBuf / 100

	if c.mode == SignerRemote {
		return c.sendRemote(ctx, op, to, data, value, gas)
	}
	return c.sendLocal(ctx, op, to, data, value, gas)
}

func (c *Client) sendLocal(ctx context.Context, op string, to common.Address, data []byte, value *big.Int, gas uint64) (domain.Handle, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	if c.nonce == nil {
		n, err := call1(c, ctx, op, func(ctx context.Context) (uint64, error) {
			return c.eth.PendingNonceAt(ctx, c.from)
		})
		if err != nil {
			return "", err
		}
		c.nonce = &n
	}

	tip, err := call1(c, ctx, op, c.eth.SuggestGasTipCap)
	if err != nil {
		return "", err
	}
	head, err := call1(c, ctx, op, func(ctx context.Context) (*types.Header, error) {
		return c.eth.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return "", err
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx, err := c.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     *c.nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}))
	if err != nil {
		return "", fmt.Errorf("evm: %s: %w", op, err)
	}
	h := domain.Handle(tx.Hash().Hex())

	_, err = send1(c, ctx, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.eth.SendTransaction(ctx, tx)
	})
	if err != nil {
		// The next submission re-reads the pending nonce, which tells us
		// whether this one landed.
		c.nonce = nil
		if domain.IsNetwork(err) && !isServerError(err) {
			return h, err
		}
		return "", err
	}
	*c.nonce++
	return h, nil
}

func (c *Client) sendRemote(ctx context.Context, op string, to common.Address, data []byte, value *big.Int, gas uint64) (domain.Handle, error) {
	args := map[string]any{
		"from":  c.from,
		"to":    to,
		"data":  hexutil.Bytes(data),
		"value": (*hexutil.Big)(value),
		"gas":   hexutil.Uint64(gas),
	}
	hash, err := send1(c, ctx, op, func(ctx context.Context) (common.Hash, error) {
		var h common.Hash
		err := c.raw.CallContext(ctx, &h, "eth_sendTransaction", args)
		return h, err
	})
	if err != nil {
		return "", err
	}
	return domain.Handle(hash.Hex()), nil
}

// Receipt returns the receipt for h, or (nil, nil) while it is not mined.
// For failed transactions the call is replayed at its block to recover the
// revert reason.
func (c *Client) Receipt(ctx context.Context, h domain.Handle) (*domain.Receipt, error) {
	hash := common.HexToHash(string(h))
	rcpt, err := call1(c, ctx, "receipt", func(ctx context.Context) (*types.Receipt, error) {
		return c.eth.TransactionReceipt(ctx, hash)
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := &domain.Receipt{
		Handle:      h,
		Status:      domain.ReceiptSuccess,
		BlockNumber: rcpt.BlockNumber.Uint64(),
		GasUsed:     rcpt.GasUsed,
		Events:      c.decodeLogs(rcpt.Logs),
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		out.Status = domain.ReceiptFailed
		out.RevertReason = c.replayRevert(ctx, hash, rcpt.BlockNumber)
	}
	return out, nil
}

func (c *Client) replayRevert(ctx context.Context, hash common.Hash, block *big.Int) string {
	tx, err := call1(c, ctx, "replay", func(ctx context.Context) (*types.Transaction, error) {
		tx, _, err := c.eth.TransactionByHash(ctx, hash)
		return tx, err
	})
	if err != nil {
		c.logger.WarnContext(ctx, "revert replay: fetch tx failed", slog.String("handle", hash.Hex()), slog.String("error", err.Error()))
		return ""
	}
	_, err = c.eth.CallContract(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    tx.To(),
		Data:  tx.Data(),
		Value: tx.Value(),
		Gas:   tx.Gas(),
	}, block)
	if err == nil {
		return ""
	}
	if reason, ok := revertReason(err); ok {
		return reason
	}
	return err.Error()
}

// Read performs an eth_call against the latest block and returns the
// decoded outputs.
func (c *Client) Read(ctx context.Context, q domain.Query) ([]any, error) {
	data, err := c.pack(q.Interface, q.Method, q.Args...)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(q.Contract)
	op := "read " + q.Method
	raw, err := call1(c, ctx, op, func(ctx context.Context) ([]byte, error) {
		return c.eth.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	})
	if err != nil {
		return nil, err
	}
	out, err := c.abis[q.Interface].Unpack(q.Method, raw)
	if err != nil {
		return nil, fmt.Errorf("evm: %s: unpack: %w", op, err)
	}
	return out, nil
}

// CurrentConfirmations is head - inclusion block + 1, or 0 when h is not
// mined.
func (c *Client) CurrentConfirmations(ctx context.Context, h domain.Handle) (int, error) {
	hash := common.HexToHash(string(h))
	rcpt, err := call1(c, ctx, "confirmations", func(ctx context.Context) (*types.Receipt, error) {
		return c.eth.TransactionReceipt(ctx, hash)
	})
	if errors.Is(err, ethereum.NotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	head, err := call1(c, ctx, "confirmations", c.eth.BlockNumber)
	if err != nil {
		return 0, err
	}
	included := rcpt.BlockNumber.Uint64()
	if head < included {
		return 0, nil
	}
	return int(head-included) + 1, nil
}

func (c *Client) pack(iface, method string, args ...any) ([]byte, error) {
	a, ok := c.abis[iface]
	if !ok {
		return nil, fmt.Errorf("evm: unknown contract interface %q", iface)
	}
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s.%s: %w", iface, method, err)
	}
	return data, nil
}
