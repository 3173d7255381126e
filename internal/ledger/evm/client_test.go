package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dushaobindoudou/bubble-sub000/internal/contracts"
	"github.com/dushaobindoudou/bubble-sub000/internal/crypto"
	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

const devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var marketAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type rpcErr struct {
	code int
	msg  string
	data any
}

func (e rpcErr) Error() string  { return e.msg }
func (e rpcErr) ErrorCode() int { return e.code }
func (e rpcErr) ErrorData() any { return e.data }

type fakeBackend struct {
	mu          sync.Mutex
	head        uint64
	nonce       uint64
	nonceReads  int
	estimate    uint64
	estimateErr error
	sendErr     error
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	txs         map[common.Hash]*types.Transaction
	callOut     []byte
	callErr     error
	calls       int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		head:     10,
		nonce:    5,
		estimate: 100_000,
		receipts: make(map[common.Hash]*types.Receipt),
		txs:      make(map[common.Hash]*types.Transaction),
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceReads++
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(100), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.txs[tx.Hash()] = tx
	f.nonce++
	return nil
}

func (f *fakeBackend) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	tx, ok := f.txs[h]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.callOut, f.callErr
}

type fakeRPC struct {
	method string
	args   []any
	hash   common.Hash
	err    error
}

func (f *fakeRPC) CallContext(_ context.Context, result any, method string, args ...any) error {
	f.method = method
	f.args = args
	if f.err != nil {
		return f.err
	}
	*(result.(*common.Hash)) = f.hash
	return nil
}

func localClient(t *testing.T, b *fakeBackend, bs BreakerSettings) *Client {
	t.Helper()
	s, err := crypto.NewSigner(devKey, 31337)
	require.NoError(t, err)
	c, err := newClient(b, nil, Config{Mode: SignerLocal, Breaker: bs}, s, nil)
	require.NoError(t, err)
	return c
}

func buyCall(id int64) domain.Call {
	return domain.Call{
		Kind:      domain.OpBuy,
		Interface: contracts.Marketplace,
		Contract:  marketAddr.Hex(),
		Method:    "buy",
		Args:      []any{big.NewInt(id)},
	}
}

func revertData(t *testing.T, reason string) string {
	t.Helper()
	str, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: str}}.Pack(reason)
	require.NoError(t, err)
	return hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

func TestSubmitLocal_SignsAndTracksNonce(t *testing.T) {
	b := newFakeBackend()
	c := localClient(t, b, BreakerSettings{})
	ctx := context.Background()

	h1, err := c.Submit(ctx, buyCall(1))
	require.NoError(t, err)
	h2, err := c.Submit(ctx, buyCall(2))
	require.NoError(t, err)

	require.Len(t, b.sent, 2)
	assert.Equal(t, domain.Handle(b.sent[0].Hash().Hex()), h1)
	assert.Equal(t, domain.Handle(b.sent[1].Hash().Hex()), h2)
	assert.Equal(t, uint64(5), b.sent[0].Nonce())
	assert.Equal(t, uint64(6), b.sent[1].Nonce())
	assert.Equal(t, 1, b.nonceReads)

	tx := b.sent[0]
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, &marketAddr, tx.To())
	assert.Equal(t, big.NewInt(2_000_000_100), tx.GasFeeCap())

	abis, err := contracts.ABIs()
	require.NoError(t, err)
	want, err := abis[contracts.Marketplace].Pack("buy", big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, want, tx.Data())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	assert.Equal(t, c.Account(), from.Hex())
}

func TestSubmit_EstimateRevertIsReverted(t *testing.T) {
	b := newFakeBackend()
	b.estimateErr = rpcErr{code: 3, msg: "execution reverted: listing sold", data: revertData(t, "listing sold")}
	c := localClient(t, b, BreakerSettings{})

	h, err := c.Submit(context.Background(), buyCall(1))
	require.Error(t, err)
	assert.Empty(t, h)
	assert.ErrorIs(t, err, domain.ErrReverted)

	var fe *domain.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "listing sold", fe.Reason)
	assert.Equal(t, "execution reverted: listing sold", fe.Message)
	assert.Empty(t, b.sent)
}

func TestSubmit_TransportFailureAfterSigningIsAmbiguous(t *testing.T) {
	b := newFakeBackend()
	c := localClient(t, b, BreakerSettings{})
	b.sendErr = errors.New("write tcp: connection reset by peer")

	h, err := c.Submit(context.Background(), buyCall(1))
	require.Error(t, err)
	assert.NotEmpty(t, h)
	assert.True(t, domain.IsNetwork(err))

	b.sendErr = nil
	_, err = c.Submit(context.Background(), buyCall(1))
	require.NoError(t, err)
	assert.Equal(t, 2, b.nonceReads)
}

func TestSubmit_NodeRejectionHasNoHandle(t *testing.T) {
	b := newFakeBackend()
	c := localClient(t, b, BreakerSettings{})
	b.sendErr = rpcErr{code: -32000, msg: "nonce too low"}

	h, err := c.Submit(context.Background(), buyCall(1))
	require.Error(t, err)
	assert.Empty(t, h)
}

func TestSubmitRemote(t *testing.T) {
	from := "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	b := newFakeBackend()
	raw := &fakeRPC{hash: common.HexToHash("0xbeef")}
	c, err := newClient(b, raw, Config{Mode: SignerRemote, From: from, ChainID: 31337}, nil, nil)
	require.NoError(t, err)

	h, err := c.Submit(context.Background(), buyCall(1))
	require.NoError(t, err)
	assert.Equal(t, domain.Handle(common.HexToHash("0xbeef").Hex()), h)
	assert.Equal(t, "eth_sendTransaction", raw.method)
	require.Len(t, raw.args, 1)
	args := raw.args[0].(map[string]any)
	assert.Equal(t, common.HexToAddress(from), args["from"])
	assert.Equal(t, hexutil.Uint64(120_000), args["gas"])

	raw.err = rpcErr{code: 4001, msg: "User denied transaction signature"}
	_, err = c.Submit(context.Background(), buyCall(1))
	assert.ErrorIs(t, err, domain.ErrUserRejected)
}

func TestNewClient_Validates(t *testing.T) {
	_, err := newClient(newFakeBackend(), nil, Config{Mode: SignerLocal}, nil, nil)
	assert.Error(t, err)
	_, err = newClient(newFakeBackend(), nil, Config{Mode: SignerRemote, From: "nope"}, nil, nil)
	assert.Error(t, err)
	_, err = newClient(newFakeBackend(), nil, Config{Mode: "hsm"}, nil, nil)
	assert.Error(t, err)
}

func TestReceipt_DecodesEvents(t *testing.T) {
	b := newFakeBackend()
	c := localClient(t, b, BreakerSettings{})

	abis, err := contracts.ABIs()
	require.NoError(t, err)
	listed := abis[contracts.Marketplace].Events["Listed"]
	seller := common.HexToAddress(c.Account())
	collection := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	data, err := listed.Inputs.NonIndexed().Pack(collection, big.NewInt(42), big.NewInt(500), uint64(1_700_000_000))
	require.NoError(t, err)

	hash := common.HexToHash("0x01")
	b.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(8),
		GasUsed:     90_000,
		Logs: []*types.Log{
			{Address: marketAddr, Topics: []common.Hash{common.HexToHash("0xdead")}},
			{
				Address: marketAddr,
				Topics:  []common.Hash{listed.ID, common.BigToHash(big.NewInt(9)), common.BytesToHash(seller.Bytes())},
				Data:    data,
			},
		},
	}

	r, err := c.Receipt(context.Background(), domain.Handle(hash.Hex()))
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.Succeeded())
	assert.Equal(t, uint64(8), r.BlockNumber)
	require.Len(t, r.Events, 1)

	ev := r.Events[0]
	assert.Equal(t, "Listed", ev.Name)
	assert.Equal(t, marketAddr.Hex(), ev.Contract)
	assert.Equal(t, seller, ev.Fields["seller"])
	assert.Equal(t, collection, ev.Fields["assetContract"])
	assert.Equal(t, 0, big.NewInt(500).Cmp(ev.Fields["price"].(*big.Int)))

	id, ok := contracts.ListedID(r)
	require.True(t, ok)
	assert.Equal(t, uint64(9), id)
}

func TestReceipt_NotMinedIsNil(t *testing.T) {
	c := localClient(t, newFakeBackend(), BreakerSettings{})
	r, err := c.Receipt(context.Background(), domain.Handle(common.HexToHash("0x02").Hex()))
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestReceipt_FailedReplaysRevertReason(t *testing.T) {
	b := newFakeBackend()
	c := localClient(t, b, BreakerSettings{})

	h, err := c.Submit(context.Background(), buyCall(1))
	require.NoError(t, err)
	hash := common.HexToHash(string(h))
	b.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(9)}
	b.callErr = rpcErr{code: 3, msg: "execution reverted", data: revertData(t, "listing expired")}

	r, err := c.Receipt(context.Background(), h)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.False(t, r.Succeeded())
	assert.Equal(t, "listing expired", r.RevertReason)
}

func TestCurrentConfirmations(t *testing.T) {
	b := newFakeBackend()
	c := localClient(t, b, BreakerSettings{})
	hash := common.HexToHash("0x03")
	ctx := context.Background()

	n, err := c.CurrentConfirmations(ctx, domain.Handle(hash.Hex()))
	require.NoError(t, err)
	assert.Zero(t, n)

	b.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(8)}
	n, err = c.CurrentConfirmations(ctx, domain.Handle(hash.Hex()))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRead_Unpacks(t *testing.T) {
	b := newFakeBackend()
	c := localClient(t, b, BreakerSettings{})
	abis, err := contracts.ABIs()
	require.NoError(t, err)
	b.callOut, err = abis[contracts.ERC20].Methods["allowance"].Outputs.Pack(big.NewInt(7))
	require.NoError(t, err)

	out, err := c.Read(context.Background(), domain.Query{
		Interface: contracts.ERC20,
		Contract:  "0x00000000000000000000000000000000000000bb",
		Method:    "allowance",
		Args:      []any{common.HexToAddress(c.Account()), marketAddr},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(7), out[0].(*big.Int).Int64())

	_, err = c.Read(context.Background(), domain.Query{Interface: "nope", Method: "x"})
	assert.Error(t, err)
}

type hungCallBackend struct{ *fakeBackend }

func (hungCallBackend) CallContract(ctx context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRead_BoundedByCallTimeout(t *testing.T) {
	s, err := crypto.NewSigner(devKey, 31337)
	require.NoError(t, err)
	c, err := newClient(hungCallBackend{newFakeBackend()}, nil,
		Config{Mode: SignerLocal, CallTimeout: 50 * time.Millisecond}, s, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Read(context.Background(), domain.Query{Interface: contracts.SeedRegistry, Contract: marketAddr.Hex(), Method: "seed"})
	assert.True(t, domain.IsNetwork(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBreaker_OpensOnTransportFailures(t *testing.T) {
	b := newFakeBackend()
	c := localClient(t, b, BreakerSettings{ConsecutiveFailures: 2})
	b.callErr = errors.New("dial tcp: connection refused")
	q := domain.Query{Interface: contracts.SeedRegistry, Contract: marketAddr.Hex(), Method: "seed"}

	for range 2 {
		_, err := c.Read(context.Background(), q)
		assert.True(t, domain.IsNetwork(err))
	}
	_, err := c.Read(context.Background(), q)
	assert.True(t, domain.IsNetwork(err))
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 2, b.calls)
}

func TestBreaker_IgnoresNodeErrors(t *testing.T) {
	b := newFakeBackend()
	c := localClient(t, b, BreakerSettings{ConsecutiveFailures: 1})
	b.callErr = rpcErr{code: 3, msg: "execution reverted"}
	q := domain.Query{Interface: contracts.SeedRegistry, Contract: marketAddr.Hex(), Method: "seed"}

	for range 3 {
		_, err := c.Read(context.Background(), q)
		assert.ErrorIs(t, err, domain.ErrReverted)
	}
	assert.Equal(t, 3, b.calls)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind domain.ErrorKind
	}{
		{"transport", errors.New("i/o timeout"), domain.KindNetwork},
		{"user rejected code", rpcErr{code: 4001, msg: "nope"}, domain.KindUserRejected},
		{"user denied text", errors.New("MetaMask Tx Signature: User denied transaction signature."), domain.KindUserRejected},
		{"revert code", rpcErr{code: 3, msg: "execution reverted"}, domain.KindReverted},
		{"revert text", errors.New("execution reverted: not seller"), domain.KindReverted},
		{"other node error", rpcErr{code: -32000, msg: "insufficient funds for gas"}, domain.KindNetwork},
		{"not found", ethereum.NotFound, ""},
		{"canceled", context.Canceled, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("op", tt.err)
			assert.Equal(t, tt.kind, domain.KindOf(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}
