package contracts_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dushaobindoudou/bubble-sub000/internal/contracts"
	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
	"github.com/dushaobindoudou/bubble-sub000/internal/ledger/ledgertest"
	"github.com/dushaobindoudou/bubble-sub000/internal/retry"
)

const (
	buyer       = "0x1111111111111111111111111111111111111111"
	seller      = "0x2222222222222222222222222222222222222222"
	marketplace = "0x3333333333333333333333333333333333333333"
	token       = "0x4444444444444444444444444444444444444444"
	collection  = "0x5555555555555555555555555555555555555555"
)

func newClient(l *ledgertest.Ledger) *contracts.Client {
	return contracts.NewClient(l, contracts.Addresses{
		Marketplace:  marketplace,
		PaymentToken: token,
		Collection:   collection,
	}, retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)
}

func TestABIsParse(t *testing.T) {
	abis, err := contracts.ABIs()
	require.NoError(t, err)
	for _, name := range []string{contracts.ERC20, contracts.ERC721, contracts.Marketplace, contracts.AccessControl, contracts.SeedRegistry} {
		assert.Contains(t, abis, name)
	}
	_, ok := abis[contracts.Marketplace].Events["Listed"]
	assert.True(t, ok)
}

func TestListing_DecodesLedgerState(t *testing.T) {
	l := ledgertest.New(buyer)
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	id := l.AddListing(domain.Listing{
		Seller:        seller,
		AssetContract: collection,
		AssetID:       big.NewInt(9),
		PaymentAsset:  token,
		Price:         big.NewInt(500),
		ExpiresAt:     expires,
	})

	got, err := newClient(l).Listing(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.True(t, domain.SameAddress(seller, got.Seller))
	assert.Equal(t, 0, got.Price.Cmp(big.NewInt(500)))
	assert.Equal(t, domain.ListingStatusActive, got.Status)
	assert.True(t, expires.Equal(got.ExpiresAt))
}

func TestListing_UnknownStatusCodeIsAnError(t *testing.T) {
	l := ledgertest.New(buyer)
	id := l.AddListing(domain.Listing{Seller: seller, AssetID: big.NewInt(1), Price: big.NewInt(1)})
	l.SetListingStatusCode(id, 7)

	_, err := newClient(l).Listing(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status code 7")
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestListingStatusFromCode(t *testing.T) {
	for code, want := range map[uint64]domain.ListingStatus{
		0: domain.ListingStatusActive,
		1: domain.ListingStatusSold,
		2: domain.ListingStatusCancelled,
	} {
		got, err := contracts.ListingStatusFromCode(code)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, uint8(code), contracts.ListingStatusCode(want))
	}
	_, err := contracts.ListingStatusFromCode(3)
	assert.Error(t, err)
	_, err = contracts.ListingStatusFromCode(256)
	assert.Error(t, err)
}

func TestListing_MissingIsNotFound(t *testing.T) {
	_, err := newClient(ledgertest.New(buyer)).Listing(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReads_RetryTransientFailures(t *testing.T) {
	l := ledgertest.New(buyer)
	l.SetBalance(token, buyer, big.NewInt(77))
	l.FailReads("balanceOf", 2)

	bal, err := newClient(l).Balance(context.Background(), token, buyer)
	require.NoError(t, err)
	assert.Equal(t, int64(77), bal.Int64())
}

func TestSubmit_IsNotRetried(t *testing.T) {
	l := ledgertest.New(buyer)
	l.FailNextSubmit(domain.NewError(domain.KindNetwork, "submit", "connection reset", nil))
	c := newClient(l)

	_, err := c.Submit(context.Background(), c.BuyCall(1))
	require.Error(t, err)
	assert.Equal(t, 1, l.SubmissionsOf("buy"))
}

func TestListedID_FromReceipt(t *testing.T) {
	r := &domain.Receipt{Events: []domain.Event{{Name: "Listed", Fields: map[string]any{"listingId": big.NewInt(12)}}}}
	id, ok := contracts.ListedID(r)
	require.True(t, ok)
	assert.Equal(t, uint64(12), id)

	_, ok = contracts.ListedID(&domain.Receipt{})
	assert.False(t, ok)
}

func TestRoleID(t *testing.T) {
	assert.Equal(t, [32]byte{}, contracts.RoleID(contracts.DefaultAdminRole))
	assert.NotEqual(t, [32]byte{}, contracts.RoleID("MINTER_ROLE"))
	assert.Equal(t, contracts.RoleID("MINTER_ROLE"), contracts.RoleID("MINTER_ROLE"))

	literal := "0x" + common.Bytes2Hex(common.LeftPadBytes([]byte{7}, 32))
	id := contracts.RoleID(literal)
	assert.Equal(t, byte(7), id[31])
}

func TestParseSeed(t *testing.T) {
	_, err := contracts.ParseSeed("0x1234")
	assert.Error(t, err)

	s, err := contracts.ParseSeed("0x" + common.Bytes2Hex(make([]byte, 32)))
	require.NoError(t, err)
	assert.Equal(t, [32]byte{}, s)
}
