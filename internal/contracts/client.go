package contracts

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
	"github.com/dushaobindoudou/bubble-sub000/internal/retry"
)

// Addresses holds the deployed contract addresses the flows talk to.
type Addresses struct {
	Marketplace   string
	PaymentToken  string
	Collection    string
	AccessControl string
	SeedRegistry  string
}

// Client wraps a domain.LedgerClient with typed contract reads and call
// builders. Reads are retried with the configured policy; Submit is not.
type Client struct {
	ledger domain.LedgerClient
	addrs  Addresses
	policy retry.Policy
	logger *slog.Logger
}

// NewClient creates a Client over ledger.
func NewClient(ledger domain.LedgerClient, addrs Addresses, policy retry.Policy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		ledger: ledger,
		addrs:  addrs,
		policy: policy,
		logger: logger.With(slog.String("component", "contracts")),
	}
}

// Ledger exposes the underlying ledger client.
func (c *Client) Ledger() domain.LedgerClient { return c.ledger }

// Addresses returns the configured contract addresses.
func (c *Client) Addresses() Addresses { return c.addrs }

func (c *Client) read(ctx context.Context, q domain.Query) ([]any, error) {
	out, err := retry.Read(ctx, c.policy, func(ctx context.Context) ([]any, error) {
		return c.ledger.Read(ctx, q)
	})
	if err != nil {
		return nil, fmt.Errorf("contracts: read %s.%s: %w", q.Interface, q.Method, err)
	}
	return out, nil
}

func (c *Client) readOne(ctx context.Context, q domain.Query) (any, error) {
	out, err := c.read(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("contracts: read %s.%s: empty result", q.Interface, q.Method)
	}
	return out[0], nil
}

// Listing reads a listing from the marketplace. A listing whose seller is the
// zero address does not exist.
func (c *Client) Listing(ctx context.Context, id uint64) (domain.Listing, error) {
	out, err := c.read(ctx, domain.Query{
		Interface: Marketplace,
		Contract:  c.addrs.Marketplace,
		Method:    "getListing",
		Args:      []any{new(big.Int).SetUint64(id)},
	})
	if err != nil {
		return domain.Listing{}, err
	}
	if len(out) < 8 {
		return domain.Listing{}, fmt.Errorf("contracts: getListing: expected 8 outputs, got %d", len(out))
	}

	seller, err := asAddress(out[0])
	if err != nil {
		return domain.Listing{}, fmt.Errorf("contracts: getListing seller: %w", err)
	}
	if seller == (common.Address{}) {
		return domain.Listing{}, fmt.Errorf("contracts: listing %d: %w", id, domain.ErrNotFound)
	}
	assetContract, err := asAddress(out[1])
	if err != nil {
		return domain.Listing{}, fmt.Errorf("contracts: getListing assetContract: %w", err)
	}
	assetID, err := asBig(out[2])
	if err != nil {
		return domain.Listing{}, fmt.Errorf("contracts: getListing assetId: %w", err)
	}
	payment, err := asAddress(out[3])
	if err != nil {
		return domain.Listing{}, fmt.Errorf("contracts: getListing paymentAsset: %w", err)
	}
	price, err := asBig(out[4])
	if err != nil {
		return domain.Listing{}, fmt.Errorf("contracts: getListing price: %w", err)
	}
	created, err := asUint64(out[5])
	if err != nil {
		return domain.Listing{}, fmt.Errorf("contracts: getListing createdAt: %w", err)
	}
	expires, err := asUint64(out[6])
	if err != nil {
		return domain.Listing{}, fmt.Errorf("contracts: getListing expiresAt: %w", err)
	}
	code, err := asUint64(out[7])
	if err != nil {
		return domain.Listing{}, fmt.Errorf("contracts: getListing status: %w", err)
	}
	status, err := ListingStatusFromCode(code)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("contracts: listing %d: %w", id, err)
	}

	return domain.Listing{
		ID:            id,
		Seller:        seller.Hex(),
		AssetContract: assetContract.Hex(),
		AssetID:       assetID,
		PaymentAsset:  payment.Hex(),
		Price:         price,
		CreatedAt:     unixTime(created),
		ExpiresAt:     unixTime(expires),
		Status:        status,
	}, nil
}

// Allowance reads how much of owner's asset spender may move.
func (c *Client) Allowance(ctx context.Context, asset, owner, spender string) (domain.AllowanceState, error) {
	v, err := c.readOne(ctx, domain.Query{
		Interface: ERC20,
		Contract:  asset,
		Method:    "allowance",
		Args:      []any{common.HexToAddress(owner), common.HexToAddress(spender)},
	})
	if err != nil {
		return domain.AllowanceState{}, err
	}
	amt, err := asBig(v)
	if err != nil {
		return domain.AllowanceState{}, fmt.Errorf("contracts: allowance: %w", err)
	}
	return domain.AllowanceState{Owner: owner, Spender: spender, Asset: asset, Amount: amt}, nil
}

// Balance reads owner's balance of asset.
func (c *Client) Balance(ctx context.Context, asset, owner string) (*big.Int, error) {
	v, err := c.readOne(ctx, domain.Query{
		Interface: ERC20,
		Contract:  asset,
		Method:    "balanceOf",
		Args:      []any{common.HexToAddress(owner)},
	})
	if err != nil {
		return nil, err
	}
	bal, err := asBig(v)
	if err != nil {
		return nil, fmt.Errorf("contracts: balanceOf: %w", err)
	}
	return bal, nil
}

// IsApprovedForAll reports whether operator may transfer every asset owner
// holds in collection.
func (c *Client) IsApprovedForAll(ctx context.Context, collection, owner, operator string) (bool, error) {
	v, err := c.readOne(ctx, domain.Query{
		Interface: ERC721,
		Contract:  collection,
		Method:    "isApprovedForAll",
		Args:      []any{common.HexToAddress(owner), common.HexToAddress(operator)},
	})
	if err != nil {
		return false, err
	}
	return asBool(v)
}

// OwnerOf reads the holder of assetID in collection.
func (c *Client) OwnerOf(ctx context.Context, collection string, assetID *big.Int) (string, error) {
	v, err := c.readOne(ctx, domain.Query{
		Interface: ERC721,
		Contract:  collection,
		Method:    "ownerOf",
		Args:      []any{assetID},
	})
	if err != nil {
		return "", err
	}
	addr, err := asAddress(v)
	if err != nil {
		return "", fmt.Errorf("contracts: ownerOf: %w", err)
	}
	return addr.Hex(), nil
}

// RoleAdmin reads the role that administers role.
func (c *Client) RoleAdmin(ctx context.Context, contract string, role [32]byte) ([32]byte, error) {
	v, err := c.readOne(ctx, domain.Query{
		Interface: AccessControl,
		Contract:  contract,
		Method:    "getRoleAdmin",
		Args:      []any{role},
	})
	if err != nil {
		return [32]byte{}, err
	}
	return asBytes32(v)
}

// HasRole reports whether account holds role on contract.
func (c *Client) HasRole(ctx context.Context, contract string, role [32]byte, account string) (bool, error) {
	v, err := c.readOne(ctx, domain.Query{
		Interface: AccessControl,
		Contract:  contract,
		Method:    "hasRole",
		Args:      []any{role, common.HexToAddress(account)},
	})
	if err != nil {
		return false, err
	}
	return asBool(v)
}

// Seed reads the registry's current seed.
func (c *Client) Seed(ctx context.Context, contract string) ([32]byte, error) {
	v, err := c.readOne(ctx, domain.Query{
		Interface: SeedRegistry,
		Contract:  contract,
		Method:    "seed",
	})
	if err != nil {
		return [32]byte{}, err
	}
	return asBytes32(v)
}

// Receipt looks up a receipt. Receipt lookups are reads and are retried.
func (c *Client) Receipt(ctx context.Context, h domain.Handle) (*domain.Receipt, error) {
	r, err := retry.Read(ctx, c.policy, func(ctx context.Context) (*domain.Receipt, error) {
		return c.ledger.Receipt(ctx, h)
	})
	if err != nil {
		return nil, fmt.Errorf("contracts: receipt %s: %w", h, err)
	}
	return r, nil
}

// Submit forwards call to the ledger exactly once.
func (c *Client) Submit(ctx context.Context, call domain.Call) (domain.Handle, error) {
	start := time.Now()
	h, err := c.ledger.Submit(ctx, call)
	c.logger.DebugContext(ctx, "call submitted",
		slog.String("method", call.Method),
		slog.String("contract", call.Contract),
		slog.String("handle", string(h)),
		slog.Duration("took", time.Since(start)),
		slog.Bool("ok", err == nil),
	)
	return h, err
}

// ApproveCall sets spender's allowance over asset to amount.
func (c *Client) ApproveCall(asset, spender string, amount *big.Int) domain.Call {
	return domain.Call{
		Kind:      domain.OpApprove,
		Interface: ERC20,
		Contract:  asset,
		Method:    "approve",
		Args:      []any{common.HexToAddress(spender), new(big.Int).Set(amount)},
	}
}

// BuyCall purchases listing id.
func (c *Client) BuyCall(id uint64) domain.Call {
	return domain.Call{
		Kind:      domain.OpBuy,
		Interface: Marketplace,
		Contract:  c.addrs.Marketplace,
		Method:    "buy",
		Args:      []any{new(big.Int).SetUint64(id)},
	}
}

// ListCall creates a listing of assetID from assetContract.
func (c *Client) ListCall(assetContract string, assetID, price *big.Int, duration time.Duration) domain.Call {
	return domain.Call{
		Kind:      domain.OpList,
		Interface: Marketplace,
		Contract:  c.addrs.Marketplace,
		Method:    "list",
		Args: []any{
			common.HexToAddress(assetContract),
			new(big.Int).Set(assetID),
			common.HexToAddress(c.addrs.PaymentToken),
			new(big.Int).Set(price),
			uint64(duration / time.Second),
		},
	}
}

// CancelCall withdraws listing id.
func (c *Client) CancelCall(id uint64) domain.Call {
	return domain.Call{
		Kind:      domain.OpCancel,
		Interface: Marketplace,
		Contract:  c.addrs.Marketplace,
		Method:    "cancel",
		Args:      []any{new(big.Int).SetUint64(id)},
	}
}

// GrantRoleCall grants role to account on contract.
func (c *Client) GrantRoleCall(contract string, role [32]byte, account string) domain.Call {
	return domain.Call{
		Kind:      domain.OpGrantRole,
		Interface: AccessControl,
		Contract:  contract,
		Method:    "grantRole",
		Args:      []any{role, common.HexToAddress(account)},
	}
}

// UpdateSeedCall replaces the registry's seed.
func (c *Client) UpdateSeedCall(contract string, seed [32]byte) domain.Call {
	return domain.Call{
		Kind:      domain.OpUpdateSeed,
		Interface: SeedRegistry,
		Contract:  contract,
		Method:    "updateSeed",
		Args:      []any{seed},
	}
}

// ListedID extracts the new listing id from a list receipt.
func ListedID(r *domain.Receipt) (uint64, bool) {
	if r == nil {
		return 0, false
	}
	ev, ok := r.Event("Listed")
	if !ok {
		return 0, false
	}
	id, err := asUint64(ev.Fields["listingId"])
	if err != nil {
		return 0, false
	}
	return id, true
}

// ListingStatusFromCode maps the marketplace's status enum. Codes outside
// the enum are an error rather than a guess.
func ListingStatusFromCode(code uint64) (domain.ListingStatus, error) {
	switch code {
	case 0:
		return domain.ListingStatusActive, nil
	case 1:
		return domain.ListingStatusSold, nil
	case 2:
		return domain.ListingStatusCancelled, nil
	default:
		return "", fmt.Errorf("unknown status code %d", code)
	}
}

// ListingStatusCode is the inverse of ListingStatusFromCode.
func ListingStatusCode(s domain.ListingStatus) uint8 {
	switch s {
	case domain.ListingStatusSold:
		return 1
	case domain.ListingStatusCancelled:
		return 2
	default:
		return 0
	}
}

func unixTime(sec uint64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}
