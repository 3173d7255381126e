// Package ledgertest provides an in-memory domain.LedgerClient that executes
// marketplace, token, collection, access-control and seed-registry calls
// with the same on-chain checks a deployed contract would apply. Blocks are
// produced explicitly with Mine or on a timer with AutoMine.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dushaobindoudou/bubble-sub000/internal/contracts"
	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

var _ domain.LedgerClient = (*Ledger)(nil)

type allowanceKey struct{ token, owner, spender common.Address }
type balanceKey struct{ token, owner common.Address }
type assetKey struct {
	collection common.Address
	id         string
}
type operatorKey struct{ collection, owner, operator common.Address }
type roleKey struct {
	contract common.Address
	role     [32]byte
	account  common.Address
}
type roleAdminKey struct {
	contract common.Address
	role     [32]byte
}

type tx struct {
	handle   domain.Handle
	call     domain.Call
	revert   string
	mined    bool
	block    uint64
	receipt  *domain.Receipt
	accepted time.Time
}

// Ledger is a deterministic fake chain acting on behalf of a single sender.
type Ledger struct {
	mu sync.Mutex

	sender common.Address
	now    func() time.Time

	head    uint64
	seq     int
	pending []*tx
	txs     map[domain.Handle]*tx

	allowances  map[allowanceKey]*big.Int
	balances    map[balanceKey]*big.Int
	owners      map[assetKey]common.Address
	operators   map[operatorKey]bool
	roles       map[roleKey]bool
	roleAdmins  map[roleAdminKey][32]byte
	seeds       map[common.Address][32]byte
	seedRoles   map[common.Address][32]byte
	listings    map[uint64]*domain.Listing
	statusCodes map[uint64]uint8
	nextListing uint64

	submitErrs  []error
	ambiguous   int
	revertNext  []string
	hideConfs   bool
	noop        map[string]bool
	readFails   map[string]int
	submissions []domain.Call
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger's notion of block time.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty ledger whose calls are sent from sender.
func New(sender string, opts ...Option) *Ledger {
	l := &Ledger{
		sender:      common.HexToAddress(sender),
		now:         time.Now,
		txs:         make(map[domain.Handle]*tx),
		allowances:  make(map[allowanceKey]*big.Int),
		balances:    make(map[balanceKey]*big.Int),
		owners:      make(map[assetKey]common.Address),
		operators:   make(map[operatorKey]bool),
		roles:       make(map[roleKey]bool),
		roleAdmins:  make(map[roleAdminKey][32]byte),
		seeds:       make(map[common.Address][32]byte),
		seedRoles:   make(map[common.Address][32]byte),
		listings:    make(map[uint64]*domain.Listing),
		statusCodes: make(map[uint64]uint8),
		nextListing: 1,
		noop:        make(map[string]bool),
		readFails:   make(map[string]int),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Sender is the address every submitted call is attributed to.
func (l *Ledger) Sender() string { return l.sender.Hex() }

// ---------------------------------------------------------------------------
// Fixture setup
// ---------------------------------------------------------------------------

func addr(s string) common.Address { return common.HexToAddress(s) }

func (l *Ledger) SetBalance(token, owner string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[balanceKey{addr(token), addr(owner)}] = new(big.Int).Set(amount)
}

func (l *Ledger) BalanceOf(token, owner string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(addr(token), addr(owner))
}

func (l *Ledger) SetAllowance(token, owner, spender string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{addr(token), addr(owner), addr(spender)}] = new(big.Int).Set(amount)
}

func (l *Ledger) AllowanceOf(token, owner, spender string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowance(addr(token), addr(owner), addr(spender))
}

func (l *Ledger) SetOwner(collection string, assetID *big.Int, owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owners[assetKey{addr(collection), assetID.String()}] = addr(owner)
}

func (l *Ledger) SetApprovalForAll(collection, owner, operator string, approved bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.operators[operatorKey{addr(collection), addr(owner), addr(operator)}] = approved
}

// AddListing stores a listing directly. A zero ID is assigned the next free
// id, which is returned.
func (l *Ledger) AddListing(lst domain.Listing) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lst.ID == 0 {
		lst.ID = l.nextListing
	}
	if lst.ID >= l.nextListing {
		l.nextListing = lst.ID + 1
	}
	if lst.Status == "" {
		lst.Status = domain.ListingStatusActive
	}
	cp := lst
	l.listings[lst.ID] = &cp
	return lst.ID
}

// SetListingStatusCode makes getListing report code as the raw status of
// listing id, whatever its stored status.
func (l *Ledger) SetListingStatusCode(id uint64, code uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statusCodes[id] = code
}

// ListingByID returns the current on-chain listing.
func (l *Ledger) ListingByID(id uint64) (domain.Listing, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lst, ok := l.listings[id]
	if !ok {
		return domain.Listing{}, false
	}
	return *lst, true
}

func (l *Ledger) GrantRole(contract string, role [32]byte, account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roles[roleKey{addr(contract), role, addr(account)}] = true
}

func (l *Ledger) HasRole(contract string, role [32]byte, account string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roles[roleKey{addr(contract), role, addr(account)}]
}

func (l *Ledger) SetRoleAdmin(contract string, role, admin [32]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roleAdmins[roleAdminKey{addr(contract), role}] = admin
}

func (l *Ledger) SetSeed(contract string, seed [32]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seeds[addr(contract)] = seed
}

func (l *Ledger) SeedOf(contract string) [32]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seeds[addr(contract)]
}

// SetSeedRole makes updateSeed on contract require role.
func (l *Ledger) SetSeedRole(contract string, role [32]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seedRoles[addr(contract)] = role
}

// ---------------------------------------------------------------------------
// Fault injection
// ---------------------------------------------------------------------------

// FailNextSubmit makes the next Submit return err without a handle.
func (l *Ledger) FailNextSubmit(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitErrs = append(l.submitErrs, err)
}

// AmbiguousNextSubmit accepts the next call but reports a network error
// alongside its handle, as when the response to a send is lost.
func (l *Ledger) AmbiguousNextSubmit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ambiguous++
}

// RevertNext makes the next accepted call revert with reason when mined.
func (l *Ledger) RevertNext(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revertNext = append(l.revertNext, reason)
}

// HideConfirmations makes CurrentConfirmations report 0 for every call,
// while receipts stay visible.
func (l *Ledger) HideConfirmations(hide bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hideConfs = hide
}

// NoopMethod makes calls to method succeed without any state effect.
func (l *Ledger) NoopMethod(method string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.noop[method] = true
}

// FailReads makes the next n reads of method fail with a network error.
func (l *Ledger) FailReads(method string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readFails[method] = n
}

// Submissions returns every call accepted or rejected by Submit, in order.
func (l *Ledger) Submissions() []domain.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Call, len(l.submissions))
	copy(out, l.submissions)
	return out
}

// SubmissionsOf counts submissions of method.
func (l *Ledger) SubmissionsOf(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.submissions {
		if c.Method == method {
			n++
		}
	}
	return n
}

// WaitForSubmissions blocks until at least n calls were submitted.
func (l *Ledger) WaitForSubmissions(ctx context.Context, n int) error {
	for {
		l.mu.Lock()
		got := len(l.submissions)
		l.mu.Unlock()
		if got >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ledgertest: %d of %d submissions: %w", got, n, ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

// ---------------------------------------------------------------------------
// Mining
// ---------------------------------------------------------------------------

// Head returns the current block number.
func (l *Ledger) Head() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Mine produces n blocks. Pending calls are included in the first one.
func (l *Ledger) Mine(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.head++
		pending := l.pending
		l.pending = nil
		for _, t := range pending {
			l.execute(t)
		}
	}
}

// AutoMine produces one block every interval until the returned stop func
// is called.
func (l *Ledger) AutoMine(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				l.Mine(1)
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// ---------------------------------------------------------------------------
// domain.LedgerClient
// ---------------------------------------------------------------------------

// Submit queues call for the next block.
func (l *Ledger) Submit(ctx context.Context, call domain.Call) (domain.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.NewError(domain.KindNetwork, "submit", "context done", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.submissions = append(l.submissions, call)

	if len(l.submitErrs) > 0 {
		err := l.submitErrs[0]
		l.submitErrs = l.submitErrs[1:]
		return "", err
	}

	l.seq++
	h := domain.Handle(common.BigToHash(big.NewInt(int64(l.seq))).Hex())
	t := &tx{handle: h, call: call, accepted: l.now()}
	if len(l.revertNext) > 0 {
		t.revert = l.revertNext[0]
		l.revertNext = l.revertNext[1:]
	}
	l.txs[h] = t
	l.pending = append(l.pending, t)

	if l.ambiguous > 0 {
		l.ambiguous--
		return h, domain.NewError(domain.KindNetwork, "submit", "response lost after send", nil)
	}
	return h, nil
}

// Receipt returns (nil, nil) until the call is mined.
func (l *Ledger) Receipt(_ context.Context, h domain.Handle) (*domain.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.txs[h]
	if !ok || !t.mined {
		return nil, nil
	}
	r := *t.receipt
	r.Events = append([]domain.Event(nil), t.receipt.Events...)
	return &r, nil
}

// CurrentConfirmations is head - inclusion block + 1 for mined calls.
func (l *Ledger) CurrentConfirmations(_ context.Context, h domain.Handle) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hideConfs {
		return 0, nil
	}
	t, ok := l.txs[h]
	if !ok || !t.mined {
		return 0, nil
	}
	return int(l.head - t.block + 1), nil
}

// Read answers view calls from current state.
func (l *Ledger) Read(ctx context.Context, q domain.Query) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewError(domain.KindNetwork, "read", "context done", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := l.readFails[q.Method]; n > 0 {
		l.readFails[q.Method] = n - 1
		return nil, domain.NewError(domain.KindNetwork, "read", "connection refused", nil)
	}

	c := addr(q.Contract)
	switch q.Method {
	case "getListing":
		id, err := argUint64(q.Args, 0)
		if err != nil {
			return nil, err
		}
		lst, ok := l.listings[id]
		if !ok {
			return []any{common.Address{}, common.Address{}, new(big.Int), common.Address{}, new(big.Int), uint64(0), uint64(0), uint8(0)}, nil
		}
		code := contracts.ListingStatusCode(lst.Status)
		if raw, ok := l.statusCodes[id]; ok {
			code = raw
		}
		return []any{
			addr(lst.Seller), addr(lst.AssetContract), cloneBig(lst.AssetID), addr(lst.PaymentAsset),
			cloneBig(lst.Price), unix(lst.CreatedAt), unix(lst.ExpiresAt), code,
		}, nil
	case "allowance":
		owner, spender, err := argAddr2(q.Args)
		if err != nil {
			return nil, err
		}
		return []any{l.allowance(c, owner, spender)}, nil
	case "balanceOf":
		owner, err := argAddr(q.Args, 0)
		if err != nil {
			return nil, err
		}
		return []any{l.balance(c, owner)}, nil
	case "ownerOf":
		id, err := argBig(q.Args, 0)
		if err != nil {
			return nil, err
		}
		return []any{l.owners[assetKey{c, id.String()}]}, nil
	case "isApprovedForAll":
		owner, op, err := argAddr2(q.Args)
		if err != nil {
			return nil, err
		}
		return []any{l.operators[operatorKey{c, owner, op}]}, nil
	case "hasRole":
		role, err := argBytes32(q.Args, 0)
		if err != nil {
			return nil, err
		}
		account, err := argAddr(q.Args, 1)
		if err != nil {
			return nil, err
		}
		return []any{l.roles[roleKey{c, role, account}]}, nil
	case "getRoleAdmin":
		role, err := argBytes32(q.Args, 0)
		if err != nil {
			return nil, err
		}
		return []any{l.roleAdmins[roleAdminKey{c, role}]}, nil
	case "seed":
		return []any{l.seeds[c]}, nil
	}
	return nil, fmt.Errorf("ledgertest: unknown view %s.%s", q.Interface, q.Method)
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

var errRevert = errors.New("revert")

type revertError struct{ reason string }

func (e *revertError) Error() string { return e.reason }
func (e *revertError) Is(target error) bool { return target == errRevert }

func revert(reason string) error { return &revertError{reason} }

// execute runs t against state at the current head. Caller holds mu.
func (l *Ledger) execute(t *tx) {
	t.mined = true
	t.block = l.head
	r := &domain.Receipt{Handle: t.handle, BlockNumber: l.head, GasUsed: 21000}
	t.receipt = r

	var (
		events []domain.Event
		err    error
	)
	switch {
	case t.revert != "":
		err = revert(t.revert)
	case l.noop[t.call.Method]:
	default:
		events, err = l.apply(t.call)
	}

	var re *revertError
	if errors.As(err, &re) {
		r.Status = domain.ReceiptFailed
		r.RevertReason = re.reason
		return
	}
	if err != nil {
		r.Status = domain.ReceiptFailed
		r.RevertReason = err.Error()
		return
	}
	r.Status = domain.ReceiptSuccess
	r.Events = events
}

func (l *Ledger) apply(call domain.Call) ([]domain.Event, error) {
	c := addr(call.Contract)
	switch call.Method {
	case "approve":
		spender, err := argAddr(call.Args, 0)
		if err != nil {
			return nil, err
		}
		amount, err := argBig(call.Args, 1)
		if err != nil {
			return nil, err
		}
		l.allowances[allowanceKey{c, l.sender, spender}] = amount
		return []domain.Event{{Contract: call.Contract, Name: "Approval", Fields: map[string]any{
			"owner": l.sender, "spender": spender, "value": cloneBig(amount),
		}}}, nil

	case "buy":
		id, err := argUint64(call.Args, 0)
		if err != nil {
			return nil, err
		}
		lst, ok := l.listings[id]
		if !ok {
			return nil, revert("listing does not exist")
		}
		if lst.Status != domain.ListingStatusActive {
			return nil, revert("listing not active")
		}
		if lst.Expired(l.now()) {
			return nil, revert("listing expired")
		}
		if lst.IsSeller(l.sender.Hex()) {
			return nil, revert("seller cannot buy own listing")
		}
		token := addr(lst.PaymentAsset)
		allowed := l.allowance(token, l.sender, c)
		if allowed.Cmp(lst.Price) < 0 {
			return nil, revert("ERC20: insufficient allowance")
		}
		bal := l.balance(token, l.sender)
		if bal.Cmp(lst.Price) < 0 {
			return nil, revert("ERC20: transfer amount exceeds balance")
		}
		seller := addr(lst.Seller)
		l.allowances[allowanceKey{token, l.sender, c}] = new(big.Int).Sub(allowed, lst.Price)
		l.balances[balanceKey{token, l.sender}] = new(big.Int).Sub(bal, lst.Price)
		l.balances[balanceKey{token, seller}] = new(big.Int).Add(l.balance(token, seller), lst.Price)
		if lst.AssetID != nil {
			l.owners[assetKey{addr(lst.AssetContract), lst.AssetID.String()}] = l.sender
		}
		lst.Status = domain.ListingStatusSold
		return []domain.Event{{Contract: call.Contract, Name: "Sold", Fields: map[string]any{
			"listingId": new(big.Int).SetUint64(id), "buyer": l.sender, "price": cloneBig(lst.Price),
		}}}, nil

	case "list":
		if len(call.Args) < 5 {
			return nil, fmt.Errorf("list: expected 5 args, got %d", len(call.Args))
		}
		collection, err := argAddr(call.Args, 0)
		if err != nil {
			return nil, err
		}
		assetID, err := argBig(call.Args, 1)
		if err != nil {
			return nil, err
		}
		payment, err := argAddr(call.Args, 2)
		if err != nil {
			return nil, err
		}
		price, err := argBig(call.Args, 3)
		if err != nil {
			return nil, err
		}
		duration, err := argUint64(call.Args, 4)
		if err != nil {
			return nil, err
		}
		if price.Sign() <= 0 {
			return nil, revert("price must be positive")
		}
		if l.owners[assetKey{collection, assetID.String()}] != l.sender {
			return nil, revert("caller is not owner")
		}
		if !l.operators[operatorKey{collection, l.sender, c}] {
			return nil, revert("marketplace not approved")
		}
		now := l.now().UTC().Truncate(time.Second)
		id := l.nextListing
		l.nextListing++
		lst := &domain.Listing{
			ID:            id,
			Seller:        l.sender.Hex(),
			AssetContract: collection.Hex(),
			AssetID:       assetID,
			PaymentAsset:  payment.Hex(),
			Price:         price,
			CreatedAt:     now,
			ExpiresAt:     now.Add(time.Duration(duration) * time.Second),
			Status:        domain.ListingStatusActive,
		}
		l.listings[id] = lst
		return []domain.Event{{Contract: call.Contract, Name: "Listed", Fields: map[string]any{
			"listingId":     new(big.Int).SetUint64(id),
			"seller":        l.sender,
			"assetContract": collection,
			"assetId":       cloneBig(assetID),
			"price":         cloneBig(price),
			"expiresAt":     unix(lst.ExpiresAt),
		}}}, nil

	case "cancel":
		id, err := argUint64(call.Args, 0)
		if err != nil {
			return nil, err
		}
		lst, ok := l.listings[id]
		if !ok {
			return nil, revert("listing does not exist")
		}
		if lst.Status != domain.ListingStatusActive {
			return nil, revert("listing not active")
		}
		if !lst.IsSeller(l.sender.Hex()) {
			return nil, revert("caller is not seller")
		}
		lst.Status = domain.ListingStatusCancelled
		return []domain.Event{{Contract: call.Contract, Name: "Cancelled", Fields: map[string]any{
			"listingId": new(big.Int).SetUint64(id),
		}}}, nil

	case "grantRole":
		role, err := argBytes32(call.Args, 0)
		if err != nil {
			return nil, err
		}
		account, err := argAddr(call.Args, 1)
		if err != nil {
			return nil, err
		}
		admin := l.roleAdmins[roleAdminKey{c, role}]
		if !l.roles[roleKey{c, admin, l.sender}] {
			return nil, revert("AccessControl: sender is missing admin role")
		}
		l.roles[roleKey{c, role, account}] = true
		return []domain.Event{{Contract: call.Contract, Name: "RoleGranted", Fields: map[string]any{
			"role": role, "account": account, "sender": l.sender,
		}}}, nil

	case "updateSeed":
		seed, err := argBytes32(call.Args, 0)
		if err != nil {
			return nil, err
		}
		if role, ok := l.seedRoles[c]; ok && !l.roles[roleKey{c, role, l.sender}] {
			return nil, revert("AccessControl: sender is missing seed role")
		}
		l.seeds[c] = seed
		return []domain.Event{{Contract: call.Contract, Name: "SeedUpdated", Fields: map[string]any{
			"seed": seed,
		}}}, nil
	}
	return nil, fmt.Errorf("ledgertest: unknown method %s.%s", call.Interface, call.Method)
}

func (l *Ledger) allowance(token, owner, spender common.Address) *big.Int {
	if v, ok := l.allowances[allowanceKey{token, owner, spender}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (l *Ledger) balance(token, owner common.Address) *big.Int {
	if v, ok := l.balances[balanceKey{token, owner}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}
