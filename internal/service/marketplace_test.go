package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hallgrove/marketd/internal/config"
	"github.com/hallgrove/marketd/internal/domain"
)

// --- in-memory fakes ---

type memListings struct {
	mu    sync.Mutex
	items map[string]domain.Listing

	// casErr, when set, makes the next CompareAndUpdate fail with it after
	// running the transform, simulating a lost race or store outage.
	casErr error
}

func newMemListings() *memListings {
	return &memListings{items: make(map[string]domain.Listing)}
}

func (s *memListings) Get(_ context.Context, uuid string) (domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.items[uuid]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	return l, nil
}

func (s *memListings) CompareAndUpdate(_ context.Context, uuid string, fn domain.ListingTransform) (domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var old *domain.Listing
	if l, ok := s.items[uuid]; ok {
		cp := l
		old = &cp
	}

	next, err := fn(old)
	if err != nil {
		return domain.Listing{}, err
	}
	if s.casErr != nil {
		err := s.casErr
		s.casErr = nil
		return domain.Listing{}, err
	}
	if next == nil {
		if old != nil {
			return *old, nil
		}
		return domain.Listing{}, nil
	}
	s.items[uuid] = *next
	return *next, nil
}

func (s *memListings) List(_ context.Context, filter domain.ListingFilter, opts domain.ListOpts) ([]domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Listing
	for _, l := range s.items {
		if filter.Matches(l) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memListings) CountActiveBySeller(_ context.Context, sellerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.items {
		if l.Active && l.SellerID == sellerID {
			n++
		}
	}
	return n, nil
}

type memJournal struct {
	mu     sync.Mutex
	tokens map[string]domain.TradeToken
}

func newMemJournal() *memJournal {
	return &memJournal{tokens: make(map[string]domain.TradeToken)}
}

func (j *memJournal) Put(_ context.Context, token domain.TradeToken) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if old, ok := j.tokens[token.ID]; ok && old.Status.Terminal() && old.Status != token.Status {
		return domain.ErrStatusRegression
	}
	j.tokens[token.ID] = token
	return nil
}

func (j *memJournal) Get(_ context.Context, id string) (domain.TradeToken, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	t, ok := j.tokens[id]
	if !ok {
		return domain.TradeToken{}, domain.ErrNotFound
	}
	return t, nil
}

func (j *memJournal) ListByStatus(_ context.Context, status domain.TokenStatus) ([]domain.TradeToken, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.TradeToken
	for _, t := range j.tokens {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

type memHistory struct {
	mu   sync.Mutex
	recs map[string]domain.SaleRecord
}

func newMemHistory() *memHistory {
	return &memHistory{recs: make(map[string]domain.SaleRecord)}
}

func (h *memHistory) Append(_ context.Context, rec domain.SaleRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.recs[rec.ID]; ok {
		return nil // idempotent per sale id
	}
	h.recs[rec.ID] = rec
	return nil
}

func (h *memHistory) Get(_ context.Context, id string) (domain.SaleRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.recs[id]
	if !ok {
		return domain.SaleRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (h *memHistory) ListByAsset(_ context.Context, uuid string, _ domain.ListOpts) ([]domain.SaleRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.SaleRecord
	for _, rec := range h.recs {
		if rec.UUID == uuid {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (h *memHistory) ListBefore(_ context.Context, before time.Time) ([]domain.SaleRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.SaleRecord
	for _, rec := range h.recs {
		if rec.Timestamp.Before(before) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (h *memHistory) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n int64
	for id, rec := range h.recs {
		if rec.Timestamp.Before(before) {
			delete(h.recs, id)
			n++
		}
	}
	return n, nil
}

type memLedger struct {
	mu       sync.Mutex
	balances map[string]float64
}

func newMemLedger() *memLedger {
	return &memLedger{balances: make(map[string]float64)}
}

func ledgerKey(actorID, groupID string) string { return actorID + "|" + groupID }

func (l *memLedger) fund(actorID, groupID string, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[ledgerKey(actorID, groupID)] += amount
}

func (l *memLedger) balance(actorID, groupID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[ledgerKey(actorID, groupID)]
}

func (l *memLedger) Purchase(_ context.Context, actorID, groupID string, amount float64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(actorID, groupID)
	if l.balances[key] < amount {
		return false, nil
	}
	l.balances[key] -= amount
	return true, nil
}

func (l *memLedger) Increment(_ context.Context, actorID, groupID string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[ledgerKey(actorID, groupID)] += amount
	return nil
}

func (l *memLedger) CanAfford(_ context.Context, actorID, groupID string, amount float64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[ledgerKey(actorID, groupID)] >= amount, nil
}

type memInventory struct {
	mu    sync.Mutex
	items map[string]domain.AssetInstance
}

func newMemInventory() *memInventory {
	return &memInventory{items: make(map[string]domain.AssetInstance)}
}

func invKey(actorID, groupID, uuid string) string { return actorID + "|" + groupID + "|" + uuid }

func (i *memInventory) Get(_ context.Context, actorID, groupID, uuid string) (domain.AssetInstance, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	inst, ok := i.items[invKey(actorID, groupID, uuid)]
	if !ok {
		return domain.AssetInstance{}, domain.ErrNotFound
	}
	return inst, nil
}

func (i *memInventory) Set(_ context.Context, actorID, groupID string, inst domain.AssetInstance) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.items[invKey(actorID, groupID, inst.UUID)] = inst
	return nil
}

func (i *memInventory) Delete(_ context.Context, actorID, groupID, uuid string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.items, invKey(actorID, groupID, uuid))
	return nil
}

func (i *memInventory) has(actorID, groupID, uuid string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.items[invKey(actorID, groupID, uuid)]
	return ok
}

type memPublisher struct {
	mu     sync.Mutex
	topics []string

	// err, when set, is returned from every Publish so tests can check
	// that a dead notification channel never fails a transaction.
	err error
}

func (p *memPublisher) Publish(_ context.Context, topic string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return p.err
}

func (p *memPublisher) published(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		if t == topic {
			return true
		}
	}
	return false
}

// --- test harness ---

type fixture struct {
	market    *Marketplace
	listings  *memListings
	journal   *memJournal
	history   *memHistory
	ledger    *memLedger
	inventory *memInventory
	publisher *memPublisher
	now       time.Time
}

func testConfig() config.MarketConfig {
	cfg := config.Defaults().Market
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		listings:  newMemListings(),
		journal:   newMemJournal(),
		history:   newMemHistory(),
		ledger:    newMemLedger(),
		inventory: newMemInventory(),
		publisher: &memPublisher{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.market = NewMarketplace(
		f.listings, f.journal, f.history, f.ledger, f.inventory, f.publisher,
		testConfig(), logger,
	)
	f.market.now = func() time.Time { return f.now }

	var seq atomic.Int64
	f.market.newID = func() string {
		return fmt.Sprintf("token-%d", seq.Add(1))
	}
	return f
}

// seedListing creates a funded seller with one owned instance and lists it.
func (f *fixture) seedListing(t *testing.T, uuid string, price float64, typ domain.ListingType) domain.Listing {
	t.Helper()
	f.ledger.fund("seller", "g1", 1000)
	f.inventory.Set(context.Background(), "seller", "g1", domain.AssetInstance{
		UUID:        uuid,
		BaseAssetID: "base-sword",
	})
	l, err := f.market.CreateListing(context.Background(), "seller", "g1", uuid, price, typ, 0)
	if err != nil {
		t.Fatalf("seed listing %s: %v", uuid, err)
	}
	return l
}

// --- CreateListing ---

func TestCreateListingDebitsFeeAndEscrowsInstance(t *testing.T) {
	f := newFixture(t)
	f.ledger.fund("seller", "g1", 100)
	f.inventory.Set(context.Background(), "seller", "g1", domain.AssetInstance{
		UUID:        "a1",
		BaseAssetID: "base-sword",
	})

	l, err := f.market.CreateListing(context.Background(), "seller", "g1", "a1", 1000, domain.ListingBuyout, 0)
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}

	// 5% of 1000 = 50.
	if l.ListingFee != 50 {
		t.Errorf("listing fee = %v, want 50", l.ListingFee)
	}
	if got := f.ledger.balance("seller", "g1"); got != 50 {
		t.Errorf("seller balance = %v, want 50", got)
	}
	if !l.Active {
		t.Error("listing should be active")
	}
	if l.Expires.Sub(l.Created) != testConfig().DefaultListingDuration() {
		t.Errorf("expiry span = %v, want default duration", l.Expires.Sub(l.Created))
	}
	if f.inventory.has("seller", "g1", "a1") {
		t.Error("instance should have moved into listing escrow")
	}
	if l.Instance == nil || l.Instance.BaseAssetID != "base-sword" {
		t.Error("escrow payload missing from listing")
	}
	if !f.publisher.published(EventListingCreated) {
		t.Error("listing_created event not published")
	}
}

func TestCreateListingRejectsUnownedInstance(t *testing.T) {
	f := newFixture(t)
	f.ledger.fund("seller", "g1", 100)

	_, err := f.market.CreateListing(context.Background(), "seller", "g1", "ghost", 100, domain.ListingBuyout, 0)
	if !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("err = %v, want ErrNotEligible", err)
	}
	if got := f.ledger.balance("seller", "g1"); got != 100 {
		t.Errorf("balance = %v, want untouched 100", got)
	}
}

func TestCreateListingRejectsPriceOutOfBounds(t *testing.T) {
	f := newFixture(t)
	for _, price := range []float64{0, 0.5, 2_000_000} {
		_, err := f.market.CreateListing(context.Background(), "seller", "g1", "a1", price, domain.ListingBuyout, 0)
		if !errors.Is(err, domain.ErrInvalidPrice) {
			t.Errorf("price %v: err = %v, want ErrInvalidPrice", price, err)
		}
	}
}

func TestCreateListingRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.market.CreateListing(context.Background(), "seller", "g1", "a1", 100, domain.ListingType("raffle"), 0)
	if !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("err = %v, want ErrNotEligible", err)
	}
}

func TestCreateListingRefundsFeeWhenAlreadyListed(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "a1", 100, domain.ListingBuyout)

	before := f.ledger.balance("seller", "g1")
	// The instance is back in a second-seller inventory to get past the
	// ownership check; a racing duplicate listing would look like this.
	f.ledger.fund("rival", "g1", 100)
	f.inventory.Set(context.Background(), "rival", "g1", domain.AssetInstance{UUID: "a1", BaseAssetID: "base-sword"})

	_, err := f.market.CreateListing(context.Background(), "rival", "g1", "a1", 100, domain.ListingBuyout, 0)
	if !errors.Is(err, domain.ErrListingExists) {
		t.Fatalf("err = %v, want ErrListingExists", err)
	}
	if got := f.ledger.balance("rival", "g1"); got != 100 {
		t.Errorf("rival balance = %v, want fee refunded to 100", got)
	}
	if got := f.ledger.balance("seller", "g1"); got != before {
		t.Errorf("original seller balance moved: %v", got)
	}
}

func TestCreateListingRefundsFeeOnLostRace(t *testing.T) {
	f := newFixture(t)
	f.ledger.fund("seller", "g1", 100)
	f.inventory.Set(context.Background(), "seller", "g1", domain.AssetInstance{UUID: "a1", BaseAssetID: "base-sword"})
	f.listings.casErr = domain.ErrLostRace

	_, err := f.market.CreateListing(context.Background(), "seller", "g1", "a1", 1000, domain.ListingBuyout, 0)
	if !errors.Is(err, domain.ErrLostRace) {
		t.Fatalf("err = %v, want ErrLostRace", err)
	}
	if got := f.ledger.balance("seller", "g1"); got != 100 {
		t.Errorf("balance = %v, want fee refunded to 100", got)
	}
	if f.inventory.has("seller", "g1", "a1") == false {
		t.Error("instance must stay in inventory when the listing did not commit")
	}
}

func TestCreateListingRejectsInsufficientFee(t *testing.T) {
	f := newFixture(t)
	f.ledger.fund("seller", "g1", 10)
	f.inventory.Set(context.Background(), "seller", "g1", domain.AssetInstance{UUID: "a1", BaseAssetID: "base-sword"})

	_, err := f.market.CreateListing(context.Background(), "seller", "g1", "a1", 1000, domain.ListingBuyout, 0)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if got := f.ledger.balance("seller", "g1"); got != 10 {
		t.Errorf("balance = %v, want untouched 10", got)
	}
}

func TestCreateListingEnforcesPerSellerCap(t *testing.T) {
	f := newFixture(t)
	f.ledger.fund("seller", "g1", 100000)
	max := testConfig().MaxListingsPerSeller
	for i := 0; i < max; i++ {
		uuid := fmt.Sprintf("a%d", i)
		f.inventory.Set(context.Background(), "seller", "g1", domain.AssetInstance{UUID: uuid, BaseAssetID: "base"})
		if _, err := f.market.CreateListing(context.Background(), "seller", "g1", uuid, 100, domain.ListingBuyout, 0); err != nil {
			t.Fatalf("listing %d: %v", i, err)
		}
	}

	f.inventory.Set(context.Background(), "seller", "g1", domain.AssetInstance{UUID: "over", BaseAssetID: "base"})
	_, err := f.market.CreateListing(context.Background(), "seller", "g1", "over", 100, domain.ListingBuyout, 0)
	if !errors.Is(err, domain.ErrListingLimit) {
		t.Fatalf("err = %v, want ErrListingLimit", err)
	}
}

func TestCreateListingRejectedWhenDisabled(t *testing.T) {
	f := newFixture(t)
	f.market.SetEnabled(false)

	_, err := f.market.CreateListing(context.Background(), "seller", "g1", "a1", 100, domain.ListingBuyout, 0)
	if !errors.Is(err, domain.ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestClampDuration(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()

	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, cfg.DefaultListingDuration()},
		{time.Minute, cfg.MinListingDuration()},
		{30 * 24 * time.Hour, cfg.MaxListingDuration()},
		{6 * time.Hour, 6 * time.Hour},
	}
	for _, tc := range cases {
		if got := f.market.clampDuration(tc.in); got != tc.want {
			t.Errorf("clampDuration(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// --- CancelListing ---

func TestCancelListingRefundsHalfFeeAndReturnsInstance(t *testing.T) {
	f := newFixture(t)
	l := f.seedListing(t, "a1", 1000, domain.ListingBuyout)
	before := f.ledger.balance("seller", "g1")

	cancelled, err := f.market.CancelListing(context.Background(), "seller", "g1", "a1")
	if err != nil {
		t.Fatalf("CancelListing: %v", err)
	}
	if cancelled.Active {
		t.Error("cancelled listing should be inactive")
	}
	if got := f.ledger.balance("seller", "g1"); got != before+l.ListingFee/2 {
		t.Errorf("balance = %v, want %v (half-fee refund)", got, before+l.ListingFee/2)
	}
	if !f.inventory.has("seller", "g1", "a1") {
		t.Error("instance should be back in the seller inventory")
	}
	if !f.publisher.published(EventListingCancelled) {
		t.Error("listing_cancelled event not published")
	}
}

func TestCancelListingSecondAttemptFails(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "a1", 1000, domain.ListingBuyout)

	if _, err := f.market.CancelListing(context.Background(), "seller", "g1", "a1"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	balanceAfterFirst := f.ledger.balance("seller", "g1")

	_, err := f.market.CancelListing(context.Background(), "seller", "g1", "a1")
	if !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("second cancel err = %v, want ErrNotEligible", err)
	}
	if got := f.ledger.balance("seller", "g1"); got != balanceAfterFirst {
		t.Errorf("second cancel moved money: %v != %v", got, balanceAfterFirst)
	}
}

func TestCancelListingRejectsNonOwner(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "a1", 1000, domain.ListingBuyout)

	_, err := f.market.CancelListing(context.Background(), "mallory", "g1", "a1")
	if !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("err = %v, want ErrNotEligible", err)
	}
}

func TestCancelListingRejectedWithLiveBid(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "a1", 100, domain.ListingAuction)
	f.ledger.fund("bidder", "g1", 500)
	if _, err := f.market.PlaceBid(context.Background(), "bidder", "g1", "a1", 150); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}

	_, err := f.market.CancelListing(context.Background(), "seller", "g1", "a1")
	if !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("err = %v, want ErrNotEligible once a bid is live", err)
	}
}

// --- fee math ---

func TestFeeForRoundsUpToCents(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		price float64
		want  float64
	}{
		{1000, 50},
		{1, 0.05},
		{99.99, 5},    // 4.9995 rounds up to 5.00
		{0.01, 0.01},  // 0.0005 rounds up to a cent
	}
	for _, tc := range cases {
		if got := f.market.FeeFor(tc.price); got != tc.want {
			t.Errorf("FeeFor(%v) = %v, want %v", tc.price, got, tc.want)
		}
	}
}
