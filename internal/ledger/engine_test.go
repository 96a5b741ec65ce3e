package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/activity"
	"github.com/takarun/takaledger/internal/chain"
	"github.com/takarun/takaledger/internal/domain"
	"github.com/takarun/takaledger/internal/mirror"
	"github.com/takarun/takaledger/internal/nonce"
	"github.com/takarun/takaledger/internal/store/memory"
	"github.com/takarun/takaledger/internal/wallet"
)

type fakeChain struct {
	mu        sync.Mutex
	nextID    uint64
	calls     map[string]int
	transfers []decimal.Decimal
}

func (f *fakeChain) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeChain) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeChain) CreateMarket(context.Context, uint64, string, string, time.Time) (string, uint64, error) {
	f.record("createMarket")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return "0xcreate", f.nextID, nil
}

func (f *fakeChain) ResolveMarket(context.Context, uint64, uint64, bool) (string, error) {
	f.record("resolveMarket")
	return "0xresolve", nil
}

func (f *fakeChain) CancelMarket(context.Context, uint64, uint64) (string, error) {
	f.record("cancelMarket")
	return "0xcancel", nil
}

func (f *fakeChain) Transfer(_ context.Context, _ uint64, _ string, amount decimal.Decimal) (string, error) {
	f.record("transfer")
	f.mu.Lock()
	f.transfers = append(f.transfers, amount)
	f.mu.Unlock()
	return "0xtransfer", nil
}

func (f *fakeChain) PlaceBet(context.Context, chain.TxSigner, uint64, bool, decimal.Decimal) (string, error) {
	f.record("placeBet")
	return "0xbet", nil
}

func (f *fakeChain) ClaimWinnings(context.Context, chain.TxSigner, uint64) (string, error) {
	f.record("claimWinnings")
	return "0xclaim", nil
}

func (f *fakeChain) Refund(context.Context, chain.TxSigner, uint64) (string, error) {
	f.record("refund")
	return "0xrefund", nil
}

func (f *fakeChain) LookupTx(context.Context, string) (domain.TxReceipt, error) {
	return domain.TxReceipt{}, nil
}

type zeroNonce struct{}

func (zeroNonce) TreasuryPendingNonce(context.Context) (uint64, error) { return 0, nil }

type keys map[string]string

func (k keys) Get(_ context.Context, name string) (string, error) { return k[name], nil }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	store  *memory.Store
	chain  *fakeChain
	tracks *memory.Tracks
	clock  *clock
	e      *Engine
}

var admin = domain.Identity{UID: "admin", Admin: true}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	fc := &fakeChain{calls: map[string]int{}}
	tracks := memory.NewTracks()
	clk := &clock{t: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)}

	wallets := wallet.NewManager(store,
		keys{"k": "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"}, "k", log)
	nopts := nonce.DefaultOptions()
	nopts.PollInterval = time.Millisecond

	opts := DefaultOptions()
	opts.WelcomeBonus = decimal.NewFromInt(100)
	if mutate != nil {
		mutate(&opts)
	}

	m := mirror.New(mirror.Deps{
		Ledger:  store,
		Jobs:    store,
		Chain:   fc,
		Signers: wallets,
		Nonces:  nonce.NewCoordinator(store, zeroNonce{}, nopts, log),
		Locks:   memory.NewLocks(),
		Audit:   store,
	}, mirror.Options{MaxRetries: 3, WelcomeBonus: opts.WelcomeBonus}, log)

	e := New(Deps{
		Store:   store,
		Jobs:    store,
		Mirror:  m,
		Wallets: wallets,
		Tracks:  tracks,
		Audit:   store,
	}, opts, log)
	e.now = clk.now

	return &fixture{store: store, chain: fc, tracks: tracks, clock: clk, e: e}
}

func (f *fixture) user(t *testing.T, uid string) domain.Identity {
	t.Helper()
	id := domain.Identity{UID: uid}
	if _, err := f.e.ProvisionAccount(context.Background(), id, Profile{}); err != nil {
		t.Fatalf("provision %s: %v", uid, err)
	}
	f.e.Wait()
	return id
}

func (f *fixture) market(t *testing.T) string {
	t.Helper()
	mkt, err := f.e.CreateMarket(context.Background(), admin, CreateMarketInput{
		Title:       "Sub-20 5k",
		Description: "Will anyone run 5 km under 20 minutes this week?",
		Category:    "running",
		Deadline:    f.clock.t.Add(7 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	f.e.Wait()
	return mkt.ID
}

func (f *fixture) bet(t *testing.T, id domain.Identity, marketID string, side domain.Side, amount int64) domain.Bet {
	t.Helper()
	b, err := f.e.PlaceBet(context.Background(), id, PlaceBetInput{MarketID: marketID, Side: side, Amount: decimal.NewFromInt(amount)})
	if err != nil {
		t.Fatalf("bet: %v", err)
	}
	f.e.Wait()
	return b
}

func (f *fixture) balance(t *testing.T, uid string) decimal.Decimal {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), uid)
	if err != nil {
		t.Fatalf("account %s: %v", uid, err)
	}
	return a.Balance
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPayout(t *testing.T) {
	fee := dec("0.02")
	tests := []struct {
		name                  string
		amount, winning, pool string
		want                  string
	}{
		{"sole winner", "100", "100", "150", "147"},
		{"share of pool", "60", "100", "150", "88.2"},
		{"empty winning pool", "10", "0", "50", "0"},
		{"repeating quotient", "1", "3", "4", "1.306666666666666667"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Payout(dec(tt.amount), dec(tt.winning), dec(tt.pool), fee)
			if !got.Equal(dec(tt.want)) {
				t.Errorf("Payout = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCreateMarket_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	future := f.clock.t.Add(time.Hour)
	valid := CreateMarketInput{Title: "t", Description: "d", Category: "c", Deadline: future}

	tests := []struct {
		name string
		id   domain.Identity
		in   CreateMarketInput
		code domain.Code
	}{
		{"anonymous", domain.Identity{}, valid, domain.CodeUnauthenticated},
		{"not admin", domain.Identity{UID: "u1"}, valid, domain.CodePermissionDenied},
		{"missing title", admin, CreateMarketInput{Description: "d", Category: "c", Deadline: future}, domain.CodeInvalidArgument},
		{"past deadline", admin, CreateMarketInput{Title: "t", Description: "d", Category: "c", Deadline: f.clock.t.Add(-time.Hour)}, domain.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.e.CreateMarket(ctx, tt.id, tt.in)
			if got := domain.CodeOf(err); got != tt.code {
				t.Errorf("code = %q (%v), want %q", got, err, tt.code)
			}
		})
	}
}

func TestCreateMarket_MirrorsOnChain(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t)

	mkt, _ := f.store.GetMarket(context.Background(), id)
	if mkt.Status != domain.MarketStatusOpen || !mkt.TotalVolume.IsZero() {
		t.Fatalf("market = %+v", mkt)
	}
	if mkt.ChainMirrorState != domain.MirrorConfirmed || mkt.OnChainID == nil {
		t.Errorf("market not mirrored: state=%s onChainId=%v", mkt.ChainMirrorState, mkt.OnChainID)
	}
}

func TestCreateMarketGroup_CreatesLinkedMarkets(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	week := f.clock.t.Add(7 * 24 * time.Hour)

	group, err := f.e.CreateMarketGroup(ctx, admin, CreateMarketGroupInput{
		GroupTitle:  "Weekly distance leader",
		Description: "Who logs the most kilometres this week?",
		Category:    "running",
		Markets: []GroupOutcome{
			{Title: "Aiko", Deadline: week},
			{Title: "Ben", Deadline: week},
			{Title: "Chidi", Deadline: week},
		},
	})
	if err != nil {
		t.Fatalf("CreateMarketGroup: %v", err)
	}
	f.e.Wait()

	if group.GroupID == "" || len(group.MarketIDs) != 3 {
		t.Fatalf("group = %+v", group)
	}
	for i, id := range group.MarketIDs {
		mkt, err := f.store.GetMarket(ctx, id)
		if err != nil {
			t.Fatalf("market %s: %v", id, err)
		}
		if mkt.GroupID != group.GroupID || mkt.GroupTitle != "Weekly distance leader" || mkt.Status != domain.MarketStatusOpen {
			t.Errorf("market %d = %+v", i, mkt)
		}
		if mkt.ChainMirrorState != domain.MirrorConfirmed || mkt.OnChainID == nil {
			t.Errorf("market %s not mirrored: %s", id, mkt.ChainMirrorState)
		}
	}
	if n := f.chain.count("createMarket"); n != 3 {
		t.Errorf("createMarket calls = %d, want 3", n)
	}

	f.market(t)
	u := f.user(t, "u1")
	views, err := f.e.GetMarkets(ctx, u, domain.MarketFilter{GroupID: group.GroupID}, 0)
	if err != nil {
		t.Fatalf("GetMarkets: %v", err)
	}
	if len(views) != 3 {
		t.Errorf("group listing has %d markets, want 3", len(views))
	}
}

func TestCreateMarketGroup_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	future := f.clock.t.Add(time.Hour)
	two := []GroupOutcome{{Title: "a", Deadline: future}, {Title: "b", Deadline: future}}

	tests := []struct {
		name string
		id   domain.Identity
		in   CreateMarketGroupInput
		code domain.Code
	}{
		{"not admin", domain.Identity{UID: "u1"}, CreateMarketGroupInput{GroupTitle: "g", Description: "d", Category: "c", Markets: two}, domain.CodePermissionDenied},
		{"missing group title", admin, CreateMarketGroupInput{Description: "d", Category: "c", Markets: two}, domain.CodeInvalidArgument},
		{"single outcome", admin, CreateMarketGroupInput{GroupTitle: "g", Description: "d", Category: "c", Markets: two[:1]}, domain.CodeInvalidArgument},
		{"untitled outcome", admin, CreateMarketGroupInput{GroupTitle: "g", Description: "d", Category: "c",
			Markets: []GroupOutcome{{Title: "a", Deadline: future}, {Deadline: future}}}, domain.CodeInvalidArgument},
		{"one past deadline", admin, CreateMarketGroupInput{GroupTitle: "g", Description: "d", Category: "c",
			Markets: []GroupOutcome{{Title: "a", Deadline: future}, {Title: "b", Deadline: f.clock.t.Add(-time.Minute)}}}, domain.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.e.CreateMarketGroup(ctx, tt.id, tt.in)
			if got := domain.CodeOf(err); got != tt.code {
				t.Errorf("code = %q (%v), want %q", got, err, tt.code)
			}
		})
	}

	markets, _ := f.store.ListMarkets(ctx, domain.MarketFilter{}, 0)
	if len(markets) != 0 {
		t.Errorf("rejected groups left %d markets", len(markets))
	}
	if pending, _ := f.store.ListPending(ctx, domain.CategoryMarketCreate, 10); len(pending) != 0 {
		t.Errorf("rejected groups queued %d mirror jobs", len(pending))
	}
}

func TestPlaceBet_DebitsAndStakes(t *testing.T) {
	f := newFixture(t, nil)
	u := f.user(t, "u1")
	m := f.market(t)
	b := f.bet(t, u, m, domain.SideYes, 30)

	if got := f.balance(t, "u1"); !got.Equal(dec("70")) {
		t.Errorf("balance = %s, want 70", got)
	}
	mkt, _ := f.store.GetMarket(context.Background(), m)
	if !mkt.TotalYesAmount.Equal(dec("30")) || !mkt.TotalVolume.Equal(mkt.TotalYesAmount.Add(mkt.TotalNoAmount)) {
		t.Errorf("market totals yes=%s no=%s volume=%s", mkt.TotalYesAmount, mkt.TotalNoAmount, mkt.TotalVolume)
	}
	stored, _ := f.store.GetBet(context.Background(), b.ID)
	if stored.Status != domain.BetStatusActive || stored.ChainMirrorState != domain.MirrorConfirmed {
		t.Errorf("bet = %+v", stored)
	}
	if f.chain.count("placeBet") != 1 {
		t.Errorf("placeBet calls = %d", f.chain.count("placeBet"))
	}
}

func TestPlaceBet_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	u := f.user(t, "u1")
	m := f.market(t)
	ctx := context.Background()

	closed := f.market(t)
	if _, err := f.e.CancelMarket(ctx, admin, closed); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.e.Wait()

	tests := []struct {
		name string
		id   domain.Identity
		in   PlaceBetInput
		code domain.Code
		is   error
	}{
		{"anonymous", domain.Identity{}, PlaceBetInput{MarketID: m, Side: domain.SideYes, Amount: dec("1")}, domain.CodeUnauthenticated, domain.ErrUnauthenticated},
		{"zero amount", u, PlaceBetInput{MarketID: m, Side: domain.SideYes, Amount: dec("0")}, domain.CodeInvalidArgument, domain.ErrInvalidArgument},
		{"unknown market", u, PlaceBetInput{MarketID: "nope", Side: domain.SideYes, Amount: dec("1")}, domain.CodeNotFound, domain.ErrNotFound},
		{"market not open", u, PlaceBetInput{MarketID: closed, Side: domain.SideNo, Amount: dec("1")}, domain.CodeFailedPrecondition, domain.ErrMarketNotOpen},
		{"insufficient balance", u, PlaceBetInput{MarketID: m, Side: domain.SideNo, Amount: dec("100.01")}, domain.CodeFailedPrecondition, domain.ErrInsufficientBalance},
		{"no profile", domain.Identity{UID: "ghost"}, PlaceBetInput{MarketID: m, Side: domain.SideNo, Amount: dec("1")}, domain.CodeNotFound, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.e.PlaceBet(ctx, tt.id, tt.in)
			if !errors.Is(err, tt.is) || domain.CodeOf(err) != tt.code {
				t.Errorf("err = %v (code %q), want %v / %q", err, domain.CodeOf(err), tt.is, tt.code)
			}
		})
	}
	if got := f.balance(t, "u1"); !got.Equal(dec("100")) {
		t.Errorf("rejected bets changed balance to %s", got)
	}
}

func TestResolveMarket_PaysWinnersAndBatchesClaims(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.InlineClaimBatch = 1 })
	ctx := context.Background()
	a, b, c := f.user(t, "a"), f.user(t, "b"), f.user(t, "c")
	m := f.market(t)
	f.bet(t, a, m, domain.SideYes, 60)
	f.bet(t, b, m, domain.SideNo, 50)
	f.bet(t, c, m, domain.SideYes, 40)

	res, err := f.e.ResolveMarket(ctx, admin, m, domain.SideYes)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	f.e.Wait()

	if res.Credited != 2 || res.Claims != 2 || !res.Paid.Equal(dec("147")) {
		t.Errorf("result = %+v", res)
	}
	for uid, want := range map[string]string{"a": "128.2", "b": "50", "c": "118.8"} {
		if got := f.balance(t, uid); !got.Equal(dec(want)) {
			t.Errorf("balance %s = %s, want %s", uid, got, want)
		}
	}

	mkt, _ := f.store.GetMarket(ctx, m)
	if mkt.Status != domain.MarketStatusResolved || mkt.Resolution == nil || *mkt.Resolution != domain.SideYes {
		t.Fatalf("market = %+v", mkt)
	}

	claimA, _ := f.store.Get(ctx, domain.CategoryClaim, domain.ClaimRef(m, "a"))
	claimC, _ := f.store.Get(ctx, domain.CategoryClaim, domain.ClaimRef(m, "c"))
	if claimA.State != domain.MirrorConfirmed || claimC.State != domain.MirrorPending {
		t.Errorf("claims a=%s c=%s, want confirmed/pending", claimA.State, claimC.State)
	}
	if _, err := f.store.Get(ctx, domain.CategoryClaim, domain.ClaimRef(m, "b")); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("loser got a claim job: %v", err)
	}

	bets, _ := f.store.ListBets(ctx, domain.BetFilter{MarketID: m})
	for _, bet := range bets {
		switch bet.UserID {
		case "a":
			if bet.Status != domain.BetStatusWon || bet.ClaimStatus != domain.ClaimStatusClaimed {
				t.Errorf("a bet = %+v", bet)
			}
		case "b":
			if bet.Status != domain.BetStatusLost || !bet.Payout.IsZero() {
				t.Errorf("b bet = %+v", bet)
			}
		case "c":
			if bet.Status != domain.BetStatusWon || bet.ClaimStatus != domain.ClaimStatusPending {
				t.Errorf("c bet = %+v", bet)
			}
		}
	}

	_, err = f.e.ResolveMarket(ctx, admin, m, domain.SideNo)
	if domain.CodeOf(err) != domain.CodeFailedPrecondition {
		t.Errorf("second resolve err = %v", err)
	}
}

func TestResolveMarket_EmptyWinningPool(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u := f.user(t, "u1")
	m := f.market(t)
	f.bet(t, u, m, domain.SideNo, 10)

	res, err := f.e.ResolveMarket(ctx, admin, m, domain.SideYes)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	f.e.Wait()
	if res.Credited != 0 || !res.Paid.IsZero() {
		t.Errorf("result = %+v", res)
	}
	if got := f.balance(t, "u1"); !got.Equal(dec("90")) {
		t.Errorf("balance = %s, want 90", got)
	}
	if f.chain.count("claimWinnings") != 0 {
		t.Errorf("claims sent for a market without winners")
	}
}

func TestCancelMarket_RefundsEveryBet(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, b := f.user(t, "a"), f.user(t, "b")
	m := f.market(t)
	f.bet(t, a, m, domain.SideYes, 20)
	f.bet(t, a, m, domain.SideNo, 5)
	f.bet(t, b, m, domain.SideNo, 40)

	res, err := f.e.CancelMarket(ctx, admin, m)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.e.Wait()

	if res.Credited != 3 || res.Claims != 2 || !res.Paid.Equal(dec("65")) {
		t.Errorf("result = %+v", res)
	}
	for _, uid := range []string{"a", "b"} {
		if got := f.balance(t, uid); !got.Equal(dec("100")) {
			t.Errorf("balance %s = %s, want 100", uid, got)
		}
	}
	if f.chain.count("cancelMarket") != 1 || f.chain.count("refund") != 2 {
		t.Errorf("chain calls = %v", f.chain.calls)
	}

	_, err = f.e.CancelMarket(ctx, admin, m)
	if !errors.Is(err, domain.ErrFailedPrecondition) {
		t.Errorf("second cancel err = %v", err)
	}
}

func TestClaimWinnings_SumsAndTriggersOnce(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.InlineClaimBatch = 0 })
	ctx := context.Background()
	u := f.user(t, "u1")
	m := f.market(t)
	f.bet(t, u, m, domain.SideYes, 10)
	f.bet(t, u, m, domain.SideYes, 30)
	if _, err := f.e.ResolveMarket(ctx, admin, m, domain.SideYes); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	f.e.Wait()
	if f.chain.count("claimWinnings") != 0 {
		t.Fatalf("claim ran inline with a zero batch")
	}

	res, err := f.e.ClaimWinnings(ctx, u, m)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	f.e.Wait()
	if !res.Payout.Equal(dec("39.2")) || !res.ClaimTriggered {
		t.Errorf("first claim = %+v", res)
	}
	if f.chain.count("claimWinnings") != 1 {
		t.Errorf("claimWinnings calls = %d", f.chain.count("claimWinnings"))
	}

	before := f.balance(t, "u1")
	res, err = f.e.ClaimWinnings(ctx, u, m)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if res.ClaimTriggered || !res.Payout.Equal(dec("39.2")) {
		t.Errorf("second claim = %+v", res)
	}
	if got := f.balance(t, "u1"); !got.Equal(before) {
		t.Errorf("claim changed balance %s -> %s", before, got)
	}
}

func straightRun(km, durationSec float64, n int) []domain.GPSPoint {
	stepDeg := (km * 1000 / float64(n)) / activity.EarthRadiusMeters * 180 / math.Pi
	stepMs := int64(durationSec * 1000 / float64(n))
	pts := make([]domain.GPSPoint, 0, n+1)
	for i := 0; i <= n; i++ {
		pts = append(pts, domain.GPSPoint{Lat: 10.77 + float64(i)*stepDeg, Lng: 106.7, Timestamp: int64(i) * stepMs})
	}
	return pts
}

func TestSubmitActivity_CreditsValidRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u := f.user(t, "u1")

	res, err := f.e.SubmitActivity(ctx, u, activity.Submission{Distance: 5, Duration: 1500, Points: straightRun(5, 1500, 300)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.e.Wait()
	if !res.Validated || !res.TKEarned.Equal(dec("50")) || len(res.Errors) != 0 {
		t.Fatalf("result = %+v", res)
	}

	acct, _ := f.store.GetAccount(ctx, "u1")
	if !acct.Balance.Equal(dec("150")) || acct.TotalRuns != 1 || acct.TotalDistance != 5 {
		t.Errorf("account = %+v", acct)
	}
	rec, _ := f.store.GetActivity(ctx, res.RunID)
	if rec.Pace != 5 || rec.ChainMirrorState != domain.MirrorConfirmed {
		t.Errorf("record = %+v", rec)
	}
	if pts, err := f.tracks.GetTrack(ctx, rec.TrackKey); err != nil || len(pts) != 301 {
		t.Errorf("track: %d points, err %v", len(pts), err)
	}
	// welcome bonus plus reward
	if len(f.chain.transfers) != 2 || !f.chain.transfers[1].Equal(dec("50")) {
		t.Errorf("transfers = %v", f.chain.transfers)
	}
}

func TestSubmitActivity_RejectedRunEarnsNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u := f.user(t, "u1")

	res, err := f.e.SubmitActivity(ctx, u, activity.Submission{Distance: 5, Duration: 600, Points: straightRun(5, 600, 300)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Validated || !res.TKEarned.IsZero() || len(res.Errors) == 0 {
		t.Fatalf("result = %+v", res)
	}
	acct, _ := f.store.GetAccount(ctx, "u1")
	if !acct.Balance.Equal(dec("100")) || acct.TotalRuns != 0 {
		t.Errorf("account = %+v", acct)
	}
	rec, _ := f.store.GetActivity(ctx, res.RunID)
	if rec.Status != domain.ActivityRejected || rec.ChainMirrorState != domain.MirrorOffChain {
		t.Errorf("record = %+v", rec)
	}
}

func TestSubmitActivity_DailyCap(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxRunsPerDay = 2 })
	ctx := context.Background()
	u := f.user(t, "u1")
	run := activity.Submission{Distance: 1, Duration: 600}

	for i := 0; i < 2; i++ {
		if _, err := f.e.SubmitActivity(ctx, u, run); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	_, err := f.e.SubmitActivity(ctx, u, run)
	if !errors.Is(err, domain.ErrResourceExhausted) {
		t.Fatalf("third run err = %v", err)
	}
	if err.Error() != "ledger: submit activity: Maximum 2 runs per day reached." {
		t.Errorf("message = %q", err.Error())
	}

	f.clock.t = f.clock.t.Add(24 * time.Hour)
	if _, err := f.e.SubmitActivity(ctx, u, run); err != nil {
		t.Errorf("next day run: %v", err)
	}
}

func TestProvisionAccount_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := domain.Identity{UID: "u1"}

	first, err := f.e.ProvisionAccount(ctx, id, Profile{Email: "runner@example.com"})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	second, err := f.e.ProvisionAccount(ctx, id, Profile{})
	if err != nil {
		t.Fatalf("second provision: %v", err)
	}
	f.e.Wait()

	if first.WalletAddress == "" || first.WalletAddress != second.WalletAddress {
		t.Errorf("wallets %q vs %q", first.WalletAddress, second.WalletAddress)
	}
	if got := f.balance(t, "u1"); !got.Equal(dec("100")) {
		t.Errorf("balance = %s, want one welcome bonus", got)
	}
	job, err := f.store.Get(ctx, domain.CategoryWelcomeBonus, "u1")
	if err != nil || job.State != domain.MirrorConfirmed {
		t.Errorf("welcome bonus job = %+v, %v", job, err)
	}
	if f.chain.count("transfer") != 1 {
		t.Errorf("transfers = %d", f.chain.count("transfer"))
	}

	view, err := f.e.GetAccount(ctx, id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !view.TKBalance.Equal(dec("100")) || view.WalletAddress != first.WalletAddress {
		t.Errorf("view = %+v", view)
	}
}

func TestGetAccount_ProvisionsOnFirstUse(t *testing.T) {
	f := newFixture(t, nil)
	view, err := f.e.GetAccount(context.Background(), domain.Identity{UID: "new"})
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	f.e.Wait()
	if !view.TKBalance.Equal(dec("100")) || view.WalletAddress == "" {
		t.Errorf("view = %+v", view)
	}
	if _, err := f.e.GetAccount(context.Background(), domain.Identity{}); domain.CodeOf(err) != domain.CodeUnauthenticated {
		t.Errorf("anonymous err = %v", err)
	}
}
