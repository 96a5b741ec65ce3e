package mirror

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/chain"
	"github.com/takarun/takaledger/internal/domain"
	"github.com/takarun/takaledger/internal/nonce"
	"github.com/takarun/takaledger/internal/store/memory"
	"github.com/takarun/takaledger/internal/wallet"
)

type fakeChain struct {
	mu        sync.Mutex
	nextID    uint64
	calls     []string
	failNext  map[string]error
	transfers []decimal.Decimal
	receipts  map[string]domain.TxReceipt
	sendDelay time.Duration
	active    int
	maxActive int
}

func (f *fakeChain) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if err, ok := f.failNext[name]; ok {
		return err
	}
	return nil
}

func (f *fakeChain) CreateMarket(_ context.Context, _ uint64, _, _ string, _ time.Time) (string, uint64, error) {
	if err := f.record("createMarket"); err != nil {
		return "", 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return "0xcreate", f.nextID, nil
}

func (f *fakeChain) ResolveMarket(context.Context, uint64, uint64, bool) (string, error) {
	return "0xresolve", f.record("resolveMarket")
}

func (f *fakeChain) CancelMarket(context.Context, uint64, uint64) (string, error) {
	return "0xcancel", f.record("cancelMarket")
}

func (f *fakeChain) Transfer(_ context.Context, _ uint64, _ string, amount decimal.Decimal) (string, error) {
	if err := f.record("transfer"); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.transfers = append(f.transfers, amount)
	f.mu.Unlock()
	return "0xtransfer", nil
}

func (f *fakeChain) PlaceBet(context.Context, chain.TxSigner, uint64, bool, decimal.Decimal) (string, error) {
	f.mu.Lock()
	f.active++
	f.maxActive = max(f.maxActive, f.active)
	delay := f.sendDelay
	f.mu.Unlock()

	time.Sleep(delay)

	f.mu.Lock()
	f.active--
	f.mu.Unlock()
	return "0xbet", f.record("placeBet")
}

func (f *fakeChain) ClaimWinnings(context.Context, chain.TxSigner, uint64) (string, error) {
	return "0xclaim", f.record("claimWinnings")
}

func (f *fakeChain) Refund(context.Context, chain.TxSigner, uint64) (string, error) {
	return "0xrefund", f.record("refund")
}

func (f *fakeChain) LookupTx(_ context.Context, hash string) (domain.TxReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "lookup:"+hash)
	return f.receipts[hash], nil
}

func (f *fakeChain) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

type zeroNonce struct{}

func (zeroNonce) TreasuryPendingNonce(context.Context) (uint64, error) { return 0, nil }

type keys map[string]string

func (k keys) Get(_ context.Context, name string) (string, error) { return k[name], nil }

type alerts struct{ events []string }

func (a *alerts) Notify(_ context.Context, event, _, _ string) error {
	a.events = append(a.events, event)
	return nil
}

type fixture struct {
	store  *memory.Store
	chain  *fakeChain
	alerts *alerts
	m      *Mirrorer
}

func newFixture(t *testing.T, withChain bool) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	fc := &fakeChain{failNext: map[string]error{}, receipts: map[string]domain.TxReceipt{}}
	al := &alerts{}
	opts := nonce.DefaultOptions()
	opts.PollInterval = time.Millisecond

	deps := Deps{
		Ledger: store,
		Jobs:   store,
		Signers: wallet.NewManager(store,
			keys{"k": "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"}, "k", log),
		Nonces: nonce.NewCoordinator(store, zeroNonce{}, opts, log),
		Locks:  memory.NewLocks(),
		Audit:  store,
		Alerts: al,
	}
	if withChain {
		deps.Chain = fc
	}
	return &fixture{
		store:  store,
		chain:  fc,
		alerts: al,
		m:      New(deps, Options{MaxRetries: 3, WelcomeBonus: decimal.NewFromInt(5)}, log),
	}
}

func (f *fixture) tx(t *testing.T, fn func(ctx context.Context, tx domain.LedgerTx) error) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.InTx(ctx, func(tx domain.LedgerTx) error { return fn(ctx, tx) }); err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func (f *fixture) seedMarketWithBet(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	f.tx(t, func(ctx context.Context, tx domain.LedgerTx) error {
		if err := tx.CreateAccount(ctx, domain.Account{UID: "u1"}); err != nil {
			return err
		}
		if err := tx.InsertMarket(ctx, domain.Market{ID: "m1", Title: "t", Status: domain.MarketStatusOpen, Deadline: time.Now().Add(time.Hour)}); err != nil {
			return err
		}
		if err := tx.InsertBet(ctx, domain.Bet{ID: "b1", UserID: "u1", MarketID: "m1", Position: domain.SideYes, Amount: decimal.NewFromInt(10), Status: domain.BetStatusActive}); err != nil {
			return err
		}
		if err := tx.EnqueueMirror(ctx, domain.CategoryMarketCreate, "m1", ""); err != nil {
			return err
		}
		return tx.EnqueueMirror(ctx, domain.CategoryBet, "b1", "u1")
	})
	if _, err := f.m.Signers.(*wallet.Manager).CreateWallet(ctx, "u1"); err != nil {
		t.Fatalf("wallet: %v", err)
	}
}

func TestAttempt_BetDeferredUntilMarketMirrored(t *testing.T) {
	f := newFixture(t, true)
	f.seedMarketWithBet(t)
	ctx := context.Background()

	state, err := f.m.Run(ctx, domain.CategoryBet, "b1")
	if !errors.Is(err, domain.ErrMirrorDeferred) || state != domain.MirrorPending {
		t.Fatalf("bet before market: state=%s err=%v", state, err)
	}
	job, _ := f.store.Get(ctx, domain.CategoryBet, "b1")
	if job.RetryCount != 0 || job.LastRetryAt != nil {
		t.Errorf("deferral counted as a retry: %+v", job)
	}

	if state, err := f.m.Run(ctx, domain.CategoryMarketCreate, "m1"); err != nil || state != domain.MirrorConfirmed {
		t.Fatalf("create: state=%s err=%v", state, err)
	}
	mkt, _ := f.store.GetMarket(ctx, "m1")
	if mkt.OnChainID == nil || *mkt.OnChainID != 1 || mkt.ChainMirrorState != domain.MirrorConfirmed {
		t.Fatalf("market after create = %+v", mkt)
	}

	if state, err := f.m.Run(ctx, domain.CategoryBet, "b1"); err != nil || state != domain.MirrorConfirmed {
		t.Fatalf("bet: state=%s err=%v", state, err)
	}
	bet, _ := f.store.GetBet(ctx, "b1")
	if bet.ChainMirrorState != domain.MirrorConfirmed {
		t.Errorf("bet state = %s", bet.ChainMirrorState)
	}
}

func TestAttempt_AbandonsAtMaxRetries(t *testing.T) {
	f := newFixture(t, true)
	f.seedMarketWithBet(t)
	ctx := context.Background()
	f.chain.failNext["createMarket"] = errors.New("execution reverted")

	var state domain.MirrorState
	for i := 0; i < 3; i++ {
		state, _ = f.m.Run(ctx, domain.CategoryMarketCreate, "m1")
	}
	if state != domain.MirrorAbandoned {
		t.Fatalf("state after 3 failures = %s", state)
	}
	job, _ := f.store.Get(ctx, domain.CategoryMarketCreate, "m1")
	if job.RetryCount != 3 || job.LastError == "" || job.LastRetryAt == nil {
		t.Errorf("job = %+v", job)
	}
	if len(f.alerts.events) != 1 || f.alerts.events[0] != "mirror_abandoned" {
		t.Errorf("alerts = %v", f.alerts.events)
	}
	entries, _ := f.store.List(ctx, "", domain.ListOpts{})
	if len(entries) == 0 || entries[0].Event != "mirror_abandoned" {
		t.Errorf("audit = %+v", entries)
	}

	// Terminal jobs are not retried.
	calls := len(f.chain.calls)
	if state, _ := f.m.Run(ctx, domain.CategoryMarketCreate, "m1"); state != domain.MirrorAbandoned || len(f.chain.calls) != calls {
		t.Error("abandoned job was attempted again")
	}

	// Dependents of an abandoned market are abandoned rather than deferred.
	if state, _ := f.m.Run(ctx, domain.CategoryBet, "b1"); state != domain.MirrorAbandoned {
		t.Errorf("bet on abandoned market state = %s", state)
	}
}

func TestAttempt_SettlementOrdering(t *testing.T) {
	f := newFixture(t, true)
	f.seedMarketWithBet(t)
	ctx := context.Background()
	if _, err := f.m.Run(ctx, domain.CategoryMarketCreate, "m1"); err != nil {
		t.Fatal(err)
	}

	yes := domain.SideYes
	f.tx(t, func(ctx context.Context, tx domain.LedgerTx) error {
		if err := tx.SettleBet(ctx, "b1", domain.BetStatusWon, decimal.NewFromInt(10), domain.ClaimStatusNone); err != nil {
			return err
		}
		if err := tx.SettleMarket(ctx, "m1", domain.MarketStatusResolved, &yes, time.Now()); err != nil {
			return err
		}
		if err := tx.EnqueueMirror(ctx, domain.CategoryMarketResolve, "m1", ""); err != nil {
			return err
		}
		return tx.EnqueueMirror(ctx, domain.CategoryClaim, domain.ClaimRef("m1", "u1"), "u1")
	})

	if _, err := f.m.Run(ctx, domain.CategoryMarketResolve, "m1"); !errors.Is(err, domain.ErrMirrorDeferred) {
		t.Fatalf("resolve with pending bet: %v", err)
	}
	if _, err := f.m.Run(ctx, domain.CategoryClaim, domain.ClaimRef("m1", "u1")); !errors.Is(err, domain.ErrMirrorDeferred) {
		t.Fatalf("claim before resolve: %v", err)
	}

	for _, step := range []struct {
		cat domain.MirrorCategory
		ref string
	}{
		{domain.CategoryBet, "b1"},
		{domain.CategoryMarketResolve, "m1"},
		{domain.CategoryClaim, domain.ClaimRef("m1", "u1")},
	} {
		if state, err := f.m.Run(ctx, step.cat, step.ref); err != nil || state != domain.MirrorConfirmed {
			t.Fatalf("%s: state=%s err=%v", step.cat, state, err)
		}
	}
	bet, _ := f.store.GetBet(ctx, "b1")
	if bet.ClaimStatus != domain.ClaimStatusClaimed || bet.ClaimTxHash != "0xclaim" {
		t.Errorf("bet claim = %s/%s", bet.ClaimStatus, bet.ClaimTxHash)
	}
}

func TestAttempt_WelcomeBonusTransfer(t *testing.T) {
	f := newFixture(t, true)
	f.seedMarketWithBet(t)
	ctx := context.Background()
	if _, err := f.store.Enqueue(ctx, domain.CategoryWelcomeBonus, "u1", "u1"); err != nil {
		t.Fatal(err)
	}
	if state, err := f.m.Run(ctx, domain.CategoryWelcomeBonus, "u1"); err != nil || state != domain.MirrorConfirmed {
		t.Fatalf("state=%s err=%v", state, err)
	}
	if len(f.chain.transfers) != 1 || !f.chain.transfers[0].Equal(decimal.NewFromInt(5)) {
		t.Errorf("transfers = %v", f.chain.transfers)
	}
	if n, _ := f.store.StoredNonce(ctx); n != 1 {
		t.Errorf("treasury nonce = %d, want 1", n)
	}
}

func TestAttempt_ChainDisabledStaysPending(t *testing.T) {
	f := newFixture(t, false)
	f.seedMarketWithBet(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		state, err := f.m.Run(ctx, domain.CategoryMarketCreate, "m1")
		if state != domain.MirrorPending || !errors.Is(err, domain.ErrChainDisabled) {
			t.Fatalf("state=%s err=%v", state, err)
		}
	}
	job, _ := f.store.Get(ctx, domain.CategoryMarketCreate, "m1")
	if job.RetryCount != 0 {
		t.Errorf("retry count = %d", job.RetryCount)
	}
}

func TestAttempt_SkipsJobLockedByAnotherAttempt(t *testing.T) {
	f := newFixture(t, true)
	f.seedMarketWithBet(t)
	ctx := context.Background()

	unlock, err := f.m.Locks.Acquire(ctx, "mirror:market_create:m1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	state, err := f.m.Run(ctx, domain.CategoryMarketCreate, "m1")
	if !errors.Is(err, domain.ErrLockHeld) || state != domain.MirrorPending {
		t.Fatalf("locked attempt: state=%s err=%v", state, err)
	}
	if len(f.chain.calls) != 0 {
		t.Fatalf("chain called while locked: %v", f.chain.calls)
	}

	unlock()
	if state, err := f.m.Run(ctx, domain.CategoryMarketCreate, "m1"); err != nil || state != domain.MirrorConfirmed {
		t.Fatalf("after unlock: state=%s err=%v", state, err)
	}
}

func TestAttempt_UnconfirmedBroadcastIsCheckedBeforeResend(t *testing.T) {
	tests := []struct {
		name      string
		receipt   domain.TxReceipt
		later     time.Duration
		wantState domain.MirrorState
		wantSends int
		wantHash  string
	}{
		{"mined", domain.TxReceipt{Found: true, Success: true}, 0, domain.MirrorConfirmed, 1, "0xslow"},
		{"not mined yet", domain.TxReceipt{}, 0, domain.MirrorPending, 1, "0xslow"},
		{"dropped", domain.TxReceipt{}, time.Hour, domain.MirrorConfirmed, 2, "0xtransfer"},
		{"reverted", domain.TxReceipt{Found: true}, 0, domain.MirrorConfirmed, 2, "0xtransfer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.seedMarketWithBet(t)
			ctx := context.Background()
			if _, err := f.store.Enqueue(ctx, domain.CategoryWelcomeBonus, "u1", "u1"); err != nil {
				t.Fatal(err)
			}

			f.chain.failNext["transfer"] = &domain.InFlightError{TxHash: "0xslow", Err: context.DeadlineExceeded}
			state, err := f.m.Run(ctx, domain.CategoryWelcomeBonus, "u1")
			if state != domain.MirrorPending || err == nil {
				t.Fatalf("timed out attempt: state=%s err=%v", state, err)
			}
			job, _ := f.store.Get(ctx, domain.CategoryWelcomeBonus, "u1")
			if job.TxHash != "0xslow" || job.RetryCount != 1 {
				t.Fatalf("job after timeout = %+v", job)
			}
			if n, _ := f.store.StoredNonce(ctx); n != 1 {
				t.Errorf("treasury nonce = %d, want 1 after broadcast", n)
			}

			delete(f.chain.failNext, "transfer")
			f.chain.receipts["0xslow"] = tt.receipt
			if tt.later > 0 {
				f.m.now = func() time.Time { return time.Now().Add(tt.later) }
			}
			state, _ = f.m.Run(ctx, domain.CategoryWelcomeBonus, "u1")
			if state != tt.wantState {
				t.Fatalf("state = %s, want %s", state, tt.wantState)
			}
			if got := f.chain.count("transfer"); got != tt.wantSends {
				t.Errorf("transfers sent = %d, want %d", got, tt.wantSends)
			}
			if f.chain.count("lookup:0xslow") != 1 {
				t.Errorf("calls = %v, want one receipt lookup", f.chain.calls)
			}
			job, _ = f.store.Get(ctx, domain.CategoryWelcomeBonus, "u1")
			if job.TxHash != tt.wantHash {
				t.Errorf("tx hash = %q, want %q", job.TxHash, tt.wantHash)
			}
		})
	}
}

func TestAttempt_MinedMarketCreateTakesIDFromReceipt(t *testing.T) {
	f := newFixture(t, true)
	f.seedMarketWithBet(t)
	ctx := context.Background()

	f.chain.failNext["createMarket"] = &domain.InFlightError{TxHash: "0xmkt", Err: context.DeadlineExceeded}
	if state, _ := f.m.Run(ctx, domain.CategoryMarketCreate, "m1"); state != domain.MirrorPending {
		t.Fatalf("state = %s", state)
	}
	delete(f.chain.failNext, "createMarket")
	id := uint64(42)
	f.chain.receipts["0xmkt"] = domain.TxReceipt{Found: true, Success: true, MarketID: &id}

	if state, err := f.m.Run(ctx, domain.CategoryMarketCreate, "m1"); err != nil || state != domain.MirrorConfirmed {
		t.Fatalf("state=%s err=%v", state, err)
	}
	mkt, _ := f.store.GetMarket(ctx, "m1")
	if mkt.OnChainID == nil || *mkt.OnChainID != 42 {
		t.Errorf("on-chain id = %v, want 42", mkt.OnChainID)
	}
	if f.chain.count("createMarket") != 1 {
		t.Errorf("market created twice: %v", f.chain.calls)
	}
}

func TestAttempt_UserSignedSendsSerializedPerWallet(t *testing.T) {
	f := newFixture(t, true)
	f.seedMarketWithBet(t)
	ctx := context.Background()
	if _, err := f.m.Run(ctx, domain.CategoryMarketCreate, "m1"); err != nil {
		t.Fatal(err)
	}
	f.tx(t, func(ctx context.Context, tx domain.LedgerTx) error {
		if err := tx.InsertBet(ctx, domain.Bet{ID: "b2", UserID: "u1", MarketID: "m1", Position: domain.SideNo, Amount: decimal.NewFromInt(3), Status: domain.BetStatusActive}); err != nil {
			return err
		}
		return tx.EnqueueMirror(ctx, domain.CategoryBet, "b2", "u1")
	})
	f.chain.sendDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for _, ref := range []string{"b1", "b2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if state, err := f.m.Run(ctx, domain.CategoryBet, ref); err != nil || state != domain.MirrorConfirmed {
				t.Errorf("%s: state=%s err=%v", ref, state, err)
			}
		}()
	}
	wg.Wait()

	if f.chain.maxActive != 1 {
		t.Errorf("concurrent sends from one wallet = %d, want 1", f.chain.maxActive)
	}
}

func TestAttempt_BusyWalletDefers(t *testing.T) {
	f := newFixture(t, true)
	f.seedMarketWithBet(t)
	ctx := context.Background()
	if _, err := f.m.Run(ctx, domain.CategoryMarketCreate, "m1"); err != nil {
		t.Fatal(err)
	}
	f.m.opts.UserLockWait = 20 * time.Millisecond

	unlock, err := f.m.Locks.Acquire(ctx, "user-nonce:u1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer unlock()

	state, err := f.m.Run(ctx, domain.CategoryBet, "b1")
	if !errors.Is(err, domain.ErrMirrorDeferred) || state != domain.MirrorPending {
		t.Fatalf("state=%s err=%v", state, err)
	}
	if f.chain.count("placeBet") != 0 {
		t.Errorf("bet sent while the wallet was busy")
	}
	job, _ := f.store.Get(ctx, domain.CategoryBet, "b1")
	if job.RetryCount != 0 {
		t.Errorf("busy wallet counted as a retry: %d", job.RetryCount)
	}
}
