package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/domain"
)

func seedAccount(t *testing.T, s *Store, uid string, bal int64) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx domain.LedgerTx) error {
		return tx.CreateAccount(context.Background(), domain.Account{UID: uid, Balance: decimal.NewFromInt(bal)})
	})
	if err != nil {
		t.Fatalf("seed %s: %v", uid, err)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedAccount(t, s, "u1", 10)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx domain.LedgerTx) error {
		if err := tx.IncrementBalance(ctx, "u1", decimal.NewFromInt(-4)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v", err)
	}
	a, _ := s.GetAccount(ctx, "u1")
	if !a.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("balance = %s, want 10 after rollback", a.Balance)
	}
}

func TestIncrementBalance_NeverNegative(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedAccount(t, s, "u1", 3)

	err := s.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.IncrementBalance(ctx, "u1", decimal.NewFromInt(-5))
	})
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestNonceLock_ExclusiveUntilExpiry(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Unix(1_700_000_000, 0)
	s.SetClock(func() time.Time { return now })

	if ok, _ := s.TryAcquire(ctx, "a", time.Minute); !ok {
		t.Fatal("first acquire should succeed")
	}
	if ok, _ := s.TryAcquire(ctx, "b", time.Minute); ok {
		t.Fatal("second acquire should fail while lock is live")
	}
	if err := s.StoreNonce(ctx, "b", 9); err == nil {
		t.Error("non-holder must not store a nonce")
	}

	now = now.Add(61 * time.Second)
	if ok, _ := s.TryAcquire(ctx, "b", time.Minute); !ok {
		t.Fatal("expired lock should be takeable")
	}
	if err := s.StoreNonce(ctx, "b", 7); err != nil {
		t.Fatalf("StoreNonce: %v", err)
	}
	_ = s.StoreNonce(ctx, "b", 3)
	if n, _ := s.StoredNonce(ctx); n != 7 {
		t.Errorf("stored nonce = %d, want 7 (non-decreasing)", n)
	}

	_ = s.Release(ctx, "a")
	if s.NonceLock().LockID != "b" {
		t.Error("stale holder released someone else's lock")
	}
	_ = s.Release(ctx, "b")
	if s.NonceLock().LockID != "" {
		t.Error("holder release did not clear lock")
	}
}

func TestRecord_ClaimConfirmedMarksBets(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedAccount(t, s, "u1", 0)

	err := s.InTx(ctx, func(tx domain.LedgerTx) error {
		for _, id := range []string{"b1", "b2"} {
			if err := tx.InsertBet(ctx, domain.Bet{
				ID: id, UserID: "u1", MarketID: "m1", Position: domain.SideYes,
				Amount: decimal.NewFromInt(5), Status: domain.BetStatusWon,
				Payout: decimal.NewFromInt(9), ClaimStatus: domain.ClaimStatusNone,
			}); err != nil {
				return err
			}
		}
		return tx.EnqueueMirror(ctx, domain.CategoryClaim, domain.ClaimRef("m1", "u1"), "u1")
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	bets, _ := s.ListBets(ctx, domain.BetFilter{UserID: "u1"})
	for _, b := range bets {
		if b.ClaimStatus != domain.ClaimStatusPending {
			t.Fatalf("bet %s claim = %s, want pending", b.ID, b.ClaimStatus)
		}
	}

	job, err := s.Get(ctx, domain.CategoryClaim, domain.ClaimRef("m1", "u1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := s.Record(ctx, job, domain.MirrorOutcome{State: domain.MirrorConfirmed, TxHash: "0xabc"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	bets, _ = s.ListBets(ctx, domain.BetFilter{UserID: "u1"})
	for _, b := range bets {
		if b.ClaimStatus != domain.ClaimStatusClaimed || b.ClaimTxHash != "0xabc" {
			t.Errorf("bet %s = %s/%q", b.ID, b.ClaimStatus, b.ClaimTxHash)
		}
	}
	if mark, _ := s.SyncWatermark(ctx, "u1"); mark.Pending || mark.LastJobID != job.ID {
		t.Errorf("watermark after confirm = %+v", mark)
	}
}

func TestSetSyncedBalance_RespectsWatermark(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.CreateAccount(ctx, domain.Account{UID: "u1", WalletAddress: "0x1", Balance: decimal.NewFromInt(10)})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	mark, _ := s.SyncWatermark(ctx, "u1")

	// A transition commits and its mirror confirms between the chain read
	// and the write.
	job, _ := s.Enqueue(ctx, domain.CategoryWelcomeBonus, "u1", "u1")
	if err := s.Record(ctx, job, domain.MirrorOutcome{State: domain.MirrorConfirmed}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	ok, err := s.SetSyncedBalance(ctx, "u1", decimal.NewFromInt(99), time.Now(), mark)
	if err != nil || ok {
		t.Fatalf("stale write = %v, %v; want skipped", ok, err)
	}

	mark, _ = s.SyncWatermark(ctx, "u1")
	ok, err = s.SetSyncedBalance(ctx, "u1", decimal.NewFromInt(99), time.Now(), mark)
	if err != nil || !ok {
		t.Fatalf("fresh write = %v, %v", ok, err)
	}
	if a, _ := s.GetAccount(ctx, "u1"); !a.Balance.Equal(decimal.NewFromInt(99)) {
		t.Errorf("balance = %s", a.Balance)
	}
}

func TestListWalletAccounts_Pages(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, uid := range []string{"a", "b", "c", "d"} {
		seedAccount(t, s, uid, 0)
		if uid == "c" {
			continue
		}
		if _, err := s.CreateWallet(ctx, domain.Wallet{UID: uid, Address: "0x" + uid}); err != nil {
			t.Fatalf("CreateWallet: %v", err)
		}
	}

	first, _ := s.ListWalletAccounts(ctx, "", 2)
	if len(first) != 2 || first[0].UID != "a" || first[1].UID != "b" {
		t.Fatalf("first page = %+v", first)
	}
	second, _ := s.ListWalletAccounts(ctx, first[1].UID, 2)
	if len(second) != 1 || second[0].UID != "d" {
		t.Fatalf("second page = %+v", second)
	}
}
