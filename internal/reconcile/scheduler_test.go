package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/takarun/takaledger/internal/domain"
	"github.com/takarun/takaledger/internal/store/memory"
)

func TestScheduler_TriggerUnknownJob(t *testing.T) {
	store := memory.New()
	r := New(Deps{Ledger: store, Jobs: store}, DefaultOptions(), discard())
	s, err := NewScheduler(context.Background(), r, Intervals{CloseExpired: time.Hour}, discard())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	defer s.Shutdown()

	if err := s.Trigger(JobSweep); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("disabled job: err = %v, want ErrUnknownJob", err)
	}
	if err := s.Trigger("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("unknown job: err = %v, want ErrUnknownJob", err)
	}
}

func TestScheduler_TriggerRunsJob(t *testing.T) {
	store := memory.New()
	seed(t, store, func(ctx context.Context, tx domain.LedgerTx) error {
		return tx.InsertMarket(ctx, domain.Market{ID: "past", Status: domain.MarketStatusOpen, Deadline: time.Now().Add(-time.Minute)})
	})
	r := New(Deps{Ledger: store, Jobs: store}, DefaultOptions(), discard())
	s, err := NewScheduler(context.Background(), r, Intervals{CloseExpired: time.Hour}, discard())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start()
	defer s.Shutdown()

	if err := s.Trigger(JobCloseExpired); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		m, _ := store.GetMarket(context.Background(), "past")
		if m.Status == domain.MarketStatusClosed {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("triggered close_expired did not close the market")
}
