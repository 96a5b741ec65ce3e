package ledger

import (
	"context"
	"testing"

	"github.com/takarun/takaledger/internal/domain"
)

func TestGetMarkets_NewestFirstAndFiltered(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u := f.user(t, "u1")
	first, second := f.market(t), f.market(t)
	if _, err := f.e.CancelMarket(ctx, admin, first); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.e.Wait()

	all, err := f.e.GetMarkets(ctx, u, domain.MarketFilter{}, 0)
	if err != nil {
		t.Fatalf("GetMarkets: %v", err)
	}
	if len(all) != 2 || all[0].ID != second || all[1].ID != first {
		t.Fatalf("markets = %+v", all)
	}

	open, err := f.e.GetMarkets(ctx, u, domain.MarketFilter{Status: domain.MarketStatusOpen}, 10)
	if err != nil {
		t.Fatalf("GetMarkets open: %v", err)
	}
	if len(open) != 1 || open[0].ID != second {
		t.Errorf("open markets = %+v", open)
	}

	if _, err := f.e.GetMarkets(ctx, u, domain.MarketFilter{Status: "settled"}, 10); domain.CodeOf(err) != domain.CodeInvalidArgument {
		t.Errorf("unknown status err = %v", err)
	}
	if _, err := f.e.GetMarkets(ctx, domain.Identity{}, domain.MarketFilter{}, 10); domain.CodeOf(err) != domain.CodeUnauthenticated {
		t.Errorf("anonymous err = %v", err)
	}
}

func TestGetUserBets_OnlyCallersNewestFirst(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, b := f.user(t, "a"), f.user(t, "b")
	m1, m2 := f.market(t), f.market(t)
	first := f.bet(t, a, m1, domain.SideYes, 5)
	f.bet(t, b, m1, domain.SideNo, 5)
	last := f.bet(t, a, m2, domain.SideNo, 7)

	bets, err := f.e.GetUserBets(ctx, a, "")
	if err != nil {
		t.Fatalf("GetUserBets: %v", err)
	}
	if len(bets) != 2 || bets[0].ID != last.ID || bets[1].ID != first.ID {
		t.Fatalf("bets = %+v", bets)
	}

	onM1, _ := f.e.GetUserBets(ctx, a, m1)
	if len(onM1) != 1 || onM1[0].ID != first.ID {
		t.Errorf("bets on m1 = %+v", onM1)
	}
}

func TestGetMarketBets_Anonymized(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, b := f.user(t, "a"), f.user(t, "b")
	m := f.market(t)
	f.bet(t, a, m, domain.SideYes, 5)
	f.bet(t, b, m, domain.SideNo, 6)

	bets, err := f.e.GetMarketBets(ctx, a, m)
	if err != nil {
		t.Fatalf("GetMarketBets: %v", err)
	}
	if len(bets) != 2 || bets[0].Position != domain.SideNo || !bets[0].Amount.Equal(dec("6")) {
		t.Errorf("bets = %+v", bets)
	}
	if _, err := f.e.GetMarketBets(ctx, a, ""); domain.CodeOf(err) != domain.CodeInvalidArgument {
		t.Errorf("missing market err = %v", err)
	}
}
