package chain

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

func predictionABI(t *testing.T) abi.ABI {
	t.Helper()
	a, err := abi.JSON(strings.NewReader(PredictionABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return a
}

func marketTopic(id int64) common.Hash { return common.BigToHash(big.NewInt(id)) }

func TestDecodeEvent_MarketCreated(t *testing.T) {
	a := predictionABI(t)
	ev := a.Events["MarketCreated"]
	data, err := ev.Inputs.NonIndexed().Pack("Will it rain?", big.NewInt(1_900_000_000))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	got, ok, err := DecodeEvent(a, ethtypes.Log{
		Topics:      []common.Hash{ev.ID, marketTopic(42)},
		Data:        data,
		BlockNumber: 7,
	})
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if got.Name != "MarketCreated" || got.MarketID != 42 || got.Title != "Will it rain?" {
		t.Errorf("event = %+v", got)
	}
	if got.Deadline == nil || got.Deadline.Unix() != 1_900_000_000 {
		t.Errorf("deadline = %v", got.Deadline)
	}
	if got.BlockNumber != 7 {
		t.Errorf("block = %d", got.BlockNumber)
	}
}

func TestDecodeEvent_BetPlaced(t *testing.T) {
	a := predictionABI(t)
	ev := a.Events["BetPlaced"]
	user := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	data, err := ev.Inputs.NonIndexed().Pack(true, ToWei(decimal.RequireFromString("12.5")))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	got, ok, err := DecodeEvent(a, ethtypes.Log{
		Topics: []common.Hash{ev.ID, marketTopic(3), common.BytesToHash(user.Bytes())},
		Data:   data,
	})
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if got.User != user.Hex() {
		t.Errorf("user = %s", got.User)
	}
	if got.IsYes == nil || !*got.IsYes {
		t.Errorf("isYes = %v", got.IsYes)
	}
	if !got.Amount.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("amount = %s", got.Amount)
	}
}

func TestDecodeEvent_MarketCancelledHasNoData(t *testing.T) {
	a := predictionABI(t)
	got, ok, err := DecodeEvent(a, ethtypes.Log{
		Topics: []common.Hash{a.Events["MarketCancelled"].ID, marketTopic(9)},
	})
	if err != nil || !ok || got.Name != "MarketCancelled" || got.MarketID != 9 {
		t.Fatalf("got %+v ok=%v err=%v", got, ok, err)
	}
}

func TestDecodeEvent_UnknownTopicSkipped(t *testing.T) {
	a := predictionABI(t)
	_, ok, err := DecodeEvent(a, ethtypes.Log{
		Topics: []common.Hash{common.HexToHash("0x1234"), marketTopic(1)},
	})
	if ok || err != nil {
		t.Fatalf("ok=%v err=%v, want skipped", ok, err)
	}
}

func TestWeiConversion(t *testing.T) {
	d := decimal.RequireFromString("1.000000000000000001")
	w := ToWei(d)
	if w.String() != "1000000000000000001" {
		t.Errorf("ToWei = %s", w)
	}
	if !FromWei(w).Equal(d) {
		t.Errorf("FromWei = %s", FromWei(w))
	}
	if got := ToWei(decimal.RequireFromString("0.0000000000000000019")); got.Sign() != 1 || got.Int64() != 1 {
		t.Errorf("dust should truncate, got %s", got)
	}
	if !FromWei(nil).IsZero() {
		t.Error("nil wei should be zero")
	}
}
