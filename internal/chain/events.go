package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/takarun/takaledger/internal/domain"
)

// MarketEvents returns every prediction contract event for one on-chain
// market, oldest first.
func (c *Client) MarketEvents(ctx context.Context, marketID uint64, fromBlock uint64) ([]domain.ChainEvent, error) {
	ids := make([]common.Hash, 0, len(c.predABI.Events))
	for _, ev := range c.predABI.Events {
		ids = append(ids, ev.ID)
	}
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{c.prediction},
		Topics:    [][]common.Hash{ids, {common.BigToHash(new(big.Int).SetUint64(marketID))}},
	}
	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("chain: filter logs market %d: %w", marketID, err)
	}

	out := make([]domain.ChainEvent, 0, len(logs))
	for _, l := range logs {
		ev, ok, err := DecodeEvent(c.predABI, l)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (c *Client) marketCreatedID(rcpt *ethtypes.Receipt) (uint64, error) {
	for _, l := range rcpt.Logs {
		if l.Address != c.prediction {
			continue
		}
		ev, ok, err := DecodeEvent(c.predABI, *l)
		if err != nil {
			return 0, err
		}
		if ok && ev.Name == "MarketCreated" {
			return ev.MarketID, nil
		}
	}
	return 0, fmt.Errorf("chain: tx %s has no MarketCreated event", rcpt.TxHash.Hex())
}

// DecodeEvent decodes a prediction contract log. ok is false for logs that
// are not one of the contract's events.
func DecodeEvent(contract abi.ABI, l ethtypes.Log) (domain.ChainEvent, bool, error) {
	if len(l.Topics) < 2 {
		return domain.ChainEvent{}, false, nil
	}
	abiEvent, err := contract.EventByID(l.Topics[0])
	if err != nil {
		return domain.ChainEvent{}, false, nil
	}

	fields := map[string]any{}
	if len(l.Data) > 0 {
		if err := contract.UnpackIntoMap(fields, abiEvent.Name, l.Data); err != nil {
			return domain.ChainEvent{}, false, fmt.Errorf("chain: decode %s: %w", abiEvent.Name, err)
		}
	}

	ev := domain.ChainEvent{
		Name:        abiEvent.Name,
		MarketID:    new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(),
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
	}
	if len(l.Topics) > 2 {
		ev.User = common.BytesToAddress(l.Topics[2].Bytes()).Hex()
	}
	if v, ok := fields["title"].(string); ok {
		ev.Title = v
	}
	if v, ok := fields["deadline"].(*big.Int); ok {
		d := time.Unix(v.Int64(), 0).UTC()
		ev.Deadline = &d
	}
	for _, key := range []string{"isYes", "outcome"} {
		if v, ok := fields[key].(bool); ok {
			ev.IsYes = &v
		}
	}
	for _, key := range []string{"amount", "payout"} {
		if v, ok := fields[key].(*big.Int); ok {
			ev.Amount = FromWei(v)
		}
	}
	return ev, true, nil
}
