// Package chain talks to the settlement chain: the TK token and the
// prediction market contract, signed either by the treasury or by a
// custodial user wallet.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/crypto"
	"github.com/takarun/takaledger/internal/domain"
)

// Config holds the endpoint and contract addresses.
type Config struct {
	RPCURL            string
	ChainID           int64
	TokenAddress      string
	PredictionAddress string
	TxTimeout         time.Duration
	ReceiptPoll       time.Duration
}

// TxSigner signs transactions for one address. *crypto.Signer satisfies it.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error)
}

// Client is a go-ethereum backed chain client.
type Client struct {
	eth        *ethclient.Client
	chainID    *big.Int
	token      common.Address
	prediction common.Address
	tokenABI   abi.ABI
	predABI    abi.ABI
	treasury   TxSigner
	txTimeout  time.Duration
	poll       time.Duration
	logger     *slog.Logger
}

// Dial connects to the RPC endpoint and parses the contract ABIs.
func Dial(ctx context.Context, cfg Config, treasury *crypto.Signer, logger *slog.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.TokenAddress) || !common.IsHexAddress(cfg.PredictionAddress) {
		return nil, fmt.Errorf("chain: invalid contract address")
	}
	tokenABI, err := abi.JSON(strings.NewReader(TokenABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse token abi: %w", err)
	}
	predABI, err := abi.JSON(strings.NewReader(PredictionABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse prediction abi: %w", err)
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}

	poll := cfg.ReceiptPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Client{
		eth:        eth,
		chainID:    big.NewInt(cfg.ChainID),
		token:      common.HexToAddress(cfg.TokenAddress),
		prediction: common.HexToAddress(cfg.PredictionAddress),
		tokenABI:   tokenABI,
		predABI:    predABI,
		treasury:   treasury,
		txTimeout:  cfg.TxTimeout,
		poll:       poll,
		logger:     logger.With(slog.String("component", "chain")),
	}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() { c.eth.Close() }

// TreasuryAddress returns the treasury signer address.
func (c *Client) TreasuryAddress() string { return c.treasury.Address().Hex() }

// TreasuryPendingNonce returns the pending nonce of the treasury account.
func (c *Client) TreasuryPendingNonce(ctx context.Context) (uint64, error) {
	n, err := c.eth.PendingNonceAt(ctx, c.treasury.Address())
	if err != nil {
		return 0, fmt.Errorf("chain: pending nonce: %w", err)
	}
	return n, nil
}

// TokenBalance returns the TK balance of addr in whole tokens.
func (c *Client) TokenBalance(ctx context.Context, addr string) (decimal.Decimal, error) {
	data, err := c.tokenABI.Pack("balanceOf", common.HexToAddress(addr))
	if err != nil {
		return decimal.Zero, fmt.Errorf("chain: pack balanceOf: %w", err)
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("chain: call balanceOf %s: %w", addr, err)
	}
	var bal *big.Int
	if err := c.tokenABI.UnpackIntoInterface(&bal, "balanceOf", out); err != nil {
		return decimal.Zero, fmt.Errorf("chain: unpack balanceOf: %w", err)
	}
	return FromWei(bal), nil
}

// NativeBalance returns the gas token balance of addr.
func (c *Client) NativeBalance(ctx context.Context, addr string) (decimal.Decimal, error) {
	bal, err := c.eth.BalanceAt(ctx, common.HexToAddress(addr), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("chain: balance %s: %w", addr, err)
	}
	return FromWei(bal), nil
}

// CreateMarket creates the market on chain with the given treasury nonce
// and returns the tx hash and the id from the MarketCreated event.
func (c *Client) CreateMarket(ctx context.Context, nonce uint64, title, description string, deadline time.Time) (string, uint64, error) {
	data, err := c.predABI.Pack("createMarket", title, description, big.NewInt(deadline.Unix()))
	if err != nil {
		return "", 0, fmt.Errorf("chain: pack createMarket: %w", err)
	}
	rcpt, err := c.send(ctx, c.treasury, &nonce, c.prediction, data)
	if err != nil {
		return "", 0, err
	}
	id, err := c.marketCreatedID(rcpt)
	if err != nil {
		return rcpt.TxHash.Hex(), 0, err
	}
	return rcpt.TxHash.Hex(), id, nil
}

// ResolveMarket settles the on-chain market with the treasury nonce.
func (c *Client) ResolveMarket(ctx context.Context, nonce, marketID uint64, outcome bool) (string, error) {
	return c.treasuryCall(ctx, nonce, c.prediction, c.predABI, "resolveMarket", new(big.Int).SetUint64(marketID), outcome)
}

// CancelMarket cancels the on-chain market with the treasury nonce.
func (c *Client) CancelMarket(ctx context.Context, nonce, marketID uint64) (string, error) {
	return c.treasuryCall(ctx, nonce, c.prediction, c.predABI, "cancelMarket", new(big.Int).SetUint64(marketID))
}

// Transfer sends TK from the treasury to addr.
func (c *Client) Transfer(ctx context.Context, nonce uint64, to string, amount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("chain: transfer: invalid address %q", to)
	}
	return c.treasuryCall(ctx, nonce, c.token, c.tokenABI, "transfer", common.HexToAddress(to), ToWei(amount))
}

// PlaceBet approves the stake and places the bet from the user's wallet.
func (c *Client) PlaceBet(ctx context.Context, user TxSigner, marketID uint64, isYes bool, amount decimal.Decimal) (string, error) {
	wei := ToWei(amount)
	approve, err := c.tokenABI.Pack("approve", c.prediction, wei)
	if err != nil {
		return "", fmt.Errorf("chain: pack approve: %w", err)
	}
	if _, err := c.send(ctx, user, nil, c.token, approve); err != nil {
		// An unmined approve is not the bet; retrying re-approves.
		if hash, ok := domain.InFlightHash(err); ok {
			return "", fmt.Errorf("chain: approve %s not mined", hash)
		}
		return "", fmt.Errorf("chain: approve: %w", err)
	}
	bet, err := c.predABI.Pack("placeBet", new(big.Int).SetUint64(marketID), isYes, wei)
	if err != nil {
		return "", fmt.Errorf("chain: pack placeBet: %w", err)
	}
	rcpt, err := c.send(ctx, user, nil, c.prediction, bet)
	if err != nil {
		return "", err
	}
	return rcpt.TxHash.Hex(), nil
}

// ClaimWinnings claims a resolved market's payout for the user.
func (c *Client) ClaimWinnings(ctx context.Context, user TxSigner, marketID uint64) (string, error) {
	return c.userCall(ctx, user, "claimWinnings", marketID)
}

// Refund reclaims the user's stake on a cancelled market.
func (c *Client) Refund(ctx context.Context, user TxSigner, marketID uint64) (string, error) {
	return c.userCall(ctx, user, "refund", marketID)
}

func (c *Client) userCall(ctx context.Context, user TxSigner, method string, marketID uint64) (string, error) {
	data, err := c.predABI.Pack(method, new(big.Int).SetUint64(marketID))
	if err != nil {
		return "", fmt.Errorf("chain: pack %s: %w", method, err)
	}
	rcpt, err := c.send(ctx, user, nil, c.prediction, data)
	if err != nil {
		return "", err
	}
	return rcpt.TxHash.Hex(), nil
}

func (c *Client) treasuryCall(ctx context.Context, nonce uint64, to common.Address, contract abi.ABI, method string, args ...any) (string, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("chain: pack %s: %w", method, err)
	}
	rcpt, err := c.send(ctx, c.treasury, &nonce, to, data)
	if err != nil {
		return "", err
	}
	return rcpt.TxHash.Hex(), nil
}

// send signs and broadcasts a call and waits for a successful receipt. A nil
// nonce uses the signer's pending nonce.
func (c *Client) send(ctx context.Context, signer TxSigner, nonce *uint64, to common.Address, data []byte) (*ethtypes.Receipt, error) {
	if c.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.txTimeout)
		defer cancel()
	}
	from := signer.Address()

	var n uint64
	if nonce != nil {
		n = *nonce
	} else {
		pending, err := c.eth.PendingNonceAt(ctx, from)
		if err != nil {
			return nil, fmt.Errorf("chain: pending nonce %s: %w", from.Hex(), err)
		}
		n = pending
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: gas price: %w", err)
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Data:  data,
		Value: big.NewInt(0),
	})
	if err != nil {
		return nil, fmt.Errorf("chain: estimate gas: %w", err)
	}

	tx := ethtypes.NewTransaction(n, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := signer.SignTx(tx, c.chainID)
	if err != nil {
		return nil, err
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("chain: send tx: %w", err)
	}
	c.logger.DebugContext(ctx, "tx sent",
		slog.String("hash", signed.Hash().Hex()),
		slog.String("from", from.Hex()),
		slog.Uint64("nonce", n),
	)

	rcpt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, &domain.InFlightError{TxHash: signed.Hash().Hex(), Err: err}
	}
	if rcpt.Status != ethtypes.ReceiptStatusSuccessful {
		return rcpt, fmt.Errorf("chain: tx %s reverted", signed.Hash().Hex())
	}
	return rcpt, nil
}

// LookupTx reports whether a previously broadcast transaction was mined and
// whether it succeeded. A receipt carrying a MarketCreated event also yields
// the on-chain market id.
func (c *Client) LookupTx(ctx context.Context, hash string) (domain.TxReceipt, error) {
	rcpt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return domain.TxReceipt{}, nil
	}
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain: receipt %s: %w", hash, err)
	}
	out := domain.TxReceipt{Found: true, Success: rcpt.Status == ethtypes.ReceiptStatusSuccessful}
	if out.Success {
		if id, err := c.marketCreatedID(rcpt); err == nil {
			out.MarketID = &id
		}
	}
	return out, nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	t := time.NewTicker(c.poll)
	defer t.Stop()
	for {
		rcpt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return rcpt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("chain: receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: wait receipt %s: %w", hash.Hex(), ctx.Err())
		case <-t.C:
		}
	}
}

// FromWei converts an 18-decimal integer amount to whole tokens.
func FromWei(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -18)
}

// ToWei converts whole tokens to an 18-decimal integer, truncating dust.
func ToWei(d decimal.Decimal) *big.Int {
	return d.Shift(18).Truncate(0).BigInt()
}
