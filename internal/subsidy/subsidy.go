// Package subsidy sponsors the gas for on-chain escrow releases.
//
// When both parties have signed, the service can broadcast the release
// transaction itself so neither party pays gas. Spending is bounded by
// a daily cap on the sponsor key.
package subsidy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/goghmarket/goghd/internal/config"
	"github.com/goghmarket/goghd/internal/metrics"
)

var (
	// ErrDisabled is returned when gas subsidies are switched off.
	ErrDisabled = errors.New("gas subsidy is disabled")
	// ErrMissingSignature is returned when either party signature is absent.
	ErrMissingSignature = errors.New("both party signatures are required")
	// ErrDailyCapExceeded is returned when the sponsor hit its spend ceiling.
	ErrDailyCapExceeded = errors.New("daily gas subsidy cap exceeded")
)

// Submitter broadcasts a release transaction and reports its gas cost.
type Submitter interface {
	SubmitRelease(ctx context.Context, escrowID common.Address, buyerSig, sellerSig []byte) (txHash common.Hash, gasCostWei *big.Int, err error)
}

// Issuer gates subsidized releases behind the daily spend cap.
type Issuer struct {
	submitter Submitter
	enabled   bool
	logger    *slog.Logger

	mu           sync.Mutex
	dailyCapWei  *big.Int
	spentToday   *big.Int
	lastResetDay string
	now          func() time.Time
}

// Option customizes an Issuer.
type Option func(*Issuer)

// WithSubmitter overrides the transaction submitter. Used in tests.
func WithSubmitter(s Submitter) Option {
	return func(i *Issuer) { i.submitter = s }
}

// WithClock overrides the issuer's clock. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates a subsidy issuer from configuration. When subsidies
// are enabled and no submitter override is given, it dials the RPC
// endpoint and binds the escrow contract.
func NewIssuer(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Issuer, error) {
	capWei, err := EthToWei(cfg.SubsidyDailyCapETH)
	if err != nil {
		return nil, fmt.Errorf("invalid SUBSIDY_DAILY_CAP_ETH: %w", err)
	}

	i := &Issuer{
		enabled:     cfg.SubsidizeReleaseGas,
		logger:      logger,
		dailyCapWei: capWei,
		spentToday:  new(big.Int),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}

	if i.enabled && i.submitter == nil {
		sub, err := newRPCSubmitter(cfg)
		if err != nil {
			return nil, err
		}
		i.submitter = sub
	}
	return i, nil
}

// Enabled reports whether releases can be subsidized.
func (i *Issuer) Enabled() bool {
	return i.enabled && i.submitter != nil
}

// EthToWei converts a decimal ETH amount like "0.05" to wei.
func EthToWei(eth string) (*big.Int, error) {
	f, ok := new(big.Float).SetString(eth)
	if !ok || f.Sign() < 0 {
		return nil, fmt.Errorf("not a decimal amount: %q", eth)
	}
	wei, _ := new(big.Float).Mul(f, big.NewFloat(1e18)).Int(nil)
	return wei, nil
}

// Release broadcasts a subsidized release for the escrow. Both party
// signatures must be present; spending counts against the daily cap.
func (i *Issuer) Release(ctx context.Context, escrowID, buyerSig, sellerSig string) (string, error) {
	if !i.Enabled() {
		return "", ErrDisabled
	}
	if buyerSig == "" || sellerSig == "" {
		return "", ErrMissingSignature
	}

	if err := i.checkDailyLimit(); err != nil {
		metrics.SubsidizedReleasesTotal.WithLabelValues("cap_exceeded").Inc()
		return "", err
	}

	txHash, gasCost, err := i.submitter.SubmitRelease(ctx,
		common.HexToAddress(escrowID),
		common.FromHex(buyerSig),
		common.FromHex(sellerSig),
	)
	if err != nil {
		metrics.SubsidizedReleasesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("subsidized release failed: %w", err)
	}

	i.recordSpending(gasCost)
	metrics.SubsidizedReleasesTotal.WithLabelValues("ok").Inc()
	i.logger.Info("subsidized escrow release submitted",
		"escrow_id", escrowID,
		"tx_hash", txHash.Hex(),
		"gas_cost_wei", gasCost.String(),
	)
	return txHash.Hex(), nil
}

func (i *Issuer) checkDailyLimit() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	today := i.now().UTC().Format("2006-01-02")
	if today != i.lastResetDay {
		i.lastResetDay = today
		i.spentToday = new(big.Int)
	}
	if i.spentToday.Cmp(i.dailyCapWei) >= 0 {
		return ErrDailyCapExceeded
	}
	return nil
}

func (i *Issuer) recordSpending(wei *big.Int) {
	if wei == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.spentToday.Add(i.spentToday, wei)
}
