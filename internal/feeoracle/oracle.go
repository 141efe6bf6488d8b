// Package feeoracle publishes the priority fee bid attached to settlement
// transactions. The bid follows network congestion but is capped by a USD
// budget using an external price quote.
package feeoracle

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultFee is published when the network sample is empty or fails
	// (micro-lamports per compute unit).
	DefaultFee uint64 = 5000
	// DefaultInterval between recomputations.
	DefaultInterval = 10 * time.Second
	// LamportsPerSOL converts between the native asset and its smallest unit.
	LamportsPerSOL = 1_000_000_000
)

var priorityFeeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "x402",
	Name:      "priority_fee_microlamports",
	Help:      "Currently published priority fee bid.",
})

func init() {
	prometheus.MustRegister(priorityFeeGauge)
}

// FeeSampler reports recently observed network prioritization fees.
type FeeSampler interface {
	GetRecentPrioritizationFees(ctx context.Context) ([]uint64, error)
}

// SamplerFunc adapts a function to FeeSampler.
type SamplerFunc func(ctx context.Context) ([]uint64, error)

// GetRecentPrioritizationFees calls f.
func (f SamplerFunc) GetRecentPrioritizationFees(ctx context.Context) ([]uint64, error) {
	return f(ctx)
}

// PriceFeed quotes the native asset in USD.
type PriceFeed interface {
	Price(ctx context.Context) (float64, error)
}

// Config tunes the oracle. Zero fields take defaults; MaxUSD <= 0 disables capping.
type Config struct {
	Interval    time.Duration
	DefaultFee  uint64
	MaxUSD      float64
	CallTimeout time.Duration
}

// Oracle recomputes the fee on an interval and serves the last value without
// blocking.
type Oracle struct {
	sampler FeeSampler
	prices  PriceFeed
	cfg     Config
	logger  *slog.Logger

	latest  atomic.Uint64
	running atomic.Bool
	stop    chan struct{}
}

// New creates an oracle that publishes cfg.DefaultFee until the first refresh.
func New(sampler FeeSampler, prices PriceFeed, cfg Config, logger *slog.Logger) *Oracle {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.DefaultFee == 0 {
		cfg.DefaultFee = DefaultFee
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Oracle{
		sampler: sampler,
		prices:  prices,
		cfg:     cfg,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	o.publish(cfg.DefaultFee)
	return o
}

// Latest returns the last published fee.
func (o *Oracle) Latest() uint64 {
	return o.latest.Load()
}

// Start refreshes once and then on every interval until ctx is cancelled or
// Stop is called. It blocks; run it in a goroutine.
func (o *Oracle) Start(ctx context.Context) {
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	defer o.running.Store(false)

	o.logger.Info("priority fee oracle started", "interval", o.cfg.Interval, "max_usd", o.cfg.MaxUSD)
	o.safeRefresh(ctx)

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("priority fee oracle stopped")
			return
		case <-o.stop:
			o.logger.Info("priority fee oracle stopped")
			return
		case <-ticker.C:
			o.safeRefresh(ctx)
		}
	}
}

// Stop signals the refresh loop to exit.
func (o *Oracle) Stop() {
	select {
	case <-o.stop:
	default:
		close(o.stop)
	}
}

func (o *Oracle) safeRefresh(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in priority fee refresh", "panic", r)
		}
	}()
	o.Refresh(ctx)
}

// Refresh recomputes and publishes the fee, returning the published value.
func (o *Oracle) Refresh(ctx context.Context) uint64 {
	baseline := o.sampleBaseline(ctx)

	priceCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	price, err := o.prices.Price(priceCtx)
	cancel()
	if err != nil || price <= 0 {
		o.logger.Warn("price feed unavailable, publishing uncapped network fee", "error", err, "fee", baseline)
		o.publish(baseline)
		return baseline
	}

	fee, capped := ComputeCap(baseline, price, o.cfg.MaxUSD)
	if capped {
		o.logger.Warn("network fee exceeds cost cap, capping",
			"sol_price", price, "baseline_fee", baseline, "max_usd", o.cfg.MaxUSD, "capped_fee", fee)
	} else {
		o.logger.Debug("priority fee updated", "sol_price", price, "fee", fee)
	}
	o.publish(fee)
	return fee
}

func (o *Oracle) sampleBaseline(ctx context.Context) uint64 {
	sampleCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	fees, err := o.sampler.GetRecentPrioritizationFees(sampleCtx)
	if err != nil {
		o.logger.Warn("fee sample failed, using default", "error", err)
		return o.cfg.DefaultFee
	}
	median, ok := MedianNonZero(fees)
	if !ok {
		o.logger.Debug("no non-zero fee samples, using default")
		return o.cfg.DefaultFee
	}
	return median
}

func (o *Oracle) publish(fee uint64) {
	o.latest.Store(fee)
	priorityFeeGauge.Set(float64(fee))
}

// MedianNonZero returns the upper median of the non-zero samples.
func MedianNonZero(samples []uint64) (uint64, bool) {
	nonZero := make([]uint64, 0, len(samples))
	for _, s := range samples {
		if s > 0 {
			nonZero = append(nonZero, s)
		}
	}
	if len(nonZero) == 0 {
		return 0, false
	}
	sort.Slice(nonZero, func(i, j int) bool { return nonZero[i] < nonZero[j] })
	return nonZero[len(nonZero)/2], true
}

// ComputeCap applies the USD budget to a baseline fee. If fee/1e9*price
// exceeds maxUSD the result is floor(maxUSD/price*1e9); otherwise fee.
// A non-positive price or budget leaves the fee unchanged.
func ComputeCap(fee uint64, price, maxUSD float64) (uint64, bool) {
	if price <= 0 || maxUSD <= 0 {
		return fee, false
	}
	feeUSD := float64(fee) / LamportsPerSOL * price
	if feeUSD <= maxUSD {
		return fee, false
	}
	return uint64(math.Floor(maxUSD / price * LamportsPerSOL)), true
}
