package rebalancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/yield402/treasury/internal/ledger"
	"github.com/yield402/treasury/internal/logger"
	"github.com/yield402/treasury/internal/metrics"
	"github.com/yield402/treasury/internal/types"
	"github.com/yield402/treasury/internal/utils"
	"github.com/yield402/treasury/internal/vault"
)

// recentRunsKept bounds the in-memory run history used when no StateStore is configured.
const recentRunsKept = 100

// CashSource reports the merchant's liquid balance of the treasury mint.
type CashSource interface {
	IdleCash(ctx context.Context) (decimal.Decimal, error)
}

// StateStore persists controller state across restarts.
type StateStore interface {
	LoadState(ctx context.Context) (*types.RebalancerState, error)
	SaveLastDepositAt(ctx context.Context, at time.Time) error
	SaveParameters(ctx context.Context, params types.RebalancerParameters) error
	RecordRun(ctx context.Context, run types.RebalanceRun) error
	ListRuns(ctx context.Context, limit int) ([]types.RebalanceRun, error)
	RunSummary(ctx context.Context) (*types.RunSummary, error)
}

// Config holds the dependencies of a Controller.
type Config struct {
	Adapter     vault.YieldAdapter
	Ledger      *ledger.Ledger
	Cash        CashSource
	Parameters  types.RebalancerParameters
	Store       StateStore // Optional
	CashAddress string     // Recorded as the source of deposits
	Now         func() time.Time
}

// Result is the outcome of one Trigger call.
type Result struct {
	types.RebalanceRun
	Transaction *types.TreasuryTransaction `json:"transaction,omitempty"`
}

// Controller sweeps cash above the buffer into the yield adapter, at most once per cooldown.
type Controller struct {
	logger      zerolog.Logger
	adapter     vault.YieldAdapter
	ledger      *ledger.Ledger
	cash        CashSource
	store       StateStore
	cashAddress string
	now         func() time.Time

	mu            sync.Mutex
	params        types.RebalancerParameters
	lastDepositAt time.Time // Zero until the first successful deposit
	inFlight      bool
	recent        []types.RebalanceRun
}

// NewController validates cfg and restores persisted state when a store is configured.
// Saved parameters take precedence over cfg.Parameters.
func NewController(ctx context.Context, cfg Config) (*Controller, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("rebalancer configuration validation failed: %w", err)
	}

	c := &Controller{
		logger:      logger.GetForComponent("rebalancer"),
		adapter:     cfg.Adapter,
		ledger:      cfg.Ledger,
		cash:        cfg.Cash,
		store:       cfg.Store,
		cashAddress: cfg.CashAddress,
		now:         cfg.Now,
		params:      cfg.Parameters,
	}
	if c.now == nil {
		c.now = time.Now
	}

	if c.store != nil {
		saved, err := c.store.LoadState(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to restore rebalancer state: %w", err)
		}
		if saved.LastDepositAt != nil {
			c.lastDepositAt = *saved.LastDepositAt
		}
		if saved.Parameters != nil {
			if err := saved.Parameters.Validate(); err != nil {
				c.logger.Warn().Err(err).Msg("Ignoring invalid saved parameters")
			} else {
				c.params = *saved.Parameters
			}
		}
	}

	c.logger.Info().
		Str("adapter", c.adapter.Name()).
		Str("minBufferUsdc", c.params.MinBufferUSDC.String()).
		Str("minDepositUsdc", c.params.MinDepositUSDC.String()).
		Int("cooldownSec", c.params.CooldownSeconds).
		Time("lastDepositAt", c.lastDepositAt).
		Msg("Rebalance controller created")
	return c, nil
}

func validateConfig(cfg Config) error {
	var errs []error
	if cfg.Adapter == nil {
		errs = append(errs, errors.New("yield adapter cannot be nil"))
	}
	if cfg.Ledger == nil {
		errs = append(errs, errors.New("ledger cannot be nil"))
	}
	if cfg.Cash == nil {
		errs = append(errs, errors.New("cash source cannot be nil"))
	}
	if err := cfg.Parameters.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ComputeExcess is the cash above the buffer, floored to whole cents, never negative.
func ComputeExcess(cash, minBuffer decimal.Decimal) decimal.Decimal {
	excess := cash.Sub(minBuffer)
	if !excess.IsPositive() {
		return decimal.Zero
	}
	return utils.RoundDownCents(excess)
}

// RunLoop triggers a sweep immediately and then every interval until ctx is done.
func (c *Controller) RunLoop(ctx context.Context, interval time.Duration) {
	c.logger.Info().Dur("interval", interval).Msg("Starting rebalance loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Trigger(ctx, "interval")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Rebalance loop stopped due to context cancellation")
			return
		case <-ticker.C:
			c.Trigger(ctx, "interval")
		}
	}
}

// Trigger runs one sweep decision. Concurrent calls are safe: at most one sweep is in flight and
// the rest report skipped_in_flight.
func (c *Controller) Trigger(ctx context.Context, reason string) Result {
	run := types.RebalanceRun{
		ID:         uuid.New(),
		Reason:     reason,
		CashUSDC:   decimal.Zero,
		ExcessUSDC: decimal.Zero,
		StartedAt:  c.now().UTC(),
	}
	runLogger := c.logger.With().Str("trigger_id", run.ID.String()).Str("reason", reason).Logger()

	params, status, reserved := c.reserve(run.StartedAt)
	if !reserved {
		runLogger.Debug().Str("status", string(status)).Msg("Sweep skipped")
		return c.finish(ctx, run, status, nil, runLogger)
	}

	deposited := false
	defer func() { c.release(deposited) }()

	cash, err := c.cash.IdleCash(ctx)
	if err != nil {
		run.Error = fmt.Sprintf("failed to read cash balance: %v", err)
		return c.finish(ctx, run, types.RebalanceFailed, nil, runLogger)
	}
	run.CashUSDC = cash
	run.ExcessUSDC = ComputeExcess(cash, params.MinBufferUSDC)

	if !run.ExcessUSDC.IsPositive() || run.ExcessUSDC.LessThan(params.MinDepositUSDC) {
		runLogger.Debug().
			Str("cashUsdc", cash.String()).
			Str("excessUsdc", run.ExcessUSDC.String()).
			Msg("Excess below deposit threshold")
		return c.finish(ctx, run, types.RebalanceSkippedThreshold, nil, runLogger)
	}

	runLogger.Info().
		Str("cashUsdc", cash.String()).
		Str("excessUsdc", run.ExcessUSDC.String()).
		Str("adapter", c.adapter.Name()).
		Msg("Sweeping excess cash into yield")

	tx, err := c.ledger.Record(ctx, ledger.Request{
		Type:     types.TransactionDeposit,
		Amount:   run.ExcessUSDC,
		Protocol: c.adapter.Name(),
		From:     c.cashAddress,
		To:       c.adapter.Name(),
		Metadata: map[string]any{
			types.MetaTrigger: reason,
			"triggerId":       run.ID.String(),
			"cashUsdc":        cash.String(),
			"minBufferUsdc":   params.MinBufferUSDC.String(),
		},
	}, func(ctx context.Context) (string, error) {
		return c.adapter.Deposit(ctx, run.ExcessUSDC)
	})
	if tx != nil {
		id := tx.ID
		run.TransactionID = &id
	}
	if err != nil {
		run.Error = err.Error()
		return c.finish(ctx, run, types.RebalanceFailed, tx, runLogger)
	}

	deposited = true
	return c.finish(ctx, run, types.RebalanceDeposited, tx, runLogger)
}

// reserve applies the cooldown and in-flight checks and, when both pass, marks a sweep in flight.
func (c *Controller) reserve(now time.Time) (types.RebalancerParameters, types.RebalanceStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastDepositAt.IsZero() && now.Sub(c.lastDepositAt) < c.params.Cooldown() {
		return c.params, types.RebalanceSkippedCooldown, false
	}
	if c.inFlight {
		return c.params, types.RebalanceSkippedInFlight, false
	}
	c.inFlight = true
	return c.params, "", true
}

func (c *Controller) release(deposited bool) {
	c.mu.Lock()
	c.inFlight = false
	var at time.Time
	if deposited {
		at = c.now().UTC()
		c.lastDepositAt = at
	}
	c.mu.Unlock()

	if deposited && c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.store.SaveLastDepositAt(ctx, at); err != nil {
			c.logger.Error().Err(err).Msg("Failed to persist last deposit time")
		}
	}
}

func (c *Controller) finish(ctx context.Context, run types.RebalanceRun, status types.RebalanceStatus, tx *types.TreasuryTransaction, runLogger zerolog.Logger) Result {
	run.Status = status
	run.Duration = c.now().UTC().Sub(run.StartedAt)

	c.mu.Lock()
	c.recent = append(c.recent, run)
	if len(c.recent) > recentRunsKept {
		c.recent = c.recent[len(c.recent)-recentRunsKept:]
	}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.RecordRun(context.WithoutCancel(ctx), run); err != nil {
			runLogger.Error().Err(err).Msg("Failed to record rebalance run")
		}
	}
	metrics.RebalanceRuns.WithLabelValues(string(status)).Inc()

	event := runLogger.Info()
	if status == types.RebalanceFailed {
		event = runLogger.Error().Str("error", run.Error)
	} else if status == types.RebalanceSkippedCooldown || status == types.RebalanceSkippedInFlight {
		event = runLogger.Debug()
	}
	event.
		Str("status", string(status)).
		Str("excessUsdc", run.ExcessUSDC.String()).
		Dur("duration", run.Duration).
		Msg("Rebalance trigger finished")

	return Result{RebalanceRun: run, Transaction: tx}
}

// Parameters returns the parameters in effect.
func (c *Controller) Parameters() types.RebalancerParameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// SetParameters validates and applies params, persisting them first when a store is configured.
// A cooldown change applies to the next trigger.
func (c *Controller) SetParameters(ctx context.Context, params types.RebalancerParameters) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.SaveParameters(ctx, params); err != nil {
			return fmt.Errorf("failed to persist parameters: %w", err)
		}
	}

	c.mu.Lock()
	c.params = params
	c.mu.Unlock()

	c.logger.Info().
		Str("minBufferUsdc", params.MinBufferUSDC.String()).
		Str("minDepositUsdc", params.MinDepositUSDC.String()).
		Int("cooldownSec", params.CooldownSeconds).
		Msg("Rebalancer parameters updated")
	return nil
}

// LastDepositAt returns the time of the last successful sweep, zero if none.
func (c *Controller) LastDepositAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDepositAt
}

// RecentRuns returns up to limit runs, newest first.
func (c *Controller) RecentRuns(ctx context.Context, limit int) ([]types.RebalanceRun, error) {
	if limit <= 0 {
		limit = 10
	}
	limit = min(limit, recentRunsKept)
	if c.store != nil {
		return c.store.ListRuns(ctx, limit)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.RebalanceRun, 0, limit)
	for i := len(c.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, c.recent[i])
	}
	return out, nil
}

// Summary aggregates run history. Without a store it covers the in-memory window only.
func (c *Controller) Summary(ctx context.Context) (*types.RunSummary, error) {
	if c.store != nil {
		return c.store.RunSummary(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	summary := &types.RunSummary{ByStatus: map[types.RebalanceStatus]int{}, DepositedUSDC: decimal.Zero}
	for _, run := range c.recent {
		summary.Add(run)
	}
	return summary, nil
}
