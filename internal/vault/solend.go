package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/yield402/treasury/internal/chain"
	"github.com/yield402/treasury/internal/logger"
	"github.com/yield402/treasury/internal/retry"
	"github.com/yield402/treasury/internal/types"
	"github.com/yield402/treasury/internal/utils"
)

var vaultLogger = logger.GetForComponent("solend_adapter")

const (
	StepSetup    = "setup"
	StepDeposit  = "deposit"
	StepWithdraw = "withdraw"
)

// SolendConfig identifies the lending market and reserve to supply into.
type SolendConfig struct {
	ProgramID string
	Market    string
	Reserve   string // Optional; discovered by mint when empty
	Mint      string
	Retry     retry.Policy
}

// SolendAdapter supplies the treasury mint to a Solend reserve and holds the cTokens as
// obligation collateral.
type SolendAdapter struct {
	reader  chain.Reader
	exec    Executor
	program solana.PublicKey
	market  solana.PublicKey
	mint    solana.PublicKey
	reserve string
	retry   retry.Policy
}

// NewSolendAdapter validates the configuration and dependencies.
func NewSolendAdapter(cfg SolendConfig, reader chain.Reader, exec Executor) (*SolendAdapter, error) {
	if err := validateSolendInputs(cfg, reader, exec); err != nil {
		return nil, fmt.Errorf("solend adapter validation failed: %w", err)
	}
	program, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("invalid solend program id %q: %w", cfg.ProgramID, err)
	}
	market, err := solana.PublicKeyFromBase58(cfg.Market)
	if err != nil {
		return nil, fmt.Errorf("invalid solend market %q: %w", cfg.Market, err)
	}
	mint, err := solana.PublicKeyFromBase58(cfg.Mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint %q: %w", cfg.Mint, err)
	}
	if cfg.Reserve != "" {
		if _, err := solana.PublicKeyFromBase58(cfg.Reserve); err != nil {
			return nil, fmt.Errorf("invalid solend reserve %q: %w", cfg.Reserve, err)
		}
	}

	vaultLogger.Info().
		Str("program", cfg.ProgramID).
		Str("market", cfg.Market).
		Str("mint", cfg.Mint).
		Str("wallet", exec.PublicKey().String()).
		Msg("Solend adapter initialized")

	return &SolendAdapter{
		reader:  reader,
		exec:    exec,
		program: program,
		market:  market,
		mint:    mint,
		reserve: cfg.Reserve,
		retry:   cfg.Retry,
	}, nil
}

func validateSolendInputs(cfg SolendConfig, reader chain.Reader, exec Executor) error {
	var errs []error
	if reader == nil {
		errs = append(errs, errors.New("chain reader cannot be nil"))
	}
	if exec == nil {
		errs = append(errs, errors.New("transaction executor cannot be nil"))
	}
	if cfg.ProgramID == "" {
		errs = append(errs, errors.New("program id cannot be empty"))
	}
	if cfg.Market == "" {
		errs = append(errs, errors.New("lending market cannot be empty"))
	}
	if cfg.Mint == "" {
		errs = append(errs, errors.New("mint cannot be empty"))
	}
	return errors.Join(errs...)
}

func (s *SolendAdapter) Name() string { return "solend" }

// LoadReserve reads the reserve from chain, retrying rate-limited calls.
func (s *SolendAdapter) LoadReserve(ctx context.Context) (*types.ReserveSnapshot, error) {
	return retry.Do(ctx, s.retry, "load solend reserve", s.loadReserveOnce)
}

func (s *SolendAdapter) loadReserveOnce(ctx context.Context) (*types.ReserveSnapshot, error) {
	if s.reserve != "" {
		data, err := s.reader.GetAccountData(ctx, s.reserve)
		if err != nil {
			return nil, err
		}
		res, err := DecodeReserve(s.reserve, data)
		if err != nil {
			return nil, err
		}
		if res.LiquidityMint != s.mint.String() || res.LendingMarket != s.market.String() {
			return nil, fmt.Errorf("%w: reserve %s holds %s in market %s", ErrReserveNotFound, s.reserve, res.LiquidityMint, res.LendingMarket)
		}
		return res, nil
	}

	accounts, err := s.reader.FindProgramAccounts(ctx, s.program.String(), ReserveLen,
		chain.MemcmpFilter{Offset: reserveLendingMarketOffset, Bytes: s.market.Bytes()},
		chain.MemcmpFilter{Offset: reserveLiquidityMintOffset, Bytes: s.mint.Bytes()},
	)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: mint %s, market %s", ErrReserveNotFound, s.mint, s.market)
	}
	if len(accounts) > 1 {
		vaultLogger.Warn().Int("count", len(accounts)).Msg("Multiple reserves match mint, using the first")
	}
	return DecodeReserve(accounts[0].Address, accounts[0].Data)
}

type obligationState struct {
	Address     solana.PublicKey
	Allocated   bool
	Initialized bool
	Snapshot    *types.ObligationSnapshot
}

func (s *SolendAdapter) loadObligation(ctx context.Context) (*obligationState, error) {
	addr, err := ObligationAddress(s.program, s.market, s.exec.PublicKey())
	if err != nil {
		return nil, err
	}
	return retry.Do(ctx, s.retry, "load solend obligation", func(ctx context.Context) (*obligationState, error) {
		state := &obligationState{Address: addr}
		data, err := s.reader.GetAccountData(ctx, addr.String())
		if errors.Is(err, chain.ErrAccountNotFound) {
			return state, nil
		}
		if err != nil {
			return nil, err
		}
		state.Allocated = true
		if len(data) == 0 || data[0] == 0 {
			return state, nil
		}
		snap, err := DecodeObligation(addr.String(), data)
		if err != nil {
			return nil, err
		}
		state.Initialized = true
		state.Snapshot = snap
		return state, nil
	})
}

func (s *SolendAdapter) accountExists(ctx context.Context, addr solana.PublicKey) (bool, error) {
	return retry.Do(ctx, s.retry, "load token account", func(ctx context.Context) (bool, error) {
		_, err := s.reader.GetAccountData(ctx, addr.String())
		if errors.Is(err, chain.ErrAccountNotFound) {
			return false, nil
		}
		return err == nil, err
	})
}

func reserveAccountsFrom(res *types.ReserveSnapshot) (reserveAccounts, error) {
	var out reserveAccounts
	fields := []struct {
		dst *solana.PublicKey
		src string
	}{
		{&out.Address, res.Address},
		{&out.LendingMarket, res.LendingMarket},
		{&out.LiquidityMint, res.LiquidityMint},
		{&out.LiquiditySupply, res.LiquiditySupply},
		{&out.CollateralMint, res.CollateralMint},
		{&out.CollateralSupply, res.CollateralSupply},
		{&out.PythOracle, res.PythOracle},
		{&out.SwitchboardOracle, res.SwitchboardOracle},
	}
	for _, f := range fields {
		key, err := solana.PublicKeyFromBase58(f.src)
		if err != nil {
			return reserveAccounts{}, fmt.Errorf("reserve %s field %q: %w", res.Address, f.src, err)
		}
		*f.dst = key
	}
	return out, nil
}

// Deposit supplies amount and collateralizes the cTokens in the merchant's obligation.
func (s *SolendAdapter) Deposit(ctx context.Context, amount decimal.Decimal) (string, error) {
	sig, err := s.deposit(ctx, amount)
	if err != nil {
		vaultLogger.Error().Err(err).Str("amount", amount.String()).Msg("Deposit failed")
		return "", fmt.Errorf("%w: %w", ErrDepositFailed, err)
	}
	vaultLogger.Info().Str("amount", amount.String()).Str("signature", sig).Msg("Deposit confirmed")
	return sig, nil
}

func (s *SolendAdapter) deposit(ctx context.Context, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	reserve, err := s.LoadReserve(ctx)
	if err != nil {
		return "", err
	}
	raw, err := utils.DecimalToBaseUnits(amount, int(reserve.LiquidityDecimals))
	if err != nil {
		return "", err
	}
	if raw.IsZero() || !raw.IsUint64() {
		return "", fmt.Errorf("%w: %s is %s base units", ErrInvalidAmount, amount, raw)
	}

	vaultLogger.Info().
		Str("amount", amount.String()).
		Str("rawAmount", raw.String()).
		Uint8("decimals", reserve.LiquidityDecimals).
		Str("reserve", reserve.Address).
		Msg("Building deposit")

	steps, err := s.depositSteps(ctx, reserve, raw.Uint64())
	if err != nil {
		return "", err
	}
	return runSteps(ctx, s.exec, steps)
}

func (s *SolendAdapter) depositSteps(ctx context.Context, reserve *types.ReserveSnapshot, amount uint64) ([]Step, error) {
	accts, err := reserveAccountsFrom(reserve)
	if err != nil {
		return nil, err
	}
	owner := s.exec.PublicKey()
	authority, err := LendingMarketAuthority(s.program, accts.LendingMarket)
	if err != nil {
		return nil, err
	}
	userLiquidity, _, err := solana.FindAssociatedTokenAddress(owner, accts.LiquidityMint)
	if err != nil {
		return nil, err
	}

	var setup []solana.Instruction

	obligation, err := s.loadObligation(ctx)
	if err != nil {
		return nil, err
	}
	if !obligation.Allocated {
		lamports, err := retry.Do(ctx, s.retry, "load obligation rent", func(ctx context.Context) (uint64, error) {
			return s.reader.MinimumBalanceForRentExemption(ctx, ObligationLen)
		})
		if err != nil {
			return nil, err
		}
		create, err := createAccountWithSeedIx(owner, obligation.Address, obligationSeed(accts.LendingMarket), lamports, ObligationLen, s.program)
		if err != nil {
			return nil, err
		}
		setup = append(setup, create)
	}
	if !obligation.Initialized {
		setup = append(setup, initObligationIx(s.program, obligation.Address, accts.LendingMarket, owner))
	}

	createCollateral, userCollateral, err := createATAIx(owner, accts.CollateralMint)
	if err != nil {
		return nil, err
	}
	exists, err := s.accountExists(ctx, userCollateral)
	if err != nil {
		return nil, err
	}
	if !exists {
		setup = append(setup, createCollateral)
	}

	deposit, err := depositIx(s.program, accts, authority, obligation.Address, owner, userLiquidity, userCollateral, amount)
	if err != nil {
		return nil, err
	}

	var steps []Step
	if len(setup) > 0 {
		steps = append(steps, Step{Label: StepSetup, Instructions: setup})
	}
	steps = append(steps, Step{Label: StepDeposit, Instructions: []solana.Instruction{
		refreshReserveIx(s.program, accts),
		deposit,
	}})
	return steps, nil
}

// Withdraw redeems collateral worth amount back to the merchant's token account.
func (s *SolendAdapter) Withdraw(ctx context.Context, amount decimal.Decimal) (string, error) {
	sig, err := s.withdraw(ctx, amount)
	if err != nil {
		vaultLogger.Error().Err(err).Str("amount", amount.String()).Msg("Withdraw failed")
		return "", fmt.Errorf("%w: %w", ErrWithdrawFailed, err)
	}
	vaultLogger.Info().Str("amount", amount.String()).Str("signature", sig).Msg("Withdraw confirmed")
	return sig, nil
}

func (s *SolendAdapter) withdraw(ctx context.Context, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	reserve, err := s.LoadReserve(ctx)
	if err != nil {
		return "", err
	}
	raw, err := utils.DecimalToBaseUnits(amount, int(reserve.LiquidityDecimals))
	if err != nil {
		return "", err
	}
	obligation, err := s.loadObligation(ctx)
	if err != nil {
		return "", err
	}
	if !obligation.Initialized {
		return "", fmt.Errorf("%w: no obligation", ErrInsufficientPosition)
	}
	deposit, ok := obligation.Snapshot.DepositFor(reserve.Address)
	if !ok {
		return "", fmt.Errorf("%w: no deposit in reserve %s", ErrInsufficientPosition, reserve.Address)
	}
	collateral := CollateralForLiquidity(reserve, raw)
	if collateral.IsZero() || !collateral.IsUint64() {
		return "", fmt.Errorf("%w: %s redeems no collateral", ErrInvalidAmount, amount)
	}
	if collateral.GT(deposit.DepositedAmount) {
		return "", fmt.Errorf("%w: need %s cTokens, hold %s", ErrInsufficientPosition, collateral, deposit.DepositedAmount)
	}

	steps, err := s.withdrawSteps(ctx, reserve, obligation, collateral.Uint64())
	if err != nil {
		return "", err
	}
	return runSteps(ctx, s.exec, steps)
}

func (s *SolendAdapter) withdrawSteps(ctx context.Context, reserve *types.ReserveSnapshot, obligation *obligationState, collateral uint64) ([]Step, error) {
	accts, err := reserveAccountsFrom(reserve)
	if err != nil {
		return nil, err
	}
	owner := s.exec.PublicKey()
	authority, err := LendingMarketAuthority(s.program, accts.LendingMarket)
	if err != nil {
		return nil, err
	}
	userCollateral, _, err := solana.FindAssociatedTokenAddress(owner, accts.CollateralMint)
	if err != nil {
		return nil, err
	}
	createLiquidity, userLiquidity, err := createATAIx(owner, accts.LiquidityMint)
	if err != nil {
		return nil, err
	}

	var steps []Step
	exists, err := s.accountExists(ctx, userLiquidity)
	if err != nil {
		return nil, err
	}
	if !exists {
		steps = append(steps, Step{Label: StepSetup, Instructions: []solana.Instruction{createLiquidity}})
	}

	// Refresh every reserve the obligation touches, then the obligation itself.
	var ixs []solana.Instruction
	var obligationReserves []solana.PublicKey
	refreshed := map[string]bool{}
	addresses := make([]string, 0, len(obligation.Snapshot.Deposits)+len(obligation.Snapshot.BorrowReserves))
	for _, d := range obligation.Snapshot.Deposits {
		addresses = append(addresses, d.Reserve)
	}
	addresses = append(addresses, obligation.Snapshot.BorrowReserves...)
	for _, addr := range addresses {
		key, err := solana.PublicKeyFromBase58(addr)
		if err != nil {
			return nil, fmt.Errorf("obligation reserve %q: %w", addr, err)
		}
		obligationReserves = append(obligationReserves, key)
		if refreshed[addr] {
			continue
		}
		refreshed[addr] = true
		other := accts
		if addr != reserve.Address {
			other, err = s.loadReserveAccounts(ctx, addr)
			if err != nil {
				return nil, err
			}
		}
		ixs = append(ixs, refreshReserveIx(s.program, other))
	}
	ixs = append(ixs, refreshObligationIx(s.program, obligation.Address, obligationReserves))

	withdraw, err := withdrawIx(s.program, accts, authority, obligation.Address, owner, userLiquidity, userCollateral, collateral)
	if err != nil {
		return nil, err
	}
	ixs = append(ixs, withdraw)

	steps = append(steps, Step{Label: StepWithdraw, Instructions: ixs})
	return steps, nil
}

func (s *SolendAdapter) loadReserveAccounts(ctx context.Context, address string) (reserveAccounts, error) {
	res, err := retry.Do(ctx, s.retry, "load obligation reserve", func(ctx context.Context) (*types.ReserveSnapshot, error) {
		data, err := s.reader.GetAccountData(ctx, address)
		if err != nil {
			return nil, err
		}
		return DecodeReserve(address, data)
	})
	if err != nil {
		return reserveAccounts{}, err
	}
	return reserveAccountsFrom(res)
}

// GetApy returns the reserve's supply APY in percent, 0 on any failure.
func (s *SolendAdapter) GetApy(ctx context.Context) float64 {
	reserve, err := s.LoadReserve(ctx)
	if err != nil {
		vaultLogger.Error().Err(err).Msg("Failed to fetch APY")
		return 0
	}
	apy := reserve.SupplyAPY * 100
	vaultLogger.Debug().Float64("apyPercent", apy).Str("reserve", reserve.Address).Msg("Current supply APY")
	return apy
}

// GetPosition values the merchant's collateral in the reserve at the current exchange rate.
func (s *SolendAdapter) GetPosition(ctx context.Context) (decimal.Decimal, error) {
	reserve, err := s.LoadReserve(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	obligation, err := s.loadObligation(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if !obligation.Initialized {
		return decimal.Zero, nil
	}
	deposit, ok := obligation.Snapshot.DepositFor(reserve.Address)
	if !ok {
		return decimal.Zero, nil
	}
	liquidity := LiquidityForCollateral(reserve, deposit.DepositedAmount)
	return utils.BaseUnitsToDecimal(liquidity, int(reserve.LiquidityDecimals))
}

var (
	_ YieldAdapter = (*SolendAdapter)(nil)
	_ YieldAdapter = (*MockAdapter)(nil)
)
