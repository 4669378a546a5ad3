package vault

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yield402/treasury/internal/chain"
	"github.com/yield402/treasury/internal/retry"
)

type reserveFixture struct {
	address     solana.PublicKey
	market      solana.PublicKey
	mint        solana.PublicKey
	collateral  solana.PublicKey
	decimals    uint8
	available   uint64
	borrowed    uint64 // base units, converted to wads
	cTokens     uint64
	optimalUtil uint8
	minRate     uint8
	optimalRate uint8
	maxRate     uint8
	takeRate    uint8
}

func newReserveFixture() reserveFixture {
	return reserveFixture{
		address:     solana.NewWallet().PublicKey(),
		market:      solana.NewWallet().PublicKey(),
		mint:        solana.NewWallet().PublicKey(),
		collateral:  solana.NewWallet().PublicKey(),
		decimals:    6,
		available:   1_000_000_000,
		borrowed:    500_000_000,
		cTokens:     1_000_000_000,
		optimalUtil: 80,
		optimalRate: 8,
		maxRate:     100,
	}
}

func (f reserveFixture) encode() []byte {
	data := make([]byte, ReserveLen)
	data[0] = 1
	copy(data[10:], f.market[:])
	copy(data[42:], f.mint[:])
	data[74] = f.decimals
	supply := solana.NewWallet().PublicKey()
	copy(data[75:], supply[:])
	pyth := solana.NewWallet().PublicKey()
	copy(data[107:], pyth[:])
	sb := solana.NewWallet().PublicKey()
	copy(data[139:], sb[:])
	binary.LittleEndian.PutUint64(data[171:], f.available)
	putU128(data[179:], new(big.Int).Mul(new(big.Int).SetUint64(f.borrowed), big.NewInt(1e18)))
	copy(data[227:], f.collateral[:])
	binary.LittleEndian.PutUint64(data[259:], f.cTokens)
	cSupply := solana.NewWallet().PublicKey()
	copy(data[267:], cSupply[:])
	data[299] = f.optimalUtil
	data[303] = f.minRate
	data[304] = f.optimalRate
	data[305] = f.maxRate
	data[372] = f.takeRate
	return data
}

func putU128(dst []byte, v *big.Int) {
	mask := new(big.Int).SetUint64(^uint64(0))
	lo := new(big.Int).And(v, mask).Uint64()
	hi := new(big.Int).Rsh(v, 64).Uint64()
	binary.LittleEndian.PutUint64(dst, lo)
	binary.LittleEndian.PutUint64(dst[8:], hi)
}

func encodeObligation(market, owner solana.PublicKey, deposits map[solana.PublicKey]uint64) []byte {
	data := make([]byte, ObligationLen)
	data[0] = 1
	copy(data[10:], market[:])
	copy(data[42:], owner[:])
	data[202] = uint8(len(deposits))
	off := 204
	for reserve, amount := range deposits {
		copy(data[off:], reserve[:])
		binary.LittleEndian.PutUint64(data[off+32:], amount)
		off += obligationDepositLen
	}
	return data
}

type fakeReader struct {
	mu          sync.Mutex
	accounts    map[string][]byte
	program     []chain.KeyedAccount
	findErrs    []error // Returned by successive FindProgramAccounts calls before succeeding
	findCalls   int
	readErr     error
	rentLamport uint64
	rentErrs    []error // Returned by successive MinimumBalanceForRentExemption calls before succeeding
	rentCalls   int
}

func newFakeReader() *fakeReader {
	return &fakeReader{accounts: map[string][]byte{}, rentLamport: 9_938_880}
}

func (f *fakeReader) GetTransaction(context.Context, string) (*chain.TxEffects, error) {
	return nil, chain.ErrTransactionNotFound
}

func (f *fakeReader) GetTokenHoldings(context.Context, string, string) (*chain.TokenHoldings, error) {
	return &chain.TokenHoldings{}, nil
}

func (f *fakeReader) GetAccountData(_ context.Context, address string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	data, ok := f.accounts[address]
	if !ok {
		return nil, chain.ErrAccountNotFound
	}
	return data, nil
}

func (f *fakeReader) FindProgramAccounts(context.Context, string, uint64, ...chain.MemcmpFilter) ([]chain.KeyedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.findCalls <= len(f.findErrs) {
		return nil, f.findErrs[f.findCalls-1]
	}
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.program, nil
}

func (f *fakeReader) MinimumBalanceForRentExemption(context.Context, uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rentCalls++
	if f.rentCalls <= len(f.rentErrs) {
		return 0, f.rentErrs[f.rentCalls-1]
	}
	return f.rentLamport, nil
}

type executedStep struct {
	label string
	ixs   []solana.Instruction
}

type fakeExecutor struct {
	key    solana.PublicKey
	steps  []executedStep
	failOn string
}

func (f *fakeExecutor) PublicKey() solana.PublicKey { return f.key }

func (f *fakeExecutor) Execute(_ context.Context, label string, ixs []solana.Instruction) (string, error) {
	if label == f.failOn {
		return "sig-" + label, errors.New("transaction failed on chain")
	}
	f.steps = append(f.steps, executedStep{label: label, ixs: ixs})
	return fmt.Sprintf("sig-%d-%s", len(f.steps), label), nil
}

func (f *fakeExecutor) labels() []string {
	out := make([]string, 0, len(f.steps))
	for _, s := range f.steps {
		out = append(out, s.label)
	}
	return out
}

func noWaitPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		Sleep:      func(context.Context, time.Duration) error { return nil },
	}
}

type solendHarness struct {
	adapter *SolendAdapter
	reader  *fakeReader
	exec    *fakeExecutor
	reserve reserveFixture
	program solana.PublicKey
}

func newSolendHarness(t *testing.T) *solendHarness {
	t.Helper()
	res := newReserveFixture()
	reader := newFakeReader()
	reader.program = []chain.KeyedAccount{{Address: res.address.String(), Data: res.encode()}}
	exec := &fakeExecutor{key: solana.NewWallet().PublicKey()}
	program := solana.MustPublicKeyFromBase58("ALend7Ketfx5bxh6ghsCDXAoDrhvEmsXT3cynB6aPLgx")

	adapter, err := NewSolendAdapter(SolendConfig{
		ProgramID: program.String(),
		Market:    res.market.String(),
		Mint:      res.mint.String(),
		Retry:     noWaitPolicy(),
	}, reader, exec)
	require.NoError(t, err)
	return &solendHarness{adapter: adapter, reader: reader, exec: exec, reserve: res, program: program}
}

func (h *solendHarness) withObligation(t *testing.T, cTokens uint64) {
	t.Helper()
	addr, err := ObligationAddress(h.program, h.reserve.market, h.exec.key)
	require.NoError(t, err)
	deposits := map[solana.PublicKey]uint64{}
	if cTokens > 0 {
		deposits[h.reserve.address] = cTokens
	}
	h.reader.accounts[addr.String()] = encodeObligation(h.reserve.market, h.exec.key, deposits)
}

func (h *solendHarness) withTokenAccount(t *testing.T, mint solana.PublicKey) {
	t.Helper()
	ata, _, err := solana.FindAssociatedTokenAddress(h.exec.key, mint)
	require.NoError(t, err)
	h.reader.accounts[ata.String()] = make([]byte, 165)
}

func instructionData(t *testing.T, ix solana.Instruction) []byte {
	t.Helper()
	data, err := ix.Data()
	require.NoError(t, err)
	return data
}

func TestDecodeReserve(t *testing.T) {
	res := newReserveFixture()
	snap, err := DecodeReserve(res.address.String(), res.encode())
	require.NoError(t, err)

	assert.Equal(t, res.market.String(), snap.LendingMarket)
	assert.Equal(t, res.mint.String(), snap.LiquidityMint)
	assert.Equal(t, res.collateral.String(), snap.CollateralMint)
	assert.Equal(t, uint8(6), snap.LiquidityDecimals)
	assert.Equal(t, "1000000000", snap.AvailableAmount.String())
	assert.Equal(t, uint8(80), snap.OptimalUtilizationRate)
	assert.Equal(t, uint8(100), snap.MaxBorrowRate)

	// 1500 USDC of liquidity behind 1000 cTokens.
	assert.Equal(t, "1.500000000000000000", snap.ExchangeRate.String())

	// Utilization 1/3 on the first slope: borrow APR 3.33%, supply APR 1.11%.
	assert.InDelta(t, 0.011173, snap.SupplyAPY, 1e-5)
}

func TestDecodeReserveTakeRateReducesAPY(t *testing.T) {
	res := newReserveFixture()
	base, err := DecodeReserve("r", res.encode())
	require.NoError(t, err)

	res.takeRate = 20
	taxed, err := DecodeReserve("r", res.encode())
	require.NoError(t, err)

	assert.Less(t, taxed.SupplyAPY, base.SupplyAPY)
	assert.InDelta(t, base.SupplyAPY*0.8, taxed.SupplyAPY, 1e-4)
}

func TestDecodeReserveEmptyPool(t *testing.T) {
	res := newReserveFixture()
	res.available = 0
	res.borrowed = 0
	res.cTokens = 0

	snap, err := DecodeReserve("r", res.encode())
	require.NoError(t, err)
	assert.True(t, snap.ExchangeRate.Equal(sdkmath.LegacyOneDec()))
	assert.Zero(t, snap.SupplyAPY)
}

func TestDecodeReserveRejectsShortData(t *testing.T) {
	_, err := DecodeReserve("r", make([]byte, 100))
	assert.Error(t, err)

	_, err = DecodeObligation("o", make([]byte, 10))
	assert.Error(t, err)
}

func TestDecodeObligation(t *testing.T) {
	market := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()
	reserve := solana.NewWallet().PublicKey()

	ob, err := DecodeObligation("o", encodeObligation(market, owner, map[solana.PublicKey]uint64{reserve: 42}))
	require.NoError(t, err)
	assert.Equal(t, market.String(), ob.LendingMarket)
	assert.Equal(t, owner.String(), ob.Owner)
	require.Len(t, ob.Deposits, 1)

	dep, ok := ob.DepositFor(reserve.String())
	require.True(t, ok)
	assert.Equal(t, "42", dep.DepositedAmount.String())

	_, ok = ob.DepositFor(market.String())
	assert.False(t, ok)
}

func TestCollateralConversionRoundsDown(t *testing.T) {
	snap, err := DecodeReserve("r", newReserveFixture().encode())
	require.NoError(t, err)

	assert.Equal(t, "2000000", CollateralForLiquidity(snap, sdkmath.NewInt(3_000_000)).String())
	assert.Equal(t, "3000000", LiquidityForCollateral(snap, sdkmath.NewInt(2_000_000)).String())
	assert.Equal(t, "0", CollateralForLiquidity(snap, sdkmath.NewInt(1)).String())
}

func TestRunStepsReportsProgress(t *testing.T) {
	exec := &fakeExecutor{key: solana.NewWallet().PublicKey(), failOn: StepDeposit}
	steps := []Step{{Label: StepSetup}, {Label: StepDeposit}}

	sig, err := runSteps(context.Background(), exec, steps)
	assert.Empty(t, sig)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepDeposit, stepErr.Step)
	assert.Equal(t, StepSetup, stepErr.LastCompleted)
	assert.Equal(t, "sig-deposit", stepErr.Signature)
	assert.Contains(t, err.Error(), "after setup")
}

func TestMockAdapter(t *testing.T) {
	ctx := context.Background()
	m := NewMockAdapter(4.5)

	assert.Equal(t, "mock", m.Name())
	assert.Equal(t, 4.5, m.GetApy(ctx))

	_, err := m.Deposit(ctx, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.ErrorIs(t, err, ErrDepositFailed)

	sig, err := m.Deposit(ctx, decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Contains(t, sig, "mock-")

	_, err = m.Withdraw(ctx, decimal.NewFromInt(11))
	assert.ErrorIs(t, err, ErrInsufficientPosition)

	_, err = m.Withdraw(ctx, decimal.NewFromInt(4))
	require.NoError(t, err)

	pos, err := m.GetPosition(ctx)
	require.NoError(t, err)
	assert.True(t, pos.Equal(decimal.NewFromInt(6)))

	m.FailWith(errors.New("boom"))
	_, err = m.Deposit(ctx, decimal.NewFromInt(1))
	var stepErr *StepError
	assert.ErrorAs(t, err, &stepErr)
	assert.Len(t, m.Deposits(), 1)
}

func TestNewSelectsAdapter(t *testing.T) {
	a, err := New(Options{Adapter: "mock", MockAPYPercent: 3})
	require.NoError(t, err)
	assert.Equal(t, "mock", a.Name())

	_, err = New(Options{Adapter: "solend"})
	assert.Error(t, err)

	_, err = New(Options{Adapter: "aave"})
	assert.Error(t, err)
}

func TestSolendDepositCreatesObligationFirst(t *testing.T) {
	h := newSolendHarness(t)

	sig, err := h.adapter.Deposit(context.Background(), decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	assert.Equal(t, "sig-2-deposit", sig)
	require.Equal(t, []string{StepSetup, StepDeposit}, h.exec.labels())

	setup := h.exec.steps[0].ixs
	require.Len(t, setup, 3)
	assert.Equal(t, solana.SystemProgramID, setup[0].ProgramID())
	assert.Equal(t, []byte{tagInitObligation}, instructionData(t, setup[1]))
	assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, setup[2].ProgramID())

	deposit := h.exec.steps[1].ixs
	require.Len(t, deposit, 2)
	assert.Equal(t, []byte{tagRefreshReserve}, instructionData(t, deposit[0]))
	data := instructionData(t, deposit[1])
	assert.Equal(t, tagDepositLiquidityAndCollateral, data[0])
	assert.Equal(t, uint64(1_500_000), binary.LittleEndian.Uint64(data[1:]))
}

func TestSolendDepositRetriesRateLimitedRentLookup(t *testing.T) {
	h := newSolendHarness(t)
	h.reader.rentErrs = []error{errors.New("HTTP 429 Too Many Requests"), errors.New("429")}

	_, err := h.adapter.Deposit(context.Background(), decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	assert.Equal(t, 3, h.reader.rentCalls)
	assert.Equal(t, []string{StepSetup, StepDeposit}, h.exec.labels())
}

func TestSolendDepositSkipsSetupWhenAccountsExist(t *testing.T) {
	h := newSolendHarness(t)
	h.withObligation(t, 0)
	h.withTokenAccount(t, h.reserve.collateral)

	_, err := h.adapter.Deposit(context.Background(), decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.Equal(t, []string{StepDeposit}, h.exec.labels())
}

func TestSolendDepositFailureCarriesStep(t *testing.T) {
	h := newSolendHarness(t)
	h.exec.failOn = StepDeposit

	_, err := h.adapter.Deposit(context.Background(), decimal.NewFromInt(2))
	require.ErrorIs(t, err, ErrDepositFailed)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepSetup, stepErr.LastCompleted)
}

func TestSolendDepositRejectsDust(t *testing.T) {
	h := newSolendHarness(t)

	_, err := h.adapter.Deposit(context.Background(), decimal.RequireFromString("0.0000001"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Empty(t, h.exec.steps)
}

func TestSolendWithdraw(t *testing.T) {
	h := newSolendHarness(t)
	h.withObligation(t, 2_000_000)
	h.withTokenAccount(t, h.reserve.mint)
	h.reader.accounts[h.reserve.address.String()] = h.reserve.encode()

	_, err := h.adapter.Withdraw(context.Background(), decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	require.Equal(t, []string{StepWithdraw}, h.exec.labels())

	ixs := h.exec.steps[0].ixs
	require.Len(t, ixs, 3)
	assert.Equal(t, []byte{tagRefreshReserve}, instructionData(t, ixs[0]))
	assert.Equal(t, []byte{tagRefreshObligation}, instructionData(t, ixs[1]))
	data := instructionData(t, ixs[2])
	assert.Equal(t, tagWithdrawCollateralAndRedeem, data[0])
	assert.Equal(t, uint64(1_000_000), binary.LittleEndian.Uint64(data[1:]))
}

func TestSolendWithdrawBeyondPosition(t *testing.T) {
	h := newSolendHarness(t)
	h.withObligation(t, 2_000_000)

	_, err := h.adapter.Withdraw(context.Background(), decimal.NewFromInt(4))
	assert.ErrorIs(t, err, ErrWithdrawFailed)
	assert.ErrorIs(t, err, ErrInsufficientPosition)
	assert.Empty(t, h.exec.steps)
}

func TestSolendWithdrawWithoutObligation(t *testing.T) {
	h := newSolendHarness(t)

	_, err := h.adapter.Withdraw(context.Background(), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrInsufficientPosition)
}

func TestSolendPositionAndApy(t *testing.T) {
	h := newSolendHarness(t)
	ctx := context.Background()

	pos, err := h.adapter.GetPosition(ctx)
	require.NoError(t, err)
	assert.True(t, pos.IsZero())

	h.withObligation(t, 2_000_000)
	pos, err = h.adapter.GetPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", pos.String())

	assert.InDelta(t, 1.1173, h.adapter.GetApy(ctx), 1e-3)

	h.reader.readErr = errors.New("connection refused")
	assert.Zero(t, h.adapter.GetApy(ctx))
}

func TestSolendRetriesRateLimitedReads(t *testing.T) {
	h := newSolendHarness(t)
	h.reader.findErrs = []error{errors.New("HTTP 429 Too Many Requests"), errors.New("429")}

	_, err := h.adapter.LoadReserve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, h.reader.findCalls)
}

func TestSolendRetriesExhausted(t *testing.T) {
	h := newSolendHarness(t)
	h.reader.findErrs = []error{errors.New("429"), errors.New("429"), errors.New("429"), errors.New("429"), errors.New("429")}

	_, err := h.adapter.LoadReserve(context.Background())
	assert.ErrorIs(t, err, retry.ErrRetriesExhausted)
	assert.Equal(t, 4, h.reader.findCalls)
}

func TestSolendPinnedReserveMustMatchMint(t *testing.T) {
	res := newReserveFixture()
	reader := newFakeReader()
	reader.accounts[res.address.String()] = res.encode()
	exec := &fakeExecutor{key: solana.NewWallet().PublicKey()}

	adapter, err := NewSolendAdapter(SolendConfig{
		ProgramID: "ALend7Ketfx5bxh6ghsCDXAoDrhvEmsXT3cynB6aPLgx",
		Market:    res.market.String(),
		Reserve:   res.address.String(),
		Mint:      solana.NewWallet().PublicKey().String(),
		Retry:     noWaitPolicy(),
	}, reader, exec)
	require.NoError(t, err)

	_, err = adapter.LoadReserve(context.Background())
	assert.ErrorIs(t, err, ErrReserveNotFound)
}

func TestSolendReserveNotFound(t *testing.T) {
	h := newSolendHarness(t)
	h.reader.program = nil

	_, err := h.adapter.Deposit(context.Background(), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrReserveNotFound)
	assert.ErrorIs(t, err, ErrDepositFailed)
}
