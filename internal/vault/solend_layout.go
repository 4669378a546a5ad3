/*

This file decodes Solend (SPL token-lending) reserve and obligation accounts and derives the
supply APY and cToken exchange rate from them.

*/

package vault

import (
	"fmt"
	"math"
	"math/big"

	sdkmath "cosmossdk.io/math"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/yield402/treasury/internal/types"
)

const (
	ReserveLen    = 619
	ObligationLen = 1300

	reserveLendingMarketOffset = 10
	reserveLiquidityMintOffset = 42

	obligationDepositsLenOffset = 202
	obligationDepositLen        = 56
	obligationBorrowLen         = 80
	maxObligationReserves       = 10

	slotsPerYear = 63072000
)

// layoutReader reads little-endian fields in order, keeping the first error.
type layoutReader struct {
	dec *bin.Decoder
	err error
}

func newLayoutReader(data []byte) *layoutReader {
	return &layoutReader{dec: bin.NewBinDecoder(data)}
}

func (r *layoutReader) bytes(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	b, err := r.dec.ReadNBytes(n)
	if err != nil {
		r.err = err
		return make([]byte, n)
	}
	return b
}

func (r *layoutReader) u8() uint8 {
	return r.bytes(1)[0]
}

func (r *layoutReader) u64() uint64 {
	b := r.bytes(8)
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func (r *layoutReader) u128() sdkmath.Int {
	lo := new(big.Int).SetUint64(r.u64())
	hi := new(big.Int).SetUint64(r.u64())
	return sdkmath.NewIntFromBigInt(hi.Lsh(hi, 64).Or(hi, lo))
}

func (r *layoutReader) pubkey() solana.PublicKey {
	return solana.PublicKeyFromBytes(r.bytes(32))
}

func (r *layoutReader) skip(n int) {
	r.bytes(n)
}

// DecodeReserve parses reserve account data.
func DecodeReserve(address string, data []byte) (*types.ReserveSnapshot, error) {
	if len(data) < ReserveLen {
		return nil, fmt.Errorf("reserve %s: data too short (%d bytes)", address, len(data))
	}
	r := newLayoutReader(data)

	r.skip(1 + 8 + 1) // version, last update slot, stale flag
	res := &types.ReserveSnapshot{Address: address}
	res.LendingMarket = r.pubkey().String()
	res.LiquidityMint = r.pubkey().String()
	res.LiquidityDecimals = r.u8()
	res.LiquiditySupply = r.pubkey().String()
	res.PythOracle = r.pubkey().String()
	res.SwitchboardOracle = r.pubkey().String()
	res.AvailableAmount = sdkmath.NewIntFromUint64(r.u64())
	res.BorrowedWads = r.u128()
	r.skip(16 + 16) // cumulative borrow rate, market price
	res.CollateralMint = r.pubkey().String()
	res.CollateralSupplyAmount = sdkmath.NewIntFromUint64(r.u64())
	res.CollateralSupply = r.pubkey().String()

	res.OptimalUtilizationRate = r.u8()
	r.skip(3) // loan to value, liquidation bonus, liquidation threshold
	res.MinBorrowRate = r.u8()
	res.OptimalBorrowRate = r.u8()
	res.MaxBorrowRate = r.u8()
	r.skip(8 + 8 + 1 + 8 + 8 + 32 + 1) // fees, host fee, limits, fee receiver, liquidation fee
	res.ProtocolTakeRate = r.u8()

	if r.err != nil {
		return nil, fmt.Errorf("reserve %s: %w", address, r.err)
	}
	if res.LiquidityDecimals > 18 {
		return nil, fmt.Errorf("reserve %s: implausible mint decimals %d", address, res.LiquidityDecimals)
	}

	res.ExchangeRate = exchangeRate(res)
	res.SupplyAPY = supplyAPY(res)
	return res, nil
}

// totalLiquidity is available plus borrowed liquidity in base units.
func totalLiquidity(res *types.ReserveSnapshot) sdkmath.LegacyDec {
	borrowed := sdkmath.LegacyNewDecFromBigIntWithPrec(res.BorrowedWads.BigInt(), 18)
	return sdkmath.LegacyNewDecFromInt(res.AvailableAmount).Add(borrowed)
}

// exchangeRate is the liquidity redeemable per cToken. A reserve with no cTokens starts at 1.
func exchangeRate(res *types.ReserveSnapshot) sdkmath.LegacyDec {
	if res.CollateralSupplyAmount.IsZero() {
		return sdkmath.LegacyOneDec()
	}
	return totalLiquidity(res).QuoInt(res.CollateralSupplyAmount)
}

func utilization(res *types.ReserveSnapshot) float64 {
	total, err := totalLiquidity(res).Float64()
	if err != nil || total <= 0 {
		return 0
	}
	borrowed, err := sdkmath.LegacyNewDecFromBigIntWithPrec(res.BorrowedWads.BigInt(), 18).Float64()
	if err != nil {
		return 0
	}
	return borrowed / total
}

// borrowAPR follows the reserve's two-slope rate curve.
func borrowAPR(res *types.ReserveSnapshot, util float64) float64 {
	optimalUtil := float64(res.OptimalUtilizationRate) / 100
	minRate := float64(res.MinBorrowRate) / 100
	optimalRate := float64(res.OptimalBorrowRate) / 100
	maxRate := float64(res.MaxBorrowRate) / 100

	if optimalUtil >= 1 || util <= optimalUtil {
		if optimalUtil == 0 {
			return minRate
		}
		return minRate + util/optimalUtil*(optimalRate-minRate)
	}
	return optimalRate + (util-optimalUtil)/(1-optimalUtil)*(maxRate-optimalRate)
}

// supplyAPY compounds the supply APR once per slot.
func supplyAPY(res *types.ReserveSnapshot) float64 {
	util := utilization(res)
	if util == 0 {
		return 0
	}
	apr := borrowAPR(res, util) * util * (1 - float64(res.ProtocolTakeRate)/100)
	apy := math.Pow(1+apr/slotsPerYear, slotsPerYear) - 1
	if math.IsNaN(apy) || math.IsInf(apy, 0) || apy < 0 {
		return 0
	}
	return apy
}

// DecodeObligation parses obligation account data.
func DecodeObligation(address string, data []byte) (*types.ObligationSnapshot, error) {
	if len(data) < obligationDepositsLenOffset+2 {
		return nil, fmt.Errorf("obligation %s: data too short (%d bytes)", address, len(data))
	}
	r := newLayoutReader(data)
	r.skip(1 + 8 + 1)
	ob := &types.ObligationSnapshot{Address: address}
	ob.LendingMarket = r.pubkey().String()
	ob.Owner = r.pubkey().String()
	r.skip(obligationDepositsLenOffset - 74)

	depositsLen := int(r.u8())
	borrowsLen := int(r.u8())
	if depositsLen+borrowsLen > maxObligationReserves {
		return nil, fmt.Errorf("obligation %s: %d deposits and %d borrows exceed the maximum", address, depositsLen, borrowsLen)
	}
	for i := 0; i < depositsLen; i++ {
		dep := types.ObligationDeposit{Reserve: r.pubkey().String()}
		dep.DepositedAmount = sdkmath.NewIntFromUint64(r.u64())
		dep.MarketValueWads = r.u128()
		ob.Deposits = append(ob.Deposits, dep)
	}
	for i := 0; i < borrowsLen; i++ {
		ob.BorrowReserves = append(ob.BorrowReserves, r.pubkey().String())
		r.skip(obligationBorrowLen - 32)
	}
	if r.err != nil {
		return nil, fmt.Errorf("obligation %s: %w", address, r.err)
	}
	return ob, nil
}

// CollateralForLiquidity converts a liquidity amount to the cTokens that redeem for it, rounding down.
func CollateralForLiquidity(res *types.ReserveSnapshot, liquidity sdkmath.Int) sdkmath.Int {
	if res.ExchangeRate.IsNil() || !res.ExchangeRate.IsPositive() {
		return liquidity
	}
	return sdkmath.LegacyNewDecFromInt(liquidity).Quo(res.ExchangeRate).TruncateInt()
}

// LiquidityForCollateral converts cTokens to redeemable liquidity, rounding down.
func LiquidityForCollateral(res *types.ReserveSnapshot, collateral sdkmath.Int) sdkmath.Int {
	if res.ExchangeRate.IsNil() || !res.ExchangeRate.IsPositive() {
		return collateral
	}
	return res.ExchangeRate.MulInt(collateral).TruncateInt()
}
