package vault

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Lending program instruction tags.
const (
	tagRefreshReserve                uint8  = 3
	tagInitObligation                uint8  = 6
	tagRefreshObligation             uint8  = 7
	tagDepositLiquidityAndCollateral uint8  = 14
	tagWithdrawCollateralAndRedeem   uint8  = 15
	systemCreateAccountWithSeed      uint32 = 3
)

// reserveAccounts are the addresses an instruction needs from a decoded reserve.
type reserveAccounts struct {
	Address           solana.PublicKey
	LendingMarket     solana.PublicKey
	LiquidityMint     solana.PublicKey
	LiquiditySupply   solana.PublicKey
	CollateralMint    solana.PublicKey
	CollateralSupply  solana.PublicKey
	PythOracle        solana.PublicKey
	SwitchboardOracle solana.PublicKey
}

func encodeTagAmount(tag uint8, amount uint64) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint8(tag); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(amount, bin.LE); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LendingMarketAuthority is the PDA that owns reserve token accounts.
func LendingMarketAuthority(program, market solana.PublicKey) (solana.PublicKey, error) {
	authority, _, err := solana.FindProgramAddress([][]byte{market.Bytes()}, program)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive lending market authority: %w", err)
	}
	return authority, nil
}

// obligationSeed is the seed the lending UI uses: the first 32 characters of the market address.
func obligationSeed(market solana.PublicKey) string {
	s := market.String()
	if len(s) > 32 {
		return s[:32]
	}
	return s
}

// ObligationAddress derives the merchant's obligation account for a market.
func ObligationAddress(program, market, owner solana.PublicKey) (solana.PublicKey, error) {
	addr, err := solana.CreateWithSeed(owner, obligationSeed(market), program)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive obligation address: %w", err)
	}
	return addr, nil
}

func refreshReserveIx(program solana.PublicKey, r reserveAccounts) solana.Instruction {
	return solana.NewInstruction(program, solana.AccountMetaSlice{
		solana.Meta(r.Address).WRITE(),
		solana.Meta(r.PythOracle),
		solana.Meta(r.SwitchboardOracle),
		solana.Meta(solana.SysVarClockPubkey),
	}, []byte{tagRefreshReserve})
}

func refreshObligationIx(program, obligation solana.PublicKey, reserves []solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.Meta(obligation).WRITE(),
		solana.Meta(solana.SysVarClockPubkey),
	}
	for _, r := range reserves {
		accounts = append(accounts, solana.Meta(r))
	}
	return solana.NewInstruction(program, accounts, []byte{tagRefreshObligation})
}

func initObligationIx(program, obligation, market, owner solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(program, solana.AccountMetaSlice{
		solana.Meta(obligation).WRITE(),
		solana.Meta(market),
		solana.Meta(owner).SIGNER(),
		solana.Meta(solana.SysVarClockPubkey),
		solana.Meta(solana.SysVarRentPubkey),
		solana.Meta(solana.TokenProgramID),
	}, []byte{tagInitObligation})
}

// createAccountWithSeedIx allocates the obligation account owned by the lending program.
func createAccountWithSeedIx(payer, created solana.PublicKey, seed string, lamports, space uint64, owner solana.PublicKey) (solana.Instruction, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	steps := []func() error{
		func() error { return enc.WriteUint32(systemCreateAccountWithSeed, bin.LE) },
		func() error { return enc.WriteBytes(payer.Bytes(), false) },
		func() error { return enc.WriteUint64(uint64(len(seed)), bin.LE) },
		func() error { return enc.WriteBytes([]byte(seed), false) },
		func() error { return enc.WriteUint64(lamports, bin.LE) },
		func() error { return enc.WriteUint64(space, bin.LE) },
		func() error { return enc.WriteBytes(owner.Bytes(), false) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, fmt.Errorf("encode create account with seed: %w", err)
		}
	}
	return solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
		solana.Meta(payer).WRITE().SIGNER(),
		solana.Meta(created).WRITE(),
	}, buf.Bytes()), nil
}

// createATAIx creates wallet's associated token account for mint, paid by wallet.
func createATAIx(wallet, mint solana.PublicKey) (solana.Instruction, solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("derive associated token account: %w", err)
	}
	ix := solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, solana.AccountMetaSlice{
		solana.Meta(wallet).WRITE().SIGNER(),
		solana.Meta(ata).WRITE(),
		solana.Meta(wallet),
		solana.Meta(mint),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(solana.TokenProgramID),
		solana.Meta(solana.SysVarRentPubkey),
	}, []byte{})
	return ix, ata, nil
}

func depositIx(program solana.PublicKey, r reserveAccounts, authority, obligation, owner, userLiquidity, userCollateral solana.PublicKey, amount uint64) (solana.Instruction, error) {
	data, err := encodeTagAmount(tagDepositLiquidityAndCollateral, amount)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(program, solana.AccountMetaSlice{
		solana.Meta(userLiquidity).WRITE(),
		solana.Meta(userCollateral).WRITE(),
		solana.Meta(r.Address).WRITE(),
		solana.Meta(r.LiquiditySupply).WRITE(),
		solana.Meta(r.CollateralMint).WRITE(),
		solana.Meta(r.LendingMarket),
		solana.Meta(authority),
		solana.Meta(r.CollateralSupply).WRITE(),
		solana.Meta(obligation).WRITE(),
		solana.Meta(owner).SIGNER(),
		solana.Meta(r.PythOracle),
		solana.Meta(r.SwitchboardOracle),
		solana.Meta(owner).SIGNER(),
		solana.Meta(solana.SysVarClockPubkey),
		solana.Meta(solana.TokenProgramID),
	}, data), nil
}

func withdrawIx(program solana.PublicKey, r reserveAccounts, authority, obligation, owner, userLiquidity, userCollateral solana.PublicKey, collateralAmount uint64) (solana.Instruction, error) {
	data, err := encodeTagAmount(tagWithdrawCollateralAndRedeem, collateralAmount)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(program, solana.AccountMetaSlice{
		solana.Meta(r.CollateralSupply).WRITE(),
		solana.Meta(userCollateral).WRITE(),
		solana.Meta(r.Address).WRITE(),
		solana.Meta(obligation).WRITE(),
		solana.Meta(r.LendingMarket),
		solana.Meta(authority),
		solana.Meta(userLiquidity).WRITE(),
		solana.Meta(r.CollateralMint).WRITE(),
		solana.Meta(r.LiquiditySupply).WRITE(),
		solana.Meta(owner).SIGNER(),
		solana.Meta(owner).SIGNER(),
		solana.Meta(solana.SysVarClockPubkey),
		solana.Meta(solana.TokenProgramID),
	}, data), nil
}
