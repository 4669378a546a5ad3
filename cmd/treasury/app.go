package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/yield402/treasury/internal/chain"
	"github.com/yield402/treasury/internal/config"
	"github.com/yield402/treasury/internal/ledger"
	"github.com/yield402/treasury/internal/rebalancer"
	"github.com/yield402/treasury/internal/settlement"
	"github.com/yield402/treasury/internal/state"
	"github.com/yield402/treasury/internal/treasury"
	"github.com/yield402/treasury/internal/vault"
	"github.com/yield402/treasury/internal/wallet"
)

// app is the fully wired treasury.
type app struct {
	rpc        *chain.RPCClient
	redis      *redis.Client
	adapter    vault.YieldAdapter
	ledger     *ledger.Ledger
	cash       *treasury.CashAccount
	controller *rebalancer.Controller
	service    *treasury.Service
	verifier   *settlement.Verifier
	guard      settlement.Guard
	merchant   string
}

// buildApp connects every backend selected by the loaded configuration.
func buildApp(ctx context.Context) (*app, error) {
	a := &app{}

	rpc, err := chain.NewRPCClient(config.RPCURL(), config.RPCRateLimitRPS)
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client: %w", err)
	}
	a.rpc = rpc

	a.merchant = config.MerchantWalletAddress
	if a.merchant == "" && config.MerchantWalletSecret != "" {
		if a.merchant, err = wallet.AddressFromSecret(config.MerchantWalletSecret); err != nil {
			return nil, fmt.Errorf("failed to derive merchant address: %w", err)
		}
	}
	if a.merchant == "" || config.USDCMint == "" {
		log.Warn().Msg("Merchant address or USDC mint not configured; settlements will report config_missing")
	}

	opts := vault.Options{
		Adapter:        config.DeFiAdapter,
		MockAPYPercent: config.MockAPYPercent,
		Reader:         rpc,
		Solend: vault.SolendConfig{
			ProgramID: config.SolendProgramID,
			Market:    config.SolendMarket,
			Reserve:   config.SolendReserve,
			Mint:      config.USDCMint,
		},
	}
	if config.DeFiAdapter == config.AdapterSolend {
		signer, err := wallet.NewSigningClient(config.MerchantWalletSecret, config.MerchantWalletAddress, rpc, config.ConfirmTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create signing client: %w", err)
		}
		opts.Executor = signer
	}
	if a.adapter, err = vault.New(opts); err != nil {
		return nil, err
	}

	var store ledger.Store = ledger.NewMemoryStore()
	var stateStore rebalancer.StateStore
	if config.StorageBackend == config.BackendPostgres {
		if err := initDatabase(); err != nil {
			return nil, err
		}
		store = state.NewTransactionStore(state.DB)
		stateStore = state.NewRebalancerStore(state.DB)
	}
	a.ledger = ledger.New(store)

	switch config.IdempotencyStore {
	case config.BackendRedis:
		a.redis = redis.NewClient(&redis.Options{Addr: config.RedisAddr, Password: config.RedisPassword})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.RedisAddr, err)
		}
		a.guard = settlement.NewRedisGuard(a.redis)
	case config.BackendPostgres:
		a.guard = state.NewSettlementStore(state.DB)
	default:
		a.guard = settlement.NewMemoryGuard()
	}

	a.cash = treasury.NewCashAccount(rpc, a.merchant, config.USDCMint)
	a.controller, err = rebalancer.NewController(ctx, rebalancer.Config{
		Adapter:     a.adapter,
		Ledger:      a.ledger,
		Cash:        a.cash,
		Parameters:  config.RebalancerParameters,
		Store:       stateStore,
		CashAddress: a.merchant,
	})
	if err != nil {
		return nil, err
	}
	a.service = treasury.NewService(a.adapter, a.ledger, a.cash, a.merchant)
	a.verifier = settlement.NewVerifier(rpc)

	log.Info().
		Str("network", string(config.Network)).
		Str("adapter", a.adapter.Name()).
		Str("storage", config.StorageBackend).
		Str("idempotency", config.IdempotencyStore).
		Str("merchant", a.merchant).
		Msg("Treasury components initialized")
	return a, nil
}

func (a *app) newProcessor(async bool) (*settlement.Processor, error) {
	return settlement.NewProcessor(settlement.ProcessorOptions{
		Config: settlement.Config{
			Network:   config.Network,
			Mint:      config.USDCMint,
			Recipient: a.merchant,
		},
		Verifier: a.verifier,
		Guard:    a.guard,
		Sweeper:  a.controller,
		Async:    async,
	})
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing redis client")
		}
	}
	if a.rpc != nil {
		if err := a.rpc.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing RPC client")
		}
	}
	state.CloseDB()
}

func initDatabase() error {
	dbCfg := state.DBConfig{
		Host:     config.DBHost,
		Port:     config.DBPort,
		User:     config.DBUser,
		Password: config.DBPassword,
		DBName:   config.DBName,
		SSLMode:  config.DBSSLMode,
	}
	if err := state.InitDB(dbCfg); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := state.EnsureSchema(); err != nil {
		return fmt.Errorf("failed to ensure database schema: %w", err)
	}
	return nil
}
