package vault

import (
	"fmt"

	"github.com/yield402/treasury/internal/chain"
	"github.com/yield402/treasury/internal/retry"
)

// Options selects and configures a yield adapter.
type Options struct {
	Adapter        string // "solend" or "mock"
	MockAPYPercent float64
	Solend         SolendConfig
	Reader         chain.Reader
	Executor       Executor
}

// New builds the adapter named by opts.Adapter.
func New(opts Options) (YieldAdapter, error) {
	switch opts.Adapter {
	case "mock":
		vaultLogger.Info().Float64("apyPercent", opts.MockAPYPercent).Msg("Using mock yield adapter")
		return NewMockAdapter(opts.MockAPYPercent), nil
	case "solend":
		cfg := opts.Solend
		if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
			cfg.Retry = retry.DefaultPolicy()
		}
		return NewSolendAdapter(cfg, opts.Reader, opts.Executor)
	default:
		return nil, fmt.Errorf("unknown yield adapter %q", opts.Adapter)
	}
}
