package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yield402/treasury/internal/config"
	"github.com/yield402/treasury/internal/logger"
	"github.com/yield402/treasury/internal/settlement"
	"github.com/yield402/treasury/internal/state"
	"github.com/yield402/treasury/internal/web"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "treasury",
		Short:   "Autonomous stablecoin treasury for x402 merchants",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bootstrap()
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rebalanceCmd())
	rootCmd.AddCommand(transactionsCmd())
	rootCmd.AddCommand(verifyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads .env, the configuration and the logger, in that order.
func bootstrap() error {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}
	if err := config.LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Initialize(os.Getenv("LOG_LEVEL"))
	return nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic rebalance loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			processor, err := a.newProcessor(true)
			if err != nil {
				return err
			}
			defer processor.Wait()

			var dbCheck func() error
			if config.StorageBackend == config.BackendPostgres {
				dbCheck = state.TestDBConnection
			}
			server := web.NewWebServer(web.Options{
				Port:        config.WebPort,
				Settlements: processor,
				Treasury:    a.service,
				Rebalancer:  a.controller,
				DBCheck:     dbCheck,
			})

			if config.RebalanceInterval > 0 {
				go a.controller.RunLoop(ctx, config.RebalanceInterval)
			} else {
				log.Info().Msg("REBALANCE_INTERVAL is 0; periodic rebalancing disabled")
			}

			log.Info().Str("port", config.WebPort).Str("url", "http://localhost:"+config.WebPort).Msg("Treasury API starting")
			return server.Start(ctx)
		},
	}
}

func rebalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebalance",
		Short: "Run one rebalance decision and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			return printJSON(a.controller.Trigger(ctx, "manual"))
		},
	}
}

func transactionsCmd() *cobra.Command {
	var page, limit int
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "List treasury transactions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			txs, p, err := a.service.ListTransactions(ctx, page, limit)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"transactions": txs, "pagination": p})
		},
	}
	cmd.Flags().IntVarP(&page, "page", "p", 1, "Page number")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Page size (max 100)")
	return cmd
}

func verifyCmd() *cobra.Command {
	var amount, payTo string
	cmd := &cobra.Command{
		Use:   "verify [signature]",
		Short: "Check a settlement transaction on chain without admitting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if payTo == "" {
				payTo = a.merchant
			}
			claim, err := settlement.Payload{
				TxSignature: args[0],
				Network:     string(config.Network),
				Amount:      amount,
				Mint:        config.USDCMint,
				PayTo:       payTo,
			}.Claim()
			if err != nil {
				return err
			}

			result, err := a.verifier.Verify(ctx, claim, config.Network, config.USDCMint, payTo)
			if err != nil {
				return err
			}
			processed, err := a.guard.IsProcessed(ctx, claim.TxSignature)
			if err != nil {
				return err
			}

			out := map[string]interface{}{
				"accepted":  result.Accepted,
				"received":  result.Delta.String(),
				"slot":      result.Slot,
				"processed": processed,
			}
			if result.Reason != nil {
				out["reason"] = result.Reason.Error()
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVarP(&amount, "amount", "a", "1", "Minimum expected amount in base units")
	cmd.Flags().StringVar(&payTo, "pay-to", "", "Recipient to check (defaults to the merchant wallet)")
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
