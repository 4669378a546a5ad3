package settlement

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/go-playground/validator/v10"
	"github.com/yield402/treasury/internal/logger"
	"github.com/yield402/treasury/internal/metrics"
	"github.com/yield402/treasury/internal/rebalancer"
	"github.com/yield402/treasury/internal/types"
)

var processorLogger = logger.GetForComponent("settlement_processor")

// Code is the machine-readable outcome of one settlement notification.
type Code string

const (
	CodeOK                 Code = "ok"
	CodeDuplicate          Code = "duplicate"
	CodeNetworkMismatch    Code = "rejected_network_mismatch"
	CodeMintMismatch       Code = "rejected_mint_mismatch"
	CodeRecipientMismatch  Code = "rejected_recipient_mismatch"
	CodeVerificationFailed Code = "rejected_onchain_verification_failed"
	CodeInvalidPayload     Code = "invalid_payload"
	CodeConfigMissing      Code = "config_missing"
	CodeError              Code = "error"
)

// Payload is the settlement notification as posted by the payment facilitator.
type Payload struct {
	TxSignature string `json:"txSignature" validate:"required,min=64"`
	Network     string `json:"network" validate:"required,oneof=devnet testnet mainnet mainnet-beta"`
	Amount      string `json:"amount" validate:"required,number"`
	Mint        string `json:"mint" validate:"required"`
	PayTo       string `json:"payTo" validate:"required"`
	Payer       string `json:"payer,omitempty"`
	Resource    string `json:"resource,omitempty"`
	SettledAt   string `json:"settledAt,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Claim validates the payload and converts it into a settlement claim.
func (p Payload) Claim() (types.SettlementClaim, error) {
	if err := validate.Struct(p); err != nil {
		return types.SettlementClaim{}, describeValidation(err)
	}

	amount, ok := sdkmath.NewIntFromString(p.Amount)
	if !ok || !amount.IsPositive() {
		return types.SettlementClaim{}, fmt.Errorf("amount must be a positive integer in base units, got %q", p.Amount)
	}
	network, _ := types.ParseNetwork(p.Network)

	claim := types.SettlementClaim{
		TxSignature: p.TxSignature,
		Network:     network,
		Mint:        p.Mint,
		Amount:      amount,
		PayTo:       p.PayTo,
		Payer:       p.Payer,
		Resource:    p.Resource,
	}
	if p.SettledAt != "" {
		at, err := time.Parse(time.RFC3339, p.SettledAt)
		if err != nil {
			return types.SettlementClaim{}, fmt.Errorf("settledAt: %w", err)
		}
		claim.SettledAt = &at
	}
	return claim, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Outcome is the structured answer to one settlement notification.
type Outcome struct {
	Code           Code               `json:"code"`
	Message        string             `json:"message,omitempty"`
	TxSignature    string             `json:"txSignature,omitempty"`
	ReceivedAmount string             `json:"receivedAmount,omitempty"` // Base units observed on chain
	Rebalance      *rebalancer.Result `json:"rebalance,omitempty"`
}

// Sweeper is notified after a settlement is newly admitted.
type Sweeper interface {
	Trigger(ctx context.Context, reason string) rebalancer.Result
}

// Config is the merchant identity settlements are checked against. An empty Mint or Recipient
// answers every notification with config_missing.
type Config struct {
	Network   types.Network
	Mint      string
	Recipient string
}

type ProcessorOptions struct {
	Config   Config
	Verifier *Verifier
	Guard    Guard
	Sweeper  Sweeper // Optional
	// Async runs the sweep in the background and returns before it finishes.
	Async bool
}

// Processor handles settlement notifications: validate, verify on chain, admit once, then sweep.
type Processor struct {
	cfg      Config
	verifier *Verifier
	guard    Guard
	sweeper  Sweeper
	async    bool
	wg       sync.WaitGroup
}

func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	var errs []error
	if opts.Verifier == nil {
		errs = append(errs, errors.New("verifier cannot be nil"))
	}
	if opts.Guard == nil {
		errs = append(errs, errors.New("idempotency guard cannot be nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("settlement processor configuration validation failed: %w", err)
	}
	return &Processor{
		cfg:      opts.Config,
		verifier: opts.Verifier,
		guard:    opts.Guard,
		sweeper:  opts.Sweeper,
		async:    opts.Async,
	}, nil
}

// Handle processes one notification. It never returns an error; every failure is an outcome code.
func (p *Processor) Handle(ctx context.Context, payload Payload) Outcome {
	out := p.handle(ctx, payload)
	metrics.SettlementOutcomes.WithLabelValues(string(out.Code)).Inc()
	return out
}

func (p *Processor) handle(ctx context.Context, payload Payload) Outcome {
	sigLogger := processorLogger.With().Str("signature", payload.TxSignature).Logger()

	claim, err := payload.Claim()
	if err != nil {
		sigLogger.Warn().Err(err).Msg("Invalid settlement payload")
		return Outcome{Code: CodeInvalidPayload, Message: err.Error(), TxSignature: payload.TxSignature}
	}
	if p.cfg.Mint == "" || p.cfg.Recipient == "" {
		sigLogger.Error().Msg("Settlement mint or merchant address is not configured")
		return Outcome{Code: CodeConfigMissing, Message: "settlement mint or merchant address is not configured", TxSignature: claim.TxSignature}
	}

	processed, err := p.guard.IsProcessed(ctx, claim.TxSignature)
	if err != nil {
		sigLogger.Error().Err(err).Msg("Idempotency lookup failed")
		return Outcome{Code: CodeError, Message: err.Error(), TxSignature: claim.TxSignature}
	}
	if processed {
		sigLogger.Info().Msg("Settlement already processed")
		return Outcome{Code: CodeDuplicate, Message: "settlement already processed", TxSignature: claim.TxSignature}
	}

	result, err := p.verifier.Verify(ctx, claim, p.cfg.Network, p.cfg.Mint, p.cfg.Recipient)
	if err != nil {
		sigLogger.Error().Err(err).Msg("Settlement verification could not complete")
		return Outcome{Code: CodeError, Message: err.Error(), TxSignature: claim.TxSignature}
	}
	if !result.Accepted {
		sigLogger.Warn().Err(result.Reason).Msg("Settlement rejected")
		out := Outcome{Code: rejectionCode(result.Reason), Message: result.Reason.Error(), TxSignature: claim.TxSignature}
		if !result.Delta.IsNil() && !result.Delta.IsZero() {
			out.ReceivedAmount = result.Delta.String()
		}
		return out
	}

	admitted, err := p.guard.Admit(ctx, claim.TxSignature)
	if err != nil {
		sigLogger.Error().Err(err).Msg("Idempotency admit failed")
		return Outcome{Code: CodeError, Message: err.Error(), TxSignature: claim.TxSignature}
	}
	if !admitted {
		// A concurrent notification for the same signature won.
		sigLogger.Info().Msg("Settlement admitted by a concurrent request")
		return Outcome{Code: CodeDuplicate, Message: "settlement already processed", TxSignature: claim.TxSignature}
	}

	out := Outcome{Code: CodeOK, TxSignature: claim.TxSignature, ReceivedAmount: result.Delta.String()}
	sigLogger.Info().Str("received", out.ReceivedAmount).Msg("Settlement admitted")

	if p.sweeper == nil {
		return out
	}
	reason := "settlement:" + claim.TxSignature
	if p.async {
		sweepCtx := context.WithoutCancel(ctx)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.sweeper.Trigger(sweepCtx, reason)
		}()
		return out
	}
	res := p.sweeper.Trigger(ctx, reason)
	out.Rebalance = &res
	return out
}

// Wait blocks until every background sweep started by Handle has returned.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func rejectionCode(reason error) Code {
	switch {
	case errors.Is(reason, ErrNetworkMismatch):
		return CodeNetworkMismatch
	case errors.Is(reason, ErrMintMismatch):
		return CodeMintMismatch
	case errors.Is(reason, ErrRecipientMismatch):
		return CodeRecipientMismatch
	case errors.Is(reason, ErrMalformedSignature):
		return CodeInvalidPayload
	default:
		return CodeVerificationFailed
	}
}
