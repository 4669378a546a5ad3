package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yield402/treasury/internal/chain"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	sent      []*solana.Transaction
	statuses  []*chain.SignatureStatus // Returned in order, the last one repeats
	statusErr error
	sendErr   error
	polls     int
}

func (f *fakeSubmitter) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{1, 2, 3}, nil
}

func (f *fakeSubmitter) SendTransaction(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeSubmitter) SignatureStatus(context.Context, solana.Signature) (*chain.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	idx := f.polls - 1
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	return f.statuses[idx], nil
}

func newTestClient(t *testing.T, sub *fakeSubmitter, timeout time.Duration) *SigningClient {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	c, err := NewSigningClient(key.String(), "", sub, timeout)
	require.NoError(t, err)
	c.pollInterval = time.Millisecond
	c.maxPollInterval = 2 * time.Millisecond
	return c
}

func memoInstruction(payer solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"),
		solana.AccountMetaSlice{solana.Meta(payer).SIGNER().WRITE()},
		[]byte("sweep"),
	)
}

func TestParsePrivateKeyFormats(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	fromBase58, err := ParsePrivateKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), fromBase58.PublicKey())

	raw := make([]int, len(key))
	for i, b := range key {
		raw[i] = int(b)
	}
	asJSON, err := json.Marshal(raw)
	require.NoError(t, err)

	fromJSON, err := ParsePrivateKey(string(asJSON))
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), fromJSON.PublicKey())
}

func TestParsePrivateKeyErrors(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr error
	}{
		{"empty", "  ", ErrEmptySecret},
		{"short json", "[1,2,3]", ErrInvalidSecret},
		{"bad json", "[1,2,", ErrInvalidSecret},
		{"out of range", "[" + repeat("300,", 63) + "1]", ErrInvalidSecret},
		{"not base58", "0OIl", ErrInvalidSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePrivateKey(tt.secret)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

func TestNewSigningClientValidation(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	other, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	_, err = NewSigningClient(key.String(), "", nil, time.Second)
	assert.ErrorIs(t, err, ErrNilSubmitter)

	_, err = NewSigningClient(key.String(), "", &fakeSubmitter{}, 0)
	assert.ErrorIs(t, err, ErrInvalidTimeout)

	_, err = NewSigningClient(key.String(), other.PublicKey().String(), &fakeSubmitter{}, time.Second)
	assert.ErrorIs(t, err, ErrAddressMismatch)

	c, err := NewSigningClient(key.String(), key.PublicKey().String(), &fakeSubmitter{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey().String(), c.Address())
}

func TestExecuteWaitsForConfirmation(t *testing.T) {
	sub := &fakeSubmitter{statuses: []*chain.SignatureStatus{
		{},
		{Found: true},
		{Found: true, Confirmed: true},
	}}
	c := newTestClient(t, sub, time.Second)

	sig, err := c.Execute(context.Background(), "deposit", []solana.Instruction{memoInstruction(c.PublicKey())})

	require.NoError(t, err)
	require.Len(t, sub.sent, 1)
	assert.Equal(t, sub.sent[0].Signatures[0].String(), sig)
	assert.Equal(t, 3, sub.polls)
	assert.Equal(t, c.PublicKey(), sub.sent[0].Message.AccountKeys[0])
}

func TestExecuteTimesOutWithoutConfirmation(t *testing.T) {
	sub := &fakeSubmitter{statuses: []*chain.SignatureStatus{{Found: true}}}
	c := newTestClient(t, sub, 20*time.Millisecond)

	sig, err := c.Execute(context.Background(), "deposit", []solana.Instruction{memoInstruction(c.PublicKey())})

	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.NotEmpty(t, sig, "the sent signature is still reported")
}

func TestExecuteReportsOnChainFailure(t *testing.T) {
	sub := &fakeSubmitter{statuses: []*chain.SignatureStatus{{Found: true, Failed: true, ErrDetail: "custom program error: 0x1"}}}
	c := newTestClient(t, sub, time.Second)

	_, err := c.Execute(context.Background(), "withdraw", []solana.Instruction{memoInstruction(c.PublicKey())})

	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.Contains(t, err.Error(), "withdraw")
}

func TestExecuteIgnoresCallerCancellationAfterSend(t *testing.T) {
	sub := &fakeSubmitter{statuses: []*chain.SignatureStatus{{Found: true}, {Found: true}, {Found: true, Confirmed: true}}}
	c := newTestClient(t, sub, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	sub.sendErr = nil
	cancelAfterSend := &cancelingSubmitter{fakeSubmitter: sub, cancel: cancel}
	c.submitter = cancelAfterSend

	_, err := c.Execute(ctx, "deposit", []solana.Instruction{memoInstruction(c.PublicKey())})
	assert.NoError(t, err)
}

type cancelingSubmitter struct {
	*fakeSubmitter
	cancel context.CancelFunc
}

func (c *cancelingSubmitter) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.fakeSubmitter.SendTransaction(ctx, tx)
	c.cancel()
	return sig, err
}

func TestExecuteSendError(t *testing.T) {
	sub := &fakeSubmitter{sendErr: errors.New("blockhash not found")}
	c := newTestClient(t, sub, time.Second)

	sig, err := c.Execute(context.Background(), "deposit", []solana.Instruction{memoInstruction(c.PublicKey())})
	assert.Error(t, err)
	assert.Empty(t, sig)
}

func TestBuildAndSignRequiresInstructions(t *testing.T) {
	c := newTestClient(t, &fakeSubmitter{}, time.Second)
	_, err := c.BuildAndSign(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoInstructions)
}
