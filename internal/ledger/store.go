package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/yield402/treasury/internal/types"
)

// Store persists treasury transactions. Transition must apply atomically and only to a pending
// record; anything else is types.ErrInvalidTransition.
type Store interface {
	Insert(ctx context.Context, tx *types.TreasuryTransaction) error
	Transition(ctx context.Context, id uuid.UUID, to types.TransactionStatus, signature *string, patch map[string]any) (*types.TreasuryTransaction, error)
	Get(ctx context.Context, id uuid.UUID) (*types.TreasuryTransaction, error)
	List(ctx context.Context, offset, limit int) ([]types.TreasuryTransaction, int, error)
}

// MemoryStore keeps transactions in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*types.TreasuryTransaction
	order []uuid.UUID // Insertion order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[uuid.UUID]*types.TreasuryTransaction{}}
}

func (s *MemoryStore) Insert(_ context.Context, tx *types.TreasuryTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[tx.ID]; exists {
		return fmt.Errorf("treasury transaction %s already exists", tx.ID)
	}
	s.byID[tx.ID] = clone(tx)
	s.order = append(s.order, tx.ID)
	return nil
}

func (s *MemoryStore) Transition(_ context.Context, id uuid.UUID, to types.TransactionStatus, signature *string, patch map[string]any) (*types.TreasuryTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrTransactionNotFound, id)
	}
	if tx.Status != types.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s, cannot become %s", types.ErrInvalidTransition, id, tx.Status, to)
	}
	tx.Status = to
	if signature != nil {
		sig := *signature
		tx.TxSignature = &sig
	}
	tx.Metadata = types.MergeMetadata(tx.Metadata, patch)
	return clone(tx), nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*types.TreasuryTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrTransactionNotFound, id)
	}
	return clone(tx), nil
}

func (s *MemoryStore) List(_ context.Context, offset, limit int) ([]types.TreasuryTransaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]types.TreasuryTransaction, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		all = append(all, *clone(s.byID[s.order[i]]))
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return []types.TreasuryTransaction{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func clone(tx *types.TreasuryTransaction) *types.TreasuryTransaction {
	out := *tx
	out.Metadata = types.MergeMetadata(tx.Metadata, nil)
	if tx.TxSignature != nil {
		sig := *tx.TxSignature
		out.TxSignature = &sig
	}
	return &out
}
