package recommend

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/agentflow/workflow/store"
)

// StoreRepository keeps records in a store.RecommendationStore. Backed by
// SQLite or MySQL it lets one process request recommendations and another
// settle them.
type StoreRepository struct {
	st store.RecommendationStore
}

func NewStoreRepository(st store.RecommendationStore) *StoreRepository {
	return &StoreRepository{st: st}
}

func (s *StoreRepository) Save(ctx context.Context, r *Record) error {
	return mapStoreErr(s.st.SaveRecommendation(ctx, toRow(r)))
}

func (s *StoreRepository) Settle(ctx context.Context, r *Record) error {
	err := s.st.SettleRecommendation(ctx, toRow(r), string(StatusPending))
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %s", ErrFinal, r.ID)
	}
	return mapStoreErr(err)
}

func (s *StoreRepository) Get(ctx context.Context, id string) (*Record, error) {
	row, err := s.st.GetRecommendation(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return fromRow(row), nil
}

func (s *StoreRepository) FindByExecutionID(ctx context.Context, executionID string) (*Record, error) {
	row, err := s.st.GetRecommendationByExecution(ctx, executionID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return fromRow(row), nil
}

func (s *StoreRepository) ListByUser(ctx context.Context, userID string) ([]*Record, error) {
	rows, err := s.st.ListRecommendations(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func toRow(r *Record) *store.Recommendation {
	return &store.Recommendation{
		ID:          r.ID,
		ExecutionID: r.ExecutionID,
		UserID:      r.UserID,
		Prompt:      r.Prompt,
		Status:      string(r.Status),
		OutfitID:    r.OutfitID,
		FailReason:  r.FailReason,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func fromRow(row *store.Recommendation) *Record {
	return &Record{
		ID:          row.ID,
		ExecutionID: row.ExecutionID,
		UserID:      row.UserID,
		Prompt:      row.Prompt,
		Status:      Status(row.Status),
		OutfitID:    row.OutfitID,
		FailReason:  row.FailReason,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}

var _ Repository = (*StoreRepository)(nil)
