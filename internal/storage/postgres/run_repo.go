package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/jkaninda/rlm/internal/storage"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// RunRepository journals runs through GORM. It works on any dialect GORM
// supports, so the SQLite store reuses it.
// Append-only apart from Prune: records are never updated.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Record inserts rec. A zero CreatedAt is set to now.
func (r *RunRepository) Record(ctx context.Context, rec *storage.RunRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("recording run: missing id")
	}
	model := toRunModel(rec)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("recording run %s: %w", rec.ID, storage.ErrDuplicate)
		}
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// Get returns the run with the given ID.
func (r *RunRepository) Get(ctx context.Context, id string) (*storage.RunRecord, error) {
	var model RunModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	rec := toRunRecord(&model)
	return &rec, nil
}

// List returns runs newest first. Limit defaults to storage.DefaultListLimit.
func (r *RunRepository) List(ctx context.Context, f storage.ListFilter) ([]storage.RunRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	var models []RunModel
	err := r.db.WithContext(ctx).
		Scopes(FilterScope(f)).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	records := make([]storage.RunRecord, len(models))
	for i := range models {
		records[i] = toRunRecord(&models[i])
	}
	return records, nil
}

// Prune deletes runs created before cutoff.
func (r *RunRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&RunModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	// SQLite without extended result codes.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
