package db

import (
	"context"
	"log/slog"
	"time"

	"phrasecast/internal/types"
)

// PhraseRepository reads the phrase collection from the phrases table.
type PhraseRepository struct {
	db      DBTX
	timeout time.Duration
	logger  *slog.Logger
}

// NewPhraseRepository creates a PhraseRepository.
func NewPhraseRepository(db DBTX, timeout time.Duration, logger *slog.Logger) *PhraseRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PhraseRepository{db: db, timeout: timeout, logger: logger}
}

// LoadContent returns every phrase ordered by id, so slot selection is stable
// between runs. Rows without text or author are skipped.
func (r *PhraseRepository) LoadContent(ctx context.Context) ([]types.ContentItem, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(ctx,
		`SELECT id::text, COALESCE(text, ''), COALESCE(author, '')
		 FROM phrases
		 ORDER BY id`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query phrases", err)
	}
	defer rows.Close()

	var items []types.ContentItem
	for rows.Next() {
		var it types.ContentItem
		if err := rows.Scan(&it.ID, &it.Text, &it.Author); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan phrase", err)
		}
		if err := it.Validate(); err != nil {
			r.logger.WarnContext(ctx, "skipping invalid phrase", "content_id", it.ID, "error", err)
			continue
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read phrases", err)
	}
	return items, nil
}

var _ types.ContentSource = (*PhraseRepository)(nil)
