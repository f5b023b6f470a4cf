package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/medvoice/internal/common"
	"github.com/dmitrijs2005/medvoice/internal/dbx"
	"github.com/dmitrijs2005/medvoice/internal/logging"
	"github.com/dmitrijs2005/medvoice/internal/models"
)

type SQLiteRepository struct {
	db  dbx.DBTX
	log logging.Logger

	mu       sync.Mutex
	onChange ChangeListener
}

func NewSQLiteRepository(db dbx.DBTX, log logging.Logger) *SQLiteRepository {
	return &SQLiteRepository{db: db, log: log}
}

func (r *SQLiteRepository) SetChangeListener(fn ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *SQLiteRepository) get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app_state[%s]: %w", key, err)
	}
	return value, nil
}

func (r *SQLiteRepository) set(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO app_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set app_state[%s]: %w", key, err)
	}
	return nil
}

func (r *SQLiteRepository) Load(ctx context.Context) ([]*models.QueuedRecording, error) {
	value, err := r.get(ctx, common.QueueStorageKey)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return []*models.QueuedRecording{}, nil
	}

	var items []*models.QueuedRecording
	if err := json.Unmarshal(value, &items); err != nil {
		// Data loss is preferred over crash-looping: the user can re-record
		// or retry from conversation history.
		r.log.Warn(ctx, "discarding corrupt queue state", "error", err)
		return []*models.QueuedRecording{}, nil
	}

	// Crash recovery: an interrupted upload's progress is unknown and must
	// restart or resume via its token, not be trusted as in progress.
	for _, it := range items {
		if it.State == models.StateUploading {
			it.State = models.StateQueued
		}
	}

	return items, nil
}

func (r *SQLiteRepository) Save(ctx context.Context, items []*models.QueuedRecording) error {
	if items == nil {
		items = []*models.QueuedRecording{}
	}

	value, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to serialize queue: %w", err)
	}

	if err := r.set(ctx, common.QueueStorageKey, value); err != nil {
		return err
	}

	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(models.CloneAll(items))
	}

	return nil
}

func (r *SQLiteRepository) SetLastProcessedAt(ctx context.Context, t time.Time) error {
	value, err := t.UTC().MarshalText()
	if err != nil {
		return fmt.Errorf("failed to serialize timestamp: %w", err)
	}
	return r.set(ctx, common.LastProcessedKey, value)
}

func (r *SQLiteRepository) LastProcessedAt(ctx context.Context) (time.Time, error) {
	value, err := r.get(ctx, common.LastProcessedKey)
	if err != nil {
		return time.Time{}, err
	}
	if value == nil {
		return time.Time{}, nil
	}
	var t time.Time
	if err := t.UnmarshalText(value); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last processed timestamp: %w", err)
	}
	return t, nil
}
