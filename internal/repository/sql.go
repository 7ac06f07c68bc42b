package repository

import (
	"context"
	"errors"
	"time"

	"apigate/client"
	"apigate/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLBackend stores session keys as rows of token_records.
type SQLBackend struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSQLBackend(db *gorm.DB) *SQLBackend {
	return &SQLBackend{db: db, now: time.Now}
}

// Migrate creates or updates the token_records table.
func (b *SQLBackend) Migrate() error {
	return b.db.AutoMigrate(&model.TokenRecord{})
}

func (b *SQLBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var rec model.TokenRecord
	err := b.db.WithContext(ctx).
		Where("record_key = ? AND (expires_at IS NULL OR expires_at > ?)", key, b.now()).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, client.ErrNotFound
		}
		return nil, err
	}
	return rec.Value, nil
}

// Set upserts the row for key. A zero ttl stores it without expiry.
func (b *SQLBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rec := model.TokenRecord{Key: key, Value: value}
	if ttl > 0 {
		exp := b.now().Add(ttl)
		rec.ExpiresAt = &exp
	}
	return b.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
}

func (b *SQLBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.db.WithContext(ctx).
		Where("record_key IN ?", keys).
		Delete(&model.TokenRecord{}).Error
}

// Purge removes expired rows and reports how many were deleted.
func (b *SQLBackend) Purge(ctx context.Context) (int64, error) {
	res := b.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", b.now()).
		Delete(&model.TokenRecord{})
	return res.RowsAffected, res.Error
}

func (b *SQLBackend) PingContext(ctx context.Context) error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
