package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/storefront/internal/dbconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseStore persists token material using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

type tokenRecord struct {
	Key           string `gorm:"column:token_key;primaryKey"`
	Value         string `gorm:"column:token_value;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (tokenRecord) TableName() string {
	return "storefront_tokens"
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// NewDatabaseStore opens databaseURL and migrates the token table.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	gormDB, driverLabel, err := dbconn.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("token_store.open: %w", err)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&tokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("token_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Get loads the value stored under key.
func (store *DatabaseStore) Get(ctx context.Context, key string) (string, error) {
	var record tokenRecord
	err := store.db.WithContext(ctx).Where("token_key = ?", key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("token_store.get.%s: %w", store.driverLabel, ErrNotFound)
		}
		return "", fmt.Errorf("token_store.get.%s: %w", store.driverLabel, err)
	}
	return record.Value, nil
}

// Set upserts value under key.
func (store *DatabaseStore) Set(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("token_store.set.%s: %w", store.driverLabel, ErrEmptyKey)
	}
	record := tokenRecord{
		Key:           key,
		Value:         value,
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"token_value", "updated_at_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("token_store.set.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Remove deletes the row stored under key.
func (store *DatabaseStore) Remove(ctx context.Context, key string) error {
	if err := store.db.WithContext(ctx).Where("token_key = ?", key).Delete(&tokenRecord{}).Error; err != nil {
		return fmt.Errorf("token_store.remove.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (store *DatabaseStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("token_store.close.%s: %w", store.driverLabel, err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("token_store.close.%s: %w", store.driverLabel, err)
	}
	return nil
}
