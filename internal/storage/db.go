package storage

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "macrolink/internal/errors"
	"macrolink/internal/models"
)

// MaxCommandPage caps ListCommands.
const MaxCommandPage = 500

// SQLiteStore is the gorm-backed Store.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&models.Client{}, &models.CommandLog{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SeedClient registers sessionID if it is not known yet. Used for local development.
func (s *SQLiteStore) SeedClient(sessionID, label string) error {
	_, err := s.GetClientBySessionID(sessionID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	if err := s.CreateClient(&models.Client{SessionID: sessionID, Label: label}); err != nil {
		return err
	}
	log.Printf("Seeded client %q. Use sid: %s", label, sessionID)
	return nil
}

func (s *SQLiteStore) GetClientByID(id uint) (*models.Client, error) {
	var client models.Client
	if err := s.db.First(&client, id).Error; err != nil {
		return nil, translate(err)
	}
	return &client, nil
}

func (s *SQLiteStore) GetClientBySessionID(sessionID string) (*models.Client, error) {
	var client models.Client
	if err := s.db.Where("session_id = ?", sessionID).First(&client).Error; err != nil {
		return nil, translate(err)
	}
	return &client, nil
}

func (s *SQLiteStore) CreateClient(client *models.Client) error {
	return translate(s.db.Create(client).Error)
}

func (s *SQLiteStore) ListClients() ([]models.Client, error) {
	var clients []models.Client
	if err := s.db.Order("id").Find(&clients).Error; err != nil {
		return nil, translate(err)
	}
	return clients, nil
}

func (s *SQLiteStore) TouchClient(id uint, at time.Time) error {
	return s.updateClient(id, "last_seen_at", at)
}

func (s *SQLiteStore) SaveClientConfig(id uint, config string) error {
	return s.updateClient(id, "config", config)
}

func (s *SQLiteStore) updateClient(id uint, column string, value interface{}) error {
	result := s.db.Model(&models.Client{}).Where("id = ?", id).Update(column, value)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RecordCommand(entry *models.CommandLog) error {
	return translate(s.db.Create(entry).Error)
}

// ListCommands returns the newest entries first, with their client preloaded.
func (s *SQLiteStore) ListCommands(limit int) ([]models.CommandLog, error) {
	if limit <= 0 || limit > MaxCommandPage {
		limit = MaxCommandPage
	}
	var entries []models.CommandLog
	err := s.db.Preload("Client").Order("id DESC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, translate(err)
	}
	return entries, nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// translate maps driver errors onto the shared sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperrors.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", apperrors.ErrDuplicateKey, err)
	default:
		return err
	}
}
