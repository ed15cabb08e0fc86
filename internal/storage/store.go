package storage

import (
	"time"

	"macrolink/internal/models"
)

// Store defines the persistence operations the protocol server and dashboard need.
type Store interface {
	// Client operations
	GetClientByID(id uint) (*models.Client, error)
	GetClientBySessionID(sessionID string) (*models.Client, error)
	CreateClient(client *models.Client) error
	ListClients() ([]models.Client, error)
	TouchClient(id uint, at time.Time) error
	SaveClientConfig(id uint, config string) error

	// Command log
	RecordCommand(entry *models.CommandLog) error
	ListCommands(limit int) ([]models.CommandLog, error)

	// Lifecycle
	Close() error
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
