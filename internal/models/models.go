package models

import (
	"time"

	"gorm.io/gorm"
)

// Client is a known session identifier allowed to authenticate.
type Client struct {
	gorm.Model
	SessionID  string `gorm:"uniqueIndex"`
	Label      string
	LastSeenAt *time.Time // nil until the first successful authentication
	Config     string     // last config document pushed with opt 4, as JSON
}

// CommandLog stores every accepted command and config update.
type CommandLog struct {
	gorm.Model
	ClientID uint `gorm:"index"`
	Client   Client
	Opt      int
	Name     string // macro name when the payload carries one
	Payload  string // raw JSON payload
}
