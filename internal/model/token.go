package model

import "time"

// TokenRecord is one session key persisted by the SQL token backend.
type TokenRecord struct {
	Key       string     `json:"key" gorm:"column:record_key;primaryKey;size:191"`
	Value     []byte     `json:"value" gorm:"type:blob;not null"`
	ExpiresAt *time.Time `json:"expires_at" gorm:"index"`
	UpdatedAt time.Time  `json:"updated_at"`
}
