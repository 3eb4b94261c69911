// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"
)

// Namespaces of encrypted records.
const (
	NamespaceSessions = "dtls_sessions"
	NamespaceDNS      = "dns"
)

// Setting keys.
const (
	SettingStatistic      = "coap_statistic"
	SettingUniqueID       = "coap_unique_id"
	SettingNoResponseRIDs = "coap_no_response_rids"
)

// Record is one persisted key/value pair of a namespace.
type Record struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Repository defines the interface for persisting records and settings.
type Repository interface {
	// Load returns all records of a namespace ordered by key.
	Load(ctx context.Context, namespace string) ([]Record, error)

	// Store creates or replaces a record.
	Store(ctx context.Context, namespace, key, value string) error

	// Remove deletes a single record. Removing a missing record is not an error.
	Remove(ctx context.Context, namespace, key string) error

	// RemoveAll deletes every record of a namespace.
	RemoveAll(ctx context.Context, namespace string) error

	// GetSetting returns a setting and whether it exists.
	GetSetting(ctx context.Context, key string) (string, bool, error)

	// PutSetting creates or replaces a setting.
	PutSetting(ctx context.Context, key, value string) error

	// DeleteSetting removes a setting.
	DeleteSetting(ctx context.Context, key string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
