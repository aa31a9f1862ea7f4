package stores

import (
	"time"
)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PropagationRecord is one persisted propagation outcome row.
type PropagationRecord struct {
	ID          int64     `json:"id"`
	EntityKey   string    `json:"entity_key"`
	Operation   string    `json:"operation"`
	ResourceKey string    `json:"resource_key"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// entityPayload is the JSON document stored per entity. Key, kind, realm and
// timestamps live in their own columns; everything else rides in the
// document.
type entityPayload struct {
	PlainAttrs   map[string][]string `json:"plain_attrs"`
	DerivedAttrs map[string]string   `json:"derived_attrs,omitempty"`
	VirSchemas   []string            `json:"vir_schemas,omitempty"`
	Resources    []string            `json:"resources,omitempty"`
	Memberships  []string            `json:"memberships,omitempty"`
}
