package domain

import (
	"time"

	"gorm.io/datatypes"
)

// CatalogEntry is one registered version of a playbook. A path resolves
// to its highest version unless a caller pins one; registering a new
// version never removes prior versions, and in-flight executions stay
// bound to the version recorded at execution_start.
type CatalogEntry struct {
	Path       string         `gorm:"column:path;primaryKey" json:"path"`
	Version    int64          `gorm:"column:version;primaryKey" json:"version"`
	Content    string         `gorm:"column:content;type:text;not null" json:"content"`
	ParsedJSON datatypes.JSON `gorm:"column:parsed_json;type:jsonb;not null" json:"parsed,omitempty"`
	CreatedAt  time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (CatalogEntry) TableName() string { return "catalog" }

// CredentialKind is the closed set of credential shapes the Catalog can
// store. Actions resolve these by name at render time; the engine never
// inspects the secret payload itself.
type CredentialKind string

const (
	CredentialPostgresConn    CredentialKind = "postgres_conn"
	CredentialHMACPair        CredentialKind = "hmac_pair"
	CredentialOAuthConfig     CredentialKind = "oauth_config"
	CredentialServiceAccount  CredentialKind = "service_account_json"
	CredentialBearerSecret    CredentialKind = "bearer_secret"
)

// Credential is a named, typed piece of configuration external actions
// need to authenticate. PayloadSecret is always stored encrypted (see
// internal/credential) and is never rendered into logs, events, or the
// parsed playbook model.
type Credential struct {
	Name          string         `gorm:"column:name;primaryKey" json:"name"`
	Kind          CredentialKind `gorm:"column:kind;not null" json:"kind"`
	PayloadSecret []byte         `gorm:"column:payload_secret;not null" json:"-"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (Credential) TableName() string { return "credential" }
