// Package catalog implements the Catalog (C3): a versioned store of
// playbook definitions. Registration parses and structurally validates
// text via internal/playbook before ever persisting it; a path always
// resolves to its highest version unless pinned.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/conduitrun/conduit/internal/domain"
	"github.com/conduitrun/conduit/internal/platform/dbctx"
	"github.com/conduitrun/conduit/internal/playbook"
)

// ErrNotFound is returned by Get when path (or path+version) has no
// registered entry.
var ErrNotFound = errors.New("catalog: not found")

// Entry pairs a persisted row with its parsed model.
type Entry struct {
	Path    string
	Version int64
	Content string
	Parsed  *playbook.Playbook
}

// Store is the Catalog contract from the component design.
type Store interface {
	Register(dbc dbctx.Context, text string) (path string, version int64, err error)
	Get(dbc dbctx.Context, path string, version *int64) (*Entry, error)
	List(dbc dbctx.Context, prefix string) ([]Entry, error)
}

type store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &store{db: db}
}

func (s *store) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return s.db
}

func (s *store) Register(dbc dbctx.Context, text string) (string, int64, error) {
	parsed, err := playbook.Parse(text)
	if err != nil {
		return "", 0, err
	}
	parsedJSON, err := json.Marshal(parsed)
	if err != nil {
		return "", 0, fmt.Errorf("catalog: marshal parsed model: %w", err)
	}

	var version int64
	txx := s.tx(dbc).WithContext(dbc.Ctx)
	err = txx.Transaction(func(tx *gorm.DB) error {
		var maxVersion int64
		row := tx.Raw(`SELECT COALESCE(MAX(version), 0) FROM catalog WHERE path = ?`, parsed.Metadata.Path).Row()
		if err := row.Scan(&maxVersion); err != nil {
			return err
		}
		version = maxVersion + 1
		return tx.Create(&domain.CatalogEntry{
			Path:       parsed.Metadata.Path,
			Version:    version,
			Content:    text,
			ParsedJSON: parsedJSON,
		}).Error
	})
	if err != nil {
		return "", 0, err
	}
	return parsed.Metadata.Path, version, nil
}

func (s *store) Get(dbc dbctx.Context, path string, version *int64) (*Entry, error) {
	var row domain.CatalogEntry
	q := s.tx(dbc).WithContext(dbc.Ctx).Where("path = ?", path)
	if version != nil {
		q = q.Where("version = ?", *version)
	} else {
		q = q.Order("version DESC")
	}
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	parsed, err := playbook.Parse(row.Content)
	if err != nil {
		return nil, fmt.Errorf("catalog: stored entry %s@%d no longer parses: %w", path, row.Version, err)
	}
	return &Entry{Path: row.Path, Version: row.Version, Content: row.Content, Parsed: parsed}, nil
}

func (s *store) List(dbc dbctx.Context, prefix string) ([]Entry, error) {
	var rows []domain.CatalogEntry
	q := s.tx(dbc).WithContext(dbc.Ctx).Order("path ASC, version DESC")
	if prefix != "" {
		q = q.Where("path LIKE ?", prefix+"%")
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, Entry{Path: row.Path, Version: row.Version, Content: row.Content})
	}
	return entries, nil
}
