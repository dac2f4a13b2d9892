package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a unique key
	ErrDuplicate = errors.New("duplicate record")
)

// Store groups the repositories and runs work atomically across them.
type Store interface {
	Channels() ChannelRepository
	AppSessions() AppSessionRepository
	Ledger() LedgerRepository
	SessionKeys() SessionKeyRepository
	Requests() RequestRepository

	// Tx runs fn against a transactional view of the store. Any error
	// returned by fn rolls back every write made through that view.
	Tx(ctx context.Context, fn func(Store) error) error
}

// gormStore implements Store on top of a gorm connection
type gormStore struct {
	db *gorm.DB
}

// NewStore creates a Store backed by db
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Channels() ChannelRepository { return NewChannelRepository(s.db) }
func (s *gormStore) AppSessions() AppSessionRepository { return NewAppSessionRepository(s.db) }
func (s *gormStore) Ledger() LedgerRepository { return NewLedgerRepository(s.db) }
func (s *gormStore) SessionKeys() SessionKeyRepository { return NewSessionKeyRepository(s.db) }
func (s *gormStore) Requests() RequestRepository { return NewRequestRepository(s.db) }

// Tx wraps fn in a database transaction; nested calls become savepoints
func (s *gormStore) Tx(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

// translate maps gorm errors onto the package sentinels
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}

// Page bounds a list query. Zero Limit means no limit.
type Page struct {
	Offset int
	Limit  int
	Desc   bool
}

func (p Page) apply(q *gorm.DB, column string) *gorm.DB {
	if p.Desc {
		q = q.Order(column + " DESC")
	} else {
		q = q.Order(column + " ASC")
	}
	if p.Offset > 0 {
		q = q.Offset(p.Offset)
	}
	if p.Limit > 0 {
		q = q.Limit(p.Limit)
	}
	return q
}

// window slices an already ordered result the same way apply does in SQL
func window[T any](items []T, p Page) []T {
	if p.Desc {
		reversed := make([]T, len(items))
		for i, item := range items {
			reversed[len(items)-1-i] = item
		}
		items = reversed
	}
	if p.Offset >= len(items) {
		return []T{}
	}
	items = items[p.Offset:]
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// NewPage validates client supplied pagination. Sort is "asc" or "desc", default desc.
func NewPage(offset, limit int, sort string) (Page, error) {
	if offset < 0 {
		return Page{}, fmt.Errorf("offset must not be negative")
	}
	switch {
	case limit < 0:
		return Page{}, fmt.Errorf("limit must not be negative")
	case limit == 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	p := Page{Offset: offset, Limit: limit, Desc: true}
	switch strings.ToLower(sort) {
	case "", "desc":
	case "asc":
		p.Desc = false
	default:
		return Page{}, fmt.Errorf("invalid sort %q", sort)
	}
	return p, nil
}
