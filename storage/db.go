package storage

import (
	stderrors "errors"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	coreerr "duxnet/core/errors"
)

// Store is the single durable store shared by the registry, scheduler and
// escrow engines. It wraps an embedded sqlite database behind gorm and
// provides the multi-record transaction combinator the engines rely on for
// atomic transitions.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the store at path and migrates the supplied
// models. Use ":memory:" for an ephemeral store in tests.
func Open(path string, models ...any) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "store path required")
	}
	dsn := trimmed
	if trimmed != ":memory:" {
		// Serialize writers instead of surfacing SQLITE_BUSY to engines.
		dsn = trimmed + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeStorage, err, "open store %s", trimmed)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeStorage, err, "store connection")
	}
	// sqlite allows a single writer; one connection avoids lock churn and
	// gives per-record serialization of transitions.
	sqlDB.SetMaxOpenConns(1)
	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			return nil, coreerr.Wrap(coreerr.CodeStorage, err, "migrate store")
		}
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for typed accessors in the engine
// packages.
func (s *Store) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// Transaction runs fn atomically. Either every mutation inside fn commits or
// none does. Coded errors from fn propagate unchanged; driver errors come
// back as Storage.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return coreerr.E(coreerr.CodeStorage, "store not open")
	}
	err := s.db.Transaction(fn)
	return TranslateError(err, "transaction")
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return coreerr.Wrap(coreerr.CodeStorage, err, "store connection")
	}
	return sqlDB.Close()
}

// TranslateError maps gorm errors onto the shared taxonomy. Errors that
// already carry a code pass through untouched.
func TranslateError(err error, op string) error {
	if err == nil {
		return nil
	}
	if coreerr.CodeOf(err) != coreerr.CodeUnknown {
		return err
	}
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return coreerr.E(coreerr.CodeNotFound, "%s: record not found", op)
	}
	return coreerr.Wrap(coreerr.CodeStorage, err, "%s", op)
}

// NotFound reports whether err is a lookup miss at either layer.
func NotFound(err error) bool {
	return stderrors.Is(err, gorm.ErrRecordNotFound) || coreerr.IsNotFound(err)
}
