package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	_ "github.com/glebarez/go-sqlite" // Pure Go SQLite driver
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gmsas95/donorscan/internal/config"
	apperrors "github.com/gmsas95/donorscan/internal/errors"
	"github.com/gmsas95/donorscan/internal/forms"
)

const (
	resultPrefix = "result:"
	seenPrefix   = "seen:"
)

// Store provides unified access to SQLite and BadgerDB
type Store struct {
	db     *gorm.DB
	badger *badger.DB
}

// New creates a new Store instance
func New(cfg *config.Config) (*Store, error) {
	sqlitePath := cfg.Storage.SQLitePath
	if sqlitePath == "" {
		sqlitePath = filepath.Join(cfg.DataDir, "donorscan.db")
	}
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	sqliteDB, err := sql.Open("sqlite", sqlitePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetConnMaxLifetime(time.Hour)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqliteDB}, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if err := db.AutoMigrate(&Document{}, &DonationRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	badgerPath := cfg.Storage.BadgerPath
	if badgerPath == "" {
		badgerPath = filepath.Join(cfg.DataDir, "badger")
	}

	badgerOpts := badger.DefaultOptions(badgerPath).
		WithLogger(nil).
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true).
		WithValueLogFileSize(16 << 20).
		WithMemTableSize(16 << 20)

	badgerDB, err := badger.Open(badgerOpts)
	if err != nil {
		sqliteDB.Close()
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{db: db, badger: badgerDB}, nil
}

// Close closes all database connections
func (s *Store) Close() error {
	var errs []error
	if err := s.badger.Close(); err != nil {
		errs = append(errs, err)
	}
	if sqlDB, err := s.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ==================== Document Methods ====================

// CreateDocument registers a document before processing starts
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	return s.db.WithContext(ctx).Create(doc).Error
}

// GetDocument retrieves a document by ID
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, err, "document %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListDocuments lists documents, newest first
func (s *Store) ListDocuments(ctx context.Context, limit, offset int) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Offset(offset).Find(&docs).Error
	return docs, err
}

// MarkProcessing flags a document as in flight
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	return s.updateStatus(ctx, id, map[string]interface{}{"status": StatusProcessing})
}

// MarkFailed records why a document produced no results
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) error {
	return s.updateStatus(ctx, id, map[string]interface{}{
		"status": StatusFailed,
		"error":  cause.Error(),
	})
}

func (s *Store) updateStatus(ctx context.Context, id string, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.Wrapf(apperrors.ErrNotFound, nil, "document %s", id)
	}
	return nil
}

// ==================== Result Methods ====================

// SaveResults stores the redacted results of a document: the full list in
// BadgerDB and one row per form in SQLite. Saving again replaces both.
func (s *Store) SaveResults(ctx context.Context, documentID string, results []forms.ExtractedFormData) error {
	redacted := Redact(results)
	payload, err := json.Marshal(redacted)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	review := 0
	records := make([]DonationRecord, 0, len(redacted))
	for _, r := range redacted {
		if r.NeedsReview() {
			review++
		}
		records = append(records, NewDonationRecord(documentID, r))
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&DonationRecord{}).Error; err != nil {
			return err
		}
		if len(records) > 0 {
			if err := tx.Create(&records).Error; err != nil {
				return err
			}
		}
		res := tx.Model(&Document{}).Where("id = ?", documentID).Updates(map[string]interface{}{
			"status":       StatusCompleted,
			"error":        "",
			"form_count":   len(records),
			"review_count": review,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.Wrapf(apperrors.ErrNotFound, nil, "document %s", documentID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.badger.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(resultPrefix+documentID), payload)
	})
}

// GetResults returns the stored results of a document
func (s *Store) GetResults(ctx context.Context, documentID string) ([]forms.ExtractedFormData, error) {
	var results []forms.ExtractedFormData
	err := s.badger.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(resultPrefix + documentID))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &results)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, err, "results for %s", documentID)
	}
	return results, err
}

// RecordFilter narrows ListRecords
type RecordFilter struct {
	DocumentID  string
	NeedsReview *bool
	Limit       int
	Offset      int
}

// ListRecords lists donation records in document and form order
func (s *Store) ListRecords(ctx context.Context, f RecordFilter) ([]DonationRecord, error) {
	q := s.db.WithContext(ctx).Model(&DonationRecord{})
	if f.DocumentID != "" {
		q = q.Where("document_id = ?", f.DocumentID)
	}
	if f.NeedsReview != nil {
		q = q.Where("needs_review = ?", *f.NeedsReview)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	var records []DonationRecord
	err := q.Order("created_at ASC, form_number ASC").Limit(f.Limit).Offset(f.Offset).Find(&records).Error
	return records, err
}

// ==================== Seen-file Methods (BadgerDB) ====================

// ClaimFile records that a file version has been picked up. It returns false
// when the same path and modification time were claimed before.
func (s *Store) ClaimFile(path string, modTime time.Time) (bool, error) {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", path, modTime.UnixNano())))
	key := []byte(seenPrefix + hex.EncodeToString(sum[:]))

	claimed := false
	err := s.badger.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		claimed = true
		return txn.Set(key, []byte(path))
	})
	return claimed, err
}
