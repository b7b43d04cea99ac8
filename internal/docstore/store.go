package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/IdanHaim/ravendb/internal/replication"
)

// ErrEtagMismatch is returned by Put/Delete when a non-nil expectedEtag does
// not match the row's current etag (optimistic concurrency).
var ErrEtagMismatch = errors.New("docstore: etag mismatch")

// Store is a replication.Store backed by GORM. Etags are a monotonically
// increasing, zero-padded counter so lexicographic string comparison agrees
// with numeric order, matching the Etag.Less contract.
type Store struct {
	db      *gorm.DB
	logger  *zap.Logger
	counter int64
}

// New wraps an already opened db and seeds the etag counter from the current maximum observed
// across documents and attachments.
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger.Named("docstore")}

	var maxDoc, maxAttachment string
	db.Model(&documentRow{}).Select("COALESCE(MAX(etag), '')").Scan(&maxDoc)
	db.Model(&attachmentRow{}).Select("COALESCE(MAX(etag), '')").Scan(&maxAttachment)

	seed := maxOf(parseEtagCounter(maxDoc), parseEtagCounter(maxAttachment))
	s.counter = seed
	return s, nil
}

func parseEtagCounter(etag string) int64 {
	n, _ := strconv.ParseInt(etag, 10, 64)
	return n
}

func maxOf(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func (s *Store) nextEtag() replication.Etag {
	n := atomic.AddInt64(&s.counter, 1)
	return replication.Etag(fmt.Sprintf("%020d", n))
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMetadata(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func toJsonDocument(row documentRow) replication.JsonDocument {
	return replication.JsonDocument{
		Key:          row.Key,
		Etag:         replication.Etag(row.Etag),
		Metadata:     decodeMetadata(row.Metadata),
		Data:         row.Data,
		LastModified: row.LastModified,
	}
}

// Get implements replication.Store.
func (s *Store) Get(ctx context.Context, key string) (*replication.JsonDocument, error) {
	var row documentRow
	err := s.db.WithContext(ctx).Where("key = ? AND list_name = ''", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc := toJsonDocument(row)
	return &doc, nil
}

// Put implements replication.Store.
func (s *Store) Put(ctx context.Context, key string, expectedEtag *replication.Etag, data []byte, metadata map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing documentRow
		err := tx.Where("key = ? AND list_name = ''", key).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// no existing row
		case err != nil:
			return err
		default:
			if expectedEtag != nil && existing.Etag != string(*expectedEtag) {
				return ErrEtagMismatch
			}
		}

		metaJSON, err := encodeMetadata(metadata)
		if err != nil {
			return err
		}

		if existing.Etag != "" {
			if err := tx.Where("key = ? AND list_name = ''", key).Delete(&documentRow{}).Error; err != nil {
				return err
			}
		}

		now := time.Now()
		row := documentRow{
			Key:          key,
			Etag:         string(s.nextEtag()),
			ListName:     "",
			Metadata:     metaJSON,
			Data:         data,
			LastModified: &now,
		}
		return tx.Create(&row).Error
	})
}

// Delete implements replication.Store: it removes the live row and appends a
// tombstone row to the documents-tombstones list.
func (s *Store) Delete(ctx context.Context, key string, expectedEtag *replication.Etag) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing documentRow
		err := tx.Where("key = ? AND list_name = ''", key).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if expectedEtag != nil && existing.Etag != string(*expectedEtag) {
			return ErrEtagMismatch
		}

		if err := tx.Where("key = ? AND list_name = ''", key).Delete(&documentRow{}).Error; err != nil {
			return err
		}

		metaJSON, _ := encodeMetadata(map[string]any{"Raven-Replication-Tombstone-Marker": true})
		tombstone := documentRow{
			Key:      key,
			Etag:     string(s.nextEtag()),
			ListName: replication.DocTombstonesList,
			Metadata: metaJSON,
		}
		return tx.Create(&tombstone).Error
	})
}

// GetDocumentsWithIDStartingWith implements replication.Store, paging
// through live documents sharing prefix using an offset encoded as token.
func (s *Store) GetDocumentsWithIDStartingWith(ctx context.Context, prefix string, skip, take int, token string) ([]replication.JsonDocument, string, error) {
	offset := skip
	if token != "" {
		if parsed, err := strconv.Atoi(token); err == nil {
			offset = parsed
		}
	}

	var rows []documentRow
	err := s.db.WithContext(ctx).
		Where("list_name = '' AND key LIKE ?", prefix+"%").
		Order("key ASC").
		Offset(offset).
		Limit(take + 1).
		Find(&rows).Error
	if err != nil {
		return nil, "", err
	}

	nextToken := ""
	if len(rows) > take {
		rows = rows[:take]
		nextToken = strconv.Itoa(offset + take)
	}

	docs := make([]replication.JsonDocument, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, toJsonDocument(r))
	}

	return docs, nextToken, nil
}

// Batch implements replication.Store, running action inside one GORM
// transaction and exposing the narrow sub-accessors it needs.
func (s *Store) Batch(ctx context.Context, action func(ctx context.Context, accessor replication.StorageAccessor) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		accessor := replication.StorageAccessor{
			Staleness:   stalenessAccessor{tx: tx},
			Attachments: attachmentAccessor{tx: tx},
			Lists:       listAccessor{tx: tx},
		}
		return action(ctx, accessor)
	})
}

// GetRecentTouchesFor implements replication.Store.
func (s *Store) GetRecentTouchesFor(ctx context.Context, key string) (*replication.RecentTouch, error) {
	var row recentTouchRow
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &replication.RecentTouch{TouchedEtag: replication.Etag(row.TouchedEtag)}, nil
}
