package docstore

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/IdanHaim/ravendb/internal/replication"
)

// stalenessAccessor implements replication.StalenessReader over one
// transaction.
type stalenessAccessor struct {
	tx *gorm.DB
}

func (a stalenessAccessor) GetMostRecentDocumentEtag(ctx context.Context) (replication.Etag, error) {
	var max string
	err := a.tx.WithContext(ctx).Model(&documentRow{}).
		Where("list_name = ''").
		Select("COALESCE(MAX(etag), '')").
		Scan(&max).Error
	if err != nil {
		return replication.EmptyEtag, err
	}
	return replication.Etag(max), nil
}

// attachmentAccessor implements replication.AttachmentReader over one
// transaction.
type attachmentAccessor struct {
	tx *gorm.DB
}

func (a attachmentAccessor) GetAttachmentsAfter(ctx context.Context, after replication.Etag, take int, sizeLimit int64) ([]replication.AttachmentInformation, error) {
	var rows []attachmentRow
	err := a.tx.WithContext(ctx).
		Where("etag > ?", string(after)).
		Order("etag ASC").
		Limit(take).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]replication.AttachmentInformation, 0, len(rows))
	var cumulative int64
	for _, r := range rows {
		if len(out) > 0 && cumulative+r.Size > sizeLimit {
			break
		}
		cumulative += r.Size
		out = append(out, replication.AttachmentInformation{
			Key:      r.Key,
			Etag:     replication.Etag(r.Etag),
			Metadata: decodeMetadata(r.Metadata),
			Size:     r.Size,
		})
	}
	return out, nil
}

func (a attachmentAccessor) GetAttachment(ctx context.Context, key string) ([]byte, error) {
	var row attachmentRow
	err := a.tx.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.Data, nil
}

// listAccessor implements replication.ListReader over one transaction.
type listAccessor struct {
	tx *gorm.DB
}

func (a listAccessor) Read(ctx context.Context, name string, from replication.Etag, to *replication.Etag, take int) ([]replication.JsonDocument, error) {
	q := a.tx.WithContext(ctx).
		Where("list_name = ? AND etag > ?", name, string(from))
	if to != nil {
		q = q.Where("etag <= ?", string(*to))
	}

	var rows []documentRow
	if err := q.Order("etag ASC").Limit(take).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]replication.JsonDocument, 0, len(rows))
	for _, r := range rows {
		out = append(out, toJsonDocument(r))
	}
	return out, nil
}
