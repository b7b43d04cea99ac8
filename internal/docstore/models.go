package docstore

import "time"

// documentRow is the generic row backing every key the replication Store
// reads and writes: live documents (list_name == ""), and the two
// tombstone lists Raven/Replication/Docs/Tombstones and
// Raven/Replication/Attachments/Tombstones (list_name == the list name).
type documentRow struct {
	Key          string     `gorm:"column:key"`
	Etag         string     `gorm:"column:etag;primaryKey"`
	ListName     string     `gorm:"column:list_name"`
	Metadata     string     `gorm:"column:metadata"`
	Data         []byte     `gorm:"column:data"`
	LastModified *time.Time `gorm:"column:last_modified"`
}

func (documentRow) TableName() string { return "documents" }

type attachmentRow struct {
	Key      string `gorm:"column:key;primaryKey"`
	Etag     string `gorm:"column:etag"`
	Metadata string `gorm:"column:metadata"`
	Size     int64  `gorm:"column:size"`
	Data     []byte `gorm:"column:data"`
}

func (attachmentRow) TableName() string { return "attachments" }

type recentTouchRow struct {
	Key         string `gorm:"column:key;primaryKey"`
	TouchedEtag string `gorm:"column:touched_etag"`
}

func (recentTouchRow) TableName() string { return "recent_touches" }
