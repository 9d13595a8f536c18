// Package sqlite 提供基于 gorm + SQLite 的嵌入式记录存储，适用于单实例部署与测试。
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vinaykr8807/WhispShare-qz/internal/geo"
	"github.com/vinaykr8807/WhispShare-qz/internal/lifecycle"
	"github.com/vinaykr8807/WhispShare-qz/internal/repository"
)

// 时间统一以 UTC 纳秒整数存储，保证 SQLite 中的范围比较按数值进行。
type shareRow struct {
	ID          string   `gorm:"primaryKey;type:text"`
	OwnerID     *string  `gorm:"index"`
	OwnerName   *string
	BlobRef     string   `gorm:"not null"`
	DisplayName string   `gorm:"not null"`
	SizeBytes   int64    `gorm:"not null"`
	MediaType   string   `gorm:"not null"`
	Code        string   `gorm:"not null"`
	ActiveCode  *string  `gorm:"uniqueIndex"`
	Latitude    *float64
	Longitude   *float64
	CreatedNs   int64    `gorm:"column:created_at;not null;index"`
	ExpiresNs   int64    `gorm:"column:expires_at;not null;index"`
	Consumed    bool     `gorm:"not null;default:false"`
	ConsumedNs  *int64   `gorm:"column:consumed_at"`
	Tags        []string `gorm:"serializer:json"`
	Summary     string
	Keywords    []string `gorm:"serializer:json"`
}

func (shareRow) TableName() string { return "shares" }

type downloadRow struct {
	ID           string  `gorm:"primaryKey;type:text"`
	ShareID      string  `gorm:"not null;index"`
	ConsumerID   *string
	DownloadedNs int64 `gorm:"column:downloaded_at;not null"`
}

func (downloadRow) TableName() string { return "downloads" }

// Migrate 创建或更新表结构。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&shareRow{}, &downloadRow{})
}

// ShareRepository 实现 repository.ShareRepository。
type ShareRepository struct {
	db *gorm.DB
}

var _ repository.ShareRepository = (*ShareRepository)(nil)

// NewShareRepository 创建 SQLite 实现，调用方需先执行 Migrate。
func NewShareRepository(db *gorm.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// Create 在事务内释放失效记录持有的取件码后插入新记录。
func (r *ShareRepository) Create(ctx context.Context, record *repository.ShareRecord) (*repository.ShareRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("share record is nil")
	}
	row := toRow(record)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&shareRow{}).
			Where("active_code = ? AND (consumed = ? OR expires_at <= ?)", record.Code, true, row.CreatedNs).
			Update("active_code", nil).Error; err != nil {
			return fmt.Errorf("release stale code: %w", err)
		}
		if err := tx.Create(row).Error; err != nil {
			if isUniqueViolation(err) {
				return repository.ErrCodeConflict
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fromRow(row), nil
}

// GetByID 通过主键查询记录。
func (r *ShareRepository) GetByID(ctx context.Context, id string) (*repository.ShareRecord, error) {
	return first(r.db.WithContext(ctx).Where("id = ?", id))
}

// GetByCode 查询当前持有该取件码的记录。
func (r *ShareRepository) GetByCode(ctx context.Context, code string) (*repository.ShareRecord, error) {
	return first(r.db.WithContext(ctx).Where("active_code = ?", code))
}

func first(q *gorm.DB) (*repository.ShareRecord, error) {
	var row shareRow
	if err := q.Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return fromRow(&row), nil
}

// Search 按结构化条件检索有效记录，按创建时间倒序。
func (r *ShareRepository) Search(ctx context.Context, params repository.SearchParams) ([]repository.ShareRecord, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	q := r.db.WithContext(ctx).
		Where("consumed = ? AND expires_at > ?", false, params.Now.UnixNano())

	if params.CreatedFrom != nil {
		q = q.Where("created_at >= ?", params.CreatedFrom.UnixNano())
	}
	if params.CreatedBefore != nil {
		q = q.Where("created_at < ?", params.CreatedBefore.UnixNano())
	}
	if len(params.MediaTypePrefixes) > 0 {
		ors := make([]string, len(params.MediaTypePrefixes))
		args := make([]any, len(params.MediaTypePrefixes))
		for i, prefix := range params.MediaTypePrefixes {
			ors[i] = "media_type LIKE ?"
			args[i] = prefix + "%"
		}
		q = q.Where("("+strings.Join(ors, " OR ")+")", args...)
	}
	if params.MinSizeBytes != nil {
		q = q.Where("size_bytes > ?", *params.MinSizeBytes)
	}
	if params.MaxSizeBytes != nil {
		q = q.Where("size_bytes < ?", *params.MaxSizeBytes)
	}
	if len(params.OwnerNames) > 0 {
		lowered := make([]string, len(params.OwnerNames))
		for i, name := range params.OwnerNames {
			lowered[i] = strings.ToLower(name)
		}
		q = q.Where("LOWER(owner_name) IN ?", lowered)
	}
	if params.OwnerID != nil {
		q = q.Where("owner_id = ?", *params.OwnerID)
	}
	if b := params.Bounds; b != nil {
		lng := "longitude BETWEEN ? AND ?"
		if b.CrossesAntimeridian() {
			lng = "(longitude >= ? OR longitude <= ?)"
		}
		q = q.Where("(latitude IS NULL OR (latitude BETWEEN ? AND ? AND "+lng+"))",
			b.MinLatitude, b.MaxLatitude, b.MinLongitude, b.MaxLongitude)
	}
	if params.Offset > 0 {
		q = q.Offset(params.Offset)
	}

	var rows []shareRow
	if err := q.Order("created_at DESC").Order("id").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// MarkConsumed 以条件更新完成 Active → Consumed，并在同一事务中写入下载记录。
func (r *ShareRepository) MarkConsumed(ctx context.Context, id string, consumerID *string, now time.Time) error {
	nowNs := now.UTC().UnixNano()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&shareRow{}).
			Where("id = ? AND consumed = ? AND expires_at > ?", id, false, nowNs).
			Updates(map[string]any{
				"consumed":    true,
				"consumed_at": nowNs,
				"active_code": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 连接池只有一个连接，必须在同一事务内读取
			rec, err := first(tx.Where("id = ?", id))
			if err != nil {
				return err
			}
			if err := lifecycle.Check(rec, now); err != nil {
				return err
			}
			return lifecycle.ErrAlreadyConsumed
		}

		return tx.Create(&downloadRow{
			ID:           uuid.NewString(),
			ShareID:      id,
			ConsumerID:   consumerID,
			DownloadedNs: nowNs,
		}).Error
	})
}

// UpdateDerived 覆盖写入异步生成的内容元数据。
func (r *ShareRepository) UpdateDerived(ctx context.Context, id string, meta repository.DerivedMetadata) error {
	// serializer:json 只在结构体更新时生效，这里用结构体 + Select 指定列
	res := r.db.WithContext(ctx).Model(&shareRow{ID: id}).
		Select("tags", "summary", "keywords").
		Updates(&shareRow{Tags: meta.Tags, Summary: meta.Summary, Keywords: meta.Keywords})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListRetired 返回已消费或已过期的记录。
func (r *ShareRepository) ListRetired(ctx context.Context, now, consumedBefore time.Time, limit int) ([]repository.ShareRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []shareRow
	err := r.db.WithContext(ctx).
		Where("expires_at <= ? OR (consumed = ? AND consumed_at <= ?)",
			now.UTC().UnixNano(), true, consumedBefore.UTC().UnixNano()).
		Order("expires_at").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// Delete 物理删除记录及其下载记录。
func (r *ShareRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("share_id = ?", id).Delete(&downloadRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&shareRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

// CountDownloads 返回某条记录的下载次数。
func (r *ShareRepository) CountDownloads(ctx context.Context, id string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&downloadRow{}).Where("share_id = ?", id).Count(&n).Error
	return n, err
}

func toRow(rec *repository.ShareRecord) *shareRow {
	row := &shareRow{
		ID:          rec.ID,
		OwnerID:     rec.OwnerID,
		OwnerName:   rec.OwnerName,
		BlobRef:     rec.BlobRef,
		DisplayName: rec.DisplayName,
		SizeBytes:   rec.SizeBytes,
		MediaType:   rec.MediaType,
		Code:        rec.Code,
		CreatedNs:   rec.CreatedAt.UTC().UnixNano(),
		ExpiresNs:   rec.ExpiresAt.UTC().UnixNano(),
		Consumed:    rec.Consumed,
		Tags:        rec.Tags,
		Summary:     rec.Summary,
		Keywords:    rec.Keywords,
	}
	if !rec.Consumed {
		activeCode := rec.Code
		row.ActiveCode = &activeCode
	}
	if rec.Origin != nil {
		lat, lng := rec.Origin.Latitude, rec.Origin.Longitude
		row.Latitude, row.Longitude = &lat, &lng
	}
	if rec.ConsumedAt != nil {
		ns := rec.ConsumedAt.UTC().UnixNano()
		row.ConsumedNs = &ns
	}
	return row
}

func fromRow(row *shareRow) *repository.ShareRecord {
	rec := &repository.ShareRecord{
		ID:          row.ID,
		OwnerID:     row.OwnerID,
		OwnerName:   row.OwnerName,
		BlobRef:     row.BlobRef,
		DisplayName: row.DisplayName,
		SizeBytes:   row.SizeBytes,
		MediaType:   row.MediaType,
		Code:        row.Code,
		CreatedAt:   time.Unix(0, row.CreatedNs).UTC(),
		ExpiresAt:   time.Unix(0, row.ExpiresNs).UTC(),
		Consumed:    row.Consumed,
		Tags:        row.Tags,
		Summary:     row.Summary,
		Keywords:    row.Keywords,
	}
	if row.Latitude != nil && row.Longitude != nil {
		rec.Origin = &geo.Coordinate{Latitude: *row.Latitude, Longitude: *row.Longitude}
	}
	if row.ConsumedNs != nil {
		t := time.Unix(0, *row.ConsumedNs).UTC()
		rec.ConsumedAt = &t
	}
	return rec
}

func fromRows(rows []shareRow) []repository.ShareRecord {
	out := make([]repository.ShareRecord, len(rows))
	for i := range rows {
		out[i] = *fromRow(&rows[i])
	}
	return out
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}
