package repository

import (
	"context"
	"time"

	"github.com/vinaykr8807/WhispShare-qz/internal/geo"
)

// ShareRecord 代表一次临时文件分享。
type ShareRecord struct {
	ID          string          `json:"id"`
	OwnerID     *string         `json:"owner_id,omitempty"`
	OwnerName   *string         `json:"owner_name,omitempty"`
	BlobRef     string          `json:"-"`
	DisplayName string          `json:"display_name"`
	SizeBytes   int64           `json:"size_bytes"`
	MediaType   string          `json:"media_type"`
	Code        string          `json:"code"`
	Origin      *geo.Coordinate `json:"origin,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Consumed    bool            `json:"consumed"`
	ConsumedAt  *time.Time      `json:"consumed_at,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Summary     string          `json:"summary,omitempty"`
	Keywords    []string        `json:"keywords,omitempty"`
}

// DerivedMetadata 是异步打标签产生的内容元数据，后写覆盖先写。
type DerivedMetadata struct {
	Tags     []string
	Summary  string
	Keywords []string
}

// SearchParams 描述检索候选记录时的结构化过滤条件。
// 实现只返回 now 时刻仍然有效（未消费且未过期）的记录，按创建时间倒序、id 次序稳定排列。
type SearchParams struct {
	Now               time.Time
	CreatedFrom       *time.Time
	CreatedBefore     *time.Time
	MediaTypePrefixes []string
	MinSizeBytes      *int64
	MaxSizeBytes      *int64
	OwnerNames        []string
	OwnerID           *string
	// Bounds 非空时只返回来源坐标落在矩形内的记录，没有来源坐标的记录总是返回。
	Bounds *geo.Bounds
	Limit  int
	Offset int
}

// ShareRepository 统一分享记录持久层接口。
type ShareRepository interface {
	// Create 插入记录。若取件码被一条有效记录占用则返回 ErrCodeConflict；
	// 已失效记录占用的取件码会在同一事务内释放后复用。
	Create(ctx context.Context, record *ShareRecord) (*ShareRecord, error)
	GetByID(ctx context.Context, id string) (*ShareRecord, error)
	// GetByCode 按取件码精确查找仍持有该码的记录，不做生命周期判断。
	GetByCode(ctx context.Context, code string) (*ShareRecord, error)
	Search(ctx context.Context, params SearchParams) ([]ShareRecord, error)
	// MarkConsumed 以条件更新的方式原子地把记录标记为已消费，并记录一次下载。
	// 失败时返回 lifecycle.ErrAlreadyConsumed、lifecycle.ErrExpired 或 ErrNotFound。
	MarkConsumed(ctx context.Context, id string, consumerID *string, now time.Time) error
	UpdateDerived(ctx context.Context, id string, meta DerivedMetadata) error
	// ListRetired 返回等待物理清理的记录：已过期，或在 consumedBefore 之前已被消费。
	ListRetired(ctx context.Context, now, consumedBefore time.Time, limit int) ([]ShareRecord, error)
	Delete(ctx context.Context, id string) error
}
