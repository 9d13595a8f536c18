package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vinaykr8807/WhispShare-qz/internal/geo"
	"github.com/vinaykr8807/WhispShare-qz/internal/lifecycle"
	"github.com/vinaykr8807/WhispShare-qz/internal/repository"
)

// NewShareRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// ShareRepository 实现 repository.ShareRepository。
type ShareRepository struct {
	db *sql.DB
}

var _ repository.ShareRepository = (*ShareRepository)(nil)

var shareSelectColumns = []string{
	"id",
	"owner_id",
	"owner_name",
	"blob_ref",
	"display_name",
	"size_bytes",
	"media_type",
	"code",
	"latitude",
	"longitude",
	"created_at",
	"expires_at",
	"consumed",
	"consumed_at",
	"tags",
	"summary",
	"keywords",
}

var shareInsertColumns = []string{
	"id",
	"owner_id",
	"owner_name",
	"blob_ref",
	"display_name",
	"size_bytes",
	"media_type",
	"code",
	"active_code",
	"latitude",
	"longitude",
	"created_at",
	"expires_at",
	"tags",
	"summary",
	"keywords",
}

// Create 在一个事务内释放失效记录占用的取件码并插入新记录。
// 与有效记录冲突时由唯一索引拒绝，返回 repository.ErrCodeConflict。
func (r *ShareRepository) Create(ctx context.Context, record *repository.ShareRecord) (*repository.ShareRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("share record is nil")
	}

	tags, err := encodeStrings(record.Tags)
	if err != nil {
		return nil, err
	}
	keywords, err := encodeStrings(record.Keywords)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE shares SET active_code = NULL
		WHERE active_code = $1 AND (consumed OR expires_at <= $2)`,
		record.Code, record.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("release stale code: %w", err)
	}

	placeholders := make([]string, len(shareInsertColumns))
	for i := range shareInsertColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`INSERT INTO shares (%s)
	VALUES (%s)
	RETURNING %s`,
		strings.Join(shareInsertColumns, ","),
		strings.Join(placeholders, ","),
		strings.Join(shareSelectColumns, ","),
	)

	var lat, lng sql.NullFloat64
	if record.Origin != nil {
		lat = sql.NullFloat64{Float64: record.Origin.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: record.Origin.Longitude, Valid: true}
	}

	row := tx.QueryRowContext(
		ctx,
		query,
		record.ID,
		nullString(record.OwnerID),
		nullString(record.OwnerName),
		record.BlobRef,
		record.DisplayName,
		record.SizeBytes,
		record.MediaType,
		record.Code,
		record.Code,
		lat,
		lng,
		record.CreatedAt,
		record.ExpiresAt,
		tags,
		record.Summary,
		keywords,
	)

	created, err := scanShareRecord(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, repository.ErrCodeConflict
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, repository.ErrCodeConflict
		}
		return nil, fmt.Errorf("commit share: %w", err)
	}
	return created, nil
}

// GetByID 通过主键查询记录。
func (r *ShareRepository) GetByID(ctx context.Context, id string) (*repository.ShareRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, repository.ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM shares WHERE id = $1`, strings.Join(shareSelectColumns, ","))
	return r.getOne(ctx, query, id)
}

// GetByCode 查询当前持有该取件码的记录。
func (r *ShareRepository) GetByCode(ctx context.Context, code string) (*repository.ShareRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM shares WHERE active_code = $1`, strings.Join(shareSelectColumns, ","))
	return r.getOne(ctx, query, code)
}

func (r *ShareRepository) getOne(ctx context.Context, query string, arg any) (*repository.ShareRecord, error) {
	rec, err := scanShareRecord(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// Search 按结构化条件检索有效记录，按创建时间倒序。
func (r *ShareRepository) Search(ctx context.Context, params repository.SearchParams) ([]repository.ShareRecord, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	args := []any{params.Now}
	where := []string{"consumed = FALSE", "expires_at > $1"}

	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if params.CreatedFrom != nil {
		where = append(where, "created_at >= "+next(*params.CreatedFrom))
	}
	if params.CreatedBefore != nil {
		where = append(where, "created_at < "+next(*params.CreatedBefore))
	}
	if len(params.MediaTypePrefixes) > 0 {
		ors := make([]string, len(params.MediaTypePrefixes))
		for i, prefix := range params.MediaTypePrefixes {
			ors[i] = "media_type LIKE " + next(prefix+"%")
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	if params.MinSizeBytes != nil {
		where = append(where, "size_bytes > "+next(*params.MinSizeBytes))
	}
	if params.MaxSizeBytes != nil {
		where = append(where, "size_bytes < "+next(*params.MaxSizeBytes))
	}
	if len(params.OwnerNames) > 0 {
		placeholders := make([]string, len(params.OwnerNames))
		for i, name := range params.OwnerNames {
			placeholders[i] = next(strings.ToLower(name))
		}
		where = append(where, "LOWER(owner_name) IN ("+strings.Join(placeholders, ",")+")")
	}
	if params.OwnerID != nil {
		where = append(where, "owner_id = "+next(*params.OwnerID))
	}
	if b := params.Bounds; b != nil {
		lat := fmt.Sprintf("latitude BETWEEN %s AND %s", next(b.MinLatitude), next(b.MaxLatitude))
		minLng, maxLng := next(b.MinLongitude), next(b.MaxLongitude)
		lng := fmt.Sprintf("longitude BETWEEN %s AND %s", minLng, maxLng)
		if b.CrossesAntimeridian() {
			lng = fmt.Sprintf("(longitude >= %s OR longitude <= %s)", minLng, maxLng)
		}
		where = append(where, "(latitude IS NULL OR ("+lat+" AND "+lng+"))")
	}

	query := fmt.Sprintf(`SELECT %s FROM shares WHERE %s ORDER BY created_at DESC, id LIMIT %s OFFSET %s`,
		strings.Join(shareSelectColumns, ","),
		strings.Join(where, " AND "),
		next(limit),
		next(params.Offset),
	)
	return r.list(ctx, query, args...)
}

// MarkConsumed 用单条条件更新完成 Active → Consumed，并在同一事务中写入下载记录。
func (r *ShareRepository) MarkConsumed(ctx context.Context, id string, consumerID *string, now time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return repository.ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE shares SET consumed = TRUE, consumed_at = $1, active_code = NULL
		WHERE id = $2 AND consumed = FALSE AND expires_at > $1`,
		now, id,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return r.classifyConsumeMiss(ctx, id, now)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO downloads (id, share_id, consumer_id, downloaded_at) VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), id, nullString(consumerID), now,
	); err != nil {
		return fmt.Errorf("record download: %w", err)
	}

	return tx.Commit()
}

func (r *ShareRepository) classifyConsumeMiss(ctx context.Context, id string, now time.Time) error {
	rec, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := lifecycle.Check(rec, now); err != nil {
		return err
	}
	// 条件更新未命中但重新读取时仍有效，只可能是并发消费者刚刚提交
	return lifecycle.ErrAlreadyConsumed
}

// UpdateDerived 覆盖写入异步生成的内容元数据。
func (r *ShareRepository) UpdateDerived(ctx context.Context, id string, meta repository.DerivedMetadata) error {
	if _, err := uuid.Parse(id); err != nil {
		return repository.ErrNotFound
	}
	tags, err := encodeStrings(meta.Tags)
	if err != nil {
		return err
	}
	keywords, err := encodeStrings(meta.Keywords)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE shares SET tags = $1, summary = $2, keywords = $3 WHERE id = $4`,
		tags, meta.Summary, keywords, id,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ListRetired 返回已消费或已过期的记录。
func (r *ShareRepository) ListRetired(ctx context.Context, now, consumedBefore time.Time, limit int) ([]repository.ShareRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM shares
		WHERE expires_at <= $1 OR (consumed AND consumed_at <= $2)
		ORDER BY expires_at LIMIT $3`,
		strings.Join(shareSelectColumns, ","))
	return r.list(ctx, query, now, consumedBefore, limit)
}

// Delete 物理删除记录，下载记录随之级联删除。
func (r *ShareRepository) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return repository.ErrNotFound
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM shares WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *ShareRepository) list(ctx context.Context, query string, args ...any) ([]repository.ShareRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []repository.ShareRecord
	for rows.Next() {
		rec, err := scanShareRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShareRecord(rs rowScanner) (*repository.ShareRecord, error) {
	var (
		rec        repository.ShareRecord
		ownerID    sql.NullString
		ownerName  sql.NullString
		lat, lng   sql.NullFloat64
		consumedAt sql.NullTime
		tags       []byte
		keywords   []byte
	)

	if err := rs.Scan(
		&rec.ID,
		&ownerID,
		&ownerName,
		&rec.BlobRef,
		&rec.DisplayName,
		&rec.SizeBytes,
		&rec.MediaType,
		&rec.Code,
		&lat,
		&lng,
		&rec.CreatedAt,
		&rec.ExpiresAt,
		&rec.Consumed,
		&consumedAt,
		&tags,
		&rec.Summary,
		&keywords,
	); err != nil {
		return nil, err
	}

	if ownerID.Valid {
		rec.OwnerID = &ownerID.String
	}
	if ownerName.Valid {
		rec.OwnerName = &ownerName.String
	}
	if lat.Valid && lng.Valid {
		rec.Origin = &geo.Coordinate{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	if consumedAt.Valid {
		t := consumedAt.Time.UTC()
		rec.ConsumedAt = &t
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()

	var err error
	if rec.Tags, err = decodeStrings(tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if rec.Keywords, err = decodeStrings(keywords); err != nil {
		return nil, fmt.Errorf("decode keywords: %w", err)
	}

	return &rec, nil
}

func encodeStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

func decodeStrings(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func requireAffected(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
