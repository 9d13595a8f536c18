// Package service 编排取件码分配、距离限制、生命周期判断与检索排序。
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vinaykr8807/WhispShare-qz/internal/code"
	"github.com/vinaykr8807/WhispShare-qz/internal/geo"
	"github.com/vinaykr8807/WhispShare-qz/internal/lifecycle"
	"github.com/vinaykr8807/WhispShare-qz/internal/query"
	"github.com/vinaykr8807/WhispShare-qz/internal/repository"
	"github.com/vinaykr8807/WhispShare-qz/internal/storage"
	"github.com/vinaykr8807/WhispShare-qz/internal/tagging"
)

const (
	DefaultRadiusMeters    = 100_000
	DefaultMaxCodeAttempts = 5
	DefaultSearchLimit     = 20
	DefaultCandidateLimit  = 200

	defaultMediaType    = "application/octet-stream"
	anonymousOwner      = "anonymous"
	maxQueryRunes       = 500
	maxDisplayNameBytes = 255
	compensationTimeout = 30 * time.Second
)

var tracer = otel.Tracer("github.com/vinaykr8807/WhispShare-qz/internal/service")

// Options 为 Catalog 的可调参数，零值使用默认值。
type Options struct {
	TTL             time.Duration
	RadiusMeters    float64
	MaxCodeAttempts int
	SearchLimit     int
	// CandidateLimit 是从存储层分页读取候选的页大小，也是单次检索返回条数的上限。
	CandidateLimit int
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = lifecycle.DefaultTTL
	}
	if o.RadiusMeters <= 0 {
		o.RadiusMeters = DefaultRadiusMeters
	}
	if o.MaxCodeAttempts <= 0 {
		o.MaxCodeAttempts = DefaultMaxCodeAttempts
	}
	if o.SearchLimit <= 0 {
		o.SearchLimit = DefaultSearchLimit
	}
	if o.CandidateLimit < o.SearchLimit {
		o.CandidateLimit = max(DefaultCandidateLimit, o.SearchLimit)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// CodeSource 生成并校验取件码，*code.Generator 实现了该接口。
type CodeSource interface {
	Generate() string
	Valid(c string) bool
}

// Tagger 接收异步打标签任务。
type Tagger interface {
	Enqueue(job tagging.Job) error
}

// Catalog 是分享的目录服务。它不持有任何请求方状态，请求方坐标总是作为参数传入。
type Catalog struct {
	repo   repository.ShareRepository
	blobs  storage.Storage
	codes  CodeSource
	tagger Tagger
	opts   Options
	logger *zap.Logger
}

// NewCatalog 创建目录服务，tagger 可以为 nil。
func NewCatalog(repo repository.ShareRepository, blobs storage.Storage, codes CodeSource, tagger Tagger, opts Options, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		repo:   repo,
		blobs:  blobs,
		codes:  codes,
		tagger: tagger,
		opts:   opts.withDefaults(),
		logger: logger.Named("catalog"),
	}
}

// RadiusMeters 返回生效的距离限制。
func (c *Catalog) RadiusMeters() float64 { return c.opts.RadiusMeters }

func (c *Catalog) now() time.Time { return c.opts.Now().UTC() }

// UploadInput 描述一次上传。Body 会被完整写入 blob 存储。
type UploadInput struct {
	OwnerID     *string
	OwnerName   *string
	DisplayName string
	MediaType   string
	Origin      *geo.Coordinate
	Body        io.Reader
}

// Upload 写入 blob 后登记分享。任何一步失败都会删除已写入的 blob。
func (c *Catalog) Upload(ctx context.Context, in UploadInput) (*repository.ShareRecord, error) {
	ctx, span := tracer.Start(ctx, "catalog.Upload")
	defer span.End()

	name := cleanDisplayName(in.DisplayName)
	if err := validateDisplayName(name); err != nil {
		return nil, fail(span, err)
	}
	if in.Body == nil {
		return nil, fail(span, invalid("file", "required"))
	}
	if err := validateLocation("latitude/longitude", in.Origin); err != nil {
		return nil, fail(span, err)
	}

	blobRef := blobKey(in.OwnerID)
	body := &countingReader{r: in.Body}
	if _, err := c.blobs.Write(ctx, blobRef, body); err != nil {
		var failure error = &StorageError{Op: "write blob", Err: err}
		// 写入中途失败时可能留下部分对象
		if cerr := c.compensate(ctx, blobRef); cerr != nil {
			failure = errors.Join(failure, cerr)
		}
		return nil, fail(span, failure)
	}

	return c.RegisterShare(ctx, RegisterShareInput{
		BlobRef:     blobRef,
		OwnerID:     in.OwnerID,
		OwnerName:   in.OwnerName,
		DisplayName: name,
		MediaType:   in.MediaType,
		SizeBytes:   body.n,
		Origin:      in.Origin,
	})
}

// RegisterShareInput 描述一个已写入 blob 存储的文件。
type RegisterShareInput struct {
	BlobRef     string
	OwnerID     *string
	OwnerName   *string
	DisplayName string
	MediaType   string
	SizeBytes   int64
	Origin      *geo.Coordinate
}

// RegisterShare 分配取件码并持久化记录。取件码与有效记录冲突时换码重试，
// 最多 MaxCodeAttempts 次。返回任何错误前都会删除 BlobRef 指向的 blob。
func (c *Catalog) RegisterShare(ctx context.Context, in RegisterShareInput) (rec *repository.ShareRecord, err error) {
	ctx, span := tracer.Start(ctx, "catalog.RegisterShare")
	defer span.End()

	defer func() {
		if err == nil {
			return
		}
		if in.BlobRef != "" {
			if cerr := c.compensate(ctx, in.BlobRef); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
		fail(span, err)
	}()

	if strings.TrimSpace(in.BlobRef) == "" {
		return nil, invalid("blob_ref", "required")
	}
	name := cleanDisplayName(in.DisplayName)
	if err := validateDisplayName(name); err != nil {
		return nil, err
	}
	if in.SizeBytes <= 0 {
		return nil, invalid("size", "must be positive")
	}
	if err := validateLocation("latitude/longitude", in.Origin); err != nil {
		return nil, err
	}

	mediaType := strings.TrimSpace(in.MediaType)
	if mediaType == "" {
		mediaType = defaultMediaType
	}

	now := c.now()
	base := repository.ShareRecord{
		ID:          uuid.NewString(),
		OwnerID:     in.OwnerID,
		OwnerName:   in.OwnerName,
		BlobRef:     in.BlobRef,
		DisplayName: name,
		SizeBytes:   in.SizeBytes,
		MediaType:   mediaType,
		CreatedAt:   now,
		ExpiresAt:   lifecycle.ExpiresAt(now, c.opts.TTL),
	}
	if in.Origin != nil {
		origin := *in.Origin
		base.Origin = &origin
	}

	for attempt := 1; attempt <= c.opts.MaxCodeAttempts; attempt++ {
		candidate := base
		candidate.Code = c.codes.Generate()

		created, cerr := c.repo.Create(ctx, &candidate)
		if cerr == nil {
			sharesRegistered.Inc()
			span.SetAttributes(
				attribute.String("share.id", created.ID),
				attribute.Int("share.code_attempts", attempt),
			)
			c.logger.Info("share registered",
				zap.String("share_id", created.ID),
				zap.Int64("size_bytes", created.SizeBytes),
				zap.Bool("anonymous", created.OwnerID == nil),
				zap.Bool("located", created.Origin != nil),
			)
			c.enqueueTagging(created)
			return created, nil
		}
		if errors.Is(cerr, repository.ErrCodeConflict) {
			codeCollisions.Inc()
			c.logger.Warn("retrieval code collision, retrying", zap.Int("attempt", attempt))
			continue
		}
		return nil, &StorageError{Op: "insert share", Err: cerr}
	}

	c.logger.Error("retrieval code space exhausted", zap.Int("attempts", c.opts.MaxCodeAttempts))
	return nil, ErrCodeSpaceExhausted
}

func (c *Catalog) compensate(ctx context.Context, blobRef string) error {
	// 请求已超时或取消时仍然要完成清理
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := c.blobs.Delete(ctx, blobRef); err != nil {
		compensatingDeletes.WithLabelValues("error").Inc()
		c.logger.Error("compensating blob delete failed", zap.String("blob_ref", blobRef), zap.Error(err))
		return &StorageError{Op: "compensating delete", Err: err}
	}
	compensatingDeletes.WithLabelValues("ok").Inc()
	c.logger.Info("orphaned blob removed", zap.String("blob_ref", blobRef))
	return nil
}

func (c *Catalog) enqueueTagging(rec *repository.ShareRecord) {
	if c.tagger == nil {
		return
	}
	err := c.tagger.Enqueue(tagging.Job{
		RecordID:    rec.ID,
		BlobRef:     rec.BlobRef,
		DisplayName: rec.DisplayName,
		MediaType:   rec.MediaType,
		SizeBytes:   rec.SizeBytes,
	})
	if err != nil {
		c.logger.Warn("tagging job not queued", zap.String("share_id", rec.ID), zap.Error(err))
	}
}

// Located 是按取件码找到的记录。请求方和记录都带坐标时 DistanceMeters 非空。
type Located struct {
	Record         *repository.ShareRecord
	DistanceMeters *float64
}

// FindByCode 按取件码（不区分大小写）查找仍可取的记录，并执行距离限制。
func (c *Catalog) FindByCode(ctx context.Context, rawCode string, requester *geo.Coordinate) (*Located, error) {
	ctx, span := tracer.Start(ctx, "catalog.FindByCode")
	defer span.End()

	loc, err := c.findByCode(ctx, rawCode, requester)
	lookups.WithLabelValues("code", outcome(err)).Inc()
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("share.id", loc.Record.ID))
	return loc, nil
}

func (c *Catalog) findByCode(ctx context.Context, rawCode string, requester *geo.Coordinate) (*Located, error) {
	normalized := code.Normalize(rawCode)
	if !c.codes.Valid(normalized) {
		return nil, invalid("code", "malformed retrieval code")
	}
	if err := validateLocation("lat/lng", requester); err != nil {
		return nil, err
	}

	rec, err := c.repo.GetByCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "get share by code", Err: err}
	}
	if !lifecycle.IsRetrievable(rec, c.now()) {
		return nil, ErrNotFound
	}

	loc := &Located{Record: rec}
	if requester != nil && rec.Origin != nil {
		d, ok := geo.Within(*rec.Origin, *requester, c.opts.RadiusMeters)
		if !ok {
			return nil, fmt.Errorf("%w: %.0f m away, limit %.0f m", ErrOutOfRange, d, c.opts.RadiusMeters)
		}
		loc.DistanceMeters = &d
	}
	return loc, nil
}

// Search 解析自由文本，取出满足结构化条件的有效记录，剔除超出距离限制的记录后排序，返回前 limit 条。
// requester 为 nil 时不做距离过滤。
func (c *Catalog) Search(ctx context.Context, text string, requester *geo.Coordinate, limit int) ([]query.Ranked, error) {
	ctx, span := tracer.Start(ctx, "catalog.Search")
	defer span.End()

	results, err := c.search(ctx, text, requester, limit)
	lookups.WithLabelValues("search", outcome(err)).Inc()
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("search.results", len(results)))
	return results, nil
}

func (c *Catalog) search(ctx context.Context, text string, requester *geo.Coordinate, limit int) ([]query.Ranked, error) {
	if len([]rune(text)) > maxQueryRunes {
		return nil, invalid("q", fmt.Sprintf("longer than %d characters", maxQueryRunes))
	}
	if err := validateLocation("lat/lng", requester); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = c.opts.SearchLimit
	case limit > c.opts.CandidateLimit:
		limit = c.opts.CandidateLimit
	}

	now := c.now()
	interp := query.Interpret(text)
	params := searchParams(interp, now, c.opts.CandidateLimit)
	if requester != nil {
		bounds := geo.BoundsAround(*requester, c.opts.RadiusMeters)
		params.Bounds = &bounds
	}

	// 分页取完全部满足过滤条件的候选，再在内存中精确过滤半径并排序
	var candidates []query.Candidate
	seen := make(map[string]struct{})
	for {
		records, err := c.repo.Search(ctx, params)
		if err != nil {
			return nil, &StorageError{Op: "search shares", Err: err}
		}
		for _, rec := range records {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			if !lifecycle.IsRetrievable(&rec, now) {
				continue
			}
			candidate := query.Candidate{Record: rec}
			if requester != nil && rec.Origin != nil {
				d, ok := geo.Within(*rec.Origin, *requester, c.opts.RadiusMeters)
				if !ok {
					continue
				}
				candidate.Distance = &d
			}
			candidates = append(candidates, candidate)
		}
		if len(records) < params.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		params.Offset += len(records)
	}

	ranked := query.Rank(candidates, interp, now)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// searchParams 把解析结果转换为存储层过滤条件。now 需为 UTC。
func searchParams(q query.Interpretation, now time.Time, limit int) repository.SearchParams {
	params := repository.SearchParams{
		Now:               now,
		MediaTypePrefixes: query.MediaTypePrefixes(q.FileTypes...),
		OwnerNames:        q.UserMentions,
		Limit:             limit,
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var from time.Time
	switch q.TimeFilter {
	case query.TimeToday:
		from = midnight
	case query.TimeYesterday:
		from = midnight.AddDate(0, 0, -1)
		before := midnight
		params.CreatedBefore = &before
	case query.TimeWeek:
		from = now.AddDate(0, 0, -7)
	case query.TimeMonth:
		from = now.AddDate(0, 0, -30)
	}
	if !from.IsZero() {
		params.CreatedFrom = &from
	}

	if q.SizeFilter != nil {
		n := q.SizeFilter.Bytes()
		switch q.SizeFilter.Operator {
		case query.SizeGreaterThan:
			params.MinSizeBytes = &n
		case query.SizeLessThan:
			params.MaxSizeBytes = &n
		}
	}
	return params
}

// ListOwned 返回 ownerID 名下仍然有效的分享，按创建时间倒序。
func (c *Catalog) ListOwned(ctx context.Context, ownerID string) ([]repository.ShareRecord, error) {
	ctx, span := tracer.Start(ctx, "catalog.ListOwned")
	defer span.End()

	records, err := c.listOwned(ctx, strings.TrimSpace(ownerID))
	lookups.WithLabelValues("owned", outcome(err)).Inc()
	if err != nil {
		return nil, fail(span, err)
	}
	return records, nil
}

func (c *Catalog) listOwned(ctx context.Context, ownerID string) ([]repository.ShareRecord, error) {
	if ownerID == "" {
		return nil, invalid("owner_id", "required")
	}

	now := c.now()
	params := repository.SearchParams{Now: now, OwnerID: &ownerID, Limit: c.opts.CandidateLimit}
	out := make([]repository.ShareRecord, 0)
	for {
		records, err := c.repo.Search(ctx, params)
		if err != nil {
			return nil, &StorageError{Op: "list owned shares", Err: err}
		}
		for _, rec := range records {
			if lifecycle.IsRetrievable(&rec, now) {
				out = append(out, rec)
			}
		}
		if len(records) < params.Limit {
			return out, nil
		}
		params.Offset += len(records)
	}
}

// Descriptor 是一次成功消费后交给调用方的取件信息。
type Descriptor struct {
	RecordID    string
	BlobRef     string
	DisplayName string
	MediaType   string
	SizeBytes   int64
}

// Consume 原子地把记录标记为已消费。并发调用时只有一个调用方成功，
// 其余得到 ErrAlreadyConsumed；过期记录得到 ErrExpired。两者都满足 errors.Is(err, ErrNotFound)。
func (c *Catalog) Consume(ctx context.Context, recordID string, consumerID *string) (*Descriptor, error) {
	ctx, span := tracer.Start(ctx, "catalog.Consume", trace.WithAttributes(attribute.String("share.id", recordID)))
	defer span.End()

	if _, err := uuid.Parse(recordID); err != nil {
		return nil, fail(span, invalid("id", "malformed share id"))
	}

	// 描述信息在创建后不再变化，先读出来，条件更新成功后就不再有失败路径
	rec, err := c.repo.GetByID(ctx, recordID)
	if err != nil {
		return nil, fail(span, translateLifecycle("get share", err))
	}

	now := c.now()
	if err := c.repo.MarkConsumed(ctx, recordID, consumerID, now); err != nil {
		return nil, fail(span, translateLifecycle("mark share consumed", err))
	}

	sharesConsumed.Inc()
	c.logger.Info("share consumed", zap.String("share_id", recordID), zap.Bool("anonymous", consumerID == nil))
	return &Descriptor{
		RecordID:    rec.ID,
		BlobRef:     rec.BlobRef,
		DisplayName: rec.DisplayName,
		MediaType:   rec.MediaType,
		SizeBytes:   rec.SizeBytes,
	}, nil
}

// Open 读取已消费记录的 blob。失败时记录仍视为已消费。
func (c *Catalog) Open(ctx context.Context, d *Descriptor) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "catalog.Open")
	defer span.End()

	rc, err := c.blobs.Read(ctx, d.BlobRef)
	if err != nil {
		c.logger.Error("blob fetch failed after consume", zap.String("share_id", d.RecordID), zap.Error(err))
		return nil, fail(span, &StorageError{Op: "read blob", Err: err})
	}
	return rc, nil
}

// Retrieve 依次执行 FindByCode、Consume 与 Open，用于一次性下载。
func (c *Catalog) Retrieve(ctx context.Context, rawCode string, requester *geo.Coordinate, consumerID *string) (*Descriptor, io.ReadCloser, error) {
	loc, err := c.FindByCode(ctx, rawCode, requester)
	if err != nil {
		return nil, nil, err
	}
	desc, err := c.Consume(ctx, loc.Record.ID, consumerID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := c.Open(ctx, desc)
	if err != nil {
		return desc, nil, err
	}
	return desc, rc, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	return err
}

func cleanDisplayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	// 只保留文件名部分
	return filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, `\`, "/")))
}

func validateDisplayName(name string) error {
	switch {
	case name == "" || name == "/" || name == ".":
		return invalid("display_name", "required")
	case len(name) > maxDisplayNameBytes:
		return invalid("display_name", fmt.Sprintf("longer than %d bytes", maxDisplayNameBytes))
	}
	return nil
}

func validateLocation(field string, c *geo.Coordinate) error {
	if c == nil {
		return nil
	}
	if err := c.Validate(); err != nil {
		return invalid(field, "coordinate out of range")
	}
	return nil
}

func blobKey(ownerID *string) string {
	prefix := anonymousOwner
	if ownerID != nil && strings.TrimSpace(*ownerID) != "" {
		prefix = strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(strings.TrimSpace(*ownerID))
	}
	return prefix + "/" + uuid.NewString()
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
