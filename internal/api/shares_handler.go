package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vinaykr8807/WhispShare-qz/internal/geo"
	"github.com/vinaykr8807/WhispShare-qz/internal/middleware"
	"github.com/vinaykr8807/WhispShare-qz/internal/query"
	"github.com/vinaykr8807/WhispShare-qz/internal/repository"
	"github.com/vinaykr8807/WhispShare-qz/internal/service"
)

const multipartMemoryBudget int64 = 16 * 1024 * 1024

// ShareHandler 提供分享的上传、按码查找、检索与一次性下载端点。
type ShareHandler struct {
	catalog        *service.Catalog
	maxUploadBytes int64
	logger         *zap.Logger
}

func NewShareHandler(catalog *service.Catalog, maxUploadBytes int64, logger *zap.Logger) *ShareHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShareHandler{catalog: catalog, maxUploadBytes: maxUploadBytes, logger: logger.Named("api")}
}

// RegisterRoutes 注册路由。uploadAuth 作用于上传，identify 只识别调用方身份、不拒绝匿名请求。
func (h *ShareHandler) RegisterRoutes(r chi.Router, uploadAuth, identify func(http.Handler) http.Handler) {
	r.Route("/shares", func(r chi.Router) {
		r.With(uploadAuth).Post("/", h.CreateShare)
		r.With(identify).Get("/mine", h.ListMyShares)
		r.Get("/search", h.SearchShares)
		r.Get("/code/{code}", h.GetShareByCode)
		r.With(identify).Post("/code/{code}/download", h.DownloadShare)
	})
}

type shareView struct {
	ID             string          `json:"id"`
	Code           string          `json:"code"`
	DisplayName    string          `json:"display_name"`
	MediaType      string          `json:"media_type"`
	SizeBytes      int64           `json:"size_bytes"`
	OwnerName      *string         `json:"owner_name,omitempty"`
	Origin         *geo.Coordinate `json:"origin,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Tags           []string        `json:"tags,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	Keywords       []string        `json:"keywords,omitempty"`
	DistanceMeters *float64        `json:"distance_meters,omitempty"`
	Score          *int            `json:"score,omitempty"`
}

func newShareView(rec *repository.ShareRecord) shareView {
	return shareView{
		ID:          rec.ID,
		Code:        rec.Code,
		DisplayName: rec.DisplayName,
		MediaType:   rec.MediaType,
		SizeBytes:   rec.SizeBytes,
		OwnerName:   rec.OwnerName,
		Origin:      rec.Origin,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		Tags:        rec.Tags,
		Summary:     rec.Summary,
		Keywords:    rec.Keywords,
	}
}

type searchResponse struct {
	Interpretation query.Interpretation `json:"interpretation"`
	Results        []shareView          `json:"results"`
}

// CreateShare 接受 multipart/form-data 上传（file、latitude、longitude、display_name）。
func (h *ShareHandler) CreateShare(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is empty")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartMemoryBudget)
	defer r.Body.Close()

	if err := r.ParseMultipartForm(multipartMemoryBudget); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request exceeds upload size limit")
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	sizeBytes, err := determineFileSize(file, header)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sizeBytes <= 0 {
		writeError(w, http.StatusBadRequest, "file must not be empty")
		return
	}
	if sizeBytes > h.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds size limit (%d bytes)", h.maxUploadBytes))
		return
	}

	mimeType, err := resolveMimeType(header, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	origin, err := parseCoordinate(r.FormValue("latitude"), r.FormValue("longitude"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	displayName := header.Filename
	if override := strings.TrimSpace(r.FormValue("display_name")); override != "" {
		displayName = override
	}

	input := service.UploadInput{
		DisplayName: displayName,
		MediaType:   mimeType,
		Origin:      origin,
		Body:        file,
	}
	if p, ok := middleware.PrincipalFrom(r.Context()); ok {
		input.OwnerID = optionalString(p.ID)
		input.OwnerName = optionalString(p.Name)
	}

	record, err := h.catalog.Upload(r.Context(), input)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, envelope{Data: newShareView(record)})
}

// GetShareByCode 按取件码返回分享信息，不消费。
func (h *ShareHandler) GetShareByCode(w http.ResponseWriter, r *http.Request) {
	requester, err := queryCoordinate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	loc, err := h.catalog.FindByCode(r.Context(), chi.URLParam(r, "code"), requester)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	view := newShareView(loc.Record)
	view.DistanceMeters = loc.DistanceMeters
	writeJSON(w, http.StatusOK, envelope{Data: view})
}

// ListMyShares 列出调用方名下仍然有效的分享，匿名请求返回 401。
func (h *ShareHandler) ListMyShares(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok || p.ID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	records, err := h.catalog.ListOwned(r.Context(), p.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	views := make([]shareView, 0, len(records))
	for i := range records {
		views = append(views, newShareView(&records[i]))
	}
	writeJSON(w, http.StatusOK, envelope{Data: views})
}

// SearchShares 执行自然语言检索。
func (h *ShareHandler) SearchShares(w http.ResponseWriter, r *http.Request) {
	requester, err := queryCoordinate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	text := r.URL.Query().Get("q")
	ranked, err := h.catalog.Search(r.Context(), text, requester, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := searchResponse{
		Interpretation: query.Interpret(text),
		Results:        make([]shareView, 0, len(ranked)),
	}
	for _, item := range ranked {
		view := newShareView(&item.Record)
		view.DistanceMeters = item.Distance
		score := item.Score
		view.Score = &score
		resp.Results = append(resp.Results, view)
	}
	writeJSON(w, http.StatusOK, envelope{Data: resp})
}

// DownloadShare 消费分享并返回文件内容。成功一次之后同一取件码返回 404。
func (h *ShareHandler) DownloadShare(w http.ResponseWriter, r *http.Request) {
	requester, err := queryCoordinate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var consumerID *string
	if p, ok := middleware.PrincipalFrom(r.Context()); ok {
		consumerID = optionalString(p.ID)
	}

	desc, content, err := h.catalog.Retrieve(r.Context(), chi.URLParam(r, "code"), requester, consumerID)
	if err != nil {
		if desc != nil {
			// 已消费但读取 blob 失败，分享视为已用掉，不可重试
			writeError(w, http.StatusInternalServerError, "failed to read file")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", desc.MediaType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": desc.DisplayName}))
	w.Header().Set("Content-Length", strconv.FormatInt(desc.SizeBytes, 10))
	w.Header().Set("X-Share-Id", desc.RecordID)

	if _, err := io.Copy(w, content); err != nil {
		// 客户端可能已断开，无法再写入错误响应
		h.logger.Warn("stream download interrupted", zap.String("share_id", desc.RecordID), zap.Error(err))
	}
}

func (h *ShareHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *service.ValidationError
		storageErr *service.StorageError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, service.ErrOutOfRange):
		writeError(w, http.StatusForbidden, "share is outside the allowed radius")
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "share not found")
	case errors.Is(err, service.ErrCodeSpaceExhausted), errors.As(err, &storageErr):
		h.logger.Error("storage failure", zap.String("path", r.URL.Path), zap.Error(err))
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry later")
	default:
		h.logger.Error("unexpected error", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
