package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinaykr8807/WhispShare-qz/internal/code"
	"github.com/vinaykr8807/WhispShare-qz/internal/config"
	"github.com/vinaykr8807/WhispShare-qz/internal/database"
	sqliterepo "github.com/vinaykr8807/WhispShare-qz/internal/repository/sqlite"
	"github.com/vinaykr8807/WhispShare-qz/internal/service"
	"github.com/vinaykr8807/WhispShare-qz/internal/storage"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStore) Write(_ context.Context, key string, r io.Reader) (storage.Location, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return storage.Location{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return storage.Location{Path: key}, nil
}

func (m *memStore) Read(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func newTestServer(t *testing.T, cfg *config.Config) (http.Handler, *memStore) {
	t.Helper()
	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, sqliterepo.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	gen, err := code.NewGenerator(code.DefaultLength)
	require.NoError(t, err)
	blobs := &memStore{objects: make(map[string][]byte)}
	catalog := service.NewCatalog(sqliterepo.NewShareRepository(db), blobs, gen, nil, service.Options{}, nil)
	handler := NewShareHandler(catalog, 1<<20, nil)
	return NewRouter(cfg, handler, nil), blobs
}

func devConfig() *config.Config {
	return &config.Config{AuthMode: config.AuthModeNone, AllowAnonymousUploads: true}
}

func newUploadRequest(t *testing.T, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/shares", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type viewEnvelope struct {
	Data shareView `json:"data"`
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func upload(t *testing.T, h http.Handler, fields map[string]string, name string, content []byte) shareView {
	t.Helper()
	rr := do(h, newUploadRequest(t, fields, name, content))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp viewEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Data
}

var here = map[string]string{"latitude": "40.7128", "longitude": "-74.0060"}

func TestShareLifecycleOverHTTP(t *testing.T) {
	h, _ := newTestServer(t, devConfig())

	view := upload(t, h, here, "hello.txt", []byte("hello world"))
	assert.Len(t, view.Code, 8)
	assert.EqualValues(t, 11, view.SizeBytes)
	assert.Equal(t, "hello.txt", view.DisplayName)
	require.NotNil(t, view.Origin)

	rr := do(h, httptest.NewRequest(http.MethodGet, "/shares/code/"+view.Code+"?lat=40.7128&lng=-74.0060", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var found viewEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &found))
	assert.Equal(t, view.ID, found.Data.ID)
	require.NotNil(t, found.Data.DistanceMeters)
	assert.Zero(t, *found.Data.DistanceMeters)

	rr = do(h, httptest.NewRequest(http.MethodGet, "/shares/code/"+view.Code+"?lat=42.0628&lng=-74.0060", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(h, httptest.NewRequest(http.MethodPost, "/shares/code/"+view.Code+"/download?lat=40.7128&lng=-74.0060", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hello world", rr.Body.String())
	assert.Contains(t, rr.Header().Get("Content-Disposition"), `filename=hello.txt`)
	assert.Equal(t, view.ID, rr.Header().Get("X-Share-Id"))

	rr = do(h, httptest.NewRequest(http.MethodPost, "/shares/code/"+view.Code+"/download", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(h, httptest.NewRequest(http.MethodGet, "/shares/code/"+view.Code, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateShareValidation(t *testing.T) {
	h, blobs := newTestServer(t, devConfig())

	rr := do(h, newUploadRequest(t, nil, "", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(h, newUploadRequest(t, map[string]string{"latitude": "10"}, "a.txt", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(h, newUploadRequest(t, map[string]string{"latitude": "95", "longitude": "0"}, "a.txt", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(h, newUploadRequest(t, nil, "big.bin", bytes.Repeat([]byte("a"), 2<<20)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	blobs.mu.Lock()
	defer blobs.mu.Unlock()
	assert.Empty(t, blobs.objects)
}

func TestGetShareByCodeErrors(t *testing.T) {
	h, _ := newTestServer(t, devConfig())

	rr := do(h, httptest.NewRequest(http.MethodGet, "/shares/code/bad", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(h, httptest.NewRequest(http.MethodGet, "/shares/code/ABCDEFGH", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(h, httptest.NewRequest(http.MethodGet, "/shares/code/ABCDEFGH?lat=abc&lng=1", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSearchShares(t *testing.T) {
	h, _ := newTestServer(t, devConfig())

	upload(t, h, here, "budget-2025.pdf", []byte("%PDF-1.4 budget"))
	upload(t, h, here, "holiday.txt", []byte("beach"))

	rr := do(h, httptest.NewRequest(http.MethodGet, "/shares/search?q=show+me+budget+documents&lat=40.7128&lng=-74.0060", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Data searchResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "search_files", string(resp.Data.Interpretation.Intent))
	require.Len(t, resp.Data.Results, 2)
	assert.Equal(t, "budget-2025.pdf", resp.Data.Results[0].DisplayName)
	require.NotNil(t, resp.Data.Results[0].Score)
	assert.Greater(t, *resp.Data.Results[0].Score, *resp.Data.Results[1].Score)

	rr = do(h, httptest.NewRequest(http.MethodGet, "/shares/search?q=x&limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUploadRequiresAPIKeyWhenAnonymousDisabled(t *testing.T) {
	cfg := &config.Config{AuthMode: config.AuthModeAPIKey, APIKeys: []string{"secret"}}
	h, _ := newTestServer(t, cfg)

	rr := do(h, newUploadRequest(t, nil, "a.txt", []byte("x")))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := newUploadRequest(t, nil, "a.txt", []byte("x"))
	req.Header.Set("Authorization", "ApiKey secret")
	rr = do(h, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp viewEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	// 下载不要求鉴权
	rr = do(h, httptest.NewRequest(http.MethodPost, "/shares/code/"+resp.Data.Code+"/download", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHealthz(t *testing.T) {
	h, _ := newTestServer(t, devConfig())
	rr := do(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestListMyShares(t *testing.T) {
	cfg := &config.Config{AuthMode: config.AuthModeAPIKey, APIKeys: []string{"key-a", "key-b"}, AllowAnonymousUploads: true}
	h, _ := newTestServer(t, cfg)

	withKey := func(req *http.Request, key string) *http.Request {
		if key != "" {
			req.Header.Set("Authorization", "ApiKey "+key)
		}
		return req
	}

	upload(t, h, nil, "anonymous.txt", []byte("a"))
	rr := do(h, withKey(newUploadRequest(t, nil, "a-1.txt", []byte("a")), "key-a"))
	require.Equal(t, http.StatusCreated, rr.Code)
	var ownA viewEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ownA))
	rr = do(h, withKey(newUploadRequest(t, nil, "b-1.txt", []byte("b")), "key-b"))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(h, withKey(httptest.NewRequest(http.MethodGet, "/shares/mine", nil), "key-a"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var list struct {
		Data []shareView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, ownA.Data.ID, list.Data[0].ID)
	assert.Equal(t, "a-1.txt", list.Data[0].DisplayName)

	rr = do(h, httptest.NewRequest(http.MethodGet, "/shares/mine", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(h, withKey(httptest.NewRequest(http.MethodGet, "/shares/mine", nil), "wrong"))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestDownloadBlobLostAfterConsumeIsNotRetryable(t *testing.T) {
	h, blobs := newTestServer(t, devConfig())
	view := upload(t, h, nil, "gone.txt", []byte("payload"))

	blobs.mu.Lock()
	for key := range blobs.objects {
		delete(blobs.objects, key)
	}
	blobs.mu.Unlock()

	rr := do(h, httptest.NewRequest(http.MethodPost, "/shares/code/"+view.Code+"/download", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Empty(t, rr.Header().Get("Retry-After"))

	rr = do(h, httptest.NewRequest(http.MethodPost, "/shares/code/"+view.Code+"/download", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
