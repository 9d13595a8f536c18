package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vinaykr8807/WhispShare-qz/internal/code"
	"github.com/vinaykr8807/WhispShare-qz/internal/database"
	"github.com/vinaykr8807/WhispShare-qz/internal/repository"
	sqliterepo "github.com/vinaykr8807/WhispShare-qz/internal/repository/sqlite"
	"github.com/vinaykr8807/WhispShare-qz/internal/storage"
	"github.com/vinaykr8807/WhispShare-qz/internal/tagging"
)

type memoryBlobs struct {
	mu       sync.Mutex
	objects  map[string][]byte
	writeErr error
	readErr  error
	deletes  []string
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: make(map[string][]byte)}
}

func (m *memoryBlobs) Write(_ context.Context, key string, r io.Reader) (storage.Location, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return storage.Location{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		// 模拟写了一半
		m.objects[key] = data[:len(data)/2]
		return storage.Location{}, m.writeErr
	}
	m.objects[key] = data
	return storage.Location{Path: key}, nil
}

func (m *memoryBlobs) Read(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryBlobs) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, key)
	delete(m.objects, key)
	return nil
}

func (m *memoryBlobs) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *memoryBlobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// scriptedCodes 依次返回预设的取件码，用完后重复最后一个。
type scriptedCodes struct {
	mu    sync.Mutex
	codes []string
	calls int
}

func (s *scriptedCodes) Generate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.codes)-1)
	s.calls++
	return s.codes[i]
}

func (s *scriptedCodes) Valid(c string) bool { return len(c) == code.DefaultLength }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingRepo 在 Create 上返回固定错误，其余调用透传。
type failingRepo struct {
	repository.ShareRepository
	createErr error
}

func (f *failingRepo) Create(ctx context.Context, rec *repository.ShareRecord) (*repository.ShareRecord, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.ShareRepository.Create(ctx, rec)
}

type recordingTagger struct {
	mu   sync.Mutex
	jobs []tagging.Job
}

func (r *recordingTagger) Enqueue(job tagging.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

var errBoom = errors.New("boom")

func newSQLiteRepo(t *testing.T) *sqliterepo.ShareRepository {
	t.Helper()
	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, sqliterepo.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return sqliterepo.NewShareRepository(db)
}

type fixture struct {
	catalog *Catalog
	repo    *sqliterepo.ShareRepository
	blobs   *memoryBlobs
	clock   *clock
	tagger  *recordingTagger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gen, err := code.NewGenerator(code.DefaultLength)
	require.NoError(t, err)
	return newFixtureWith(t, gen, nil)
}

func newFixtureWith(t *testing.T, codes CodeSource, wrap func(repository.ShareRepository) repository.ShareRepository) *fixture {
	t.Helper()
	repo := newSQLiteRepo(t)
	var shareRepo repository.ShareRepository = repo
	if wrap != nil {
		shareRepo = wrap(repo)
	}
	f := &fixture{
		repo:   repo,
		blobs:  newMemoryBlobs(),
		clock:  &clock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)},
		tagger: &recordingTagger{},
	}
	f.catalog = NewCatalog(shareRepo, f.blobs, codes, f.tagger, Options{
		RadiusMeters: 100_000,
		Now:          f.clock.Now,
	}, nil)
	return f
}
