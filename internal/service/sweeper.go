package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vinaykr8807/WhispShare-qz/internal/repository"
	"github.com/vinaykr8807/WhispShare-qz/internal/storage"
)

const defaultSweepBatch = 100

// DefaultConsumedGrace 是已消费分享保留 blob 的时长，留给获胜的消费者读取内容。
const DefaultConsumedGrace = 10 * time.Minute

// SweepResult 是一次清理的结果。
type SweepResult struct {
	Deleted  int
	Errors   int
	Duration time.Duration
}

// Sweeper 定期物理删除已过期的分享，以及消费超过宽限期的分享：先删 blob，再删记录。
// 这些记录在此之前已经无法被任何查询返回。
type Sweeper struct {
	repo     repository.ShareRepository
	blobs    storage.Deleter
	interval time.Duration
	batch    int
	grace    time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper 创建清理任务，interval 为 0 时 Start 不做任何事。
func NewSweeper(repo repository.ShareRepository, blobs storage.Deleter, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		repo:     repo,
		blobs:    blobs,
		interval: interval,
		batch:    defaultSweepBatch,
		grace:    DefaultConsumedGrace,
		now:      time.Now,
		logger:   logger.Named("sweeper"),
	}
}

// Start 启动后台循环，首轮立即执行。
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("sweeper disabled")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
	s.logger.Info("sweeper started", zap.Duration("interval", s.interval))
}

// Stop 停止后台循环并等待当前一轮结束。
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// WithConsumedGrace 设置已消费分享的保留时长，d < 0 时忽略。
func (s *Sweeper) WithConsumedGrace(d time.Duration) *Sweeper {
	if d >= 0 {
		s.grace = d
	}
	return s
}

// RunOnce 执行一轮清理，分批处理直到没有可清理的记录。并发调用会被串行化。
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	sweepRuns.Inc()

	var result SweepResult
	// 失败的记录留到下一轮
	skip := make(map[string]struct{})
	for ctx.Err() == nil {
		limit := s.batch + len(skip)
		now := s.now().UTC()
		retired, err := s.repo.ListRetired(ctx, now, now.Add(-s.grace), limit)
		if err != nil {
			s.logger.Error("list retired shares failed", zap.Error(err))
			result.Errors++
			break
		}

		progressed := false
		for _, rec := range retired {
			if _, failed := skip[rec.ID]; failed {
				continue
			}
			if err := s.remove(ctx, rec); err != nil {
				s.logger.Warn("sweep share failed", zap.String("share_id", rec.ID), zap.Error(err))
				skip[rec.ID] = struct{}{}
				result.Errors++
				continue
			}
			result.Deleted++
			progressed = true
		}
		if !progressed || len(retired) < limit {
			break
		}
	}

	result.Duration = time.Since(start)
	sweptShares.Add(float64(result.Deleted))
	if result.Deleted > 0 || result.Errors > 0 {
		s.logger.Info("sweep finished",
			zap.Int("deleted", result.Deleted),
			zap.Int("errors", result.Errors),
			zap.Duration("duration", result.Duration),
		)
	}
	return result
}

func (s *Sweeper) remove(ctx context.Context, rec repository.ShareRecord) error {
	if err := s.blobs.Delete(ctx, rec.BlobRef); err != nil {
		return &StorageError{Op: "delete blob", Err: err}
	}
	if err := s.repo.Delete(ctx, rec.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return &StorageError{Op: "delete share", Err: err}
	}
	return nil
}
