package tagging

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/vinaykr8807/WhispShare-qz/internal/repository"
	"github.com/vinaykr8807/WhispShare-qz/internal/storage"
)

// SampleBytes 为读取文本内容样本的上限。
const SampleBytes = 16 << 10

var jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "whispshare_tagging_jobs_total",
	Help: "Tagging jobs by result.",
}, []string{"result"})

// ErrQueueFull 表示任务队列已满或 worker 已关闭，任务被丢弃。
var ErrQueueFull = errors.New("tagging: queue full")

// Updater 是写回派生元数据所需的存储能力。
type Updater interface {
	UpdateDerived(ctx context.Context, id string, meta repository.DerivedMetadata) error
}

// Worker 以固定数量的 goroutine 消费打标签任务。
type Worker struct {
	repo    Updater
	blobs   storage.Reader
	workers int
	logger  *zap.Logger

	jobs   chan Job
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewWorker 创建 worker，blobs 为 nil 时不读取内容样本。
func NewWorker(repo Updater, blobs storage.Reader, workers, queueSize int, logger *zap.Logger) *Worker {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		repo:    repo,
		blobs:   blobs,
		workers: workers,
		logger:  logger.Named("tagging"),
		jobs:    make(chan Job, queueSize),
	}
}

// Start 启动 worker goroutine，ctx 取消后未处理的任务被放弃。
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-w.jobs:
					if !ok {
						return
					}
					w.process(ctx, job)
				}
			}
		}()
	}
	w.logger.Info("tagging worker started", zap.Int("workers", w.workers))
}

// Enqueue 非阻塞地提交任务。
func (w *Worker) Enqueue(job Job) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrQueueFull
	}
	select {
	case w.jobs <- job:
		return nil
	default:
		jobsTotal.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
}

// Close 停止接收任务并等待队列中的任务处理完。
func (w *Worker) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) process(ctx context.Context, job Job) {
	sample := w.sample(ctx, job)
	meta := Derive(job, sample)

	if err := w.repo.UpdateDerived(ctx, job.RecordID, meta); err != nil {
		// 记录可能已被清理
		if errors.Is(err, repository.ErrNotFound) {
			jobsTotal.WithLabelValues("gone").Inc()
			return
		}
		jobsTotal.WithLabelValues("error").Inc()
		w.logger.Warn("update derived metadata failed", zap.String("share_id", job.RecordID), zap.Error(err))
		return
	}
	jobsTotal.WithLabelValues("ok").Inc()
	w.logger.Debug("share tagged", zap.String("share_id", job.RecordID), zap.Strings("tags", meta.Tags))
}

func (w *Worker) sample(ctx context.Context, job Job) []byte {
	if w.blobs == nil || !isText(job.MediaType) {
		return nil
	}
	rc, err := w.blobs.Read(ctx, job.BlobRef)
	if err != nil {
		w.logger.Debug("read sample failed", zap.String("share_id", job.RecordID), zap.Error(err))
		return nil
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, SampleBytes))
	if err != nil {
		return nil
	}
	return data
}
