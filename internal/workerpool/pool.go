package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrQueueFull  = errors.New("worker pool queue is full")
)

// Task 定义任务函数类型
type Task func()

// Pool Worker Pool 实现
// 用于执行历史拉取、已读确认、定时回调等不能阻塞事件循环的任务
type Pool struct {
	workers   int
	taskQueue chan Task
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	logger    *zap.Logger

	completed atomic.Int64
	panicked  atomic.Int64
}

// New 创建一个新的 Worker Pool
// workers: worker 数量
// queueSize: 任务队列大小
func New(workers int, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool := &Pool{
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
		logger:    logger,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.Int("workers", workers),
		zap.Int("queue_size", queueSize))

	return pool
}

// worker 工作协程，队列关闭后把剩余任务执行完再退出
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(id, task)
	}
}

// run 执行任务，捕获 panic
func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("Task panic recovered",
				zap.Int("worker_id", id),
				zap.Any("panic", r))
		}
	}()
	task()
	p.completed.Add(1)
}

// Submit 提交任务到 Worker Pool
// 如果队列满了，会阻塞直到有空位或 ctx 被取消
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.taskQueue <- task:
		return nil
	}
}

// TrySubmit 尝试提交任务，如果队列满了立即返回 ErrQueueFull
func (p *Pool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.taskQueue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Completed 已完成任务数（不含 panic 的任务）
func (p *Pool) Completed() int64 {
	return p.completed.Load()
}

// Panicked panic 任务数
func (p *Pool) Panicked() int64 {
	return p.panicked.Load()
}

// Shutdown 优雅关闭 Worker Pool
// 拒绝新任务，等待已入队任务全部完成
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Worker pool shutdown completed",
		zap.Int64("completed", p.completed.Load()),
		zap.Int64("panicked", p.panicked.Load()))
}
