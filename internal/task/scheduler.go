package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sudooom.im.client/internal/workerpool"
)

// Scheduler 任务调度器
// 时钟协程推进时间轮，到期任务交给 worker pool 执行
type Scheduler struct {
	wheel     *TimeWheel
	pool      *workerpool.Pool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.Logger
	running   bool
	runningMu sync.RWMutex
}

// NewScheduler 创建任务调度器
func NewScheduler(tick time.Duration, pool *workerpool.Pool, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		wheel:  NewTimeWheel(tick),
		pool:   pool,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Start 启动调度器
func (s *Scheduler) Start() error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("scheduler stopped")
	}
	s.running = true

	s.wg.Add(1)
	go s.tickLoop()

	s.logger.Info("Task scheduler started", zap.Duration("tick", s.wheel.Interval()))
	return nil
}

// tickLoop 时钟循环协程
func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.wheel.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.onTick()
		}
	}
}

// onTick 时钟触发处理
func (s *Scheduler) onTick() {
	tasks := s.wheel.Tick()
	if len(tasks) == 0 {
		return
	}

	s.logger.Debug("Tasks due",
		zap.Int("slot", s.wheel.GetCurrentSlot()),
		zap.Int("count", len(tasks)))

	for _, t := range tasks {
		if err := s.pool.Submit(s.ctx, t.Execute); err != nil {
			s.logger.Warn("Dropped due task",
				zap.String("task_id", t.ID),
				zap.Error(err))
		}
	}
}

// Stop 停止调度器，未到期的任务被丢弃
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.logger.Info("Task scheduler stopped",
		zap.Int("pending", s.wheel.GetTotalTaskCount()))
}

// AddTask 添加任务
func (s *Scheduler) AddTask(task *Task) error {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()

	if !s.running {
		return fmt.Errorf("scheduler not running")
	}
	if task == nil {
		return fmt.Errorf("task is nil")
	}
	if task.ID == "" {
		return fmt.Errorf("task id is empty")
	}

	s.wheel.AddTask(task)
	return nil
}

// RemoveTask 删除任务
func (s *Scheduler) RemoveTask(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task id is empty")
	}
	if !s.wheel.RemoveTask(taskID) {
		return fmt.Errorf("task not found: %s", taskID)
	}
	return nil
}

// Schedule 在 delay 之后执行 fn
func (s *Scheduler) Schedule(id string, delay time.Duration, fn func()) error {
	return s.AddTask(NewTask(id, "", delay, fn))
}

// Cancel 取消尚未到期的任务
func (s *Scheduler) Cancel(id string) bool {
	return s.RemoveTask(id) == nil
}

// IsRunning 检查调度器是否运行中
func (s *Scheduler) IsRunning() bool {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()

	return s.running
}

// Stats 调度器快照
type Stats struct {
	Running     bool
	CurrentSlot int
	Pending     int
	Tick        time.Duration
}

// GetStats 获取调度器统计信息
func (s *Scheduler) GetStats() Stats {
	return Stats{
		Running:     s.IsRunning(),
		CurrentSlot: s.wheel.GetCurrentSlot(),
		Pending:     s.wheel.GetTotalTaskCount(),
		Tick:        s.wheel.Interval(),
	}
}
