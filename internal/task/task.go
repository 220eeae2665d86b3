package task

import "time"

// TaskFunc 任务执行函数类型
type TaskFunc func()

// Task 定时任务
type Task struct {
	ID        string        `json:"id"`        // 任务唯一ID
	Target    string        `json:"target"`    // 操作对象标识（例如通知ID）
	Delay     time.Duration `json:"delay"`     // 延迟
	Fn        TaskFunc      `json:"-"`         // 执行函数
	CreatedAt time.Time     `json:"createdAt"` // 创建时间

	rounds int // 剩余圈数，由时间轮维护
}

// NewTask 创建新任务
func NewTask(id, target string, delay time.Duration, fn TaskFunc) *Task {
	return &Task{
		ID:        id,
		Target:    target,
		Delay:     delay,
		Fn:        fn,
		CreatedAt: time.Now(),
	}
}

// Execute 执行任务
func (t *Task) Execute() {
	if t.Fn == nil {
		return
	}
	t.Fn()
}
