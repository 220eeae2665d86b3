package task

import (
	"sort"
	"sync"
	"time"
)

const (
	// SlotCount 时间轮槽位数量
	SlotCount = 60
)

// TimeWheel 时间轮
// 每个刻度推进一个槽位；超过一圈的延迟用圈数表示
type TimeWheel struct {
	slots       [SlotCount]*Slot
	currentSlot int
	tick        time.Duration
	index       map[string]int // taskID -> 槽位
	mu          sync.Mutex
}

// NewTimeWheel 创建时间轮，tick 为每个槽位代表的时间
func NewTimeWheel(tick time.Duration) *TimeWheel {
	if tick <= 0 {
		tick = time.Second
	}
	tw := &TimeWheel{
		tick:  tick,
		index: make(map[string]int),
	}

	for i := 0; i < SlotCount; i++ {
		tw.slots[i] = NewSlot()
	}

	return tw
}

// Interval 每个刻度的时间
func (tw *TimeWheel) Interval() time.Duration {
	return tw.tick
}

// ticks 延迟换算为刻度数，向上取整，至少一个刻度
func (tw *TimeWheel) ticks(delay time.Duration) int {
	n := int((delay + tw.tick - 1) / tw.tick)
	if n < 1 {
		n = 1
	}
	return n
}

// AddTask 添加任务到时间轮，同 ID 的旧任务被替换
func (tw *TimeWheel) AddTask(task *Task) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if slot, ok := tw.index[task.ID]; ok {
		tw.slots[slot].RemoveTask(task.ID)
	}

	n := tw.ticks(task.Delay)
	target := (tw.currentSlot + n) % SlotCount
	task.rounds = (n - 1) / SlotCount

	tw.slots[target].AddTask(task)
	tw.index[task.ID] = target
}

// RemoveTask 从时间轮删除任务
func (tw *TimeWheel) RemoveTask(taskID string) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	slot, ok := tw.index[taskID]
	if !ok {
		return false
	}
	delete(tw.index, taskID)
	return tw.slots[slot].RemoveTask(taskID)
}

// Tick 推进时间轮，返回到期任务（按创建时间排序）
func (tw *TimeWheel) Tick() []*Task {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.currentSlot = (tw.currentSlot + 1) % SlotCount
	due := tw.slots[tw.currentSlot].Expire()
	for _, task := range due {
		delete(tw.index, task.ID)
	}

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	return due
}

// GetCurrentSlot 获取当前槽位索引
func (tw *TimeWheel) GetCurrentSlot() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	return tw.currentSlot
}

// GetTotalTaskCount 获取所有槽位的任务总数
func (tw *TimeWheel) GetTotalTaskCount() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	return len(tw.index)
}
