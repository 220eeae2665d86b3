package task

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"sudooom.im.client/internal/workerpool"
)

// TestNewTask 测试创建任务
func TestNewTask(t *testing.T) {
	task := NewTask("task-1", "n-123", 5*time.Second, nil)

	if task.ID != "task-1" {
		t.Errorf("期望 ID = task-1, 实际 = %s", task.ID)
	}
	if task.Target != "n-123" {
		t.Errorf("期望 Target = n-123, 实际 = %s", task.Target)
	}
	if task.Delay != 5*time.Second {
		t.Errorf("期望 Delay = 5s, 实际 = %s", task.Delay)
	}

	// 空函数执行不应 panic
	task.Execute()
}

// TestSlotAddAndRemove 测试槽位添加和删除
func TestSlotAddAndRemove(t *testing.T) {
	slot := NewSlot()

	slot.AddTask(NewTask("task-1", "n-1", time.Second, nil))
	slot.AddTask(NewTask("task-2", "n-2", time.Second, nil))

	if slot.Count() != 2 {
		t.Errorf("期望任务数 = 2, 实际 = %d", slot.Count())
	}
	if !slot.RemoveTask("task-1") {
		t.Error("期望删除成功")
	}
	if slot.Count() != 1 {
		t.Errorf("期望任务数 = 1, 实际 = %d", slot.Count())
	}
	if slot.RemoveTask("task-not-exist") {
		t.Error("期望删除失败")
	}
}

// TestSlotExpireRounds 测试圈数递减
func TestSlotExpireRounds(t *testing.T) {
	slot := NewSlot()

	now := NewTask("now", "", time.Second, nil)
	later := NewTask("later", "", time.Second, nil)
	later.rounds = 1
	slot.AddTask(now)
	slot.AddTask(later)

	due := slot.Expire()
	if len(due) != 1 || due[0].ID != "now" {
		t.Fatalf("期望第一圈只到期 now, 实际 = %v", due)
	}
	due = slot.Expire()
	if len(due) != 1 || due[0].ID != "later" {
		t.Fatalf("期望第二圈到期 later, 实际 = %v", due)
	}
	if slot.Expire() != nil {
		t.Error("期望槽位已清空")
	}
}

// TestTimeWheelTickRounding 测试延迟换算为刻度
func TestTimeWheelTickRounding(t *testing.T) {
	wheel := NewTimeWheel(100 * time.Millisecond)

	wheel.AddTask(NewTask("a", "", 250*time.Millisecond, nil)) // 3 个刻度
	wheel.AddTask(NewTask("b", "", 0, nil))                    // 至少 1 个刻度

	if got := wheel.Tick(); len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("第 1 个刻度期望到期 b, 实际 = %v", got)
	}
	if got := wheel.Tick(); len(got) != 0 {
		t.Fatalf("第 2 个刻度期望无任务, 实际 = %v", got)
	}
	if got := wheel.Tick(); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("第 3 个刻度期望到期 a, 实际 = %v", got)
	}
	if wheel.GetTotalTaskCount() != 0 {
		t.Errorf("期望任务已全部取出, 实际 = %d", wheel.GetTotalTaskCount())
	}
}

// TestTimeWheelLongDelay 测试超过一圈的延迟
func TestTimeWheelLongDelay(t *testing.T) {
	wheel := NewTimeWheel(time.Second)
	wheel.AddTask(NewTask("long", "", (SlotCount+2)*time.Second, nil))

	for i := 1; i < SlotCount+2; i++ {
		if got := wheel.Tick(); len(got) != 0 {
			t.Fatalf("第 %d 个刻度不应到期, 实际 = %v", i, got)
		}
	}
	if got := wheel.Tick(); len(got) != 1 {
		t.Fatalf("第 %d 个刻度期望到期, 实际 = %v", SlotCount+2, got)
	}
}

// TestTimeWheelRemoveAndReplace 测试删除和同 ID 替换
func TestTimeWheelRemoveAndReplace(t *testing.T) {
	wheel := NewTimeWheel(time.Second)

	wheel.AddTask(NewTask("popup", "n-1", 1*time.Second, nil))
	wheel.AddTask(NewTask("popup", "n-2", 2*time.Second, nil))
	if wheel.GetTotalTaskCount() != 1 {
		t.Fatalf("期望同 ID 只保留一个任务, 实际 = %d", wheel.GetTotalTaskCount())
	}
	if got := wheel.Tick(); len(got) != 0 {
		t.Fatalf("被替换的任务不应到期, 实际 = %v", got)
	}

	if !wheel.RemoveTask("popup") {
		t.Error("期望删除成功")
	}
	if wheel.RemoveTask("popup") {
		t.Error("重复删除应失败")
	}
	if got := wheel.Tick(); len(got) != 0 {
		t.Errorf("已删除任务不应到期, 实际 = %v", got)
	}
}

func newTestScheduler(t *testing.T, tick time.Duration) *Scheduler {
	t.Helper()
	log := zaptest.NewLogger(t)
	pool := workerpool.New(4, 64, log)
	s := NewScheduler(tick, pool, log)
	if err := s.Start(); err != nil {
		t.Fatalf("启动调度器失败: %v", err)
	}
	t.Cleanup(func() {
		s.Stop()
		pool.Shutdown()
	})
	return s
}

// TestSchedulerStartStop 测试调度器启动和停止
func TestSchedulerStartStop(t *testing.T) {
	log := zaptest.NewLogger(t)
	pool := workerpool.New(1, 1, log)
	defer pool.Shutdown()
	scheduler := NewScheduler(10*time.Millisecond, pool, log)

	if err := scheduler.Start(); err != nil {
		t.Fatalf("启动调度器失败: %v", err)
	}
	if !scheduler.IsRunning() {
		t.Error("期望调度器运行中")
	}
	if err := scheduler.Start(); err == nil {
		t.Error("期望重复启动失败")
	}

	scheduler.Stop()
	if scheduler.IsRunning() {
		t.Error("期望调度器已停止")
	}
	if err := scheduler.Schedule("x", time.Millisecond, func() {}); err == nil {
		t.Error("停止后添加任务应失败")
	}
	if err := scheduler.Start(); err == nil {
		t.Error("停止后不能再次启动")
	}
}

// TestSchedulerExecution 测试任务执行
func TestSchedulerExecution(t *testing.T) {
	scheduler := newTestScheduler(t, 10*time.Millisecond)

	var executed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		err := scheduler.Schedule(fmt.Sprintf("task-%d", i), 20*time.Millisecond, func() {
			executed.Add(1)
			wg.Done()
		})
		if err != nil {
			t.Fatalf("添加任务失败: %v", err)
		}
	}

	waitTimeout(t, &wg, time.Second)
	if executed.Load() != 5 {
		t.Errorf("期望执行5个任务, 实际 = %d", executed.Load())
	}
}

// TestSchedulerCancel 测试取消任务
func TestSchedulerCancel(t *testing.T) {
	scheduler := newTestScheduler(t, 10*time.Millisecond)

	var cancelled, kept atomic.Bool
	done := make(chan struct{})
	_ = scheduler.Schedule("cancelled", 30*time.Millisecond, func() { cancelled.Store(true) })
	_ = scheduler.Schedule("kept", 60*time.Millisecond, func() {
		kept.Store(true)
		close(done)
	})

	if !scheduler.Cancel("cancelled") {
		t.Fatal("期望取消成功")
	}
	if scheduler.Cancel("cancelled") {
		t.Error("重复取消应返回 false")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("等待任务执行超时")
	}
	if cancelled.Load() {
		t.Error("已取消任务不应执行")
	}
	if !kept.Load() {
		t.Error("未取消任务应执行")
	}
}

// TestSchedulerConcurrent 测试并发安全
func TestSchedulerConcurrent(t *testing.T) {
	scheduler := newTestScheduler(t, 5*time.Millisecond)

	var executed atomic.Int32
	var done sync.WaitGroup
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		done.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = scheduler.Schedule(fmt.Sprintf("task-%d", id), 10*time.Millisecond, func() {
				executed.Add(1)
				done.Done()
			})
		}(i)
	}
	wg.Wait()

	waitTimeout(t, &done, 2*time.Second)
	if executed.Load() != 100 {
		t.Errorf("期望执行100个任务, 实际 = %d", executed.Load())
	}
}

// TestSchedulerPanicRecover 测试 panic 恢复
func TestSchedulerPanicRecover(t *testing.T) {
	scheduler := newTestScheduler(t, 10*time.Millisecond)

	done := make(chan struct{})
	_ = scheduler.Schedule("task-panic", 10*time.Millisecond, func() { panic("测试 panic") })
	_ = scheduler.Schedule("task-normal", 20*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panic 之后正常任务未执行")
	}
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatal("等待任务执行超时")
	}
}

// BenchmarkTimeWheelTick 性能测试: 时间轮推进
func BenchmarkTimeWheelTick(b *testing.B) {
	wheel := NewTimeWheel(time.Second)

	for i := 0; i < 100; i++ {
		wheel.AddTask(NewTask(fmt.Sprintf("task-%d", i), "", time.Duration(i%SlotCount+1)*time.Second, nil))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wheel.Tick()
	}
}
