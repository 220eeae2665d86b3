package notification

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	imErrors "sudooom.im.client/internal/errors"
	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/task"
	"sudooom.im.client/internal/workerpool"
)

// manualClock 手动推进的定时器，一个时间单位为 1s
type manualClock struct {
	now    time.Duration
	timers map[string]*manualTimer
	seq    int
	fail   error
}

type manualTimer struct {
	at  time.Duration
	seq int
	fn  func()
}

func newManualClock() *manualClock {
	return &manualClock{timers: make(map[string]*manualTimer)}
}

func (c *manualClock) Schedule(id string, delay time.Duration, fn func()) error {
	if c.fail != nil {
		return c.fail
	}
	c.seq++
	c.timers[id] = &manualTimer{at: c.now + delay, seq: c.seq, fn: fn}
	return nil
}

func (c *manualClock) Cancel(id string) bool {
	if _, ok := c.timers[id]; !ok {
		return false
	}
	delete(c.timers, id)
	return true
}

// AdvanceTo 推进到时间点 at，依次触发到期的定时器
func (c *manualClock) AdvanceTo(at time.Duration) {
	for {
		var due []string
		for id, tm := range c.timers {
			if tm.at <= at {
				due = append(due, id)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.Slice(due, func(i, j int) bool {
			a, b := c.timers[due[i]], c.timers[due[j]]
			if a.at != b.at {
				return a.at < b.at
			}
			return a.seq < b.seq
		})
		tm := c.timers[due[0]]
		delete(c.timers, due[0])
		c.now = tm.at
		tm.fn()
	}
	c.now = at
}

func note(id, content string) model.Notification {
	return model.Notification{ID: model.ID(id), Content: content}
}

func pendingIDs(q *Queue) []model.ID {
	var out []model.ID
	for _, n := range q.Pending() {
		out = append(out, n.ID)
	}
	return out
}

func TestQueue_EnqueueShowsPopup(t *testing.T) {
	clock := newManualClock()
	changes := 0
	q := NewQueue(clock, WithLogger(zaptest.NewLogger(t)), WithPopupListener(func() { changes++ }))

	assert.True(t, q.Enqueue(note("n1", "hello")))
	assert.False(t, q.Enqueue(note("n1", "hello again")))

	popup, ok := q.Popup()
	require.True(t, ok)
	assert.Equal(t, "hello", popup.Content)
	assert.Equal(t, 1, q.Unread())
	assert.Equal(t, len(q.Pending()), q.Unread())
	assert.Equal(t, 1, changes)

	clock.AdvanceTo(4 * time.Second)
	_, ok = q.Popup()
	assert.True(t, ok)

	clock.AdvanceTo(5 * time.Second)
	_, ok = q.Popup()
	assert.False(t, ok)
	assert.Equal(t, 2, changes)
	assert.Equal(t, 1, q.Unread(), "expiry only clears the popup")
}

func TestQueue_EnqueueWithoutIDs(t *testing.T) {
	q := NewQueue(newManualClock(), WithLogger(zaptest.NewLogger(t)))

	assert.True(t, q.Enqueue(model.Notification{Content: "first"}))
	assert.True(t, q.Enqueue(model.Notification{Content: "second"}))

	assert.Equal(t, 2, q.Unread())
	popup, ok := q.Popup()
	require.True(t, ok)
	assert.Equal(t, "second", popup.Content)
}

func TestQueue_AckWithoutIDsKeepsLaterArrivals(t *testing.T) {
	q := NewQueue(newManualClock())
	q.Enqueue(model.Notification{Content: "first"})

	ids := q.BeginAck()
	q.Enqueue(model.Notification{Content: "second"})
	seen := q.CompleteAck(ids)

	require.Len(t, seen, 1)
	assert.Equal(t, "first", seen[0].Content)
	require.Equal(t, 1, q.Unread())
	assert.Equal(t, "second", q.Pending()[0].Content)
}

// 两条通知相隔 1 个时间单位，时间 2 确认已读；弹窗显示第二条直到它自己的定时器在 6 触发
func TestQueue_BurstThenAck(t *testing.T) {
	clock := newManualClock()
	q := NewQueue(clock, WithTTL(5*time.Second))

	q.Enqueue(note("n1", "first"))
	clock.AdvanceTo(1 * time.Second)
	q.Enqueue(note("n2", "second"))

	clock.AdvanceTo(2 * time.Second)
	ids := q.BeginAck()
	assert.Equal(t, []model.ID{"n1", "n2"}, ids)
	seen := q.CompleteAck(ids)

	assert.Empty(t, q.Pending())
	assert.Equal(t, 0, q.Unread())
	require.Len(t, seen, 2)
	assert.True(t, seen[0].Seen)
	assert.True(t, seen[1].Seen)

	popup, ok := q.Popup()
	require.True(t, ok)
	assert.Equal(t, "second", popup.Content)

	clock.AdvanceTo(5 * time.Second)
	popup, ok = q.Popup()
	require.True(t, ok, "first timer must not clear the second popup")
	assert.Equal(t, "second", popup.Content)

	clock.AdvanceTo(6 * time.Second)
	_, ok = q.Popup()
	assert.False(t, ok)
}

func TestQueue_AckEmptyQueue(t *testing.T) {
	q := NewQueue(newManualClock())

	assert.Nil(t, q.BeginAck())
	assert.Empty(t, q.CompleteAck(nil))
	assert.Empty(t, q.Pending())
	_, ok := q.Popup()
	assert.False(t, ok)
}

func TestQueue_AckRemovesExactlyAcknowledged(t *testing.T) {
	q := NewQueue(newManualClock())
	q.Enqueue(note("n1", "a"))
	q.Enqueue(note("n2", "b"))

	ids := q.BeginAck()
	// 确认请求在途时又到了一条
	q.Enqueue(note("n3", "c"))
	q.CompleteAck(ids)

	assert.Equal(t, []model.ID{"n3"}, pendingIDs(q))
	assert.Equal(t, 1, q.Unread())
}

func TestQueue_AckFailureKeepsQueue(t *testing.T) {
	q := NewQueue(newManualClock())
	q.Enqueue(note("n1", "a"))
	q.Enqueue(note("n2", "b"))

	ids := q.BeginAck()
	err := q.FailAck(ids, errors.New("500"))

	assert.True(t, imErrors.Is(err, imErrors.ErrAckFailed))
	assert.Equal(t, []model.ID{"n1", "n2"}, pendingIDs(q))
	for _, n := range q.Pending() {
		assert.False(t, n.Seen)
	}
}

func TestQueue_DismissPopup(t *testing.T) {
	clock := newManualClock()
	changes := 0
	q := NewQueue(clock, WithPopupListener(func() { changes++ }))

	assert.False(t, q.DismissPopup())

	q.Enqueue(note("n1", "a"))
	assert.True(t, q.DismissPopup())
	_, ok := q.Popup()
	assert.False(t, ok)
	assert.Empty(t, clock.timers, "dismiss cancels the popup timer")
	assert.Equal(t, 2, changes)
	assert.Equal(t, 1, q.Unread())
}

func TestQueue_DismissKeepsOtherTimers(t *testing.T) {
	clock := newManualClock()
	q := NewQueue(clock)

	q.Enqueue(note("n1", "a"))
	clock.AdvanceTo(time.Second)
	q.Enqueue(note("n2", "b"))
	q.DismissPopup()

	assert.Len(t, clock.timers, 1)
	clock.AdvanceTo(10 * time.Second)
	_, ok := q.Popup()
	assert.False(t, ok)
}

func TestQueue_ScheduleFailure(t *testing.T) {
	clock := newManualClock()
	clock.fail = errors.New("scheduler not running")
	q := NewQueue(clock, WithLogger(zaptest.NewLogger(t)))

	assert.True(t, q.Enqueue(note("n1", "a")))
	_, ok := q.Popup()
	assert.True(t, ok)
	assert.Equal(t, 1, q.Unread())
}

func TestQueue_Close(t *testing.T) {
	clock := newManualClock()
	q := NewQueue(clock)
	q.Enqueue(note("n1", "a"))
	q.Enqueue(note("n2", "b"))

	q.Close()
	assert.Empty(t, clock.timers)
}

// TestQueue_WithTimeWheel 使用时间轮调度器
func TestQueue_WithTimeWheel(t *testing.T) {
	log := zaptest.NewLogger(t)
	pool := workerpool.New(2, 16, log)
	defer pool.Shutdown()
	scheduler := task.NewScheduler(10*time.Millisecond, pool, log)
	require.NoError(t, scheduler.Start())
	defer scheduler.Stop()

	// 定时器回调在 worker 协程中执行，用互斥锁把它和测试协程串行化
	var mu sync.Mutex
	expired := make(chan struct{}, 1)
	var q *Queue
	q = NewQueue(&lockedScheduler{mu: &mu, inner: scheduler}, WithTTL(30*time.Millisecond), WithPopupListener(func() {
		if _, ok := q.Popup(); !ok {
			select {
			case expired <- struct{}{}:
			default:
			}
		}
	}))

	mu.Lock()
	q.Enqueue(note("n1", "a"))
	mu.Unlock()

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("popup did not expire")
	}

	mu.Lock()
	defer mu.Unlock()
	_, ok := q.Popup()
	assert.False(t, ok)
	assert.Equal(t, 1, q.Unread())
}

type lockedScheduler struct {
	mu    *sync.Mutex
	inner *task.Scheduler
}

func (s *lockedScheduler) Schedule(id string, delay time.Duration, fn func()) error {
	return s.inner.Schedule(id, delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		fn()
	})
}

func (s *lockedScheduler) Cancel(id string) bool {
	return s.inner.Cancel(id)
}
