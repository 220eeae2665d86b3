package notification

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	imErrors "sudooom.im.client/internal/errors"
	"sudooom.im.client/internal/model"
)

// DefaultPopupTTL 弹窗自动消失时间
const DefaultPopupTTL = 5 * time.Second

// Scheduler 弹窗定时器
type Scheduler interface {
	Schedule(id string, delay time.Duration, fn func()) error
	Cancel(id string) bool
}

type popupSlot struct {
	n     model.Notification
	token string // 调度这次显示的定时器 ID
}

// Queue 未读通知队列和弹窗
//
// 每次入队都会显示弹窗并启动独立的定时器，新通知不会取消旧定时器；
// 定时器触发时只在弹窗仍显示自己那条通知时清空弹窗。
// 不是并发安全的：所有调用（包括定时器回调）必须来自同一个事件循环。
type Queue struct {
	scheduler Scheduler
	ttl       time.Duration
	logger    *zap.Logger
	onPopup   func()

	pending []model.Notification
	popup   *popupSlot
	timers  map[string]struct{}
}

// Option Queue 可选项
type Option func(*Queue)

// WithTTL 设置弹窗显示时长
func WithTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

// WithLogger 设置日志器
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithPopupListener 弹窗变化回调（显示、过期、手动关闭）
func WithPopupListener(fn func()) Option {
	return func(q *Queue) { q.onPopup = fn }
}

// NewQueue 创建通知队列
func NewQueue(scheduler Scheduler, opts ...Option) *Queue {
	q := &Queue{
		scheduler: scheduler,
		ttl:       DefaultPopupTTL,
		logger:    zap.NewNop(),
		timers:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue 通知入队并显示弹窗，重复 ID 被忽略（没有 ID 的通知不去重）
func (q *Queue) Enqueue(n model.Notification) bool {
	for _, p := range q.pending {
		if !n.ID.IsZero() && p.ID == n.ID {
			q.logger.Debug("Duplicate notification ignored", zap.String("notification_id", n.ID.String()))
			return false
		}
	}

	n.Seen = false
	q.pending = append(q.pending, n)

	token := uuid.NewString()
	q.popup = &popupSlot{n: n, token: token}
	if err := q.scheduler.Schedule(token, q.ttl, func() { q.expire(token) }); err != nil {
		// 定时器不可用时弹窗保留到手动关闭或下一条通知
		q.logger.Warn("Failed to schedule popup expiry",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err))
	} else {
		q.timers[token] = struct{}{}
	}

	q.logger.Debug("Notification enqueued",
		zap.String("notification_id", n.ID.String()),
		zap.Int("unread", len(q.pending)))
	q.popupChanged()
	return true
}

// expire 定时器回调
func (q *Queue) expire(token string) {
	if _, ok := q.timers[token]; !ok {
		return
	}
	delete(q.timers, token)

	if q.popup == nil || q.popup.token != token {
		return
	}
	q.popup = nil
	q.popupChanged()
}

// Pending 未读通知（到达顺序）
func (q *Queue) Pending() []model.Notification {
	out := make([]model.Notification, len(q.pending))
	copy(out, q.pending)
	return out
}

// Unread 未读数，始终等于 Pending 的长度
func (q *Queue) Unread() int {
	return len(q.pending)
}

// Popup 当前弹窗
func (q *Queue) Popup() (model.Notification, bool) {
	if q.popup == nil {
		return model.Notification{}, false
	}
	return q.popup.n, true
}

// BeginAck 取出本次要确认的通知 ID，队列为空时返回 nil
func (q *Queue) BeginAck() []model.ID {
	if len(q.pending) == 0 {
		return nil
	}
	ids := make([]model.ID, len(q.pending))
	for i, n := range q.pending {
		ids[i] = n.ID
	}
	return ids
}

// CompleteAck 服务端确认成功，移除且只移除这些通知，返回被标记为已读的通知
func (q *Queue) CompleteAck(ids []model.ID) []model.Notification {
	// 按次数计，没有 ID 的通知只移除本批次里的那几条（到达顺序在前）
	acked := make(map[model.ID]int, len(ids))
	for _, id := range ids {
		acked[id]++
	}

	var seen []model.Notification
	kept := q.pending[:0]
	for _, n := range q.pending {
		if acked[n.ID] > 0 {
			acked[n.ID]--
			n.Seen = true
			seen = append(seen, n)
			continue
		}
		kept = append(kept, n)
	}
	q.pending = kept

	q.logger.Info("Notifications marked seen",
		zap.Int("acked", len(seen)),
		zap.Int("unread", len(q.pending)))
	return seen
}

// FailAck 服务端确认失败，队列保持不变
func (q *Queue) FailAck(ids []model.ID, err error) error {
	q.logger.Warn("Mark seen failed",
		zap.Int("count", len(ids)),
		zap.Error(err))
	return imErrors.ErrAckFailed.Wrap(err)
}

// DismissPopup 手动关闭弹窗并取消它的定时器
func (q *Queue) DismissPopup() bool {
	if q.popup == nil {
		return false
	}
	token := q.popup.token
	q.popup = nil
	if _, ok := q.timers[token]; ok {
		delete(q.timers, token)
		q.scheduler.Cancel(token)
	}
	q.popupChanged()
	return true
}

// Close 取消所有未触发的定时器
func (q *Queue) Close() {
	for token := range q.timers {
		q.scheduler.Cancel(token)
	}
	q.timers = make(map[string]struct{})
}

func (q *Queue) popupChanged() {
	if q.onPopup != nil {
		q.onPopup()
	}
}
