package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sudooom.im.client/internal/api"
	"sudooom.im.client/internal/config"
	"sudooom.im.client/internal/connection"
	"sudooom.im.client/internal/conversation"
	"sudooom.im.client/internal/credential"
	imErrors "sudooom.im.client/internal/errors"
	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/notification"
	"sudooom.im.client/internal/proto"
	"sudooom.im.client/internal/task"
	"sudooom.im.client/internal/transport"
	"sudooom.im.client/internal/workerpool"
)

// Config 门面参数
type Config struct {
	Endpoint  string        // 推送通道地址
	PopupTTL  time.Duration // 弹窗显示时长
	Tick      time.Duration // 定时器精度
	Workers   int           // 网络请求协程数
	QueueSize int           // 网络请求队列长度
}

// ConfigFrom 从应用配置中取出门面参数
func ConfigFrom(c *config.Config) Config {
	return Config{
		Endpoint:  c.Push.Endpoint,
		PopupTTL:  c.Notification.PopupTTL,
		Tick:      c.Notification.Tick,
		Workers:   c.Worker.Workers,
		QueueSize: c.Worker.QueueSize,
	}
}

// Option 门面可选项
type Option func(*Facade)

// WithLogger 设置日志器
func WithLogger(l *zap.Logger) Option {
	return func(f *Facade) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithRecorder 设置消息归档
func WithRecorder(r conversation.Recorder) Option {
	return func(f *Facade) { f.recorder = r }
}

// Facade 同步核心对外的唯一入口
//
// 所有状态变更（用户调用、下行事件、请求完成、定时器触发）都投递到同一个事件循环执行，
// 网络请求在 worker pool 中运行，完成后把结果投递回事件循环。
// 公开方法可以在任意协程调用。
type Facade struct {
	cfg      Config
	logger   *zap.Logger
	parser   *credential.Parser
	manager  *connection.Manager
	service  api.Service
	pool     *workerpool.Pool
	timers   *task.Scheduler
	recorder conversation.Recorder

	// 以下字段只在事件循环中访问
	store      *conversation.Store
	queue      *notification.Queue
	credential string
	identity   *model.Identity
	expiry     time.Time

	events   chan func()
	stopChan chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	running    atomic.Bool
	startOnce  sync.Once
	closeOnce  sync.Once
	unsubState func()

	messagesCh      chan struct{}
	notificationsCh chan struct{}
	popupCh         chan struct{}
	stateCh         chan struct{}
}

// New 创建门面，调用 Start 之后才能使用
func New(cfg Config, dialer transport.Dialer, service api.Service, opts ...Option) *Facade {
	if cfg.PopupTTL <= 0 {
		cfg.PopupTTL = notification.DefaultPopupTTL
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Facade{
		cfg:             cfg,
		logger:          zap.NewNop(),
		parser:          credential.NewParser(),
		service:         service,
		events:          make(chan func(), 256),
		stopChan:        make(chan struct{}),
		loopDone:        make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
		messagesCh:      make(chan struct{}, 1),
		notificationsCh: make(chan struct{}, 1),
		popupCh:         make(chan struct{}, 1),
		stateCh:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(f)
	}

	f.manager = connection.NewManager(dialer, f.logger.Named("connection"))
	f.pool = workerpool.New(cfg.Workers, cfg.QueueSize, f.logger.Named("pool"))
	f.timers = task.NewScheduler(cfg.Tick, f.pool, f.logger.Named("timer"))

	storeOpts := []conversation.Option{conversation.WithLogger(f.logger.Named("conversation"))}
	if f.recorder != nil {
		storeOpts = append(storeOpts, conversation.WithRecorder(f.recorder))
	}
	f.store = conversation.NewStore(f.manager, storeOpts...)
	f.queue = notification.NewQueue(&loopScheduler{f: f},
		notification.WithTTL(cfg.PopupTTL),
		notification.WithLogger(f.logger.Named("notification")),
		notification.WithPopupListener(func() { signal(f.popupCh) }),
	)
	return f
}

// Start 启动事件循环和定时器
func (f *Facade) Start() error {
	var err error
	f.startOnce.Do(func() {
		select {
		case <-f.stopChan:
			err = imErrors.ErrSessionClosed
			return
		default:
		}
		if err = f.timers.Start(); err != nil {
			return
		}

		f.unsubState = f.manager.OnStateChange(func(connection.State) { signal(f.stateCh) })
		f.manager.On(proto.TopicMessage, f.onMessage)
		f.manager.On(proto.TopicNotification, f.onNotification)

		f.running.Store(true)
		go f.loop()
		f.logger.Info("Sync facade started", zap.String("endpoint", f.cfg.Endpoint))
	})
	return err
}

// Close 退出会话：停止定时器、请求和连接，可重复调用
func (f *Facade) Close() {
	f.closeOnce.Do(func() {
		f.manager.Off(proto.TopicMessage)
		f.manager.Off(proto.TopicNotification)
		if f.unsubState != nil {
			f.unsubState()
		}

		if f.running.Load() {
			_ = f.do(context.Background(), func() { f.queue.Close() })
		}
		f.timers.Stop()
		f.cancel()

		close(f.stopChan)
		if f.running.Load() {
			<-f.loopDone
		}
		f.running.Store(false)

		f.pool.Shutdown()
		f.manager.Close()
		f.logger.Info("Sync facade closed")
	})
}

// Login 解析凭证、建立推送连接并初始化会话
// 凭证格式错误时返回 MalformedCredential，身份保持未设置；
// 连接失败时身份仍然生效，返回 Disconnected，可以稍后调用 Reconnect
func (f *Facade) Login(ctx context.Context, cred string) error {
	identity, err := f.parser.Decode(cred)
	if err != nil {
		f.logger.Warn("Login rejected", zap.Error(err))
		return err
	}

	var identified bool
	if err := f.do(ctx, func() { identified = f.identity != nil }); err != nil {
		return err
	}
	if identified {
		return imErrors.ErrAlreadyIdentified
	}

	_, connErr := f.manager.Connect(ctx, f.cfg.Endpoint)

	var initErr error
	expiry, expErr := f.parser.Expiry(cred)
	if err := f.do(ctx, func() {
		if initErr = f.store.Init(cred, identity); initErr != nil {
			return
		}
		f.credential = cred
		f.identity = identity
		if expErr == nil {
			f.expiry = expiry
		}
	}); err != nil {
		return err
	}
	if initErr != nil {
		return initErr
	}

	f.logger.Info("Logged in",
		zap.String("self", identity.ID.String()),
		zap.Bool("connected", connErr == nil))
	signal(f.stateCh)
	return connErr
}

// SelectPeer 切换聊天对象并等待历史加载完成
// 加载失败返回 HistoryFetchFailed，日志保持切换后的状态；
// 加载期间又切换到其他对象时，本次结果被丢弃并返回 nil
func (f *Facade) SelectPeer(ctx context.Context, peer model.ID) error {
	var (
		ticket  conversation.FetchTicket
		cred    string
		changed bool
		selErr  error
	)
	if err := f.do(ctx, func() {
		before := f.store.Peer()
		ticket, selErr = f.store.SelectPeer(peer)
		cred = f.credential
		changed = selErr == nil && before != peer
	}); err != nil {
		return err
	}
	if selErr != nil {
		return selErr
	}
	if changed {
		signal(f.messagesCh)
		signal(f.stateCh)
	}

	return f.fetchHistory(ctx, cred, ticket)
}

// LoadHistory 重新加载当前对象的历史消息
func (f *Facade) LoadHistory(ctx context.Context) error {
	var peer model.ID
	if err := f.do(ctx, func() { peer = f.store.Peer() }); err != nil {
		return err
	}
	if peer.IsZero() {
		return imErrors.ErrNoPeerSelected
	}
	return f.SelectPeer(ctx, peer)
}

func (f *Facade) fetchHistory(ctx context.Context, cred string, ticket conversation.FetchTicket) error {
	result := make(chan error, 1)

	// 请求使用会话级 ctx：调用方放弃等待不会取消请求，结果仍会合并
	err := f.pool.Submit(ctx, func() {
		msgs, err := f.service.FetchHistory(f.ctx, cred, ticket.Self, ticket.Peer)
		f.post(func() {
			if err != nil {
				result <- f.store.HistoryFailed(ticket, err)
				return
			}
			if f.store.ApplyHistory(ticket, msgs) {
				signal(f.messagesCh)
			}
			result <- nil
		})
	})
	if err != nil {
		// 不在事件循环上，不能读 store
		f.logger.Warn("History fetch not submitted", zap.String("peer", ticket.Peer.String()), zap.Error(err))
		return imErrors.ErrHistoryFetchFailed.Wrap(err)
	}

	return f.wait(ctx, result)
}

// Send 发送消息，未选择对象或内容为空时返回 false
func (f *Facade) Send(content string) bool {
	var sent bool
	_ = f.do(context.Background(), func() { sent = f.store.Send(content) })
	return sent
}

// SetDraft 更新输入缓冲
func (f *Facade) SetDraft(d string) {
	_ = f.do(context.Background(), func() { f.store.SetDraft(d) })
}

// Draft 输入缓冲
func (f *Facade) Draft() string {
	var d string
	_ = f.do(context.Background(), func() { d = f.store.Draft() })
	return d
}

// AcknowledgeNotifications 把调用时刻的全部未读通知作为一批标记为已读
// 队列为空时直接成功，不请求服务端；失败返回 AckFailed，队列保持不变
func (f *Facade) AcknowledgeNotifications(ctx context.Context) error {
	var (
		ids  []model.ID
		cred string
	)
	if err := f.do(ctx, func() {
		ids = f.queue.BeginAck()
		cred = f.credential
	}); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	result := make(chan error, 1)
	err := f.pool.Submit(ctx, func() {
		err := f.service.MarkSeen(f.ctx, cred, ids)
		f.post(func() {
			if err != nil {
				result <- f.queue.FailAck(ids, err)
				return
			}
			f.queue.CompleteAck(ids)
			signal(f.notificationsCh)
			result <- nil
		})
	})
	if err != nil {
		return imErrors.ErrAckFailed.Wrap(err)
	}
	return f.wait(ctx, result)
}

// DismissPopup 手动关闭弹窗
func (f *Facade) DismissPopup() {
	_ = f.do(context.Background(), func() { f.queue.DismissPopup() })
}

// Users 拉取用户目录
func (f *Facade) Users(ctx context.Context) ([]model.User, error) {
	var cred string
	if err := f.do(ctx, func() { cred = f.credential }); err != nil {
		return nil, err
	}
	if cred == "" {
		return nil, imErrors.ErrNotIdentified
	}

	type usersResult struct {
		users []model.User
		err   error
	}
	result := make(chan usersResult, 1)
	if err := f.pool.Submit(ctx, func() {
		users, err := f.service.ListUsers(ctx, cred)
		result <- usersResult{users: users, err: err}
	}); err != nil {
		return nil, err
	}

	select {
	case r := <-result:
		if r.err != nil {
			return nil, fmt.Errorf("list users: %w", r.err)
		}
		return r.users, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.stopChan:
		return nil, imErrors.ErrSessionClosed
	}
}

// Reconnect 断线后重新拨号，并重新发出 register 和当前对象的 joinRoom
// 何时重连由调用方决定
func (f *Facade) Reconnect(ctx context.Context) error {
	var identified bool
	if err := f.do(ctx, func() { identified = f.identity != nil }); err != nil {
		return err
	}
	if !identified {
		return imErrors.ErrNotIdentified
	}

	if _, err := f.manager.Connect(ctx, f.cfg.Endpoint); err != nil {
		return err
	}

	var resumeErr error
	if err := f.do(ctx, func() { resumeErr = f.store.Resume() }); err != nil {
		return err
	}
	if resumeErr != nil {
		f.logger.Warn("Resume after reconnect failed", zap.Error(resumeErr))
		return resumeErr
	}
	f.logger.Info("Reconnected")
	return nil
}

// CurrentLog 当前会话的消息日志
func (f *Facade) CurrentLog() []model.Message {
	var log []model.Message
	_ = f.do(context.Background(), func() { log = f.store.Log() })
	return log
}

// PendingNotifications 未读通知
func (f *Facade) PendingNotifications() []model.Notification {
	var pending []model.Notification
	_ = f.do(context.Background(), func() { pending = f.queue.Pending() })
	return pending
}

// CurrentPopup 当前弹窗
func (f *Facade) CurrentPopup() (model.Notification, bool) {
	var (
		n  model.Notification
		ok bool
	)
	_ = f.do(context.Background(), func() { n, ok = f.queue.Popup() })
	return n, ok
}

// Peer 当前聊天对象，未选择时为空
func (f *Facade) Peer() model.ID {
	var peer model.ID
	_ = f.do(context.Background(), func() { peer = f.store.Peer() })
	return peer
}

// Identity 当前身份
func (f *Facade) Identity() (model.Identity, bool) {
	var (
		id model.Identity
		ok bool
	)
	_ = f.do(context.Background(), func() {
		if f.identity != nil {
			id, ok = *f.identity, true
		}
	})
	return id, ok
}

// Expiry 凭证中未经校验的过期时间，仅用于展示
func (f *Facade) Expiry() (time.Time, bool) {
	var exp time.Time
	_ = f.do(context.Background(), func() { exp = f.expiry })
	return exp, !exp.IsZero()
}

// ConnectionState 推送通道状态
func (f *Facade) ConnectionState() connection.State {
	return f.manager.State()
}

// ConnectionInfo 推送通道概况
type ConnectionInfo struct {
	State    connection.State
	Endpoint string
	Since    time.Time
	Err      error // 最近一次断开的原因
}

// Connection 当前推送通道的概况，从未连接时只有 State
func (f *Facade) Connection() ConnectionInfo {
	info := ConnectionInfo{State: f.manager.State()}
	if c := f.manager.Current(); c != nil {
		info.Endpoint = c.Endpoint()
		info.Since = c.CreateTime()
		info.Err = c.Err()
	}
	return info
}

// PendingTimers 尚未到期的弹窗定时器数量
func (f *Facade) PendingTimers() int {
	return f.timers.GetStats().Pending
}

// MessagesChanged 日志变化信号，多次变化可能合并为一次
func (f *Facade) MessagesChanged() <-chan struct{} { return f.messagesCh }

// NotificationsChanged 未读通知变化信号
func (f *Facade) NotificationsChanged() <-chan struct{} { return f.notificationsCh }

// PopupChanged 弹窗变化信号
func (f *Facade) PopupChanged() <-chan struct{} { return f.popupCh }

// StateChanged 连接状态、身份或聊天对象变化信号
func (f *Facade) StateChanged() <-chan struct{} { return f.stateCh }

// onMessage 在连接读协程中调用
func (f *Facade) onMessage(data json.RawMessage) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Warn("Malformed message push", zap.Error(err))
		return
	}
	f.post(func() {
		if f.store.Receive(msg) {
			signal(f.messagesCh)
		}
	})
}

// onNotification 在连接读协程中调用
func (f *Facade) onNotification(data json.RawMessage) {
	var push proto.NotificationPush
	if err := json.Unmarshal(data, &push); err != nil {
		f.logger.Warn("Malformed notification push", zap.Error(err))
		return
	}
	f.post(func() {
		if f.queue.Enqueue(model.Notification{ID: push.ID, Content: push.Content}) {
			signal(f.notificationsCh)
		}
	})
}

func (f *Facade) loop() {
	defer close(f.loopDone)
	for {
		select {
		case fn := <-f.events:
			f.run(fn)
		case <-f.stopChan:
			return
		}
	}
}

func (f *Facade) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Event loop handler panic", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// post 投递到事件循环，会话关闭后丢弃
func (f *Facade) post(fn func()) bool {
	select {
	case <-f.stopChan:
		return false
	default:
	}
	select {
	case f.events <- fn:
		return true
	case <-f.stopChan:
		return false
	}
}

// do 投递到事件循环并等待执行完成
func (f *Facade) do(ctx context.Context, fn func()) error {
	if !f.running.Load() {
		return imErrors.ErrSessionClosed
	}
	done := make(chan struct{})
	if !f.post(func() {
		defer close(done)
		fn()
	}) {
		return imErrors.ErrSessionClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-f.stopChan:
		return imErrors.ErrSessionClosed
	}
}

func (f *Facade) wait(ctx context.Context, result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-f.stopChan:
		return imErrors.ErrSessionClosed
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// loopScheduler 定时器回调投递回事件循环
type loopScheduler struct {
	f *Facade
}

func (s *loopScheduler) Schedule(id string, delay time.Duration, fn func()) error {
	return s.f.timers.Schedule(id, delay, func() { s.f.post(fn) })
}

func (s *loopScheduler) Cancel(id string) bool {
	return s.f.timers.Cancel(id)
}
