package conversation

import (
	"sort"

	"go.uber.org/zap"

	imErrors "sudooom.im.client/internal/errors"
	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/proto"
)

// State 会话状态
type State int

const (
	StateUninitialized State = iota
	// StateNoPeer 已确定身份，未选择聊天对象
	StateNoPeer
	// StatePeerSelected 已确定身份，已选择聊天对象
	StatePeerSelected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNoPeer:
		return "no_peer"
	case StatePeerSelected:
		return "peer_selected"
	default:
		return "unknown"
	}
}

// Emitter 推送通道的上行出口
type Emitter interface {
	Emit(topic string, payload any) error
}

// Recorder 接收每一条进入消息日志的消息（例如本地归档）
type Recorder interface {
	Record(msg model.Message)
}

// FetchTicket 一次历史拉取的凭据，记录发起时的会话
type FetchTicket struct {
	Self model.ID
	Peer model.ID
}

type entry struct {
	msg model.Message
	seq uint64 // 到达序号，createdAt 相同时按它排序
}

// Store 一对一会话状态机
//
// 不是并发安全的：所有调用必须来自同一个事件循环。
type Store struct {
	emitter  Emitter
	recorder Recorder
	logger   *zap.Logger

	credential string
	self       model.ID
	peer       model.ID
	log        []entry
	seq        uint64
	draft      string
}

// Option Store 可选项
type Option func(*Store)

// WithRecorder 设置消息记录器
func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithLogger 设置日志器
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore 创建会话状态机
func NewStore(emitter Emitter, opts ...Option) *Store {
	s := &Store{
		emitter: emitter,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init 绑定身份并发出 register，只能调用一次
func (s *Store) Init(credential string, identity *model.Identity) error {
	if !s.self.IsZero() {
		return imErrors.ErrAlreadyIdentified
	}
	if identity == nil || identity.ID.IsZero() {
		return imErrors.ErrInvalidParams
	}

	s.credential = credential
	s.self = identity.ID
	s.logger = s.logger.With(zap.String("self", s.self.String()))

	s.emit(proto.TopicRegister, s.self.String())
	s.logger.Info("Conversation store identified")
	return nil
}

// SelectPeer 切换聊天对象
// 对象变化时清空日志并发出 joinRoom；重复选择同一对象不再发出 joinRoom，
// 但仍返回新的拉取凭据，以便历史加载失败后重试
func (s *Store) SelectPeer(peer model.ID) (FetchTicket, error) {
	if s.self.IsZero() {
		return FetchTicket{}, imErrors.ErrNotIdentified
	}
	if peer.IsZero() {
		return FetchTicket{}, imErrors.ErrInvalidParams
	}

	if peer != s.peer {
		prev := s.peer
		s.peer = peer
		s.log = nil
		s.emit(proto.TopicJoinRoom, proto.JoinRoom{Token: s.credential, ReceiverID: peer})
		s.logger.Info("Peer selected",
			zap.String("peer", peer.String()),
			zap.String("previous", prev.String()))
	}

	return FetchTicket{Self: s.self, Peer: s.peer, }, nil
}

// ApplyHistory 应用历史拉取结果
// 凭据对应的对象已不是当前对象时丢弃结果并返回 false。
// 否则日志为拉取结果与已有条目的并集，按 id 去重并排序；
// 拉取结果里缺失的已有条目（服务端尚未落库的推送）保留
func (s *Store) ApplyHistory(ticket FetchTicket, msgs []model.Message) bool {
	if ticket.Peer != s.peer || ticket.Self != s.self {
		s.logger.Debug("Dropping stale history",
			zap.String("ticket_peer", ticket.Peer.String()),
			zap.String("peer", s.peer.String()))
		return false
	}

	// 已知消息沿用原到达序号，重复加载不改变同一时刻消息的先后
	known := make(map[model.ID]uint64, len(s.log))
	for _, e := range s.log {
		if !e.msg.ID.IsZero() {
			known[e.msg.ID] = e.seq
		}
	}

	seen := make(map[model.ID]struct{}, len(msgs))
	next := make([]entry, 0, len(msgs)+len(s.log))
	for _, m := range msgs {
		if !m.Between(s.self, s.peer) {
			continue
		}
		if !m.ID.IsZero() {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		if seq, ok := known[m.ID]; ok {
			next = append(next, entry{msg: m, seq: seq})
			continue
		}
		s.seq++
		next = append(next, entry{msg: m, seq: s.seq})
		s.record(m)
	}

	kept := 0
	for _, e := range s.log {
		if _, dup := seen[e.msg.ID]; dup && !e.msg.ID.IsZero() {
			continue
		}
		next = append(next, e)
		kept++
	}

	sortEntries(next)
	s.log = next

	s.logger.Debug("History applied",
		zap.String("peer", s.peer.String()),
		zap.Int("fetched", len(msgs)),
		zap.Int("kept", kept),
		zap.Int("log", len(s.log)))
	return true
}

// HistoryFailed 历史拉取失败，日志保持不变；凭据已过期时返回 nil
func (s *Store) HistoryFailed(ticket FetchTicket, err error) error {
	if ticket.Peer != s.peer || ticket.Self != s.self {
		s.logger.Debug("Stale history fetch failed", zap.String("ticket_peer", ticket.Peer.String()), zap.Error(err))
		return nil
	}
	s.logger.Warn("History fetch failed", zap.String("peer", ticket.Peer.String()), zap.Error(err))
	return imErrors.ErrHistoryFetchFailed.Wrap(err)
}

// Receive 合并一条下行消息，只接受属于当前会话的消息
func (s *Store) Receive(msg model.Message) bool {
	if s.self.IsZero() || s.peer.IsZero() || !msg.Between(s.self, s.peer) {
		s.logger.Debug("Message outside active conversation",
			zap.String("message_id", msg.ID.String()),
			zap.String("sender", msg.SenderID.String()),
			zap.String("receiver", msg.ReceiverID.String()))
		return false
	}

	if !msg.ID.IsZero() {
		for _, e := range s.log {
			if e.msg.ID == msg.ID {
				return false
			}
		}
	}

	s.seq++
	e := entry{msg: msg, seq: s.seq}
	// 插到最后一个 createdAt 不晚于它的位置之后
	i := sort.Search(len(s.log), func(i int) bool {
		return s.log[i].msg.CreatedAt.After(msg.CreatedAt)
	})
	s.log = append(s.log, entry{})
	copy(s.log[i+1:], s.log[i:])
	s.log[i] = e

	s.record(msg)
	return true
}

// Send 发送消息（发后即忘）
// 未选择对象或内容为空时什么都不做并返回 false；
// 否则发出 message 事件并清空输入缓冲，本地日志只在服务端回显时更新
func (s *Store) Send(content string) bool {
	if s.self.IsZero() || s.peer.IsZero() || content == "" {
		return false
	}

	s.emit(proto.TopicMessage, proto.SendMessage{
		Token:      s.credential,
		ReceiverID: s.peer,
		Content:    content,
	})
	s.draft = ""
	return true
}

// Resume 重连之后重新发出 register 和 joinRoom
func (s *Store) Resume() error {
	if s.self.IsZero() {
		return imErrors.ErrNotIdentified
	}
	if err := s.emitter.Emit(proto.TopicRegister, s.self.String()); err != nil {
		return err
	}
	if s.peer.IsZero() {
		return nil
	}
	return s.emitter.Emit(proto.TopicJoinRoom, proto.JoinRoom{Token: s.credential, ReceiverID: s.peer})
}

// Log 当前会话的消息日志副本
func (s *Store) Log() []model.Message {
	out := make([]model.Message, len(s.log))
	for i, e := range s.log {
		out[i] = e.msg
	}
	return out
}

func (s *Store) Self() model.ID {
	return s.self
}

func (s *Store) Peer() model.ID {
	return s.peer
}

// Draft 输入缓冲
func (s *Store) Draft() string {
	return s.draft
}

func (s *Store) SetDraft(d string) {
	s.draft = d
}

// State 当前状态
func (s *Store) State() State {
	switch {
	case s.self.IsZero():
		return StateUninitialized
	case s.peer.IsZero():
		return StateNoPeer
	default:
		return StatePeerSelected
	}
}

// emit 上行失败不影响本地状态，断线时只记录日志
func (s *Store) emit(topic string, payload any) {
	if err := s.emitter.Emit(topic, payload); err != nil {
		s.logger.Warn("Emit failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (s *Store) record(msg model.Message) {
	if s.recorder != nil {
		s.recorder.Record(msg)
	}
}

func sortEntries(entries []entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})
}
