package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"sudooom.im.client/internal/config"
	"sudooom.im.client/internal/model"
)

// ErrClosed 归档已关闭
var ErrClosed = errors.New("archive closed")

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT    NOT NULL,
	sender_id   TEXT    NOT NULL,
	receiver_id TEXT    NOT NULL,
	content     TEXT    NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_id ON messages(id) WHERE id <> '';
CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at);
`

const insertMessage = `
INSERT OR IGNORE INTO messages (id, sender_id, receiver_id, content, created_at)
VALUES (?, ?, ?, ?, ?)
`

// Store 本地消息归档（sqlite），批量异步写入
type Store struct {
	db     *sql.DB
	config config.ArchiveConfig
	logger *zap.Logger

	msgChan   chan model.Message
	flushChan chan chan error
	stopChan  chan struct{}
	wg        sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// Open 打开（或创建）归档库并启动写入协程
func Open(cfg config.ArchiveConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("archive path is empty")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	// :memory: 库每个连接独立
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}

	s := &Store{
		db:        db,
		config:    cfg,
		logger:    logger,
		msgChan:   make(chan model.Message, cfg.BatchSize*10),
		flushChan: make(chan chan error),
		stopChan:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.worker()

	logger.Info("Archive opened",
		zap.String("path", cfg.Path),
		zap.Int("batchSize", cfg.BatchSize),
		zap.Duration("flushInterval", cfg.FlushInterval))
	return s, nil
}

// Record 异步记录消息，队列满时丢弃，不阻塞调用方
func (s *Store) Record(msg model.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.msgChan <- msg:
	default:
		s.dropped.Add(1)
		s.logger.Warn("Archive queue full, message dropped",
			zap.String("messageId", msg.ID.String()))
	}
}

// Flush 等待已入队的消息写入完成
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	done := make(chan error, 1)
	select {
	case s.flushChan <- done:
	case <-s.stopChan:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Conversation 读取双方之间最近的 limit 条消息，按时间升序；limit<=0 表示全部
func (s *Store) Conversation(ctx context.Context, a, b model.ID, limit int) ([]model.Message, error) {
	query := `
		SELECT id, sender_id, receiver_id, content, created_at FROM (
			SELECT seq, id, sender_id, receiver_id, content, created_at
			FROM messages
			WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, a.String(), b.String(), b.String(), a.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var (
			m         model.Message
			id        string
			sender    string
			receiver  string
			createdAt int64
		)
		if err := rows.Scan(&id, &sender, &receiver, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ID = model.ID(id)
		m.SenderID = model.ID(sender)
		m.ReceiverID = model.ID(receiver)
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Dropped 因队列满丢弃的消息数
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

// Close 刷入剩余消息并关闭数据库，可重复调用
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	s.logger.Info("Archive closed")
	return s.db.Close()
}

func (s *Store) worker() {
	defer s.wg.Done()

	batch := make([]model.Message, 0, s.config.BatchSize)
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			// Record 在 closed 之后不再入队，这里排空剩余消息
			_ = s.flush(s.drain(batch))
			return
		case msg := <-s.msgChan:
			batch = append(batch, msg)
			if len(batch) >= s.config.BatchSize {
				_ = s.flush(batch)
				batch = batch[:0]
			}
		case done := <-s.flushChan:
			done <- s.flush(s.drain(batch))
			batch = batch[:0]
		case <-ticker.C:
			if len(batch) > 0 {
				_ = s.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Store) drain(batch []model.Message) []model.Message {
	for {
		select {
		case msg := <-s.msgChan:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
}

func (s *Store) flush(batch []model.Message) error {
	if len(batch) == 0 {
		return nil
	}
	startTime := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Error("Failed to begin archive batch", zap.Error(err))
		return err
	}
	stmt, err := tx.Prepare(insertMessage)
	if err != nil {
		_ = tx.Rollback()
		s.logger.Error("Failed to prepare archive insert", zap.Error(err))
		return err
	}
	defer stmt.Close()

	for _, m := range batch {
		if _, err := stmt.Exec(m.ID.String(), m.SenderID.String(), m.ReceiverID.String(), m.Content, m.CreatedAt.UnixNano()); err != nil {
			_ = tx.Rollback()
			s.logger.Error("Failed to archive message",
				zap.String("messageId", m.ID.String()),
				zap.Error(err))
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("Failed to commit archive batch", zap.Error(err))
		return err
	}

	s.logger.Debug("Archive batch flushed",
		zap.Int("count", len(batch)),
		zap.Duration("elapsed", time.Since(startTime)))
	return nil
}
