package proto

import (
	"encoding/json"
	"fmt"

	"sudooom.im.client/internal/model"
)

// 推送通道事件主题
const (
	TopicMessage      = "message"      // 双向：聊天消息
	TopicNotification = "notification" // 下行：通知
	TopicRegister     = "register"     // 上行：绑定身份
	TopicJoinRoom     = "joinRoom"     // 上行：声明会话成员关系
)

// Envelope 推送通道统一信封
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ============== 上行消息 ==============

// JoinRoom 加入房间
type JoinRoom struct {
	Token      string   `json:"token"`
	ReceiverID model.ID `json:"receiverId"`
}

// SendMessage 发送聊天消息
type SendMessage struct {
	Token      string   `json:"token"`
	ReceiverID model.ID `json:"receiverId"`
	Content    string   `json:"content"`
}

// ============== 下行消息 ==============

// NotificationPush 通知推送
type NotificationPush struct {
	ID      model.ID `json:"id"`
	Content string   `json:"content"`
}

// ============== 编解码 ==============

// Encode 把事件和载荷编码为信封
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = raw
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode 解析信封
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope without event")
	}
	return &env, nil
}
