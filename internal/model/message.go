package model

import "time"

// Message 一对一聊天消息（收到后不可变）
type Message struct {
	ID         ID        `json:"id"`         // 消息ID，服务端分配，不保证可排序
	SenderID   ID        `json:"senderId"`   // 发送者ID
	ReceiverID ID        `json:"receiverId"` // 接收者ID
	Content    string    `json:"content"`    // 消息内容
	CreatedAt  time.Time `json:"createdAt"`  // 创建时间
}

// Between 判断消息是否属于无序对 {a, b} 的会话
func (m Message) Between(a, b ID) bool {
	return (m.SenderID == a && m.ReceiverID == b) ||
		(m.SenderID == b && m.ReceiverID == a)
}
