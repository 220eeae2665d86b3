package model

// Notification 推送通知
// Seen 仅在服务端确认已读成功后置为 true
type Notification struct {
	ID      ID     `json:"id"`
	Content string `json:"content"`
	Seen    bool   `json:"seen"`
}
