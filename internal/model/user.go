package model

// User 用户目录条目（GET /users）
type User struct {
	ID       ID     `json:"id"`       // 用户ID
	Username string `json:"username"` // 用户名
}

// Identity 从凭证解析出的身份，仅用于路由和展示
type Identity struct {
	ID ID `json:"id"`
}
