package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID 不透明标识（用户ID、消息ID、通知ID）
// 服务端可能下发数字或字符串，统一解码为字符串形式
type ID string

// UnmarshalJSON 同时接受 JSON 数字与字符串
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// String 返回字符串形式
func (id ID) String() string {
	return string(id)
}

// IsZero 是否为空
func (id ID) IsZero() bool {
	return id == ""
}
