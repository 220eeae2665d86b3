package errors

import (
	"errors"
	"fmt"
)

// AppError 客户端错误类型
// 用于统一管理同步核心的错误，包含错误码和错误消息
type AppError struct {
	Code    int    // 错误码
	Message string // 用户可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 支持标准库 errors.Is，按错误码比较
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	if err == nil {
		return CodeSuccess
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "客户端内部错误"
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 身份相关 10000-10999
	CodeMalformedCredential = 10001
	CodeNotIdentified       = 10002
	CodeAlreadyIdentified   = 10003

	// 会话相关 11000-11999
	CodeNoPeerSelected = 11001
	CodeInvalidParams  = 11002

	// 同步相关 12000-12999
	CodeHistoryFetchFailed = 12001
	CodeAckFailed          = 12002

	// 连接相关 13000-13999
	CodeDisconnected  = 13001
	CodeSessionClosed = 13002

	// 系统错误 50000-50999
	CodeServerError = 50001
)

// ============== 预定义错误 ==============

// 身份相关
var (
	ErrMalformedCredential = NewError(CodeMalformedCredential, "凭证格式错误")
	ErrNotIdentified       = NewError(CodeNotIdentified, "尚未登录")
	ErrAlreadyIdentified   = NewError(CodeAlreadyIdentified, "身份已确定，不能重复登录")
)

// 会话相关
var (
	ErrNoPeerSelected = NewError(CodeNoPeerSelected, "未选择聊天对象")
	ErrInvalidParams  = NewError(CodeInvalidParams, "参数校验失败")
)

// 同步相关
var (
	ErrHistoryFetchFailed = NewError(CodeHistoryFetchFailed, "历史消息加载失败")
	ErrAckFailed          = NewError(CodeAckFailed, "通知已读确认失败")
)

// 连接相关
var (
	ErrDisconnected  = NewError(CodeDisconnected, "连接已断开")
	ErrSessionClosed = NewError(CodeSessionClosed, "会话已关闭")
)

// 系统相关
var (
	ErrServerError = NewError(CodeServerError, "服务器内部错误")
)
