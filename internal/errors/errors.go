package errors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// 统一描述认证、通道与系统错误，包含错误码和错误消息
type AppError struct {
	Code    int    // 错误码
	Message string // 可返回给客户端的错误消息
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

// Is 让 errors.Is 按错误码比较
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
	return "internal server error"
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 认证相关 10000-10999
	CodeMissingCredential = 10001
	CodeInvalidSignature  = 10002
	CodeTokenExpired      = 10003
	CodeMalformedClaims   = 10004

	// 通道相关 20000-20999
	CodeConnectionLimit  = 20001
	CodeChannelClosed    = 20002
	CodeSendBufferFull   = 20003
	CodeOriginNotAllowed = 20004

	// 请求相关 40000-40999
	CodeInvalidRequest = 40001
	CodeUnknownEvent   = 40002

	// 系统错误 50000-50999
	CodeServerError   = 50001
	CodeTooManyReqest = 50003
)

// ============== 预定义错误 ==============

// 认证相关
var (
	ErrMissingCredential = NewError(CodeMissingCredential, "missing credential")
	ErrInvalidSignature  = NewError(CodeInvalidSignature, "invalid token signature")
	ErrTokenExpired      = NewError(CodeTokenExpired, "token has expired")
	ErrMalformedClaims   = NewError(CodeMalformedClaims, "malformed token claims")
)

// 通道相关
var (
	ErrConnectionLimit  = NewError(CodeConnectionLimit, "connection limit exceeded")
	ErrChannelClosed    = NewError(CodeChannelClosed, "channel closed")
	ErrSendBufferFull   = NewError(CodeSendBufferFull, "send buffer full")
	ErrOriginNotAllowed = NewError(CodeOriginNotAllowed, "origin not allowed")
)

// 请求相关
var (
	ErrInvalidRequest = NewError(CodeInvalidRequest, "invalid request")
	ErrUnknownEvent   = NewError(CodeUnknownEvent, "unknown event")
)

// 系统相关
var (
	ErrServerError    = NewError(CodeServerError, "internal server error")
	ErrTooManyRequest = NewError(CodeTooManyReqest, "too many requests")
)
