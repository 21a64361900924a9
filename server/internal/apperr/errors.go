package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误分类。对话子系统内的错误都可恢复，最坏结果是"本轮不显示对话"。
type Kind string

const (
	// KindResolution 未知脚本 key 或角色 id，操作中止但不破坏状态。
	KindResolution Kind = "resolution_error"
	// KindTransport 远程拉取失败或超时，回退到内置目录。
	KindTransport Kind = "transport_error"
	// KindState 快照字段缺失或格式错误，按"未越过阈值"保守处理。
	KindState Kind = "state_error"
	// KindValidation 注册的脚本或角色数据不合法。
	KindValidation Kind = "validation_error"
)

// Error 对话子系统的统一错误结构
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Code    string
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建新的 Error
func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     cause,
		Code:    codeFor(kind),
	}
}

// Resolution 创建解析错误
func Resolution(format string, args ...any) *Error {
	return New(KindResolution, fmt.Sprintf(format, args...), nil)
}

// Transport 创建传输错误
func Transport(message string, cause error) *Error {
	return New(KindTransport, message, cause)
}

// State 创建快照状态错误
func State(message string, cause error) *Error {
	return New(KindState, message, cause)
}

// Validation 创建校验错误
func Validation(message string, cause error) *Error {
	return New(KindValidation, message, cause)
}

// KindOf 返回错误链上第一个 *Error 的分类，找不到返回空串。
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// IsResolution 检查是否为解析错误
func IsResolution(err error) bool { return KindOf(err) == KindResolution }

// IsTransport 检查是否为传输错误
func IsTransport(err error) bool { return KindOf(err) == KindTransport }

// IsState 检查是否为快照状态错误
func IsState(err error) bool { return KindOf(err) == KindState }

// IsValidation 检查是否为校验错误
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// CodeOf 返回用户友好的错误代码
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "INTERNAL_ERROR"
}

func codeFor(kind Kind) string {
	switch kind {
	case KindResolution:
		return "NOT_FOUND"
	case KindTransport:
		return "TRANSPORT_ERROR"
	case KindState:
		return "STATE_ERROR"
	case KindValidation:
		return "VALIDATION_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}
