package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

// Code 表示 nanofleetd 内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警分级。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeEventFailure          Code = "EVENT_FAILURE"

	CodeAllEndpointsFailed Code = "ALL_ENDPOINTS_FAILED"
	CodeAccountNotFound    Code = "ACCOUNT_NOT_FOUND"
	CodeWorkGeneration     Code = "WORK_GENERATION_FAILED"
	CodeConsolidation      Code = "CONSOLIDATION_FAILED"
	CodeWorkerNotFound     Code = "WORKER_NOT_FOUND"
	CodeRescueRecorded     Code = "RESCUE_RECORDED"
)

// Attributes 是错误码的默认描述。Status 为运维 API 返回的 HTTP 状态码。
type Attributes struct {
	Message  string
	Severity Severity
	Status   int
}

var registry = map[Code]Attributes{
	CodeUnknown:               {"unknown error", SeverityCritical, http.StatusInternalServerError},
	CodeInvalidArgument:       {"invalid argument", SeverityInfo, http.StatusBadRequest},
	CodeNotFound:              {"resource not found", SeverityInfo, http.StatusNotFound},
	CodeInitializationFailure: {"component not initialized", SeverityWarning, http.StatusServiceUnavailable},
	CodeStorageFailure:        {"storage failure", SeverityCritical, http.StatusInternalServerError},
	CodeEventFailure:          {"event publish failure", SeverityWarning, http.StatusInternalServerError},
	CodeAllEndpointsFailed:    {"all rpc endpoints failed", SeverityCritical, http.StatusBadGateway},
	CodeAccountNotFound:       {"account not opened", SeverityInfo, http.StatusNotFound},
	CodeWorkGeneration:        {"work generation failed", SeverityCritical, http.StatusBadGateway},
	CodeConsolidation:         {"consolidation failed", SeverityCritical, http.StatusBadGateway},
	CodeWorkerNotFound:        {"worker not found", SeverityInfo, http.StatusNotFound},
	CodeRescueRecorded:        {"wallet recorded in rescue ledger", SeverityCritical, http.StatusInternalServerError},
}

// AttributesOf 返回错误码对应的属性，未知错误码回落到 UNKNOWN。
func AttributesOf(code Code) Attributes {
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 携带错误码、上下文信息与底层原因。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加一对键值，例如节点地址或 worker 名称。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New 创建错误。message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以错误码包裹已有错误。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码比较。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// CodeOf 返回错误链中最外层统一错误的错误码。
func CodeOf(err error) Code {
	var target *Error
	if stdErrors.As(err, &target) {
		return target.Code()
	}
	return CodeUnknown
}

// HTTPStatus 返回错误应映射的 HTTP 状态码。
func HTTPStatus(err error) int {
	return AttributesOf(CodeOf(err)).Status
}

// HasCode 判断错误链中是否包含指定错误码。
func HasCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.code == code {
			return true
		}
		err = stdErrors.Unwrap(err)
	}
	return false
}
