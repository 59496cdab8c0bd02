package errors

import (
	stdErrors "errors"
	"fmt"
)

// Code 表示编排器内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于事件与审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown            Code = "UNKNOWN"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeCancelled          Code = "CANCELLED"
	CodeTimeout            Code = "TIMEOUT"
	CodeInitialization     Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure     Code = "STORAGE_FAILURE"
	CodeIntentValidation   Code = "INTENT_VALIDATION"
	CodeRecursionLimit     Code = "RECURSION_LIMIT"
	CodeAgentTransient     Code = "AGENT_TRANSIENT"
	CodeStructuredOutput   Code = "STRUCTURED_OUTPUT"
	CodePolicyRejected     Code = "POLICY_REJECTED"
	CodeEscalated          Code = "ESCALATED"
	CodeFatal              Code = "FATAL"
	CodeGraphInvalid       Code = "GRAPH_INVALID"
	CodeWorkflowNode       Code = "WORKFLOW_NODE_FAILURE"
	CodeInfiniteLoop       Code = "INFINITE_LOOP_DETECTED"
	CodeStepBudget         Code = "STEP_BUDGET_EXCEEDED"
	CodePlannerFailure     Code = "PLANNER_FAILURE"
	CodeInterventionExpiry Code = "INTERVENTION_TIMEOUT"
)

var registry = map[Code]Attributes{
	CodeUnknown:            {Message: "unknown error", Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument:    {Message: "invalid argument", Severity: SeverityInfo},
	CodeNotFound:           {Message: "resource not found", Severity: SeverityInfo},
	CodeCancelled:          {Message: "operation cancelled", Severity: SeverityInfo},
	CodeTimeout:            {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeInitialization:     {Message: "component not initialized", Severity: SeverityWarning, Alert: true},
	CodeStorageFailure:     {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeIntentValidation:   {Message: "intent rejected", Severity: SeverityInfo},
	CodeRecursionLimit:     {Message: "recursion depth exceeded", Severity: SeverityWarning, Alert: true},
	CodeAgentTransient:     {Message: "agent invocation failed", Severity: SeverityWarning, Retryable: true},
	CodeStructuredOutput:   {Message: "agent returned malformed structured output", Severity: SeverityWarning, Retryable: true},
	CodePolicyRejected:     {Message: "request rejected by policy", Severity: SeverityWarning},
	CodeEscalated:          {Message: "escalated to operator", Severity: SeverityWarning, Alert: true},
	CodeFatal:              {Message: "agent failed permanently", Severity: SeverityCritical, Alert: true},
	CodeGraphInvalid:       {Message: "workflow graph invalid", Severity: SeverityWarning},
	CodeWorkflowNode:       {Message: "workflow node failed", Severity: SeverityWarning, Alert: true},
	CodeInfiniteLoop:       {Message: "infinite loop detected", Severity: SeverityCritical, Alert: true},
	CodeStepBudget:         {Message: "step budget exceeded", Severity: SeverityCritical, Alert: true},
	CodePlannerFailure:     {Message: "planner failed", Severity: SeverityWarning, Retryable: true},
	CodeInterventionExpiry: {Message: "intervention timed out", Severity: SeverityWarning, Alert: true},
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码默认的可重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例，message 为空时使用注册表中的默认描述。
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

// Newf 使用格式化字符串构造错误。
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 在已有错误外包裹统一错误类型。
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

// Is 允许通过 errors.Is 按错误码比较。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含 cause 的错误描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
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

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 链中取出统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断错误链中是否包含指定错误码。
func HasCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}

// RetryableError 判断任意 error 是否可重试。未编码的错误视为可重试，
// 调用方据此把外部故障当作瞬时失败处理。
func RetryableError(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return true
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
