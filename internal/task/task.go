package task

import (
	stdErrors "errors"

	xerrors "QuizChain/internal/errors"
)

// Status 表示运行记录在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// RunResult 保存一次运行结束时的汇总。
type RunResult struct {
	Termination string `json:"termination"`
	Steps       int    `json:"steps"`
	FinalURL    string `json:"final_url,omitempty"`
	LastReason  string `json:"last_reason,omitempty"`
	LastCorrect bool   `json:"last_correct"`
}

// Task 描述一次排队执行的答题链运行。身份凭证从不保存在记录中。
type Task struct {
	ID          string         `json:"id"`
	PrincipalID string         `json:"principal_id"`
	StartURL    string         `json:"start_url"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	CurrentURL  string         `json:"current_url,omitempty"`
	StepCount   int            `json:"step_count"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Result      *RunResult     `json:"result,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Done 判断运行是否已进入终态，不会再被领取。
func (t *Task) Done() bool {
	if t == nil {
		return false
	}
	switch t.Status {
	case StatusSucceeded, StatusCanceled:
		return true
	case StatusFailed:
		return t.Attempts >= t.MaxRetries
	default:
		return false
	}
}

var (
	// ErrTaskNotFound 表示指定的运行不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "run not found")
	// ErrTaskConflict 表示运行在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "run conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示运行已经结束。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "run already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示运行的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "run retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrTaskCanceled 表示运行已被取消。
	ErrTaskCanceled = xerrors.New(CodeTaskCanceled, "run canceled", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTaskNotFound   xerrors.Code = "RUN_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "RUN_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "RUN_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "RUN_RETRIES_EXHAUSTED"
	CodeTaskCanceled   xerrors.Code = "RUN_CANCELED"
	CodeTaskValidation xerrors.Code = "RUN_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "RUN_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "RUN_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "run not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "run conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:   "run already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:   "run retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTaskCanceled, xerrors.Attributes{
		Message:   "run canceled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "run validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "run execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsTaskError 判断错误是否为指定的运行错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	for _, known := range []error{ErrTaskNotFound, ErrTaskConflict, ErrTaskCompleted, ErrTaskExhausted, ErrTaskCanceled} {
		if stdErrors.Is(err, known) {
			return xerrors.CodeOf(known) == target
		}
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		resultCopy := *task.Result
		clone.Result = &resultCopy
	}
	clone.Metadata = cloneMetadata(task.Metadata)
	return &clone
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}
