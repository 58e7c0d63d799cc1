package errors

import (
	"errors"
	"fmt"
)

// 預定義錯誤類型
var (
	// 配置相關
	ErrConfigNotFound    = errors.New("configuration file not found")
	ErrConfigInvalid     = errors.New("configuration is invalid")
	ErrConfigParseFailed = errors.New("failed to parse configuration")

	// 端口與挑戰相關
	ErrPortBusy            = errors.New("port is still bound by another process")
	ErrChallengeBindFailed = errors.New("challenge responder failed to bind")

	// 證書相關
	ErrRateLimited      = errors.New("certificate authority rate limit reached")
	ErrValidationFailed = errors.New("domain validation failed")
	ErrBundleIncomplete = errors.New("certificate bundle is incomplete")
	ErrCertNotFound     = errors.New("certificate not found")
	ErrCertExpired      = errors.New("certificate has expired")
	ErrAlreadyValid     = errors.New("certificate is still valid")

	// 代理與互斥相關
	ErrReloadFailed = errors.New("proxy reload failed")
	ErrLockHeld     = errors.New("another certificate operation is in progress")

	// 系統相關
	ErrServiceNotRunning = errors.New("service is not running")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrCommandFailed     = errors.New("command execution failed")
)

// Error 自定義錯誤類型
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 創建新錯誤
func New(code, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
