package service

import (
	"errors"
	"fmt"

	"github.com/vinaykr8807/WhispShare-qz/internal/lifecycle"
	"github.com/vinaykr8807/WhispShare-qz/internal/repository"
)

var (
	// ErrValidation 匹配所有 *ValidationError。
	ErrValidation = errors.New("validation failed")
	// ErrNotFound 表示取件码不存在、已过期或已被取走，对外不区分。
	ErrNotFound = errors.New("share not found")
	// ErrOutOfRange 表示记录有效但请求方超出距离限制。
	ErrOutOfRange = errors.New("share out of range")
	// ErrCodeSpaceExhausted 表示多次重试后仍未分配到唯一的取件码。
	ErrCodeSpaceExhausted = errors.New("could not allocate a unique retrieval code")

	// ErrAlreadyConsumed 与 ErrExpired 只在 Consume 内部区分，二者都满足 errors.Is(err, ErrNotFound)。
	ErrAlreadyConsumed error = &goneError{msg: "share already consumed"}
	ErrExpired         error = &goneError{msg: "share expired"}
)

type goneError struct{ msg string }

func (e *goneError) Error() string { return e.msg }
func (e *goneError) Unwrap() error { return ErrNotFound }

// ValidationError 描述调用方输入的问题，在访问任何外部依赖前返回。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StorageError 包装外部存储（blob 或记录）的失败，调用方可以重试。
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Retryable 总是返回 true。
func (e *StorageError) Retryable() bool { return true }

// translateLifecycle 把存储层与状态机的错误映射到服务层错误。
func translateLifecycle(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lifecycle.ErrAlreadyConsumed):
		return ErrAlreadyConsumed
	case errors.Is(err, lifecycle.ErrExpired):
		return ErrExpired
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	default:
		return &StorageError{Op: op, Err: err}
	}
}
