package coordinator

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrResultSubmitted    = errors.New("task result already submitted")
	ErrNotFound           = errors.New("no value found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrAlreadyInitialized = errors.New("coordinator already initialized")
	ErrNotInitialized     = errors.New("coordinator not initialized")
)

// StorageError 包装底层存储失败，原样向调用方传播。
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr 将非领域错误标记为存储失败，领域错误原样返回。
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	switch {
	case errors.As(err, &se),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrResultSubmitted),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrAlreadyInitialized),
		errors.Is(err, ErrNotInitialized):
		return err
	}
	return &StorageError{Op: op, Err: err}
}
