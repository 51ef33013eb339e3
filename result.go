package db

import (
	"encoding/json"
	"errors"
)

// OperationResult is the envelope returned by every public adapter and facade
// operation. Success is true exactly when Err is nil.
type OperationResult[T any] struct {
	Success bool
	Data    T
	Err     error
	Message string

	partial bool
}

// Ok builds a successful result.
func Ok[T any](data T, message string) OperationResult[T] {
	return OperationResult[T]{Success: true, Data: data, Message: message}
}

// Fail builds a failed result. A nil err is replaced with ErrBackendUnavailable
// so that a failed result always carries an error.
func Fail[T any](err error, message string) OperationResult[T] {
	if err == nil {
		err = ErrBackendUnavailable
	}
	return OperationResult[T]{Err: err, Message: message}
}

// FailWith builds a failed result that still carries data, such as a health
// report or per-backend statuses gathered before the failure.
func FailWith[T any](data T, err error, message string) OperationResult[T] {
	r := Fail[T](err, message)
	r.Data = data
	r.partial = true
	return r
}

// Unwrap returns the result in the usual (value, error) form.
func (r OperationResult[T]) Unwrap() (T, error) {
	return r.Data, r.Err
}

// ErrorString returns the error text, or "" for a successful result.
func (r OperationResult[T]) ErrorString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Is reports whether the result failed with target somewhere in its chain.
func (r OperationResult[T]) Is(target error) bool {
	return r.Err != nil && errors.Is(r.Err, target)
}

type resultJSON[T any] struct {
	Success bool   `json:"success"`
	Data    *T     `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// MarshalJSON renders {success, data?, error?, message?}.
func (r OperationResult[T]) MarshalJSON() ([]byte, error) {
	out := resultJSON[T]{
		Success: r.Success,
		Error:   r.ErrorString(),
		Message: r.Message,
	}
	if r.Success || r.partial {
		data := r.Data
		out.Data = &data
	}
	return json.Marshal(out)
}
