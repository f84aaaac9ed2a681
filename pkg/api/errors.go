package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/itohio/purpledrop/pkg/driver"
	"github.com/itohio/purpledrop/pkg/motion"
)

// Error codes returned to RPC clients.
const (
	CodeServerError   = -32000
	CodeUnsupported   = -32001
	CodeTimeout       = -32003
	CodeInvalidParams = -32602
)

// Error is an RPC error with an integer code.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func invalidParams(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// toError maps a core error onto an RPC error. nil stays nil.
func toError(err error) *Error {
	if err == nil {
		return nil
	}

	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	code := CodeServerError
	switch {
	case errors.Is(err, driver.ErrUnsupported):
		code = CodeUnsupported
	case errors.Is(err, motion.ErrInvalidLocation), errors.Is(err, motion.ErrInvalidPin):
		code = CodeInvalidParams
	case errors.Is(err, motion.ErrBaselineTimeout),
		errors.Is(err, motion.ErrStepperTimeout),
		errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	}
	return &Error{Code: code, Message: err.Error()}
}
