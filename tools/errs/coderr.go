package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerr "github.com/pkg/errors"
)

type CodeErrorI interface {
	ECode() int
	EMsg() string
	EDetail() string
	WithDetail(detail string) CodeError
	error
}

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e *CodeError) ECode() int      { return e.Code }
func (e *CodeError) EMsg() string    { return e.Msg }
func (e *CodeError) EDetail() string { return e.Detail }

func (e *CodeError) WithDetail(detail string) CodeError {
	var d string
	if e.Detail == "" {
		d = detail
	} else {
		d = e.Detail + ", " + detail
	}
	return CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: e.Detail,
	}
}

// Wrap attaches a call stack so infra layers can log where the code error surfaced.
func (e *CodeError) Wrap() error {
	return pkgerr.WithStack(e.clone())
}

func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	retErr := e.clone()
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if retErr.Detail == "" {
			retErr.Detail = detail
		} else {
			retErr.Detail += ", " + detail
		}
	}
	return pkgerr.WithStack(retErr)
}

// Is matches by code, so wrapped/augmented copies of the same code compare equal.
func (e *CodeError) Is(err error) bool {
	var codeErr *CodeError
	ok := errors.As(err, &codeErr)
	if !ok {
		if err == nil && e == nil {
			return true
		}
		return false
	}
	if e == nil {
		return false
	}
	return e.Code == codeErr.Code
}

const initialCapacity = 3

func (e *CodeError) Error() string {
	v := make([]string, 0, initialCapacity)
	v = append(v, strconv.Itoa(e.Code), e.Msg)

	if e.Detail != "" {
		v = append(v, e.Detail)
	}

	return strings.Join(v, " ")
}

// Is reports whether err carries the same code as target.
func Is(err error, target CodeError) bool {
	return CodeOf(err) == target.Code
}

// CodeOf returns the code carried by err, or 0 when err is not a CodeError.
func CodeOf(err error) int {
	var codeErr *CodeError
	if errors.As(err, &codeErr) {
		return codeErr.Code
	}
	return 0
}

func toString(msg string, kv []any) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprintf(" %v=%v", kv[i], kv[i+1]))
		} else {
			sb.WriteString(fmt.Sprintf(" %v", kv[i]))
		}
	}
	return sb.String()
}
