package taskrunerror

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	TypeBuiltIn  Type = "BUILT_IN_ERROR"
	TypeCustom   Type = "CUSTOM_ERROR"
	TypeString   Type = "STRING_ERROR"
	TypeInternal Type = "INTERNAL_ERROR"
)

// Error is a structured task run failure. The set of implementations is
// closed: BuiltInError, CustomError, StringError and InternalError.
type Error interface {
	Type() Type
	Summary() string
	isTaskRunError()
}

type BuiltInError struct {
	Name       string
	Message    string
	StackTrace string
}

type CustomError struct {
	Raw string
}

type StringError struct {
	Raw string
}

type InternalError struct {
	Code       Code
	Message    string
	StackTrace string
}

func (BuiltInError) Type() Type  { return TypeBuiltIn }
func (CustomError) Type() Type   { return TypeCustom }
func (StringError) Type() Type   { return TypeString }
func (InternalError) Type() Type { return TypeInternal }

func (BuiltInError) isTaskRunError()  {}
func (CustomError) isTaskRunError()   {}
func (StringError) isTaskRunError()   {}
func (InternalError) isTaskRunError() {}

func (e BuiltInError) Summary() string { return e.Name + ": " + e.Message }
func (e CustomError) Summary() string  { return e.Raw }
func (e StringError) Summary() string  { return e.Raw }

func (e InternalError) Summary() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

// Internal is shorthand for an InternalError with a message.
func Internal(code Code, message string) InternalError {
	return InternalError{Code: code, Message: message}
}

type wireError struct {
	Type       Type   `json:"type"`
	Name       string `json:"name,omitempty"`
	Message    string `json:"message,omitempty"`
	StackTrace string `json:"stackTrace,omitempty"`
	Raw        string `json:"raw,omitempty"`
	Code       *Code  `json:"code,omitempty"`
}

var ErrUnknownType = errors.New("unknown task run error type")

func Marshal(e Error) ([]byte, error) {
	var w wireError
	switch v := e.(type) {
	case BuiltInError:
		w = wireError{Type: TypeBuiltIn, Name: v.Name, Message: v.Message, StackTrace: v.StackTrace}
	case CustomError:
		w = wireError{Type: TypeCustom, Raw: v.Raw}
	case StringError:
		w = wireError{Type: TypeString, Raw: v.Raw}
	case InternalError:
		code := v.Code
		w = wireError{Type: TypeInternal, Code: &code, Message: v.Message, StackTrace: v.StackTrace}
	case nil:
		return nil, errors.New("nil task run error")
	default:
		panic(fmt.Sprintf("taskrunerror: unhandled error variant %T", e))
	}
	return json.Marshal(w)
}

func Unmarshal(b []byte) (Error, error) {
	var w wireError
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case TypeBuiltIn:
		return BuiltInError{Name: w.Name, Message: w.Message, StackTrace: w.StackTrace}, nil
	case TypeCustom:
		return CustomError{Raw: w.Raw}, nil
	case TypeString:
		return StringError{Raw: w.Raw}, nil
	case TypeInternal:
		if w.Code == nil {
			return nil, errors.New("internal task run error without code")
		}
		return InternalError{Code: *w.Code, Message: w.Message, StackTrace: w.StackTrace}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
}
