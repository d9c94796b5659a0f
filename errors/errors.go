package errors

import (
	"encoding/json"
	"fmt"

	"github.com/getsentry/sentry-go"
	pkgerrors "github.com/pkg/errors"
)

//Transaction errors description
const (
	ErrTxFinished       = "transaction_finished"
	ErrRolledBack       = "transaction_rolled_back"
	ErrBarrierClosed    = "barrier_closed"
	ErrInvalidIsolation = "invalid_isolation_level"
	ErrInvalidArgument  = "invalid_argument"
	ErrValidation       = "validation_error"
	ErrValueDuplication = "duplicated_value_error"
	ErrSerialization    = "serialization_failure"
	ErrDMLFailed        = "dml_failed"
	ErrCommitFailed     = "commit_failed"
	ErrTemplateFailed   = "template_failed"
)

//The interface of error convertable to JSON in format {"Code":"some_code"; "Msg":"message"}.
type JsonError interface {
	Json() []byte
	Serialize() map[string]interface{}
}

type TransactionError struct {
	Code string
	Msg  string
	Data interface{}
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("Transaction error: Code = '%s', Msg = '%s'", e.Code, e.Msg)
}

func (e *TransactionError) Serialize() map[string]interface{} {
	return map[string]interface{}{
		"Code": e.Code,
		"Msg":  e.Msg,
		"Data": e.Data,
	}
}

func (e *TransactionError) Json() []byte {
	encodedData, _ := json.Marshal(e.Serialize())
	return encodedData
}

func NewTransactionError(code string, msg string, data interface{}) *TransactionError {
	return &TransactionError{code, msg, data}
}

// NewFatalError additionally reports the message to Sentry.
func NewFatalError(code string, msg string, data interface{}) *TransactionError {
	sentry.CaptureMessage(msg)
	return &TransactionError{code, msg, data}
}

// Code extracts the error code of a TransactionError anywhere in err's cause
// chain, or "" if there is none.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if txErr, ok := pkgerrors.Cause(err).(*TransactionError); ok {
		return txErr.Code
	}
	return ""
}

func Is(err error, code string) bool {
	return Code(err) == code
}

func IsUniqueViolation(err error) bool {
	return Is(err, ErrValueDuplication)
}

func IsSerializationFailure(err error) bool {
	return Is(err, ErrSerialization)
}
