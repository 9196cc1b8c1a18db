package transfer

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed transfer.
type ErrorKind string

const (
	KindTransferFailed     ErrorKind = "transfer_failed"
	KindVerificationFailed ErrorKind = "verification_failed"
	KindResumeFailed       ErrorKind = "resume_failed"
	KindNetworkError       ErrorKind = "network_error"
	KindNotFound           ErrorKind = "not_found"
	KindCancelled          ErrorKind = "cancelled"
)

var (
	ErrRejected           = errors.New("Transfer rejected by server")
	ErrVerificationFailed = errors.New("File verification failed")
	ErrNotResumable       = errors.New("Transfer cannot be resumed")
	ErrTransferNotFound   = errors.New("Transfer not found")
	ErrCancelled          = errors.New("Transfer cancelled")
	ErrClientClosed       = errors.New("client is closed")
	ErrAlreadyActive      = errors.New("Transfer already in progress")
)

// TransferError is the single error surfaced for a failed transfer attempt.
type TransferError struct {
	TransferID string
	Kind       ErrorKind
	Message    string
	Err        error
}

func (e *TransferError) Error() string {
	return e.Message
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func newError(id string, kind ErrorKind, err error) *TransferError {
	return &TransferError{TransferID: id, Kind: kind, Message: err.Error(), Err: err}
}

func newErrorf(id string, kind ErrorKind, err error, format string, args ...any) *TransferError {
	wrapped := fmt.Errorf(format+": %w", append(args, err)...)
	return &TransferError{TransferID: id, Kind: kind, Message: wrapped.Error(), Err: wrapped}
}

// KindOf returns the kind of err, or "" when err is not a TransferError.
func KindOf(err error) ErrorKind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
