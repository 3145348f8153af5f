package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrLockHeld            = errors.New("lock already held")
	ErrQueueFull           = errors.New("queue full")
	ErrQueueEmpty          = errors.New("queue empty")
	ErrQueueClosed         = errors.New("queue closed")
	ErrUnsupportedExchange = errors.New("unsupported exchange")
	ErrDuplicateOrder      = errors.New("duplicate client order id")
	ErrPositionCap         = errors.New("max open positions reached")
	ErrNoPosition          = errors.New("no open position")
	ErrAccountPaused       = errors.New("account paused")
	ErrMalformedPayload    = errors.New("malformed payload")
)

// PayloadError is a queued message that could not be decoded. Raw holds the
// bytes as stored.
type PayloadError struct {
	Raw string
	Err error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%v: %v", ErrMalformedPayload, e.Err)
}

func (e *PayloadError) Unwrap() []error { return []error{ErrMalformedPayload, e.Err} }

// Error taxonomy. Every per-account failure on the execution path unwraps to
// exactly one of these.
var (
	ErrValidation          = errors.New("validation error")
	ErrAuthentication      = errors.New("authentication error")
	ErrTransientNetwork    = errors.New("transient network error")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPrecisionOrLimit    = errors.New("precision or limit error")
)

// ErrorKind is the short label stored with an ExecutionResult.
type ErrorKind string

const (
	ErrorKindNone                ErrorKind = ""
	ErrorKindValidation          ErrorKind = "validation"
	ErrorKindAuthentication      ErrorKind = "authentication"
	ErrorKindTransientNetwork    ErrorKind = "transient_network"
	ErrorKindInsufficientBalance ErrorKind = "insufficient_balance"
	ErrorKindPrecisionOrLimit    ErrorKind = "precision_or_limit"
	ErrorKindUnknown             ErrorKind = "unknown"
)

// ExchangeError carries an exchange's own error vocabulary alongside the
// taxonomy sentinel it maps to.
type ExchangeError struct {
	Kind     error // one of the taxonomy sentinels
	Exchange ExchangeKind
	Code     string
	Message  string
	Params   map[string]string
}

func (e *ExchangeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", e.Exchange, e.Kind)
	if e.Code != "" {
		fmt.Fprintf(&b, " (code %s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *ExchangeError) Unwrap() error { return e.Kind }

// NewExchangeError builds an ExchangeError for the given taxonomy kind.
func NewExchangeError(kind error, exchange ExchangeKind, code, msg string) *ExchangeError {
	return &ExchangeError{Kind: kind, Exchange: exchange, Code: code, Message: msg}
}

// KindOf classifies err into an ErrorKind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrValidation):
		return ErrorKindValidation
	case errors.Is(err, ErrAuthentication):
		return ErrorKindAuthentication
	case errors.Is(err, ErrTransientNetwork):
		return ErrorKindTransientNetwork
	case errors.Is(err, ErrInsufficientBalance):
		return ErrorKindInsufficientBalance
	case errors.Is(err, ErrPrecisionOrLimit):
		return ErrorKindPrecisionOrLimit
	}
	if isNetworkError(err) {
		return ErrorKindTransientNetwork
	}
	return ErrorKindUnknown
}

// IsRetryable reports whether err is worth another attempt. Only transient
// network failures qualify; a cancelled context never does.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == ErrorKindTransientNetwork
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
