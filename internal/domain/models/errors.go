package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrOutOfOrder is returned by bar stores when a batch reaches behind the retention cutoff.
	ErrOutOfOrder = errors.New("bar older than retention cutoff")
	// ErrInsufficientHistory is returned by indicators when the window is shorter than their lookback.
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrStoreUnavailable signals that the backing store failed its health check.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidSymbol is returned for symbols that fail normalization.
	ErrInvalidSymbol = errors.New("invalid symbol")
)

// FetchErrorKind classifies upstream market data failures.
type FetchErrorKind int

const (
	FetchTransient FetchErrorKind = iota
	FetchRateLimited
	FetchNotFound
	FetchUnauthorized
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchRateLimited:
		return "rate_limited"
	case FetchNotFound:
		return "not_found"
	case FetchUnauthorized:
		return "unauthorized"
	default:
		return "transient"
	}
}

// FetchError is the error type returned by every MarketDataSource.
type FetchError struct {
	Kind       FetchErrorKind
	Provider   string
	Symbol     string
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s fetch %s: %s", e.Provider, e.Symbol, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on a later attempt.
func (e *FetchError) Retryable() bool {
	return e.Kind == FetchTransient || e.Kind == FetchRateLimited
}

func NewTransientError(provider, symbol string, err error) *FetchError {
	return &FetchError{Kind: FetchTransient, Provider: provider, Symbol: symbol, Err: err}
}

func NewRateLimitedError(provider, symbol string, retryAfter time.Duration, err error) *FetchError {
	return &FetchError{Kind: FetchRateLimited, Provider: provider, Symbol: symbol, RetryAfter: retryAfter, Err: err}
}

func NewNotFoundError(provider, symbol string) *FetchError {
	return &FetchError{Kind: FetchNotFound, Provider: provider, Symbol: symbol}
}

func NewUnauthorizedError(provider, symbol string, err error) *FetchError {
	return &FetchError{Kind: FetchUnauthorized, Provider: provider, Symbol: symbol, Err: err}
}

// FetchErrorFromStatus maps an upstream HTTP status to a FetchError. 2xx yields nil.
func FetchErrorFromStatus(provider, symbol string, status int, retryAfter time.Duration, err error) *FetchError {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return NewRateLimitedError(provider, symbol, retryAfter, err)
	case status == http.StatusNotFound:
		return NewNotFoundError(provider, symbol)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewUnauthorizedError(provider, symbol, err)
	default:
		if err == nil {
			err = fmt.Errorf("unexpected status %d", status)
		}
		return NewTransientError(provider, symbol, err)
	}
}

// AsFetchError classifies any error. Errors that are not already a *FetchError
// (network, store, context deadline) are treated as transient.
func AsFetchError(err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{Kind: FetchTransient, Err: err}
}

// IsCancellation reports whether err stems from a cancelled or expired context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
