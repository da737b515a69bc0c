package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v71/github"
)

// ErrNotFound は GitHub 上にリソースが存在しない (404) ことを表す
var ErrNotFound = errors.New("github resource not found")

type ErrorKind string

const (
	ErrorKindNotFound  ErrorKind = "not_found"
	ErrorKindTransient ErrorKind = "transient" // ネットワーク、タイムアウト、5xx、レート制限
	ErrorKindTerminal  ErrorKind = "terminal"  // それ以外の 4xx など
)

// APIError は分類済みの GitHub API エラー
type APIError struct {
	Kind       ErrorKind
	Endpoint   string
	StatusCode int
	Cause      error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("github %s error (%s, status %d): %v", e.Kind, e.Endpoint, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("github %s error (%s): %v", e.Kind, e.Endpoint, e.Cause)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// Is により errors.Is(err, ErrNotFound) で 404 を判定できる
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Kind == ErrorKindNotFound
}

// Retryable は次回の同期で再試行する価値があるか返す
func (e *APIError) Retryable() bool {
	return e.Kind == ErrorKindTransient
}

// WrapGitHubError は go-github のエラーを APIError に変換する
func WrapGitHubError(err error, endpoint string) error {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}

	wrapped := &APIError{Kind: ErrorKindTerminal, Endpoint: endpoint, Cause: err}

	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	var respErr *github.ErrorResponse
	switch {
	case errors.As(err, &rateErr):
		wrapped.Kind = ErrorKindTransient
		if rateErr.Response != nil {
			wrapped.StatusCode = rateErr.Response.StatusCode
		}
	case errors.As(err, &abuseErr):
		wrapped.Kind = ErrorKindTransient
		if abuseErr.Response != nil {
			wrapped.StatusCode = abuseErr.Response.StatusCode
		}
	case errors.As(err, &respErr):
		if respErr.Response != nil {
			wrapped.StatusCode = respErr.Response.StatusCode
		}
		wrapped.Kind = kindForStatus(wrapped.StatusCode, respErr.Message)
	case isNetworkError(err):
		wrapped.Kind = ErrorKindTransient
	}

	return wrapped
}

func kindForStatus(status int, message string) ErrorKind {
	switch {
	case status == http.StatusNotFound:
		return ErrorKindNotFound
	case status == http.StatusTooManyRequests, status >= 500:
		return ErrorKindTransient
	case status == http.StatusForbidden && strings.Contains(strings.ToLower(message), "rate limit"):
		return ErrorKindTransient
	default:
		return ErrorKindTerminal
	}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// ClassifyError は任意のエラーの種類を返す。メトリクスのラベルに使う
func ClassifyError(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return ErrorKindNotFound
	}
	if errors.Is(err, context.Canceled) || isNetworkError(err) {
		return ErrorKindTransient
	}
	return ErrorKindTerminal
}
