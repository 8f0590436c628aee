package upstream

import (
	"context"
	"errors"
)

// ErrTimeout 表示请求在截止时间内没有拿到响应头。
var ErrTimeout = errors.New("request timeout")

// NetworkError 包装连接拒绝、DNS 失败等传输层错误。
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return "network error"
	}
	return e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// FailureReason 将转发错误归类为 metrics 标签：timeout、network 或 canceled。
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "network"
	}
}
