package worker

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/any-hub/origin-shift/internal/cache"
	"github.com/any-hub/origin-shift/internal/routing"
	"github.com/any-hub/origin-shift/internal/upstream"
)

// Outcome 说明响应是如何产生的，用于日志与指标。
type Outcome string

const (
	OutcomeCache        Outcome = "cache"
	OutcomeNetwork      Outcome = "network"
	OutcomeStale        Outcome = "stale"
	OutcomeNegative     Outcome = "negative"
	OutcomePassthrough  Outcome = "passthrough"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeNetworkError Outcome = "network_error"
)

const negativeBody = "Not Found (cached)"

// Response 是一次 intercept 的结果，失败路径也总是给出完整响应。
type Response struct {
	Status   int
	Header   http.Header
	Body     io.ReadCloser
	Class    routing.Class
	Outcome  Outcome
	CacheHit bool
	Upstream string
	// Err 记录合成失败响应背后的原因。
	Err error
}

// Close 释放正文。
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

func entryResponse(entry *cache.Entry, outcome Outcome, cacheHit bool, upstreamURL string) *Response {
	return &Response{
		Status:   entry.Status,
		Header:   entry.Header.Clone(),
		Body:     io.NopCloser(bytes.NewReader(entry.Body)),
		Outcome:  outcome,
		CacheHit: cacheHit,
		Upstream: upstreamURL,
	}
}

func streamResponse(resp *http.Response, outcome Outcome, upstreamURL string) *Response {
	return &Response{
		Status:   resp.StatusCode,
		Header:   responseHeader(resp.Header),
		Body:     resp.Body,
		Outcome:  outcome,
		Upstream: upstreamURL,
	}
}

func textResponse(status int, body string, outcome Outcome, upstreamURL string, err error) *Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		Status:   status,
		Header:   header,
		Body:     io.NopCloser(strings.NewReader(body)),
		Outcome:  outcome,
		Upstream: upstreamURL,
		Err:      err,
	}
}

func unavailable(prefix string, upstreamURL string, err error) *Response {
	outcome := OutcomeNetworkError
	if upstream.FailureReason(err) == "timeout" {
		outcome = OutcomeTimeout
	}
	return textResponse(http.StatusServiceUnavailable, prefix+err.Error(), outcome, upstreamURL, err)
}

// responseHeader 去掉 hop-by-hop 与 Content-Length，长度由写出方重新计算。
func responseHeader(src http.Header) http.Header {
	dst := http.Header{}
	upstream.CopyHeaders(dst, src)
	dst.Del("Content-Length")
	return dst
}
