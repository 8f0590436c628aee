package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// Mode 控制出站请求如何继承入站请求的头部。
type Mode int

const (
	// ModeDirect 原样转发（去掉 hop-by-hop 头）。
	ModeDirect Mode = iota
	// ModeCORS 跨源转发：不带 Cookie/Authorization，并显式声明 cors。
	ModeCORS
	// ModeCacheFill 回源填充共享缓存：必须拿到完整的 200 正文，
	// 因此去掉客户端的条件与分段请求头。
	ModeCacheFill
)

var credentialHeaders = []string{"Cookie", "Authorization"}

var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// NewRequest 基于入站请求的方法、头与正文构造出站请求。
func NewRequest(ctx context.Context, method, target string, header http.Header, body []byte, mode Mode) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}

	CopyHeaders(req.Header, header)
	req.Header.Del("Host")
	// 交给 Transport 自行协商压缩并透明解压。
	req.Header.Del("Accept-Encoding")

	switch mode {
	case ModeCORS:
		for _, key := range credentialHeaders {
			req.Header.Del(key)
		}
		req.Header.Set("Sec-Fetch-Mode", "cors")
	case ModeCacheFill:
		for _, key := range conditionalHeaders {
			req.Header.Del(key)
		}
	}
	return req, nil
}
