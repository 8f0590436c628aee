package upstream

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Forwarder 将一次出站调用与固定截止时间赛跑，先完成的一方决定结果。
// 输掉的一方会被取消，其迟到的响应只会被丢弃，不会回传给调用方。
type Forwarder struct {
	client  *http.Client
	timeout time.Duration
}

// NewForwarder 创建 Forwarder；timeout<=0 时退化为只受 client 自身超时约束。
func NewForwarder(client *http.Client, timeout time.Duration) *Forwarder {
	if client == nil {
		client = NewClient(0)
	}
	return &Forwarder{client: client, timeout: timeout}
}

// Timeout 返回截止时间。
func (f *Forwarder) Timeout() time.Duration {
	return f.timeout
}

type outcome struct {
	resp *http.Response
	err  error
}

// Do 发送 req 并返回响应，或 ErrTimeout / *NetworkError。
// 结果二选一：调用方只会看到一个 outcome，因此基于结果的副作用天然互斥。
func (f *Forwarder) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	callCtx, cancel := context.WithCancel(ctx)
	req = req.WithContext(callCtx)

	done := make(chan outcome, 1)
	go func() {
		resp, err := f.client.Do(req)
		done <- outcome{resp: resp, err: err}
	}()

	var deadline <-chan time.Time
	if f.timeout > 0 {
		timer := time.NewTimer(f.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case res := <-done:
		if res.err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &NetworkError{URL: req.URL.String(), Err: res.err}
		}
		res.resp.Body = &cancelOnClose{ReadCloser: res.resp.Body, cancel: cancel}
		return res.resp, nil
	case <-deadline:
		cancel()
		go discard(done)
		return nil, ErrTimeout
	case <-ctx.Done():
		cancel()
		go discard(done)
		return nil, ctx.Err()
	}
}

// discard 回收被放弃的调用，确保连接被释放。
func discard(done <-chan outcome) {
	res := <-done
	if res.resp != nil {
		io.Copy(io.Discard, res.resp.Body)
		res.resp.Body.Close()
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
