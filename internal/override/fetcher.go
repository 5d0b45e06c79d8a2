package override

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPFetcher 通过 GET 请求获取覆盖数据。
type HTTPFetcher struct {
	Client   *http.Client
	MaxBytes int64
}

// NewHTTPFetcher 创建带超时的 fetcher。
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}, MaxBytes: 8 << 20}
}

// Fetch 实现 Fetcher。
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("获取 %s 返回状态 %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, f.MaxBytes))
}
