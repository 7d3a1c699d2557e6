package utils

import (
	"context"
	"fmt"

	http "github.com/bogdanfinn/fhttp"
)

const (
	// maxTextBody 样式表等文本响应的大小上限
	maxTextBody = 8 << 20
	// maxRedirects 手动跟随重定向的次数上限
	maxRedirects = 5
)

// Get 发送 GET 请求并手动跟随重定向, 每一跳都先经过 check
// client 需要关闭自动重定向, 否则中间的跳转不会被检查
func Get(ctx context.Context, client Doer, rawURL string, header map[string]string, check CheckURL) (*http.Response, error) {
	for hop := 0; ; hop++ {
		if check != nil {
			if err := check(ctx, rawURL); err != nil {
				return nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("创建请求失败: %w", err)
		}
		for k, v := range header {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("请求 %s 失败: %w", rawURL, err)
		}
		location := resp.Header.Get("Location")
		if resp.StatusCode < 300 || resp.StatusCode >= 400 || location == "" {
			return resp, nil
		}
		resp.Body.Close()

		if hop >= maxRedirects {
			return nil, fmt.Errorf("重定向次数过多: %s", rawURL)
		}
		next, err := req.URL.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("重定向地址无效: %w", err)
		}
		rawURL = next.String()
	}
}

// TextFetcher 通过上游客户端获取文本, 用于页面引用的样式表
type TextFetcher struct {
	Client Doer
	Accept string
	// Check 每次请求前校验地址, 为 nil 时不校验
	Check CheckURL
}

// NewStylesheetFetcher 创建获取样式表的 TextFetcher
func NewStylesheetFetcher(client Doer, check CheckURL) *TextFetcher {
	return &TextFetcher{Client: client, Accept: "text/css,*/*;q=0.1", Check: check}
}

// FetchText 非 2xx 响应视为失败
func (f *TextFetcher) FetchText(ctx context.Context, rawURL string) (string, error) {
	if f.Client == nil {
		return "", fmt.Errorf("上游客户端未初始化")
	}

	resp, err := Get(ctx, f.Client, rawURL, PageHeaders(f.Accept), f.Check)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("请求 %s 返回状态码 %d", rawURL, resp.StatusCode)
	}

	body, err := ReadLimited(resp.Body, maxTextBody)
	if err != nil {
		return "", fmt.Errorf("读取 %s 失败: %w", rawURL, err)
	}
	body = Decompress(body, resp.Header.Get("Content-Encoding"))
	return DecodeBody(body, resp.Header.Get("Content-Type")), nil
}
