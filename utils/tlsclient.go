package utils

import (
	"net/url"

	"github.com/gogf/gf/v2/frame/g"
	"github.com/gogf/gf/v2/os/gctx"

	http "github.com/bogdanfinn/fhttp"
	http_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"

	"imgurproxy/config"
)

// Doer 发送上游请求, 测试中可替换
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// 全局变量
var (
	TlsClient http_client.HttpClient
	// PageClient 不自动跟随重定向, 页面代理逐跳校验目标地址
	PageClient http_client.HttpClient
)

func init() {
	ctx := gctx.GetInitCtx()
	var err error

	// 创建客户端选项列表
	options := []http_client.HttpClientOption{
		http_client.WithTimeoutSeconds(10),
		http_client.WithClientProfile(profiles.Safari_IOS_18_0),
		http_client.WithRandomTLSExtensionOrder(), // 随机TLS扩展顺序
	}

	// 如果配置中有代理URL，则添加代理设置
	if config.ProxyURL != "" {
		proxyURL, parseErr := url.Parse(config.ProxyURL)
		if parseErr == nil {
			options = append(options, http_client.WithProxyUrl(proxyURL.String()))
			g.Log().Info(ctx, "使用代理", config.ProxyURL)
		} else {
			g.Log().Error(ctx, "解析代理URL失败", parseErr)
		}
	}

	// 创建一个模拟浏览器的TLS指纹客户端
	TlsClient, err = http_client.NewHttpClient(http_client.NewNoopLogger(), options...)

	if err != nil {
		g.Log().Error(ctx, "创建TLS客户端失败", err)
	}

	PageClient, err = http_client.NewHttpClient(http_client.NewNoopLogger(), append(options, http_client.WithNotFollowRedirects())...)
	if err != nil {
		g.Log().Error(ctx, "创建页面客户端失败", err)
	}
}
