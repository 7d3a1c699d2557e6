package config

import (
	"time"

	"github.com/gogf/gf/v2/frame/g"
	"github.com/gogf/gf/v2/os/gctx"
	"github.com/gogf/gf/v2/text/gstr"

	"imgurproxy/rewrite"
)

var (
	PORT = 8080 // 端口

	// 源域名和代理域名
	SourceHost = "i.imgur.com"
	ProxyHost  = "imgur-uk.vercel.app"

	// 图片上游
	Upstream = "https://i.imgur.com"

	// 首页跳转到的用户脚本地址
	UserscriptURL = "https://raw.githubusercontent.com/YY7MII/imgur-uk/main/imgur-proxy.user.js"

	// 访问上游时使用的代理
	ProxyURL = ""

	// 图片缓存
	CacheDir     = "./cache"
	CacheTTL     = 5 * time.Minute
	StaleIfError = true // 上游 429/5xx 时返回过期缓存

	// 单个客户端限流: ClientWindow 内最多 ClientMaxRequests 次
	ClientWindow      = 10 * time.Second
	ClientMaxRequests = 6

	// 可信反向代理的 IP 或 CIDR, 只有来自它们的 X-Forwarded-For 才被采用
	TrustedProxies []string

	// 跨域样式表获取
	FetchTimeout       = 10 * time.Second
	MaxInflightFetches = int64(8)

	// 页面代理等待样式表注入的最长时间
	PageSettleTimeout = 5 * time.Second

	// 是否启用详细日志
	Verbose = false
)

func init() {
	ctx := gctx.GetInitCtx()

	// 读取端口
	port := g.Cfg().MustGetWithEnv(ctx, "PORT").Int()
	if port > 0 {
		PORT = port
	}
	g.Log().Info(ctx, "PORT:", PORT)

	if v := g.Cfg().MustGetWithEnv(ctx, "SOURCE_HOST").String(); v != "" {
		SourceHost = v
	}
	if v := g.Cfg().MustGetWithEnv(ctx, "PROXY_HOST").String(); v != "" {
		ProxyHost = v
	}
	if v := g.Cfg().MustGetWithEnv(ctx, "UPSTREAM").String(); v != "" {
		Upstream = v
	}
	if v := g.Cfg().MustGetWithEnv(ctx, "USERSCRIPT_URL").String(); v != "" {
		UserscriptURL = v
	}
	if v := g.Cfg().MustGetWithEnv(ctx, "PROXY_URL").String(); v != "" {
		ProxyURL = v
	}
	if v := g.Cfg().MustGetWithEnv(ctx, "CACHE_DIR").String(); v != "" {
		CacheDir = v
	}
	if v := g.Cfg().MustGetWithEnv(ctx, "CACHE_TTL").Duration(); v > 0 {
		CacheTTL = v
	}
	if v := g.Cfg().MustGetWithEnv(ctx, "STALE_IF_ERROR"); !v.IsEmpty() {
		StaleIfError = v.Bool()
	}
	if v := g.Cfg().MustGetWithEnv(ctx, "CLIENT_WINDOW").Duration(); v > 0 {
		ClientWindow = v
	}
	if v := g.Cfg().MustGetWithEnv(ctx, "CLIENT_MAX_REQUESTS").Int(); v > 0 {
		ClientMaxRequests = v
	}
	if v := g.Cfg().MustGetWithEnv(ctx, "TRUSTED_PROXIES").String(); v != "" {
		TrustedProxies = gstr.SplitAndTrim(v, ",")
	}
	if v := g.Cfg().MustGetWithEnv(ctx, "FETCH_TIMEOUT").Duration(); v > 0 {
		FetchTimeout = v
	}
	if v := g.Cfg().MustGetWithEnv(ctx, "MAX_INFLIGHT_FETCHES").Int64(); v > 0 {
		MaxInflightFetches = v
	}
	if v := g.Cfg().MustGetWithEnv(ctx, "PAGE_SETTLE_TIMEOUT").Duration(); v > 0 {
		PageSettleTimeout = v
	}

	// 读取详细日志开关
	Verbose = g.Cfg().MustGetWithEnv(ctx, "VERBOSE").Bool()
	if Verbose {
		g.Log().SetLevelStr("all")
	}

	if _, err := Rule(); err != nil {
		g.Log().Warning(ctx, "域名配置无效:", err)
	}
	g.Log().Info(ctx, "改写规则:", SourceHost, "->", ProxyHost)
}

// Rule 当前配置对应的替换规则
func Rule() (rewrite.Rule, error) {
	return rewrite.NewRule(SourceHost, ProxyHost)
}

// EngineOptions 页面改写使用的引擎配置, fetcher 可以为 nil
func EngineOptions(fetcher rewrite.Fetcher) rewrite.Options {
	return rewrite.Options{
		Fetcher:      fetcher,
		FetchTimeout: FetchTimeout,
		MaxInflight:  MaxInflightFetches,
	}
}
