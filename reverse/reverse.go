package reverse

import (
	"context"
	"fmt"
	"html"
	"net/netip"
	"strings"
	"sync"

	"github.com/gogf/gf/v2/frame/g"
	"github.com/gogf/gf/v2/net/ghttp"
	"github.com/gogf/gf/v2/os/gctx"

	"imgurproxy/cache"
	"imgurproxy/config"
	"imgurproxy/metrics"
	"imgurproxy/utils"
)

var (
	imageProxy     *ImageProxy
	trustedProxies []netip.Prefix

	pagesOnce sync.Once
	pages     *PageProxy
	pagesErr  error
)

func init() {
	ctx := gctx.GetInitCtx()

	imageProxy = &ImageProxy{
		Upstream:     config.Upstream,
		Storage:      cache.NewFileStorage(config.CacheDir),
		Limiter:      utils.NewClientLimiter(config.ClientWindow, config.ClientMaxRequests),
		TTL:          config.CacheTTL,
		StaleIfError: config.StaleIfError,
	}
	if utils.TlsClient != nil {
		imageProxy.Client = utils.TlsClient
	}
	g.Log().Info(ctx, "图片上游:", config.Upstream, "缓存目录:", config.CacheDir)

	var err error
	if trustedProxies, err = utils.ParseTrustedProxies(config.TrustedProxies); err != nil {
		g.Log().Error(ctx, "可信代理配置无效, 忽略 X-Forwarded-For:", err)
	}

	s := g.Server()
	group := s.Group("/")

	group.GET("/", Index)
	group.GET("/imgur-proxy.user.js", UserscriptHandler)
	group.GET("/page", Proxy)
	group.GET("/metrics", ghttp.WrapH(metrics.Handler()))
	group.ALL("/*", Image)
}

// pageProxy 页面代理共用的改写配置, 脚本只生成一次
func pageProxy(ctx context.Context) (*PageProxy, error) {
	pagesOnce.Do(func() {
		rule, err := config.Rule()
		if err != nil {
			pagesErr = err
			return
		}
		script, err := LiveScript(ctx, rule)
		if err != nil {
			pagesErr = err
			return
		}
		opts := config.EngineOptions(nil)
		if utils.PageClient != nil {
			opts.Fetcher = utils.NewStylesheetFetcher(utils.PageClient, utils.PublicOnly(nil))
		}
		rewriter := &PageRewriter{
			Rule:          rule,
			Options:       opts,
			SettleTimeout: config.PageSettleTimeout,
			Script:        script,
		}
		pages = &PageProxy{Limiter: imageProxy.Limiter, Rewriter: rewriter}
		if utils.PageClient != nil {
			pages.Client = utils.PageClient
		}
	})
	return pages, pagesErr
}

// clientIP 只信任配置的反向代理转发的地址
func clientIP(r *ghttp.Request) string {
	return utils.ClientIP(r.Header.Get("X-Forwarded-For"), r.RemoteAddr, trustedProxies)
}

// Index 首页跳转到用户脚本
func Index(r *ghttp.Request) {
	target := html.EscapeString(config.UserscriptURL)
	r.Response.Header().Set("Content-Type", "text/html; charset=utf-8")
	r.Response.Write(fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="0; url=%s">
<title>Imgur Proxy</title>
</head>
<body><a href="%s">%s</a></body>
</html>`, target, target, target))
}

// UserscriptHandler 按当前配置生成用户脚本
func UserscriptHandler(r *ghttp.Request) {
	ctx := r.Context()
	rule, err := config.Rule()
	if err != nil {
		r.Response.WriteStatus(500, err.Error())
		return
	}
	scheme, host := utils.GetInfo(r)
	script, err := Userscript(ctx, rule, scheme+"://"+host+"/imgur-proxy.user.js")
	if err != nil {
		g.Log().Error(ctx, "生成用户脚本失败", err)
		r.Response.WriteStatus(500, err.Error())
		return
	}
	r.Response.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	r.Response.Write(script)
}

// UAModeFromQuery mobile=1 / desktop=1 / rotate=1, 否则按客户端 UA 判断
func UAModeFromQuery(mobile, desktop, rotate string) utils.UAMode {
	switch {
	case mobile == "1":
		return utils.UAMobile
	case desktop == "1":
		return utils.UADesktop
	case rotate == "1":
		return utils.UARotate
	}
	return utils.UAAuto
}

// Image 图片代理
func Image(r *ghttp.Request) {
	ctx := r.Context()
	mode := UAModeFromQuery(
		r.GetQuery("mobile").String(),
		r.GetQuery("desktop").String(),
		r.GetQuery("rotate").String(),
	)
	res := imageProxy.Serve(ctx, ImageRequest{
		Method:    r.Method,
		Path:      strings.TrimPrefix(r.URL.Path, "/"),
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		Mode:      mode,
	})
	metrics.ImageRequests.WithLabelValues(res.Outcome).Inc()

	for k, v := range res.Header {
		r.Response.Header()[k] = v
	}
	r.Response.Status = res.Status
	r.Response.Write(res.Body)
}
