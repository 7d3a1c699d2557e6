package reverse

import (
	"context"
	"errors"
	"fmt"
	"html"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gogf/gf/v2/frame/g"
	"github.com/gogf/gf/v2/net/ghttp"

	"imgurproxy/dom"
	"imgurproxy/metrics"
	"imgurproxy/rewrite"
	"imgurproxy/utils"
)

// 页面大小上限
const maxPageBody = 16 << 20

const pageAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

// PageRewriter 用引擎改写整页内容
type PageRewriter struct {
	Rule          rewrite.Rule
	Options       rewrite.Options
	SettleTimeout time.Duration
	// Script 注入到 head 的实时改写脚本, 为空时不注入
	Script string
}

// ContentKind 按 Content-Type 分类
func ContentKind(contentType string) string {
	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return "html"
	case mediaType == "text/css":
		return "css"
	case strings.HasPrefix(mediaType, "text/"),
		strings.Contains(mediaType, "javascript"),
		strings.Contains(mediaType, "json"),
		strings.Contains(mediaType, "xml"):
		return "text"
	}
	return "binary"
}

// Rewrite 改写页面, 样式表和其他文本直接做字符串替换
func (p *PageRewriter) Rewrite(ctx context.Context, body, contentType, pageURL string) (string, rewrite.Stats, error) {
	if ContentKind(contentType) != "html" {
		return p.Rule.Apply(body), rewrite.Stats{}, nil
	}

	doc, err := dom.ParseString(body, pageURL)
	if err != nil {
		return "", rewrite.Stats{}, err
	}
	engine, err := rewrite.New(p.Rule, doc, p.Options)
	if err != nil {
		return "", rewrite.Stats{}, err
	}
	if err := engine.Start(ctx); err != nil {
		return "", rewrite.Stats{}, err
	}

	timeout := p.SettleTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	settleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := engine.Settle(settleCtx); err != nil {
		// 超时未完成的样式表不再等待
		g.Log().Debug(ctx, "页面改写未完全结束:", pageURL, err)
	}

	content := utils.RemoveInlineCSP(doc.String())

	var snippet string
	if pageURL != "" && len(doc.QueryAll(doc.Root(), "base[href]")) == 0 {
		snippet = fmt.Sprintf(`<base href="%s">`, html.EscapeString(pageURL))
	}
	if p.Script != "" {
		snippet += utils.ScriptTag(p.Script)
	}
	if snippet != "" {
		content = utils.InjectIntoHead(content, snippet)
	}
	return content, engine.Stats(), nil
}

// ParseTarget 校验页面代理的目标地址, 拒绝指向本机或内网的地址
func ParseTarget(ctx context.Context, raw string, resolver utils.Resolver) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("缺少 url 参数")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("url 无效: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, fmt.Errorf("不支持的地址: %s", raw)
	}
	if err := utils.CheckPublicHost(ctx, u.Hostname(), resolver); err != nil {
		return nil, err
	}
	return u, nil
}

// PageRequest 一次页面代理请求
type PageRequest struct {
	Target   string
	ClientIP string
}

// PageProxy 取回目标页面后改写其中的源域名
type PageProxy struct {
	// Client 需要关闭自动重定向, 由 PageProxy 逐跳校验
	Client   utils.Doer
	Limiter  *utils.ClientLimiter
	Resolver utils.Resolver
	Rewriter *PageRewriter
	// MaxBody 页面大小上限, 为 0 时使用 16MB
	MaxBody int64
}

func (p *PageProxy) maxBody() int64 {
	if p.MaxBody > 0 {
		return p.MaxBody
	}
	return maxPageBody
}

// PageResponse 返回给客户端的页面, Kind 为空表示请求没有到达上游内容
type PageResponse struct {
	Status int
	Header nethttp.Header
	Body   []byte
	Kind   string
}

func pageError(status int, msg string) *PageResponse {
	h := nethttp.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &PageResponse{Status: status, Header: h, Body: []byte(msg)}
}

// Serve 处理一次页面代理请求
func (p *PageProxy) Serve(ctx context.Context, req PageRequest) *PageResponse {
	if !p.Limiter.Allow(req.ClientIP) {
		return pageError(nethttp.StatusTooManyRequests, "Too many requests (client rate limit)")
	}

	target, err := ParseTarget(ctx, req.Target, p.Resolver)
	if errors.Is(err, utils.ErrForbiddenTarget) {
		g.Log().Warning(ctx, "拒绝代理内网地址:", req.Target, req.ClientIP)
		return pageError(nethttp.StatusForbidden, err.Error())
	}
	if err != nil {
		return pageError(nethttp.StatusBadRequest, err.Error())
	}
	targetURL := target.String()

	if p.Client == nil {
		return pageError(nethttp.StatusBadGateway, "上游客户端未初始化")
	}
	resp, err := utils.Get(ctx, p.Client, targetURL, utils.PageHeaders(pageAccept), utils.PublicOnly(p.Resolver))
	if errors.Is(err, utils.ErrForbiddenTarget) {
		g.Log().Warning(ctx, "拒绝跟随到内网地址的重定向:", targetURL, err)
		return pageError(nethttp.StatusForbidden, err.Error())
	}
	if err != nil {
		g.Log().Error(ctx, "发送请求失败", err)
		return pageError(nethttp.StatusBadGateway, err.Error())
	}
	defer resp.Body.Close()

	bodyBytes, err := utils.ReadLimited(resp.Body, p.maxBody())
	if err != nil {
		g.Log().Error(ctx, "读取响应失败", targetURL, err)
		return pageError(nethttp.StatusBadGateway, err.Error())
	}
	bodyBytes = utils.Decompress(bodyBytes, resp.Header.Get("Content-Encoding"))

	contentType := resp.Header.Get("Content-Type")
	kind := ContentKind(contentType)

	header := nethttp.Header{}
	utils.CopyHeaders(header, resp.Header)
	utils.HeaderModify(&header)
	res := &PageResponse{Status: resp.StatusCode, Header: header, Kind: kind}

	if kind == "binary" || p.Rewriter == nil {
		res.Body = bodyBytes
		return res
	}

	content, stats, err := p.Rewriter.Rewrite(ctx, utils.DecodeBody(bodyBytes, contentType), contentType, targetURL)
	if err != nil {
		g.Log().Error(ctx, "改写页面失败", targetURL, err)
		return pageError(nethttp.StatusBadGateway, err.Error())
	}
	metrics.ObserveEngine(stats)
	g.Log().Debugf(ctx, "页面 %s 改写完成: %+v", targetURL, stats)

	// 已经解码为 UTF-8
	mediaType := strings.TrimSpace(strings.Split(contentType, ";")[0])
	if mediaType != "" {
		header.Set("Content-Type", mediaType+"; charset=utf-8")
	}
	res.Body = []byte(content)
	return res
}

// Proxy 页面代理
func Proxy(r *ghttp.Request) {
	ctx := r.Context()

	pages, err := pageProxy(ctx)
	if err != nil {
		g.Log().Error(ctx, "改写配置无效", err)
		r.Response.WriteStatus(nethttp.StatusInternalServerError, err.Error())
		return
	}
	res := pages.Serve(ctx, PageRequest{
		Target:   r.GetQuery("url").String(),
		ClientIP: clientIP(r),
	})
	if res.Kind != "" {
		metrics.PageRequests.WithLabelValues(res.Kind).Inc()
	}

	for k, v := range res.Header {
		r.Response.Header()[k] = v
	}
	r.Response.Status = res.Status
	r.Response.Write(res.Body)
}
