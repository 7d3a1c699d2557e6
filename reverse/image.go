package reverse

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/gogf/gf/v2/frame/g"

	"imgurproxy/cache"
	"imgurproxy/utils"
)

const (
	defaultCacheControl = "public, max-age=60"
	warningStale        = `110 - "Response is stale"`
	warningRevalidation = `111 - "Revalidation failed"`

	// 单张图片的大小上限
	maxImageBody = 32 << 20
)

// 图片请求结果, 用于指标
const (
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeRevalidated = "revalidated"
	OutcomeStale       = "stale"
	OutcomeRateLimited = "rate_limited"
	OutcomeUpstream    = "upstream_error"
	OutcomeBadRequest  = "bad_request"
	OutcomeUnavailable = "unavailable"
	OutcomeUncacheable = "uncached"
)

// ImageRequest 一次图片代理请求
type ImageRequest struct {
	Method    string
	Path      string // 不含开头的 /
	ClientIP  string
	UserAgent string
	Mode      utils.UAMode
}

// ImageResponse 返回给客户端的内容
type ImageResponse struct {
	Status  int
	Header  nethttp.Header
	Body    []byte
	Outcome string
}

// ImageProxy 带缓存的图片代理
type ImageProxy struct {
	Upstream     string
	Client       utils.Doer
	Storage      cache.Storage
	Limiter      *utils.ClientLimiter
	TTL          time.Duration
	StaleIfError bool
	// MaxBody 单张图片的大小上限, 为 0 时使用 32MB
	MaxBody int64
}

func (p *ImageProxy) maxBody() int64 {
	if p.MaxBody > 0 {
		return p.MaxBody
	}
	return maxImageBody
}

func textResult(status int, body, outcome string) *ImageResponse {
	h := nethttp.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &ImageResponse{Status: status, Header: h, Body: []byte(body), Outcome: outcome}
}

// cached 用缓存内容构造响应
func cached(meta *cache.Meta, body []byte, outcome string) *ImageResponse {
	h := nethttp.Header{}
	if meta.ContentType != "" {
		h.Set("Content-Type", meta.ContentType)
	}
	if meta.CacheControl != "" {
		h.Set("Cache-Control", meta.CacheControl)
	}
	return &ImageResponse{Status: nethttp.StatusOK, Header: h, Body: body, Outcome: outcome}
}

// Serve 处理一次图片请求
func (p *ImageProxy) Serve(ctx context.Context, req ImageRequest) *ImageResponse {
	if strings.Contains(req.Path, "..") {
		return textResult(nethttp.StatusBadRequest, "invalid path", OutcomeBadRequest)
	}
	if req.Method != nethttp.MethodGet {
		return textResult(nethttp.StatusMethodNotAllowed, "Method Not Allowed", OutcomeBadRequest)
	}
	if !p.Limiter.Allow(req.ClientIP) {
		g.Log().Warning(ctx, "客户端触发限流:", req.ClientIP)
		return textResult(nethttp.StatusTooManyRequests, "Too many requests (client rate limit)", OutcomeRateLimited)
	}

	key := cache.Key(req.Path)
	var (
		meta *cache.Meta
		body []byte
	)
	if p.Storage != nil {
		var err error
		meta, body, err = p.Storage.Load(ctx, key)
		if err != nil {
			g.Log().Warning(ctx, "读取缓存失败:", req.Path, err)
			meta, body = nil, nil
		}
	}
	if meta != nil && meta.Fresh(p.TTL) {
		return cached(meta, body, OutcomeHit)
	}

	if p.Client == nil {
		if meta != nil {
			res := cached(meta, body, OutcomeStale)
			res.Header.Set("Warning", warningStale)
			return res
		}
		return textResult(nethttp.StatusBadGateway, "Bad Gateway", OutcomeUnavailable)
	}

	upstreamURL := strings.TrimRight(p.Upstream, "/") + "/" + req.Path
	upReq, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		g.Log().Error(ctx, "创建请求失败", err)
		return textResult(nethttp.StatusBadRequest, "invalid path", OutcomeBadRequest)
	}
	for k, v := range utils.ImageHeaders(utils.PreferMobile(req.Mode, req.UserAgent), req.UserAgent) {
		upReq.Header.Set(k, v)
	}
	if meta != nil {
		if meta.ETag != "" {
			upReq.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			upReq.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := p.Client.Do(upReq)
	if err != nil {
		g.Log().Warning(ctx, "上游请求失败:", upstreamURL, err)
		if meta != nil {
			res := cached(meta, body, OutcomeStale)
			res.Header.Del("Cache-Control")
			res.Header.Set("Warning", warningStale)
			return res
		}
		return textResult(nethttp.StatusBadGateway, "Bad Gateway", OutcomeUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if meta != nil {
			if err := p.Storage.Touch(ctx, key); err != nil {
				g.Log().Warning(ctx, "更新缓存时间失败:", req.Path, err)
			}
			g.Log().Debug(ctx, "上游 304, 使用缓存:", req.Path)
			return cached(meta, body, OutcomeRevalidated)
		}
		g.Log().Warning(ctx, "上游返回 304 但没有缓存:", req.Path)
		return textResult(nethttp.StatusBadGateway, "Bad Gateway", OutcomeUpstream)

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := resp.Header.Get("Retry-After")
		g.Log().Warning(ctx, "上游 429:", req.Path, "retry-after:", retryAfter)
		if meta != nil {
			res := cached(meta, body, OutcomeStale)
			res.Header.Del("Cache-Control")
			res.Header.Set("Warning", warningRevalidation)
			if retryAfter != "" {
				res.Header.Set("Retry-After", retryAfter)
			}
			return res
		}
		upBody, _ := utils.ReadLimited(resp.Body, p.maxBody())
		if len(upBody) == 0 {
			upBody = []byte("Too Many Requests")
		}
		res := &ImageResponse{Status: nethttp.StatusTooManyRequests, Header: nethttp.Header{}, Body: upBody, Outcome: OutcomeRateLimited}
		if retryAfter != "" {
			res.Header.Set("Retry-After", retryAfter)
		}
		return res

	case resp.StatusCode >= 400:
		g.Log().Warning(ctx, "上游返回状态码", resp.StatusCode, req.Path)
		if meta != nil && p.StaleIfError {
			res := cached(meta, body, OutcomeStale)
			res.Header.Del("Cache-Control")
			res.Header.Set("Warning", warningRevalidation)
			return res
		}
		upBody, _ := utils.ReadLimited(resp.Body, p.maxBody())
		return &ImageResponse{Status: resp.StatusCode, Header: nethttp.Header{}, Body: upBody, Outcome: OutcomeUpstream}
	}

	upBody, err := utils.ReadLimited(resp.Body, p.maxBody())
	if errors.Is(err, utils.ErrBodyTooLarge) {
		// 不缓存被截断的图片
		g.Log().Warning(ctx, "上游图片过大:", req.Path, err)
		return textResult(nethttp.StatusBadGateway, "Upstream image too large", OutcomeUpstream)
	}
	if err != nil {
		g.Log().Warning(ctx, "读取上游响应失败:", req.Path, err)
		return textResult(nethttp.StatusBadGateway, "Bad Gateway while streaming", OutcomeUpstream)
	}

	newMeta := &cache.Meta{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		ContentType:  resp.Header.Get("Content-Type"),
		CacheControl: resp.Header.Get("Cache-Control"),
	}
	outcome := OutcomeMiss
	if p.Storage == nil {
		outcome = OutcomeUncacheable
	} else if err := p.Storage.Save(ctx, key, newMeta, upBody); err != nil {
		g.Log().Error(ctx, "写入缓存失败:", req.Path, err)
		outcome = OutcomeUncacheable
	}

	h := nethttp.Header{}
	contentType := newMeta.ContentType
	if contentType == "" && outcome == OutcomeUncacheable {
		contentType = "application/octet-stream"
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	cacheControl := newMeta.CacheControl
	if cacheControl == "" {
		cacheControl = defaultCacheControl
	}
	h.Set("Cache-Control", cacheControl)
	return &ImageResponse{Status: resp.StatusCode, Header: h, Body: upBody, Outcome: outcome}
}
