package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"imgurproxy/rewrite"
)

var (
	registry = prometheus.NewRegistry()

	// RewriteWrites 引擎写入 DOM 的次数
	RewriteWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imgurproxy_rewrite_writes_total",
		Help: "Total number of DOM surfaces rewritten by the engine",
	})

	// Stylesheets 跨域样式表的处理结果
	Stylesheets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imgurproxy_stylesheets_total",
		Help: "Cross-origin stylesheets by result",
	}, []string{"result"})

	// ImageRequests 图片代理请求结果
	ImageRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imgurproxy_image_requests_total",
		Help: "Image proxy requests by outcome",
	}, []string{"outcome"})

	// PageRequests 页面代理请求
	PageRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imgurproxy_page_requests_total",
		Help: "Page proxy requests by kind of content",
	}, []string{"kind"})
)

func init() {
	registry.MustRegister(RewriteWrites, Stylesheets, ImageRequests, PageRequests)
}

// ObserveEngine 记录一次页面改写的统计
func ObserveEngine(s rewrite.Stats) {
	RewriteWrites.Add(float64(s.Writes))
	Stylesheets.WithLabelValues("injected").Add(float64(s.Injected))
	Stylesheets.WithLabelValues("failed").Add(float64(s.FetchFailures))
	if skipped := s.Fetches - s.Injected - s.FetchFailures; skipped > 0 {
		Stylesheets.WithLabelValues("skipped").Add(float64(skipped))
	}
}

// Handler 暴露指标
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
