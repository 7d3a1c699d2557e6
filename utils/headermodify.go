package utils

import (
	"net/http"
)

// HeaderModify modifies the header of the proxied page response.
func HeaderModify(headers *http.Header) {
	// 移除一些错误的转发头
	headers.Del("X-Forwarded-For")
	headers.Del("X-Forwarded-Host")
	headers.Del("X-Forwarded-Proto")
	headers.Del("X-Forwarded-Server")
	headers.Del("X-Real-Ip")

	// 移除一些CF的头
	headers.Del("Cf-Connecting-Ip")
	headers.Del("Cf-Ipcountry")
	headers.Del("Cf-Ray")
	headers.Del("Cf-Visitor")
	headers.Del("Cf-Request-Id")

	headers.Set("Access-Control-Allow-Origin", "*")

	// 移除安全相关的限制头, 否则注入的样式和脚本会被拦截
	headers.Del("Content-Security-Policy")
	headers.Del("Content-Security-Policy-Report-Only")
	headers.Del("X-Frame-Options")
	headers.Del("Cross-Origin-Opener-Policy")
	headers.Del("Cross-Origin-Embedder-Policy")
	headers.Del("Cross-Origin-Resource-Policy")

	// 内容已被修改
	headers.Del("report-to")
	headers.Del("Content-Encoding")
	headers.Del("Content-Length")
	headers.Del("ETag")

	// 删除上游下发的 Set-Cookie，避免透传
	headers.Del("Set-Cookie")
}

// CopyHeaders 把上游响应头复制到下游, 只取第一个值
func CopyHeaders(dst http.Header, src map[string][]string) {
	for k, v := range src {
		if len(v) > 0 {
			dst.Set(k, v[0])
		}
	}
}
