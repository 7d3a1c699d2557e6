package utils

import (
	"math/rand"
	"strings"

	UA "github.com/EDDYCJY/fake-useragent"
)

// UAMode 选择上游 User-Agent 的方式
type UAMode int

const (
	UAAuto UAMode = iota
	UADesktop
	UAMobile
	UARotate
)

// 获取随机 UA 失败时使用
const (
	DesktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"
	MobileUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
)

// 测试中替换, 避免依赖随机 UA 列表
var (
	desktopUA = func() string { return UA.Computer() }
	mobileUA  = func() string { return UA.Mobile() }
)

// PreferMobile 根据模式和客户端 UA 决定是否使用移动端 UA
func PreferMobile(mode UAMode, clientUA string) bool {
	switch mode {
	case UAMobile:
		return true
	case UADesktop:
		return false
	case UARotate:
		return rand.Intn(2) == 0
	}
	return strings.Contains(clientUA, "Mobile")
}

// ImageHeaders 构造访问图片上游的请求头
// 客户端原始 UA 放在 X-Forwarded-User-Agent 中
func ImageHeaders(preferMobile bool, clientUA string) map[string]string {
	ua := desktopUA()
	fallback := DesktopUA
	if preferMobile {
		ua = mobileUA()
		fallback = MobileUA
	}
	if ua == "" {
		ua = fallback
	}

	headers := map[string]string{
		"User-Agent":                ua,
		"Accept":                    "image/avif,image/webp,image/apng,image/*,*/*;q=0.8",
		"Accept-Language":           "en-US,en;q=0.9",
		"Referer":                   "https://imgur.com/",
		"DNT":                       "1",
		"Sec-Fetch-Site":            "cross-site",
		"Sec-Fetch-Mode":            "no-cors",
		"Sec-Fetch-Dest":            "image",
		"Upgrade-Insecure-Requests": "1",
	}
	if clientUA != "" {
		headers["X-Forwarded-User-Agent"] = clientUA
	}
	return headers
}

// PageHeaders 构造访问普通页面和样式表的请求头
func PageHeaders(accept string) map[string]string {
	ua := desktopUA()
	if ua == "" {
		ua = DesktopUA
	}
	return map[string]string{
		"User-Agent":      ua,
		"Accept":          accept,
		"Accept-Language": "en-US,en;q=0.9",
		"Accept-Encoding": "gzip, br",
	}
}
