package utils

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/gogf/gf/v2/net/ghttp"
	"github.com/gogf/gf/v2/text/gstr"
)

func GetInfo(r *ghttp.Request) (string, string) {
	scheme := "http"
	if r.Request.Header.Get("X-Forwarded-Proto") != "" {
		scheme = r.Request.Header.Get("X-Forwarded-Proto")
	}
	if r.Request.Header.Get("cf-visitor") != "" {
		cfVisitor := r.Request.Header.Get("cf-visitor")
		cfVisitorArr := gstr.Split(cfVisitor, ";")
		for _, v := range cfVisitorArr {
			if strings.Contains(v, "scheme=https") {
				scheme = "https"
			}
		}
	}
	host := r.Request.Host
	return scheme, host
}

// ParseTrustedProxies 解析可信反向代理列表, 每项为 IP 或 CIDR
func ParseTrustedProxies(list []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, item := range list {
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("可信代理 %q 无效: %w", item, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("可信代理 %q 无效: %w", item, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func trustedAddr(s string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP 限流使用的客户端地址
// 只有直接连接方是可信代理时才读取 X-Forwarded-For, 从右往左跳过可信代理
func ClientIP(forwardedFor, remoteAddr string, trusted []netip.Prefix) string {
	remote := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remote = host
	}
	if remote == "" {
		return "unknown"
	}
	if forwardedFor == "" || !trustedAddr(remote, trusted) {
		return remote
	}

	hops := strings.Split(forwardedFor, ",")
	client := remote
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		client = hop
		if !trustedAddr(hop, trusted) {
			break
		}
	}
	return client
}
