package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrForbiddenTarget 目标指向本机或内网
var ErrForbiddenTarget = errors.New("禁止访问内网地址")

// Resolver 解析域名, 为 nil 时使用 net.DefaultResolver
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// netip 的分类之外仍然不可路由到公网的地址段
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

// CheckURL 发出请求之前校验目标地址
type CheckURL func(ctx context.Context, rawURL string) error

// PublicOnly 只放行 http/https 且主机解析到公网地址的 URL
func PublicOnly(resolver Resolver) CheckURL {
	return func(ctx context.Context, rawURL string) error {
		u, err := url.Parse(rawURL)
		if err != nil {
			return fmt.Errorf("url 无效: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("不支持的地址: %s", rawURL)
		}
		return CheckPublicHost(ctx, u.Hostname(), resolver)
	}
}

// CheckPublicHost 拒绝 localhost 以及解析到回环, 私有, 链路本地, 组播或未指定地址的主机
// 只检查请求前的解析结果, 不能防御 DNS rebinding
func CheckPublicHost(ctx context.Context, host string, resolver Resolver) error {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return fmt.Errorf("缺少主机名")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %s", ErrForbiddenTarget, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(host, addr)
	}

	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("解析 %s 失败: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("解析 %s 没有结果", host)
	}
	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return fmt.Errorf("%w: %s 解析到无效地址", ErrForbiddenTarget, host)
		}
		if err := checkAddr(host, addr); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(host string, addr netip.Addr) error {
	addr = addr.Unmap()
	forbidden := !addr.IsValid() ||
		addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified()
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			forbidden = true
		}
	}
	if forbidden {
		return fmt.Errorf("%w: %s (%s)", ErrForbiddenTarget, host, addr)
	}
	return nil
}
