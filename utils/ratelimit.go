package utils

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedClients 超过后清理长时间没有请求的客户端
const maxTrackedClients = 4096

// ClientLimiter 按客户端地址限流, 任意 window 长度的时间段内最多 max 次请求
// 滑动窗口是硬上限, 令牌桶在窗口之外把突发请求摊平
type ClientLimiter struct {
	window time.Duration
	max    int

	mutex   sync.Mutex
	clients map[string]*limitedClient
	now     func() time.Time
}

type limitedClient struct {
	limiter  *rate.Limiter
	hits     []time.Time // 窗口内已放行的请求时间, 按时间排序
	lastSeen time.Time
}

// NewClientLimiter 创建限流器, window 或 max 不大于 0 时不限流
func NewClientLimiter(window time.Duration, max int) *ClientLimiter {
	return &ClientLimiter{
		window:  window,
		max:     max,
		clients: make(map[string]*limitedClient),
		now:     time.Now,
	}
}

// Allow 是否允许该客户端的本次请求
func (l *ClientLimiter) Allow(ip string) bool {
	if l == nil || l.window <= 0 || l.max <= 0 {
		return true
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := l.now()
	c, ok := l.clients[ip]
	if !ok {
		if len(l.clients) >= maxTrackedClients {
			l.prune(now)
		}
		c = &limitedClient{
			limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(l.max)), l.max),
		}
		l.clients[ip] = c
	}
	c.lastSeen = now

	expired := 0
	for expired < len(c.hits) && now.Sub(c.hits[expired]) >= l.window {
		expired++
	}
	c.hits = c.hits[expired:]
	if len(c.hits) >= l.max {
		return false
	}
	if !c.limiter.AllowN(now, 1) {
		return false
	}
	c.hits = append(c.hits, now)
	return true
}

func (l *ClientLimiter) prune(now time.Time) {
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > l.window {
			delete(l.clients, ip)
		}
	}
}
