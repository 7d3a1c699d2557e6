package rewrite

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gogf/gf/v2/frame/g"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"imgurproxy/dom"
)

// InjectedAttr 注入的 <style> 上记录原样式表地址的属性
const InjectedAttr = "data-rewritten-from"

// Fetcher 异步获取样式表文本
type Fetcher interface {
	FetchText(ctx context.Context, rawURL string) (string, error)
}

// FetcherFunc 函数形式的 Fetcher
type FetcherFunc func(ctx context.Context, rawURL string) (string, error)

func (f FetcherFunc) FetchText(ctx context.Context, rawURL string) (string, error) {
	return f(ctx, rawURL)
}

func isStylesheetLink(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode || n.DataAtom != atom.Link {
		return false
	}
	rel, _ := dom.Attr(n, "rel")
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		if token == "stylesheet" {
			return true
		}
	}
	return false
}

// scanStylesheets 处理 root 子树中的所有样式表链接
func (e *Engine) scanStylesheets(root *html.Node) {
	for _, n := range e.doc.QueryAll(root, "link[rel][href]") {
		e.rewriteStylesheet(n)
	}
}

// rewriteStylesheet 在后台获取样式表文本, 包含源域名时注入改写后的 <style>
// 同源和跨域样式表同样处理, 链接不再指向可获取的样式表时取消等待中的注入
func (e *Engine) rewriteStylesheet(n *html.Node) {
	if !isStylesheetLink(n) || e.opts.Fetcher == nil {
		delete(e.links, n)
		return
	}
	href, _ := dom.Attr(n, "href")
	target, ok := e.resolve(href)
	if !ok {
		delete(e.links, n)
		return
	}
	u := target.String()
	if e.links[n] == u {
		return
	}
	e.links[n] = u
	e.fetchStylesheet(n, u)
}

func (e *Engine) resolve(href string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return nil, false
	}
	u, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	if base := e.doc.URL(); base != nil {
		u = base.ResolveReference(u)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, false
	}
	return u, true
}

// fetchStylesheet 获取在其它 goroutine 进行, 结果通过 Post 回到文档 goroutine
func (e *Engine) fetchStylesheet(link *html.Node, u string) {
	e.inflight++
	e.stats.Fetches++
	ctx := e.ctx
	go func() {
		text, err := e.fetch(ctx, u)
		e.doc.Post(func() {
			e.inflight--
			e.injectStylesheet(link, u, text, err)
		})
	}()
}

func (e *Engine) fetch(ctx context.Context, u string) (string, error) {
	if e.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.FetchTimeout)
		defer cancel()
	}
	v, err, _ := e.group.Do(u, func() (interface{}, error) {
		if e.sem != nil {
			if err := e.sem.Acquire(ctx, 1); err != nil {
				return "", err
			}
			defer e.sem.Release(1)
		}
		return e.opts.Fetcher.FetchText(ctx, u)
	})
	if err != nil {
		return "", err
	}
	text, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("样式表 %s 返回了非文本结果", u)
	}
	return text, nil
}

// injectStylesheet 失败时静默放弃, 原样式表保持不变作为兜底
func (e *Engine) injectStylesheet(link *html.Node, u, text string, err error) {
	if err != nil {
		e.stats.FetchFailures++
		g.Log().Debug(e.ctx, "获取样式表失败,放弃改写:", u, err)
		return
	}
	// href 在获取期间被修改过, 或链接已经离开文档
	if e.links[link] != u {
		return
	}
	if !e.doc.Contains(link) {
		delete(e.links, link)
		return
	}
	if !e.rule.Matches(text) {
		return
	}
	head := e.doc.Head()
	if head == nil {
		return
	}
	style := e.doc.CreateElement("style", html.Attribute{Key: InjectedAttr, Val: u})
	style.AppendChild(e.doc.CreateText(e.rule.Apply(text)))
	e.doc.AppendChild(head, style)
	e.stats.Injected++
	g.Log().Debug(e.ctx, "已注入改写后的样式表:", u)
}
