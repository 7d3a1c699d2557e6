package rewrite

import (
	"golang.org/x/net/html"
)

// SurfaceAttributes 可能携带源域名的属性, 也是属性变更的监听范围
var SurfaceAttributes = []string{"src", "href", "srcset", "style"}

func isSurfaceAttribute(name string) bool {
	for _, a := range SurfaceAttributes {
		if a == name {
			return true
		}
	}
	return false
}

// rewriteNode 改写单个节点, 返回写操作次数
// 只在确实包含源域名时写入, 避免重复加载资源和多余的变更记录
func (e *Engine) rewriteNode(n *html.Node) int {
	if n == nil {
		return 0
	}
	writes := 0
	switch n.Type {
	case html.ElementNode:
		for _, name := range SurfaceAttributes {
			val, ok := e.doc.Attr(n, name)
			if !ok || !e.rule.Matches(val) {
				continue
			}
			e.doc.SetAttr(n, name, e.rule.Apply(val))
			writes++
		}
	case html.TextNode:
		// <style> 的内容也是文本节点
		if e.rule.Matches(n.Data) {
			e.doc.SetText(n, e.rule.Apply(n.Data))
			writes++
		}
	}
	e.stats.Writes += writes
	return writes
}
