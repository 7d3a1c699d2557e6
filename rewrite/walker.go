package rewrite

import (
	"golang.org/x/net/html"
)

// Walk 先序遍历 root 及其所有后代, 只对元素和文本节点调用 visit
// 使用显式栈, 深层文档不会受调用栈深度限制
// visit 不应修改树结构
func Walk(root *html.Node, visit func(*html.Node)) {
	if root == nil {
		return
	}
	stack := []*html.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if n.Type == html.ElementNode || n.Type == html.TextNode {
			visit(n)
		}
		// 逆序压栈以保持先序
		for c := n.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, c)
		}
	}
}

// walk 改写子树, 返回写操作次数
func (e *Engine) walk(root *html.Node) int {
	writes := 0
	Walk(root, func(n *html.Node) {
		writes += e.rewriteNode(n)
	})
	e.scanStylesheets(root)
	return writes
}
