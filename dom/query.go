package dom

import (
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// QueryAll 按 CSS 选择器查询 root 及其所有后代元素
func QueryAll(root *html.Node, selector string) []*html.Node {
	if root == nil {
		return nil
	}
	sel := goquery.NewDocumentFromNode(root).Selection
	matched := sel.Filter(selector).AddSelection(sel.Find(selector))
	return matched.Nodes
}

// QueryAll 同包级 QueryAll
func (d *Document) QueryAll(root *html.Node, selector string) []*html.Node {
	return QueryAll(root, selector)
}

// TextContent 拼接后代文本
func TextContent(n *html.Node) string {
	if n == nil {
		return ""
	}
	return goquery.NewDocumentFromNode(n).Text()
}

func stringsReader(s string) io.Reader {
	return strings.NewReader(s)
}
