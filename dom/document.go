package dom

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Document 宿主文档
// 除 Post 以外的所有方法只能在文档所属的 goroutine 中调用
type Document struct {
	root *html.Node
	url  *url.URL

	observers []*Observer
	writes    int

	// 其它 goroutine 投递的回调
	taskMutex sync.Mutex
	tasks     []func()
	notify    chan struct{}
}

// NewDocument 用已有的节点树创建文档, baseURL 可以为空
func NewDocument(root *html.Node, baseURL string) (*Document, error) {
	if root == nil {
		return nil, fmt.Errorf("文档根节点为空")
	}
	d := &Document{
		root:   root,
		notify: make(chan struct{}, 1),
	}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("解析文档地址失败: %w", err)
		}
		d.url = u
	}
	return d, nil
}

// Parse 解析 HTML 并创建文档
func Parse(r io.Reader, baseURL string) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("解析 HTML 失败: %w", err)
	}
	return NewDocument(root, baseURL)
}

// ParseString 同 Parse
func ParseString(s string, baseURL string) (*Document, error) {
	return Parse(strings.NewReader(s), baseURL)
}

func (d *Document) Root() *html.Node { return d.root }

// URL 文档地址, 未设置时为 nil
func (d *Document) URL() *url.URL { return d.url }

// DocumentElement 返回 <html> 元素
func (d *Document) DocumentElement() *html.Node {
	for c := d.root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return c
		}
	}
	return nil
}

func (d *Document) Head() *html.Node { return d.childOfDocumentElement(atom.Head) }

func (d *Document) Body() *html.Node { return d.childOfDocumentElement(atom.Body) }

func (d *Document) childOfDocumentElement(a atom.Atom) *html.Node {
	el := d.DocumentElement()
	if el == nil {
		return nil
	}
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			return c
		}
	}
	return nil
}

// Writes 文档创建以来的写操作次数
func (d *Document) Writes() int { return d.writes }

// Render 序列化文档
func (d *Document) Render(w io.Writer) error {
	return html.Render(w, d.root)
}

// String 序列化文档, 出错时返回空字符串
func (d *Document) String() string {
	var sb strings.Builder
	if err := d.Render(&sb); err != nil {
		return ""
	}
	return sb.String()
}

// Contains 判断 n 是否挂在文档树上
func (d *Document) Contains(n *html.Node) bool {
	return IsInclusiveAncestor(d.root, n)
}

// IsInclusiveAncestor 判断 a 是否是 n 本身或其祖先
func IsInclusiveAncestor(a, n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == a {
			return true
		}
	}
	return false
}

// Post 投递一个回调到文档 goroutine, 可在任意 goroutine 调用
func (d *Document) Post(fn func()) {
	d.taskMutex.Lock()
	d.tasks = append(d.tasks, fn)
	d.taskMutex.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Notify 有新回调被投递时可读
func (d *Document) Notify() <-chan struct{} { return d.notify }

// RunTasks 执行所有已投递的回调, 每个回调之后分发变更记录
// 返回执行的回调数量
func (d *Document) RunTasks() int {
	count := 0
	for {
		d.taskMutex.Lock()
		tasks := d.tasks
		d.tasks = nil
		d.taskMutex.Unlock()

		if len(tasks) == 0 {
			return count
		}
		for _, task := range tasks {
			task()
			d.Flush()
			count++
		}
	}
}
