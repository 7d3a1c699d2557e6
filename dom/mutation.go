package dom

import (
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Attr 读取属性, 只处理无命名空间的属性
func (d *Document) Attr(n *html.Node, name string) (string, bool) {
	return Attr(n, name)
}

// Attr 读取节点属性
func Attr(n *html.Node, name string) (string, bool) {
	if n == nil || n.Type != html.ElementNode {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// SetAttr 设置属性并生成 attributes 变更记录
func (d *Document) SetAttr(n *html.Node, name, value string) {
	if n == nil || n.Type != html.ElementNode {
		return
	}
	old, _ := Attr(n, name)
	found := false
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && n.Attr[i].Key == name {
			n.Attr[i].Val = value
			found = true
			break
		}
	}
	if !found {
		n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
	}
	d.writes++
	d.enqueue(Record{Type: Attributes, Target: n, AttributeName: name, OldValue: old})
}

// RemoveAttr 删除属性, 属性不存在时什么也不做
func (d *Document) RemoveAttr(n *html.Node, name string) {
	if n == nil || n.Type != html.ElementNode {
		return
	}
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			d.writes++
			d.enqueue(Record{Type: Attributes, Target: n, AttributeName: name, OldValue: a.Val})
			return
		}
	}
}

// SetText 修改文本节点内容
func (d *Document) SetText(n *html.Node, data string) {
	if n == nil || n.Type != html.TextNode {
		return
	}
	old := n.Data
	n.Data = data
	d.writes++
	d.enqueue(Record{Type: CharacterData, Target: n, OldValue: old})
}

// AppendChild 追加子节点, child 已有父节点时先移除
func (d *Document) AppendChild(parent, child *html.Node) {
	d.InsertBefore(parent, child, nil)
}

// InsertBefore 在 ref 之前插入 child, ref 为 nil 时追加到末尾
func (d *Document) InsertBefore(parent, child, ref *html.Node) {
	if parent == nil || child == nil {
		return
	}
	if child.Parent != nil {
		d.RemoveChild(child.Parent, child)
	}
	parent.InsertBefore(child, ref)
	d.writes++
	d.enqueue(Record{Type: ChildList, Target: parent, AddedNodes: []*html.Node{child}})
}

// RemoveChild 移除子节点
func (d *Document) RemoveChild(parent, child *html.Node) {
	if parent == nil || child == nil || child.Parent != parent {
		return
	}
	// 先生成记录, 移除后 parent 已不是 child 的祖先
	d.enqueue(Record{Type: ChildList, Target: parent, RemovedNodes: []*html.Node{child}})
	parent.RemoveChild(child)
	d.writes++
}

// CreateElement 创建游离元素, 不计入写操作
func (d *Document) CreateElement(tag string, attrs ...html.Attribute) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
		Attr:     attrs,
	}
}

// CreateText 创建游离文本节点
func (d *Document) CreateText(data string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: data}
}

// ParseFragment 以 <body> 为上下文解析 HTML 片段, 返回的节点都是游离的
func (d *Document) ParseFragment(s string) ([]*html.Node, error) {
	ctx := d.Body()
	if ctx == nil {
		ctx = &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	}
	return html.ParseFragment(stringsReader(s), ctx)
}
