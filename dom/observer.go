package dom

import (
	"golang.org/x/net/html"
)

type MutationType int

const (
	ChildList MutationType = iota
	Attributes
	CharacterData
)

func (t MutationType) String() string {
	switch t {
	case ChildList:
		return "childList"
	case Attributes:
		return "attributes"
	case CharacterData:
		return "characterData"
	}
	return "unknown"
}

// Record 一条变更记录
type Record struct {
	Type          MutationType
	Target        *html.Node
	AddedNodes    []*html.Node
	RemovedNodes  []*html.Node
	AttributeName string
	OldValue      string
}

// ObserveOptions 监听配置
type ObserveOptions struct {
	ChildList       bool
	Subtree         bool
	Attributes      bool
	AttributeFilter []string // 为空表示所有属性
	CharacterData   bool
}

// Callback 批量接收变更记录
type Callback func(records []Record, o *Observer)

// Observer 变更监听器
type Observer struct {
	doc           *Document
	callback      Callback
	registrations []registration
	queue         []Record
}

type registration struct {
	target  *html.Node
	options ObserveOptions
}

// NewObserver 创建监听器, 调用 Observe 之前不会收到记录
func (d *Document) NewObserver(cb Callback) *Observer {
	return &Observer{doc: d, callback: cb}
}

// Observe 开始监听 target, 对同一 target 重复调用会替换配置
func (o *Observer) Observe(target *html.Node, opts ObserveOptions) {
	if target == nil {
		return
	}
	for i := range o.registrations {
		if o.registrations[i].target == target {
			o.registrations[i].options = opts
			return
		}
	}
	if len(o.registrations) == 0 {
		o.doc.observers = append(o.doc.observers, o)
	}
	o.registrations = append(o.registrations, registration{target: target, options: opts})
}

// Disconnect 停止监听并丢弃未分发的记录
func (o *Observer) Disconnect() {
	o.registrations = nil
	o.queue = nil
	for i, other := range o.doc.observers {
		if other == o {
			o.doc.observers = append(o.doc.observers[:i], o.doc.observers[i+1:]...)
			return
		}
	}
}

// TakeRecords 取出未分发的记录
func (o *Observer) TakeRecords() []Record {
	records := o.queue
	o.queue = nil
	return records
}

func (o *Observer) interested(rec Record) bool {
	for _, reg := range o.registrations {
		if rec.Target != reg.target && !(reg.options.Subtree && IsInclusiveAncestor(reg.target, rec.Target)) {
			continue
		}
		switch rec.Type {
		case ChildList:
			if reg.options.ChildList {
				return true
			}
		case CharacterData:
			if reg.options.CharacterData {
				return true
			}
		case Attributes:
			if !reg.options.Attributes {
				continue
			}
			if len(reg.options.AttributeFilter) == 0 {
				return true
			}
			for _, name := range reg.options.AttributeFilter {
				if name == rec.AttributeName {
					return true
				}
			}
		}
	}
	return false
}

func (d *Document) enqueue(rec Record) {
	for _, o := range d.observers {
		if o.interested(rec) {
			o.queue = append(o.queue, rec)
		}
	}
}

// Flush 把排队的记录分发给各监听器
// 回调中产生的新记录会在同一次 Flush 中继续分发, 直到没有剩余
func (d *Document) Flush() {
	for {
		delivered := false
		observers := append([]*Observer(nil), d.observers...)
		for _, o := range observers {
			records := o.TakeRecords()
			if len(records) == 0 {
				continue
			}
			delivered = true
			o.callback(records, o)
		}
		if !delivered {
			return
		}
	}
}
