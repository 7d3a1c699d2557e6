package rewrite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gogf/gf/v2/frame/g"
	"golang.org/x/net/html"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"imgurproxy/dom"
)

var ErrAlreadyActive = errors.New("改写引擎已经启动")

// State 引擎状态, 只会从 Inactive 变为 Active
type State int

const (
	Inactive State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "inactive"
}

// Options 引擎配置
type Options struct {
	// Fetcher 为 nil 时不处理跨域样式表
	Fetcher Fetcher
	// FetchTimeout 单个样式表的获取超时, 0 表示不限制
	FetchTimeout time.Duration
	// MaxInflight 同时进行的样式表获取数量上限, 0 表示不限制
	MaxInflight int64
}

// Stats 引擎统计
type Stats struct {
	Writes        int
	Fetches       int
	Injected      int
	FetchFailures int
}

// Engine 持续把文档中的源域名改写为代理域名
type Engine struct {
	rule Rule
	doc  *dom.Document
	opts Options
	ctx  context.Context

	state    State
	observer *dom.Observer

	// 每个样式表链接最近一次处理的地址
	links    map[*html.Node]string
	group    singleflight.Group
	sem      *semaphore.Weighted
	inflight int

	stats Stats
}

// New 创建引擎, 需要调用 Start 才会开始工作
func New(rule Rule, doc *dom.Document, opts Options) (*Engine, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("文档为空")
	}
	e := &Engine{
		rule:  rule,
		doc:   doc,
		opts:  opts,
		ctx:   context.Background(),
		links: make(map[*html.Node]string),
	}
	if opts.MaxInflight > 0 {
		e.sem = semaphore.NewWeighted(opts.MaxInflight)
	}
	return e, nil
}

func (e *Engine) Rule() Rule { return e.rule }

func (e *Engine) State() State { return e.state }

func (e *Engine) Stats() Stats { return e.stats }

// Inflight 尚未完成的样式表获取数量
func (e *Engine) Inflight() int { return e.inflight }

// Start 先完整改写一遍文档, 然后开始监听后续变更
// ctx 同时作为样式表获取的父 context
func (e *Engine) Start(ctx context.Context) error {
	if e.state == Active {
		return ErrAlreadyActive
	}
	e.ctx = ctx

	writes := e.Pass()

	// 首轮完成之后才开始监听
	scope := e.doc.Body()
	if scope == nil {
		scope = e.doc.DocumentElement()
	}
	if scope == nil {
		scope = e.doc.Root()
	}
	e.observer = e.doc.NewObserver(e.onMutations)
	e.observer.Observe(scope, dom.ObserveOptions{
		ChildList:       true,
		Subtree:         true,
		Attributes:      true,
		AttributeFilter: SurfaceAttributes,
	})
	e.state = Active

	g.Log().Debugf(ctx, "改写引擎已启动 %s -> %s, 首轮写入 %d 处", e.rule.SourceHost, e.rule.ProxyHost, writes)
	return nil
}

// Pass 对整个文档执行一次改写, 返回写操作次数
func (e *Engine) Pass() int {
	return e.walk(e.doc.Root())
}

func (e *Engine) onMutations(records []dom.Record, _ *dom.Observer) {
	for _, rec := range records {
		switch rec.Type {
		case dom.ChildList:
			for _, n := range rec.AddedNodes {
				e.walk(n)
			}
		case dom.Attributes:
			if !isSurfaceAttribute(rec.AttributeName) {
				continue
			}
			// 属性变更不影响后代, 只处理目标节点
			e.rewriteNode(rec.Target)
			if rec.AttributeName == "href" {
				e.rewriteStylesheet(rec.Target)
			}
		}
	}
}

// Settle 驱动文档任务队列, 直到所有样式表获取完成或 ctx 结束
func (e *Engine) Settle(ctx context.Context) error {
	for {
		e.doc.Flush()
		if e.doc.RunTasks() > 0 {
			continue
		}
		if e.inflight == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.doc.Notify():
		}
	}
}
