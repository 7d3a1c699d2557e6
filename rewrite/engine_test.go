package rewrite

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
	"pgregory.net/rapid"

	"imgurproxy/dom"
)

const staticPage = `<!DOCTYPE html>
<html><head>
<link rel="icon" href="https://i.imgur.com/favicon.ico">
<style>.a { background: url(https://i.imgur.com/bg.png) }</style>
</head><body>
<div id="root" style="background-image: url('https://i.imgur.com/s.png')">
  <img id="img" src="https://i.imgur.com/a.png" srcset="https://i.imgur.com/a.png 1x, https://i.imgur.com/a2.png 2x">
  <a id="link" href="https://i.imgur.com/gallery">see https://i.imgur.com/gallery</a>
  <!-- https://i.imgur.com/comment.png -->
  <img id="other" src="https://example.com/b.png">
</div>
</body></html>`

type fakeFetcher struct {
	mu    sync.Mutex
	texts map[string]string
	calls map[string]int
}

func newFakeFetcher(texts map[string]string) *fakeFetcher {
	return &fakeFetcher{texts: texts, calls: make(map[string]int)}
}

func (f *fakeFetcher) FetchText(_ context.Context, rawURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[rawURL]++
	text, ok := f.texts[rawURL]
	if !ok {
		return "", errors.New("cors denied")
	}
	return text, nil
}

func (f *fakeFetcher) count(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

func newEngine(t *testing.T, src, base string, fetcher Fetcher) (*Engine, *dom.Document) {
	t.Helper()
	doc, err := dom.ParseString(src, base)
	require.NoError(t, err)
	e, err := New(testRule(t), doc, Options{Fetcher: fetcher, FetchTimeout: time.Second, MaxInflight: 2})
	require.NoError(t, err)
	return e, doc
}

func find(t *testing.T, doc *dom.Document, selector string) *html.Node {
	t.Helper()
	nodes := doc.QueryAll(doc.Root(), selector)
	require.Len(t, nodes, 1, selector)
	return nodes[0]
}

func attr(n *html.Node, name string) string {
	v, _ := dom.Attr(n, name)
	return v
}

func settle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Settle(ctx))
}

func TestNewRejectsInvalidInput(t *testing.T) {
	doc, err := dom.ParseString("<p></p>", "")
	require.NoError(t, err)

	_, err = New(Rule{}, doc, Options{})
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = New(testRule(t), nil, Options{})
	assert.Error(t, err)
}

func TestStartRewritesStaticContent(t *testing.T) {
	e, doc := newEngine(t, staticPage, "https://example.com/", nil)
	require.Equal(t, Inactive, e.State())
	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, Active, e.State())

	img := find(t, doc, "#img")
	assert.Equal(t, "https://imgur-uk.vercel.app/a.png", attr(img, "src"))
	assert.Equal(t, "https://imgur-uk.vercel.app/a.png 1x, https://imgur-uk.vercel.app/a2.png 2x", attr(img, "srcset"))
	assert.Equal(t, "background-image: url('https://imgur-uk.vercel.app/s.png')", attr(find(t, doc, "#root"), "style"))
	assert.Equal(t, "https://imgur-uk.vercel.app/gallery", attr(find(t, doc, "#link"), "href"))
	assert.Equal(t, "https://imgur-uk.vercel.app/favicon.ico", attr(find(t, doc, "link[rel=icon]"), "href"))
	assert.Equal(t, "https://example.com/b.png", attr(find(t, doc, "#other"), "src"))

	out := doc.String()
	assert.Contains(t, out, "see https://imgur-uk.vercel.app/gallery")
	assert.Contains(t, out, "url(https://imgur-uk.vercel.app/bg.png)")
	// 注释不属于可改写的位置
	assert.Contains(t, out, "<!-- https://i.imgur.com/comment.png -->")
	assert.Equal(t, 1, strings.Count(out, source))
	assert.Equal(t, doc.Writes(), e.Stats().Writes)
}

func TestStartTwice(t *testing.T) {
	e, _ := newEngine(t, staticPage, "", nil)
	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyActive)
}

func TestPassIsIdempotent(t *testing.T) {
	e, doc := newEngine(t, staticPage, "", nil)
	first := e.Pass()
	assert.Positive(t, first)

	writes := doc.Writes()
	assert.Equal(t, 0, e.Pass())
	assert.Equal(t, writes, doc.Writes())
}

func TestNoWritesWithoutSourceHost(t *testing.T) {
	const clean = `<html><head><link rel="stylesheet" href="https://cdn.example.net/a.css"></head>
<body><img src="https://example.com/a.png" style="color: red"><p>plain text</p></body></html>`
	fetcher := newFakeFetcher(map[string]string{"https://cdn.example.net/a.css": "body { color: blue }"})
	e, doc := newEngine(t, clean, "https://example.com/", fetcher)

	require.NoError(t, e.Start(context.Background()))
	settle(t, e)

	p := doc.CreateElement("p")
	p.AppendChild(doc.CreateText("still clean"))
	doc.AppendChild(doc.Body(), p)
	before := doc.Writes()
	doc.Flush()

	assert.Equal(t, before, doc.Writes())
	assert.Equal(t, 1, before, "only the test's own insert")
	assert.Equal(t, 0, e.Stats().Writes)
	assert.Equal(t, 0, e.Stats().Injected)
}

func TestLiveInsertedImage(t *testing.T) {
	e, doc := newEngine(t, `<html><body><div id="host"></div></body></html>`, "", nil)
	require.NoError(t, e.Start(context.Background()))

	nodes, err := doc.ParseFragment(`<figure><img id="late" src="https://i.imgur.com/x.png"><figcaption>https://i.imgur.com/x.png</figcaption></figure>`)
	require.NoError(t, err)
	doc.AppendChild(find(t, doc, "#host"), nodes[0])
	doc.Flush()

	assert.Equal(t, "https://imgur-uk.vercel.app/x.png", attr(find(t, doc, "#late"), "src"))
	assert.Equal(t, "https://imgur-uk.vercel.app/x.png", dom.TextContent(find(t, doc, "figcaption")))
}

func TestInsertedBareImage(t *testing.T) {
	e, doc := newEngine(t, `<html><body></body></html>`, "", nil)
	require.NoError(t, e.Start(context.Background()))

	img := doc.CreateElement("img", html.Attribute{Key: "src", Val: "https://i.imgur.com/x.png"})
	doc.AppendChild(doc.Body(), img)
	doc.Flush()

	assert.Equal(t, "https://imgur-uk.vercel.app/x.png", attr(img, "src"))
}

func TestAttributeChangeRewritesTargetOnly(t *testing.T) {
	e, doc := newEngine(t, `<html><body><div id="box"><span id="child">text</span></div></body></html>`, "", nil)
	require.NoError(t, e.Start(context.Background()))

	box := find(t, doc, "#box")
	child := find(t, doc, "#child")
	// 绕过文档直接修改后代, 属性变更的处理不应触及它
	child.FirstChild.Data = "https://i.imgur.com/untouched"

	doc.SetAttr(box, "style", "background: url(https://i.imgur.com/y.png)")
	doc.Flush()

	assert.Equal(t, "background: url(https://imgur-uk.vercel.app/y.png)", attr(box, "style"))
	assert.Equal(t, "https://i.imgur.com/untouched", child.FirstChild.Data)
}

func TestUnobservedAttributeIgnored(t *testing.T) {
	e, doc := newEngine(t, `<html><body><div id="box"></div></body></html>`, "", nil)
	require.NoError(t, e.Start(context.Background()))

	box := find(t, doc, "#box")
	doc.SetAttr(box, "data-src", "https://i.imgur.com/y.png")
	doc.Flush()

	assert.Equal(t, "https://i.imgur.com/y.png", attr(box, "data-src"))
}

func TestMutationsBeforeStartAreNotObserved(t *testing.T) {
	e, doc := newEngine(t, `<html><body></body></html>`, "", nil)

	img := doc.CreateElement("img", html.Attribute{Key: "src", Val: "https://i.imgur.com/early.png"})
	doc.AppendChild(doc.Body(), img)
	doc.Flush()
	assert.Equal(t, "https://i.imgur.com/early.png", attr(img, "src"))

	// 首轮改写会覆盖之前插入的节点
	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, "https://imgur-uk.vercel.app/early.png", attr(img, "src"))
}

func TestCrossOriginStylesheetInjected(t *testing.T) {
	const css = `.hero { background: url("https://i.imgur.com/hero.png") }`
	src := `<html><head><link rel="stylesheet" href="https://cdn.example.net/site.css"></head><body></body></html>`
	fetcher := newFakeFetcher(map[string]string{"https://cdn.example.net/site.css": css})
	e, doc := newEngine(t, src, "https://example.com/", fetcher)

	require.NoError(t, e.Start(context.Background()))
	settle(t, e)

	styles := doc.QueryAll(doc.Head(), "style")
	require.Len(t, styles, 1)
	assert.Equal(t, "https://cdn.example.net/site.css", attr(styles[0], InjectedAttr))
	assert.Equal(t, `.hero { background: url("https://imgur-uk.vercel.app/hero.png") }`, dom.TextContent(styles[0]))
	assert.Equal(t, "https://cdn.example.net/site.css", attr(find(t, doc, "link"), "href"))
	assert.Equal(t, Stats{Writes: 0, Fetches: 1, Injected: 1}, e.Stats())

	// 再次改写不会重复获取
	e.Pass()
	settle(t, e)
	assert.Len(t, doc.QueryAll(doc.Head(), "style"), 1)
	assert.Equal(t, 1, fetcher.count("https://cdn.example.net/site.css"))
}

func TestFailedStylesheetFetchIsDropped(t *testing.T) {
	src := `<html><head><link rel="stylesheet" href="https://cdn.example.net/blocked.css"></head><body></body></html>`
	fetcher := newFakeFetcher(nil)
	e, doc := newEngine(t, src, "https://example.com/", fetcher)

	require.NoError(t, e.Start(context.Background()))
	settle(t, e)

	assert.Empty(t, doc.QueryAll(doc.Head(), "style"))
	assert.Equal(t, "https://cdn.example.net/blocked.css", attr(find(t, doc, "link"), "href"))
	assert.Equal(t, 1, e.Stats().FetchFailures)
	assert.Equal(t, 0, doc.Writes())
	assert.Equal(t, 0, e.Inflight())
}

func TestSameOriginStylesheetInjected(t *testing.T) {
	src := `<html><head><link rel="stylesheet" href="/static/site.css"></head><body></body></html>`
	fetcher := newFakeFetcher(map[string]string{"https://example.com/static/site.css": "a { background: url(https://i.imgur.com/a.png) }"})
	e, doc := newEngine(t, src, "https://example.com/page", fetcher)

	require.NoError(t, e.Start(context.Background()))
	settle(t, e)

	assert.Equal(t, 1, fetcher.count("https://example.com/static/site.css"))
	styles := doc.QueryAll(doc.Head(), "style")
	require.Len(t, styles, 1)
	assert.Equal(t, "https://example.com/static/site.css", attr(styles[0], InjectedAttr))
	assert.Equal(t, "a { background: url(https://imgur-uk.vercel.app/a.png) }", dom.TextContent(styles[0]))
	assert.Equal(t, "/static/site.css", attr(find(t, doc, "link"), "href"))
}

// gatedFetcher 每个地址的获取都阻塞到对应的 gate 被关闭
type gatedFetcher struct {
	texts   map[string]string
	gates   map[string]chan struct{}
	started chan string
}

func newGatedFetcher(texts map[string]string) *gatedFetcher {
	f := &gatedFetcher{texts: texts, gates: make(map[string]chan struct{}), started: make(chan string, len(texts))}
	for u := range texts {
		f.gates[u] = make(chan struct{})
	}
	return f
}

func (f *gatedFetcher) FetchText(ctx context.Context, rawURL string) (string, error) {
	f.started <- rawURL
	select {
	case <-f.gates[rawURL]:
		return f.texts[rawURL], nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *gatedFetcher) waitStarted(t *testing.T, rawURL string) {
	t.Helper()
	select {
	case got := <-f.started:
		require.Equal(t, rawURL, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("fetch of %s never started", rawURL)
	}
}

const (
	firstSheet  = "https://cdn.example.net/first.css"
	secondSheet = "https://cdn.example.net/second.css"
)

func gatedPage(t *testing.T) (*Engine, *dom.Document, *gatedFetcher, *html.Node) {
	t.Helper()
	fetcher := newGatedFetcher(map[string]string{
		firstSheet:  ".a { background: url(https://i.imgur.com/1.png) }",
		secondSheet: ".b { background: url(https://i.imgur.com/2.png) }",
	})
	src := `<html><head></head><body><link rel="stylesheet" href="` + firstSheet + `"></body></html>`
	e, doc := newEngine(t, src, "https://example.com/", fetcher)
	require.NoError(t, e.Start(context.Background()))
	fetcher.waitStarted(t, firstSheet)
	return e, doc, fetcher, find(t, doc, "link")
}

func TestRepointedStylesheetInjectsLatestOnly(t *testing.T) {
	e, doc, fetcher, link := gatedPage(t)

	doc.SetAttr(link, "href", secondSheet)
	doc.Flush()
	fetcher.waitStarted(t, secondSheet)

	close(fetcher.gates[firstSheet])
	close(fetcher.gates[secondSheet])
	settle(t, e)

	styles := doc.QueryAll(doc.Head(), "style")
	require.Len(t, styles, 1)
	assert.Equal(t, secondSheet, attr(styles[0], InjectedAttr))
	assert.Contains(t, dom.TextContent(styles[0]), "imgur-uk.vercel.app/2.png")
	assert.Equal(t, 2, e.Stats().Fetches)
	assert.Equal(t, 1, e.Stats().Injected)
}

func TestRemovedStylesheetLinkNotInjected(t *testing.T) {
	e, doc, fetcher, link := gatedPage(t)

	doc.RemoveChild(doc.Body(), link)
	doc.Flush()

	close(fetcher.gates[firstSheet])
	settle(t, e)

	assert.Empty(t, doc.QueryAll(doc.Head(), "style"))
	assert.Zero(t, e.Stats().Injected)
	assert.Empty(t, e.links)
}

func TestStylesheetRepointedToInvalidHrefNotInjected(t *testing.T) {
	e, doc, fetcher, link := gatedPage(t)

	doc.SetAttr(link, "href", "javascript:void(0)")
	doc.Flush()

	close(fetcher.gates[firstSheet])
	settle(t, e)

	assert.Empty(t, doc.QueryAll(doc.Head(), "style"))
	assert.Zero(t, e.Stats().Injected)
	assert.NotContains(t, e.links, link)
}

func TestInsertedStylesheetLinkFetched(t *testing.T) {
	const css = `div { background: url(https://i.imgur.com/d.png) }`
	fetcher := newFakeFetcher(map[string]string{"https://cdn.example.net/late.css": css})
	e, doc := newEngine(t, `<html><head></head><body></body></html>`, "https://example.com/", fetcher)
	require.NoError(t, e.Start(context.Background()))

	link := doc.CreateElement("link",
		html.Attribute{Key: "rel", Val: "Stylesheet"},
		html.Attribute{Key: "href", Val: "https://cdn.example.net/late.css"})
	doc.AppendChild(doc.Body(), link)
	settle(t, e)

	styles := doc.QueryAll(doc.Head(), "style")
	require.Len(t, styles, 1)
	assert.Contains(t, dom.TextContent(styles[0]), "https://imgur-uk.vercel.app/d.png")
}

func TestDuplicateStylesheetsShareFetch(t *testing.T) {
	const css = `p { background: url(https://i.imgur.com/p.png) }`
	src := `<html><head></head><body>
<link id="l1" rel="stylesheet" href="https://cdn.example.net/p.css">
<link id="l2" rel="stylesheet" href="https://cdn.example.net/p.css">
</body></html>`
	fetcher := newFakeFetcher(map[string]string{"https://cdn.example.net/p.css": css})
	e, doc := newEngine(t, src, "https://example.com/", fetcher)

	require.NoError(t, e.Start(context.Background()))
	settle(t, e)

	// 每个链接各注入一次
	assert.Len(t, doc.QueryAll(doc.Head(), "style"), 2)
	assert.LessOrEqual(t, fetcher.count("https://cdn.example.net/p.css"), 2)
}

func TestSettleHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	fetcher := FetcherFunc(func(ctx context.Context, _ string) (string, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return "", errors.New("blocked")
	})
	doc, err := dom.ParseString(`<html><head><link rel="stylesheet" href="https://cdn.example.net/slow.css"></head></html>`, "https://example.com/")
	require.NoError(t, err)
	e, err := New(testRule(t), doc, Options{Fetcher: fetcher})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Settle(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, e.Inflight())
}

func TestWalkSkipsNonContentNodes(t *testing.T) {
	doc, err := dom.ParseString(`<!DOCTYPE html><html><body><!-- c --><p>a<b>b</b></p></body></html>`, "")
	require.NoError(t, err)

	var visited []string
	Walk(doc.Root(), func(n *html.Node) {
		visited = append(visited, n.Data)
	})
	assert.Equal(t, []string{"html", "head", "body", "p", "a", "b", "b"}, visited)
}

func TestWalkDetachedSubtree(t *testing.T) {
	e, doc := newEngine(t, `<html><body></body></html>`, "", nil)
	nodes, err := doc.ParseFragment(`<div><img src="https://i.imgur.com/d.png"></div>`)
	require.NoError(t, err)

	assert.Equal(t, 1, e.walk(nodes[0]))
	assert.Equal(t, "https://imgur-uk.vercel.app/d.png", attr(nodes[0].FirstChild, "src"))
}

func TestWalkDeepTree(t *testing.T) {
	doc, err := dom.ParseString(`<html><body></body></html>`, "")
	require.NoError(t, err)
	parent := doc.Body()
	for i := 0; i < 20000; i++ {
		child := doc.CreateElement("div")
		parent.AppendChild(child)
		parent = child
	}
	parent.AppendChild(doc.CreateText("https://i.imgur.com/deep.png"))

	e, err := New(testRule(t), doc, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, e.Pass())
	assert.Equal(t, "https://imgur-uk.vercel.app/deep.png", parent.FirstChild.Data)
}

func TestPassReachesFixedPoint(t *testing.T) {
	fragments := rapid.SampledFrom([]string{
		`<img src="https://i.imgur.com/a.png">`,
		`<a href="//i.imgur.com/b">https://i.imgur.com/b</a>`,
		`<div style="background:url(i.imgur.com/c.png)"></div>`,
		`<img srcset="https://i.imgur.com/1.png 1x, https://i.imgur.com/2.png 2x">`,
		`<p>nothing here</p>`,
		`<!-- i.imgur.com -->`,
		`<span>i.i.imgur.com.com</span>`,
	})
	rapid.Check(t, func(rt *rapid.T) {
		body := strings.Join(rapid.SliceOf(fragments).Draw(rt, "body"), "")
		doc, err := dom.ParseString("<html><body>"+body+"</body></html>", "")
		if err != nil {
			rt.Fatal(err)
		}
		e, err := New(Rule{SourceHost: source, ProxyHost: proxy}, doc, Options{})
		if err != nil {
			rt.Fatal(err)
		}
		first := e.Pass()
		if !strings.Contains(body, source) && first != 0 {
			rt.Fatalf("wrote %d times to a clean document", first)
		}
		if again := e.Pass(); again != 0 {
			rt.Fatalf("second pass wrote %d times", again)
		}
	})
}
