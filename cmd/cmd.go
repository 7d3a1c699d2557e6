package cmd

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"

	"github.com/gogf/gf/v2/frame/g"
	"github.com/gogf/gf/v2/os/gcmd"
	"github.com/gogf/gf/v2/os/gfile"

	"imgurproxy/config"
	"imgurproxy/metrics"
	"imgurproxy/reverse"
	"imgurproxy/utils"
)

// rewriteUsage 是 rewrite 子命令的用法说明
const rewriteUsage = "imgurproxy rewrite FILE [-o OUTPUT] [-b BASE_URL] [-f]"

var (
	// Main 默认启动 HTTP 服务
	Main = gcmd.Command{
		Name:  "imgurproxy",
		Usage: "imgurproxy [serve|rewrite]",
		Brief: "imgur image proxy and page rewriter",
		Func:  serve,
	}

	// Serve 启动 HTTP 服务
	Serve = gcmd.Command{
		Name:  "serve",
		Usage: "imgurproxy serve",
		Brief: "start the http server",
		Func:  serve,
	}

	// Rewrite 离线改写本地文件
	Rewrite = gcmd.Command{
		Name:  "rewrite",
		Usage: rewriteUsage,
		Brief: "rewrite a local html or css file",
		Arguments: []gcmd.Argument{
			{Name: "output", Short: "o", Brief: "output file, defaults to stdout"},
			{Name: "base", Short: "b", Brief: "base url of the document"},
			{Name: "fetch", Short: "f", Brief: "fetch cross-origin stylesheets", Orphan: true},
		},
		Func: rewriteFile,
	}
)

func init() {
	if err := Main.AddCommand(&Serve, &Rewrite); err != nil {
		panic(err)
	}
}

func serve(ctx context.Context, parser *gcmd.Parser) error {
	s := g.Server()
	s.SetPort(config.PORT)
	s.Run()
	return nil
}

func rewriteFile(ctx context.Context, parser *gcmd.Parser) error {
	path := parser.GetArg(2).String()
	if path == "" {
		return fmt.Errorf("用法: %s", rewriteUsage)
	}
	if !gfile.Exists(path) {
		return fmt.Errorf("文件不存在: %s", path)
	}

	rule, err := config.Rule()
	if err != nil {
		return err
	}
	opts := config.EngineOptions(nil)
	if parser.GetOpt("fetch") != nil && utils.TlsClient != nil {
		opts.Fetcher = utils.NewStylesheetFetcher(utils.TlsClient, nil)
	}
	rewriter := &reverse.PageRewriter{
		Rule:          rule,
		Options:       opts,
		SettleTimeout: config.PageSettleTimeout,
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "text/html"
	}
	content, stats, err := rewriter.Rewrite(ctx, gfile.GetContents(path), contentType, parser.GetOpt("base", "").String())
	if err != nil {
		return err
	}
	metrics.ObserveEngine(stats)
	g.Log().Infof(ctx, "%s 改写完成: 写入 %d 处, 注入样式表 %d 个", path, stats.Writes, stats.Injected)

	if output := parser.GetOpt("output", "").String(); output != "" {
		return gfile.PutContents(output, content)
	}
	fmt.Print(content)
	return nil
}
