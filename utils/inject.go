package utils

import (
	"regexp"
	"strings"
)

var (
	cspMetaPattern       = regexp.MustCompile(`(?i)<meta[^>]*http-equiv\s*=\s*["']?Content-Security-Policy["']?[^>]*>`)
	cspReportMetaPattern = regexp.MustCompile(`(?i)<meta[^>]*http-equiv\s*=\s*["']?Content-Security-Policy-Report-Only["']?[^>]*>`)
	headPattern          = regexp.MustCompile(`(?i)<head(\s[^>]*)?>`)
	htmlPattern          = regexp.MustCompile(`(?i)<html(\s[^>]*)?>`)
)

// RemoveInlineCSP 移除 HTML 中的内嵌 CSP meta 标签
func RemoveInlineCSP(content string) string {
	content = cspMetaPattern.ReplaceAllString(content, "")
	content = cspReportMetaPattern.ReplaceAllString(content, "")
	return content
}

// InjectIntoHead 在 <head> 标签后插入 snippet（确保最早执行）
// 没有 head 时插在 html 标签后, 都没有时放在最前面
func InjectIntoHead(content string, snippet string) string {
	if loc := headPattern.FindStringIndex(content); loc != nil {
		return content[:loc[1]] + snippet + content[loc[1]:]
	}
	if loc := htmlPattern.FindStringIndex(content); loc != nil {
		return content[:loc[1]] + snippet + content[loc[1]:]
	}
	return snippet + content
}

// ScriptTag 包装为内联脚本
func ScriptTag(js string) string {
	// 防止脚本内容提前闭合标签
	js = strings.ReplaceAll(js, "</script", `<\/script`)
	return "<script>" + js + "</script>"
}
