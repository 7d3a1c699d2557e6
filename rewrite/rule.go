package rewrite

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidRule = errors.New("无效的替换规则")

// Rule 把 SourceHost 的所有出现替换为 ProxyHost
// 按字面子串匹配, 不解析 URL
type Rule struct {
	SourceHost string
	ProxyHost  string
}

// NewRule 创建并校验规则
func NewRule(sourceHost, proxyHost string) (Rule, error) {
	r := Rule{SourceHost: sourceHost, ProxyHost: proxyHost}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Validate 校验规则
// 替换结果中的源域名只能来自 ProxyHost 本身或 ProxyHost 与相邻文本的拼接,
// 排除这几种情况后 Apply 一次即可达到不动点
func (r Rule) Validate() error {
	switch {
	case r.SourceHost == "" || r.ProxyHost == "":
		return fmt.Errorf("%w: 源域名和代理域名都不能为空", ErrInvalidRule)
	case strings.Contains(r.ProxyHost, r.SourceHost):
		return fmt.Errorf("%w: 代理域名 %q 包含源域名 %q", ErrInvalidRule, r.ProxyHost, r.SourceHost)
	case strings.Contains(r.SourceHost, r.ProxyHost):
		return fmt.Errorf("%w: 源域名 %q 包含代理域名 %q", ErrInvalidRule, r.SourceHost, r.ProxyHost)
	case overlaps(r.ProxyHost, r.SourceHost) || overlaps(r.SourceHost, r.ProxyHost):
		return fmt.Errorf("%w: 代理域名 %q 与源域名 %q 首尾重叠", ErrInvalidRule, r.ProxyHost, r.SourceHost)
	}
	return nil
}

// overlaps a 的某个非空真后缀是否为 b 的前缀
func overlaps(a, b string) bool {
	for i := 1; i < len(a); i++ {
		if strings.HasPrefix(b, a[i:]) {
			return true
		}
	}
	return false
}

// Matches 判断 s 是否包含源域名
func (r Rule) Matches(s string) bool {
	return r.SourceHost != "" && strings.Contains(s, r.SourceHost)
}

// Apply 替换 s 中所有不重叠的源域名, 不包含时原样返回
func (r Rule) Apply(s string) string {
	if !r.Matches(s) {
		return s
	}
	return strings.ReplaceAll(s, r.SourceHost, r.ProxyHost)
}
