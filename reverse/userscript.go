package reverse

import (
	"context"

	"github.com/gogf/gf/v2/encoding/gjson"
	"github.com/gogf/gf/v2/frame/g"

	"imgurproxy/rewrite"
)

// UserscriptVersion 生成的用户脚本版本
const UserscriptVersion = "0.2.0"

const userscriptHeader = `// ==UserScript==
// @name         Imgur Proxy
// @namespace    https://{{.proxy}}
// @version      {{.version}}
// @description  Rewrites {{.source}} references to {{.proxy}}
// @match        http://*/*
// @match        https://*/*
// @run-at       document-end
// @grant        none
{{- if .update_url}}
// @updateURL    {{.update_url}}
// @downloadURL  {{.update_url}}
{{- end}}
// @noframes
// ==/UserScript==

`

// 与 rewrite.Engine 的行为保持一致:
// 首轮完整遍历, 之后监听 body 的子树和四个属性
const liveScript = `(function () {
  'use strict';

  const FROM = {{.from}};
  const TO = {{.to}};
  const ATTRS = {{.attrs}};
  const MARK = {{.mark}};
  const LINKS = 'link[rel~="stylesheet" i][href]';
  const handled = new WeakMap();

  function rewrite(s) {
    return s.split(FROM).join(TO);
  }

  function rewriteNode(node) {
    if (node.nodeType === Node.ELEMENT_NODE) {
      for (const name of ATTRS) {
        const value = node.getAttribute(name);
        if (value && value.includes(FROM)) node.setAttribute(name, rewrite(value));
      }
    } else if (node.nodeType === Node.TEXT_NODE) {
      if (node.data.includes(FROM)) node.data = rewrite(node.data);
    }
  }

  function sheetText(link, href) {
    try {
      const rules = link.sheet && link.sheet.cssRules;
      if (rules) return Promise.resolve(Array.from(rules, r => r.cssText).join('\n'));
    } catch (e) {}
    return fetch(href).then(r => (r.ok ? r.text() : Promise.reject(new Error(String(r.status)))));
  }

  function rewriteStylesheet(link) {
    let url;
    try {
      url = new URL(link.getAttribute('href'), document.baseURI);
    } catch (e) {
      handled.delete(link);
      return;
    }
    if (url.protocol !== 'http:' && url.protocol !== 'https:') {
      handled.delete(link);
      return;
    }
    if (handled.get(link) === url.href) return;
    handled.set(link, url.href);

    sheetText(link, url.href)
      .then(text => {
        if (!link.isConnected || handled.get(link) !== url.href || !text.includes(FROM)) return;
        const style = document.createElement('style');
        style.setAttribute(MARK, url.href);
        style.textContent = rewrite(text);
        (document.head || document.documentElement).appendChild(style);
      })
      .catch(() => {});
  }

  function walk(root) {
    const stack = [root];
    while (stack.length) {
      const node = stack.pop();
      rewriteNode(node);
      for (let c = node.lastChild; c; c = c.previousSibling) stack.push(c);
    }
    if (root.nodeType !== Node.ELEMENT_NODE && root.nodeType !== Node.DOCUMENT_NODE) return;
    if (root.matches && root.matches(LINKS)) rewriteStylesheet(root);
    root.querySelectorAll(LINKS).forEach(rewriteStylesheet);
  }

  walk(document);

  new MutationObserver(mutations => {
    for (const m of mutations) {
      if (m.type === 'childList') {
        m.addedNodes.forEach(walk);
      } else if (m.type === 'attributes' && ATTRS.includes(m.attributeName)) {
        rewriteNode(m.target);
        if (m.attributeName === 'href' && m.target.matches && m.target.matches(LINKS)) {
          rewriteStylesheet(m.target);
        }
      }
    }
  }).observe(document.body || document.documentElement, {
    childList: true,
    subtree: true,
    attributes: true,
    attributeFilter: ATTRS,
  });
})();
`

// LiveScript 生成注入页面的实时改写脚本
func LiveScript(ctx context.Context, rule rewrite.Rule) (string, error) {
	return g.View().ParseContent(ctx, liveScript, g.Map{
		"from":  gjson.MustEncodeString(rule.SourceHost),
		"to":    gjson.MustEncodeString(rule.ProxyHost),
		"attrs": gjson.MustEncodeString(rewrite.SurfaceAttributes),
		"mark":  gjson.MustEncodeString(rewrite.InjectedAttr),
	})
}

// Userscript 生成可安装的用户脚本, updateURL 为空时不写更新地址
func Userscript(ctx context.Context, rule rewrite.Rule, updateURL string) (string, error) {
	header, err := g.View().ParseContent(ctx, userscriptHeader, g.Map{
		"source":     rule.SourceHost,
		"proxy":      rule.ProxyHost,
		"version":    UserscriptVersion,
		"update_url": updateURL,
	})
	if err != nil {
		return "", err
	}
	body, err := LiveScript(ctx, rule)
	if err != nil {
		return "", err
	}
	return header + body, nil
}
