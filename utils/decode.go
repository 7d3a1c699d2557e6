package utils

import (
	"bytes"
	"compress/gzip"
	"io"
	"regexp"
	"strings"

	"github.com/andybalholm/brotli"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

var (
	charsetPattern     = regexp.MustCompile(`charset=([^;\s]+)`)
	metaCharsetPattern = regexp.MustCompile(`<meta[^>]+charset=["']?([^"'\s>]+)`)
	metaContentPattern = regexp.MustCompile(`<meta[^>]+content=["']?[^"'>]*charset=([^"'\s;>]+)`)
)

// Decompress 按 Content-Encoding 解压响应体, 失败时原样返回
func Decompress(bodyBytes []byte, contentEncoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		gzReader, err := gzip.NewReader(bytes.NewReader(bodyBytes))
		if err != nil {
			return bodyBytes
		}
		defer gzReader.Close()
		decompressed, err := io.ReadAll(gzReader)
		if err != nil {
			return bodyBytes
		}
		return decompressed
	case "br":
		brReader := brotli.NewReader(bytes.NewReader(bodyBytes))
		decompressed, err := io.ReadAll(brReader)
		if err != nil {
			return bodyBytes
		}
		return decompressed
	}
	return bodyBytes
}

// DecodeBody 根据Content-Type解码响应体
func DecodeBody(bodyBytes []byte, contentType string) string {
	// 默认使用UTF-8
	charset := "utf-8"

	// 从Content-Type中提取charset
	if contentType != "" {
		matches := charsetPattern.FindStringSubmatch(contentType)
		if len(matches) > 1 {
			charset = strings.Trim(strings.ToLower(strings.TrimSpace(matches[1])), `"'`)
		}
	}

	// 如果是UTF-8或者没有指定charset，直接转换
	if charset == "utf-8" || charset == "utf8" || charset == "" {
		return string(bodyBytes)
	}

	// 尝试使用指定的字符集解码
	enc, err := htmlindex.Get(charset)
	if err != nil {
		// 如果无法识别字符集，尝试从HTML内容中检测
		enc = detectCharsetFromHTML(bodyBytes)
		if enc == nil {
			return string(bodyBytes)
		}
	}

	reader := transform.NewReader(bytes.NewReader(bodyBytes), enc.NewDecoder())
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return string(bodyBytes)
	}

	return string(decoded)
}

// detectCharsetFromHTML 从HTML meta标签中检测字符集
func detectCharsetFromHTML(bodyBytes []byte) encoding.Encoding {
	content := string(bodyBytes[:min(len(bodyBytes), 2048)]) // 只检查前2KB

	// 匹配 <meta charset="xxx">
	if matches := metaCharsetPattern.FindStringSubmatch(content); len(matches) > 1 {
		if enc, err := htmlindex.Get(strings.ToLower(matches[1])); err == nil {
			return enc
		}
	}

	// 匹配 <meta http-equiv="Content-Type" content="text/html; charset=xxx">
	if matches := metaContentPattern.FindStringSubmatch(content); len(matches) > 1 {
		if enc, err := htmlindex.Get(strings.ToLower(matches[1])); err == nil {
			return enc
		}
	}

	return nil
}
