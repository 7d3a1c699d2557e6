package utils

import (
	"errors"
	"fmt"
	"io"
)

// ErrBodyTooLarge 响应体超过大小上限
var ErrBodyTooLarge = errors.New("响应体超过大小上限")

// ReadLimited 最多读取 max 字节, 超出时返回 ErrBodyTooLarge 而不是截断
func ReadLimited(r io.Reader, max int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > max {
		return nil, fmt.Errorf("%w (%d 字节)", ErrBodyTooLarge, max)
	}
	return body, nil
}
