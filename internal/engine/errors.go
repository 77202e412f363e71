package engine

import (
	"errors"
	"fmt"
)

// ErrDirectoryUnavailable 表示无法建立缓存根目录，构造阶段致命且不重试。
var ErrDirectoryUnavailable = errors.New("cache directory unavailable")

// ErrNotSeeded 表示内存实现中未预置且无法回源的 Key。
var ErrNotSeeded = errors.New("payload not seeded")

// RemoteError 原样包装回源失败，本层不做任何重试或降级。
type RemoteError struct {
	Key string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote fetch failed for %s: %v", e.Key, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}
