package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gogf/gf/v2/frame/g"
)

// Meta 缓存元数据
type Meta struct {
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	CacheControl string    `json:"cache_control,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Fresh 是否仍在有效期内
func (m *Meta) Fresh(ttl time.Duration) bool {
	if m == nil || m.FetchedAt.IsZero() {
		return false
	}
	return time.Since(m.FetchedAt) < ttl
}

// Storage 图片缓存存储接口
type Storage interface {
	// Load 加载缓存, 不存在时返回 nil, nil, nil
	Load(ctx context.Context, key string) (*Meta, []byte, error)
	// Save 保存内容和元数据
	Save(ctx context.Context, key string, meta *Meta, body []byte) error
	// Touch 更新获取时间 (上游返回 304 时)
	Touch(ctx context.Context, key string) error
}

// Key 由图片路径生成缓存文件名
func Key(path string) string {
	h := sha256.Sum256([]byte(path))
	return hex.EncodeToString(h[:])
}

// FileStorage 文件存储实现
// <key>.bin 保存内容, <key>.json 保存元数据
type FileStorage struct {
	Dir   string
	mutex sync.RWMutex
}

// NewFileStorage 创建文件存储
func NewFileStorage(dir string) *FileStorage {
	if dir == "" {
		dir = "./cache"
	}
	return &FileStorage{Dir: dir}
}

func (s *FileStorage) bodyPath(key string) string { return filepath.Join(s.Dir, key+".bin") }

func (s *FileStorage) metaPath(key string) string { return filepath.Join(s.Dir, key+".json") }

// Load 从文件加载缓存
func (s *FileStorage) Load(ctx context.Context, key string) (*Meta, []byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	metaData, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("读取缓存元数据失败: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, nil, fmt.Errorf("解析缓存元数据失败: %w", err)
	}

	body, err := os.ReadFile(s.bodyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			// 只有元数据没有内容, 视为没有缓存
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("读取缓存内容失败: %w", err)
	}
	return &meta, body, nil
}

// Save 先写临时文件再重命名, 避免读到写了一半的内容
func (s *FileStorage) Save(ctx context.Context, key string, meta *Meta, body []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("创建缓存目录失败: %w", err)
	}
	if err := writeAtomic(s.bodyPath(key), body); err != nil {
		return fmt.Errorf("写入缓存内容失败: %w", err)
	}
	if meta.FetchedAt.IsZero() {
		meta.FetchedAt = time.Now()
	}
	if err := s.saveMeta(key, meta); err != nil {
		return err
	}

	g.Log().Debug(ctx, "已缓存:", key)
	return nil
}

// Touch 更新获取时间
func (s *FileStorage) Touch(ctx context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	metaData, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		return fmt.Errorf("读取缓存元数据失败: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return fmt.Errorf("解析缓存元数据失败: %w", err)
	}
	meta.FetchedAt = time.Now()
	return s.saveMeta(key, &meta)
}

func (s *FileStorage) saveMeta(key string, meta *Meta) error {
	jsonData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化缓存元数据失败: %w", err)
	}
	if err := writeAtomic(s.metaPath(key), jsonData); err != nil {
		return fmt.Errorf("写入缓存元数据失败: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
