package storage

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const diskItemExt = ".item"

// DiskStorageConfig 磁盘存储配置
type DiskStorageConfig struct {
	BaseDir string `yaml:"base_dir"` // 存储文件目录，为空时使用系统临时目录
	Quota   int64  `yaml:"quota"`    // 键和值的总字节数上限，<=0 表示不限制
}

// DiskStorage 每个键一个文件的磁盘存储实现。
// 文件名是键的 sha256，长 URL 也不会超出文件名长度限制；
// 文件首行保存键的十六进制编码，之后是值。写入先落临时文件再重命名。
type DiskStorage struct {
	mu     sync.RWMutex
	dir    string
	config DiskStorageConfig
	sizes  map[string]int64
	used   int64
	closed bool
}

// NewDiskStorage 创建磁盘存储实例，并加载现有文件的大小索引
func NewDiskStorage(config DiskStorageConfig) (*DiskStorage, error) {
	if config.BaseDir == "" {
		config.BaseDir = filepath.Join(os.TempDir(), "brightlens_storage")
	}
	if err := os.MkdirAll(config.BaseDir, 0o755); err != nil {
		return nil, WrapStorageError(ErrStorageIO, "创建存储目录失败", err)
	}

	ds := &DiskStorage{
		dir:    config.BaseDir,
		config: config,
		sizes:  make(map[string]int64),
	}
	if err := ds.loadIndex(); err != nil {
		return nil, err
	}
	return ds, nil
}

// GetItem 从磁盘读取一个键
func (ds *DiskStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.closed {
		return "", false, ClosedError()
	}
	data, err := os.ReadFile(ds.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, WrapStorageError(ErrStorageIO, "读取文件失败", err)
	}
	header, value, found := bytes.Cut(data, []byte{'\n'})
	if !found || string(header) != hex.EncodeToString([]byte(key)) {
		return "", false, nil
	}
	return string(value), true, nil
}

// SetItem 向磁盘写入一个键
func (ds *DiskStorage) SetItem(ctx context.Context, key, value string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return ClosedError()
	}

	size := itemSize(key, value)
	used := ds.used + size - ds.sizes[key]
	if ds.config.Quota > 0 && used > ds.config.Quota {
		return QuotaExceededError()
	}

	path := ds.path(key)
	tempFile := fmt.Sprintf("%s.tmp", path)
	if err := os.WriteFile(tempFile, encodeDiskItem(key, value), 0o644); err != nil {
		return WrapStorageError(ErrStorageIO, "写入临时文件失败", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		_ = os.Remove(tempFile)
		return WrapStorageError(ErrStorageIO, "重命名文件失败", err)
	}

	ds.sizes[key] = size
	ds.used = used
	return nil
}

// RemoveItem 删除一个键对应的文件
func (ds *DiskStorage) RemoveItem(ctx context.Context, key string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return ClosedError()
	}
	if err := os.Remove(ds.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return WrapStorageError(ErrStorageIO, "删除文件失败", err)
	}
	ds.used -= ds.sizes[key]
	delete(ds.sizes, key)
	return nil
}

// Keys 列出带指定前缀的键
func (ds *DiskStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.closed {
		return nil, ClosedError()
	}
	keys := make([]string, 0, len(ds.sizes))
	for k := range ds.sizes {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close 关闭磁盘存储
func (ds *DiskStorage) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.closed = true
	return nil
}

// Dir 返回存储目录
func (ds *DiskStorage) Dir() string {
	return ds.dir
}

func (ds *DiskStorage) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(ds.dir, hex.EncodeToString(sum[:])+diskItemExt)
}

func encodeDiskItem(key, value string) []byte {
	header := hex.EncodeToString([]byte(key))
	buf := make([]byte, 0, len(header)+1+len(value))
	buf = append(buf, header...)
	buf = append(buf, '\n')
	return append(buf, value...)
}

// readDiskKey 读取文件首行中的键，返回键和首行占用的字节数
func readDiskKey(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		return "", 0, err
	}
	raw, err := hex.DecodeString(strings.TrimSuffix(line, "\n"))
	if err != nil {
		return "", 0, err
	}
	return string(raw), int64(len(line)), nil
}

// loadIndex 扫描目录，从文件首行恢复键并重建大小索引；无法识别的文件被忽略
func (ds *DiskStorage) loadIndex() error {
	files, err := os.ReadDir(ds.dir)
	if err != nil {
		return WrapStorageError(ErrStorageIO, "读取存储目录失败", err)
	}

	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, diskItemExt) {
			continue
		}
		path := filepath.Join(ds.dir, name)
		key, headerLen, err := readDiskKey(path)
		if err != nil || ds.path(key) != path {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		size := int64(len(key)) + info.Size() - headerLen
		ds.sizes[key] = size
		ds.used += size
	}
	return nil
}

var _ Storage = (*DiskStorage)(nil)
