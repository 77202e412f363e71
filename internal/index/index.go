// Package index owns the key to cache-entry mapping and its persisted form.
// The in-memory map is the single source of truth for what is cached; the
// on-disk JSON file is a write-through copy reloaded wholesale at startup.
// Loading never fails (missing or corrupt files yield an empty index) and
// saving is best-effort, so a crashed or read-only process degrades to a
// cold cache rather than an error.
package index

import (
	"encoding/json"
	"errors"
	"io/fs"
	"path"
	"time"

	"github.com/spf13/afero"
)

// FileName 是缓存根目录下索引文件的固定名称。
const FileName = "index.json"

// Entry 记录单个缓存条目的元数据。StoragePath 为相对缓存根目录的正文文件名。
type Entry struct {
	CreatedAt   time.Time `json:"createdAt"`
	StoragePath string    `json:"storageLocation"`
}

// Store 负责 Key→Entry 映射的持久化读写，所有文件操作经由注入的 afero.Fs。
type Store struct {
	fs   afero.Fs
	root string
}

// NewStore 构造以 root 为缓存根目录的索引存储。
func NewStore(fsys afero.Fs, root string) *Store {
	return &Store{fs: fsys, root: root}
}

// Path 返回索引文件的完整路径。
func (s *Store) Path() string {
	return path.Join(s.root, FileName)
}

// Load 读取持久化索引。文件缺失或内容损坏时返回空索引，绝不报错，
// 损坏的索引等价于“从零开始”。
func (s *Store) Load() map[string]Entry {
	data, err := afero.ReadFile(s.fs, s.Path())
	if err != nil {
		return map[string]Entry{}
	}

	entries := map[string]Entry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return map[string]Entry{}
	}
	return entries
}

// Save 将完整索引原子落盘（临时文件 + rename），失败时返回错误但不影响
// 内存中索引的权威性，调用方仅做日志记录。
func (s *Store) Save(entries map[string]Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tempFile, err := afero.TempFile(s.fs, s.root, ".index-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		s.fs.Remove(tempName)
		return err
	}

	if err := s.fs.Rename(tempName, s.Path()); err != nil {
		s.fs.Remove(tempName)
		return err
	}
	return nil
}

// RemovePayload 删除条目正文文件；文件不存在不视为错误（尽力清理）。
func (s *Store) RemovePayload(entry Entry) error {
	if entry.StoragePath == "" {
		return nil
	}
	err := s.fs.Remove(path.Join(s.root, entry.StoragePath))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ReadPayload 读取条目正文。索引声称存在但文件缺失或不可读时返回错误，
// 由引擎按“自愈性未命中”处理。
func (s *Store) ReadPayload(entry Entry) ([]byte, error) {
	return afero.ReadFile(s.fs, path.Join(s.root, entry.StoragePath))
}

// WritePayload 以临时文件 + rename 的方式原子写入正文文件。
func (s *Store) WritePayload(name string, data []byte) error {
	tempFile, err := afero.TempFile(s.fs, s.root, ".payload-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		s.fs.Remove(tempName)
		return err
	}

	if err := s.fs.Rename(tempName, path.Join(s.root, name)); err != nil {
		s.fs.Remove(tempName)
		return err
	}
	return nil
}
