// Package storage 提供以相對路徑讀寫資料的儲存層
package storage

// ============================================================================
// 職責說明：
// 1. 將相對路徑解析到應用程式專屬的根目錄之下（afero BasePathFs）
// 2. 使用原子性寫入（temp file + rename）防止檔案損壞
// 3. 寫入時自動建立上層目錄
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrNotFound 檔案不存在
var ErrNotFound = errors.New("storage: file not found")

// Store 以相對路徑存取檔案
type Store struct {
	fs   afero.Fs
	root string
}

// Open 建立以 root 為根目錄的 Store，root 不存在時自動建立
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("storage: empty root directory")
	}
	// BasePathFs 以字串前綴檢查路徑，"." 之類的相對根目錄會拒絕所有檔案
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to resolve root %s: %w", root, err)
	}
	root = abs

	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: failed to create root %s: %w", root, err)
	}
	return &Store{fs: afero.NewBasePathFs(osFs, root), root: root}, nil
}

// NewWithFs 以任意 afero.Fs 建立 Store（測試用 afero.NewMemMapFs()）
func NewWithFs(fs afero.Fs) *Store {
	return &Store{fs: fs, root: "/"}
}

// Root 回傳根目錄
func (s *Store) Root() string {
	return s.root
}

// Resolve 回傳相對路徑在根目錄下的完整路徑（用於顯示）
func (s *Store) Resolve(path string) string {
	return filepath.Join(s.root, path)
}

// Read 讀取檔案內容
func (s *Store) Read(path string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("storage: failed to read %s: %w", path, err)
	}
	return data, nil
}

// Write 原子性寫入檔案
//
// 流程：
//  1. 建立上層目錄
//  2. 寫入臨時檔案（.tmp）
//  3. rename 覆蓋原始檔案
func (s *Store) Write(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("storage: failed to create directory %s: %w", dir, err)
		}
	}

	tmpPath := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("storage: failed to write temp file: %w", err)
	}

	if err := s.fs.Rename(tmpPath, path); err != nil {
		// 重新命名失敗，清理臨時檔案
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("storage: failed to rename %s: %w", path, err)
	}
	return nil
}

// Delete 刪除檔案
func (s *Store) Delete(path string) error {
	if err := s.fs.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("storage: failed to delete %s: %w", path, err)
	}
	return nil
}

// Exists 檢查檔案是否存在
func (s *Store) Exists(path string) bool {
	ok, err := afero.Exists(s.fs, path)
	return err == nil && ok
}
