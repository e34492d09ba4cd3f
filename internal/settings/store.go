// Package settings はカメラごとの最後に使った入力形式とフレームレートを保存する
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// CameraSettings は1台のカメラについて保存される設定
type CameraSettings struct {
	InputFormatIndex *int `yaml:"input_format_index,omitempty" json:"inputFormatIndex,omitempty"`
	FrameRate        *int `yaml:"frame_rate,omitempty" json:"frameRate,omitempty"`
}

// Merge はnilでない項目でsを上書きした結果を返す
func (s CameraSettings) Merge(other CameraSettings) CameraSettings {
	if other.InputFormatIndex != nil {
		s.InputFormatIndex = other.InputFormatIndex
	}
	if other.FrameRate != nil {
		s.FrameRate = other.FrameRate
	}
	return s
}

// Store はデバイスパスをキーとしたYAMLファイルの設定ストア
// パスが空の場合はメモリ上だけで保持する
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	data map[string]CameraSettings
}

// Open は設定ファイルを読み込んでStoreを作成する
// ファイルが存在しない場合は空のStoreになる
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		logger: logger.With("component", "settings"),
		data:   make(map[string]CameraSettings),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path は設定ファイルのパスを返す
func (s *Store) Path() string {
	return s.path
}

// Get はデバイスの設定を返す
func (s *Store) Get(devicePath string) (CameraSettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, ok := s.data[devicePath]
	return settings, ok
}

// All はすべての設定のコピーを返す
func (s *Store) All() map[string]CameraSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]CameraSettings, len(s.data))
	for k, v := range s.data {
		result[k] = v
	}
	return result
}

// Save は設定をマージしてファイルに書き込む
func (s *Store) Save(update map[string]CameraSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for device, settings := range update {
		s.data[device] = s.data[device].Merge(settings)
	}

	if s.path == "" {
		return nil
	}
	return s.writeLocked()
}

// Reload はファイルから設定を読み直す
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	loaded := make(map[string]CameraSettings)
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}
	s.data = loaded
	return nil
}

// writeLocked は一時ファイルに書いてから置き換える
func (s *Store) writeLocked() error {
	data, err := yaml.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("設定のエンコードに失敗: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ディレクトリの作成に失敗: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("設定の書き込みに失敗: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("設定の書き込みに失敗: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("設定ファイルの置き換えに失敗: %w", err)
	}
	return nil
}

// Watch は設定ファイルの変更を監視し、変更があれば読み直す
// ctxがキャンセルされるまでブロックする
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("監視の開始に失敗: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	// 置き換えで書き込まれるのでディレクトリごと監視する
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ディレクトリの作成に失敗: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("監視の開始に失敗: %w", err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("設定の再読み込みに失敗", "error", err)
				continue
			}
			s.logger.Debug("設定を再読み込みしました", "path", s.path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("設定ファイルの監視でエラー", "error", err)
		}
	}
}
