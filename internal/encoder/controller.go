package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Launcher はエンコーダープロセスを起動する
type Launcher interface {
	Launch(ctx context.Context, req Request) (Handle, error)
}

// Controller は1台のカメラに対するエンコーダーの生存期間を管理する
// 同時に動くエンコーダーは常に高々1つ
type Controller struct {
	launcher Launcher
	logger   *slog.Logger

	mu       sync.Mutex
	current  Handle
	launches int
}

// NewController は新しいControllerを作成する
func NewController(launcher Launcher, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		launcher: launcher,
		logger:   logger,
	}
}

// Start は動作中のエンコーダーを停止してから新しいエンコーダーを起動する
func (c *Controller) Start(ctx context.Context, req Request) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()

	handle, err := c.launcher.Launch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("エンコーダーの起動に失敗: %w", err)
	}

	c.current = handle
	c.launches++
	return handle, nil
}

// Stop は動作中のエンコーダーを停止する
// 動作中のものが無ければ何もしない
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
}

// Release は終了したエンコーダーの後始末をする
// handleが現在のものだった場合はtrueを返す
func (c *Controller) Release(handle Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = handle.Stop()
	if c.current != handle {
		return false
	}
	c.current = nil
	return true
}

// Active はエンコーダーが動作中かどうかを返す
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current != nil
}

// Launches はこれまでに起動した回数を返す
func (c *Controller) Launches() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.launches
}

func (c *Controller) stopLocked() {
	if c.current == nil {
		return
	}
	if err := c.current.Stop(); err != nil {
		c.logger.Warn("エンコーダーの停止に失敗", "error", err)
	}
	c.current = nil
}
