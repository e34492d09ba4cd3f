package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"rovercam/internal/camera"
	"rovercam/internal/encoder"
)

var (
	// ErrCameraNotFound は存在しないカメラ番号
	ErrCameraNotFound = errors.New("カメラが見つかりません")

	// ErrManagerNotStarted はStart前の操作
	ErrManagerNotStarted = errors.New("マネージャーが開始されていません")
)

// CameraInfo は検出済みのカメラ
type CameraInfo struct {
	Index   int             `json:"index"`
	Device  camera.Device   `json:"device"`
	Formats []camera.Format `json:"formats"`
}

// ManagerOptions はManagerの設定
type ManagerOptions struct {
	Session          Options
	NativeWidthLimit int // カメラ本来の解像度として扱う幅の上限
}

// Manager はカメラごとのSessionを管理する
//
// カメラの検出と入力形式の調査はStartで一度だけ行う。
// Sessionは最初に要求されたときに作成される。
type Manager struct {
	prober   camera.Prober
	launcher encoder.Launcher
	store    SettingsStore
	opts     ManagerOptions
	logger   *slog.Logger

	mu       sync.RWMutex
	cameras  []CameraInfo
	sessions map[int]*Session
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewManager は新しいManagerを作成する
func NewManager(prober camera.Prober, launcher encoder.Launcher, store SettingsStore, opts ManagerOptions, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		prober:   prober,
		launcher: launcher,
		store:    store,
		opts:     opts,
		logger:   logger.With("component", "manager"),
		sessions: make(map[int]*Session),
	}
}

// Start はカメラを検出し、各カメラの入力形式を調べる
func (m *Manager) Start(ctx context.Context) error {
	devices, err := m.prober.DiscoverDevices(ctx)
	if err != nil {
		return fmt.Errorf("カメラの検出に失敗: %w", err)
	}

	cameras := make([]CameraInfo, 0, len(devices))
	for i, device := range devices {
		device.NativeSize = device.NativeSize.LimitWidth(m.opts.NativeWidthLimit)

		formats, err := m.prober.ProbeFormats(ctx, device.Path)
		if err != nil {
			// 形式が分からなくても一覧には出す
			m.logger.Warn("入力形式の取得に失敗", "device", device.Path, "error", err)
		}
		formats = camera.SupportedFormats(formats)

		cameras = append(cameras, CameraInfo{Index: i, Device: device, Formats: formats})
		if len(formats) == 0 {
			m.logger.Warn("対応する入力形式が無いため使用できないカメラです",
				"index", i,
				"device", device.Path,
				"name", device.Name())
			continue
		}
		m.logger.Info("カメラを検出しました",
			"index", i,
			"device", device.Path,
			"name", device.Name(),
			"size", device.NativeSize.String(),
			"formats", len(formats))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cameras = cameras
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return nil
}

// Stop はすべてのSessionを終了する
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[int]*Session)
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	for _, session := range sessions {
		select {
		case <-session.Done():
		case <-ctx.Done():
			return fmt.Errorf("セッションの終了待ちが中断されました: %w", ctx.Err())
		}
	}
	return nil
}

// Cameras は検出済みのカメラ一覧を返す
func (m *Manager) Cameras() []CameraInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]CameraInfo, len(m.cameras))
	copy(result, m.cameras)
	return result
}

// Camera は指定された番号のカメラを返す
func (m *Manager) Camera(index int) (CameraInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if index < 0 || index >= len(m.cameras) {
		return CameraInfo{}, fmt.Errorf("%w: %d", ErrCameraNotFound, index)
	}
	return m.cameras[index], nil
}

// Session は指定された番号のカメラのSessionを返す
// まだ無ければ作成して開始する
func (m *Manager) Session(index int) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel == nil {
		return nil, ErrManagerNotStarted
	}
	if index < 0 || index >= len(m.cameras) {
		return nil, fmt.Errorf("%w: %d", ErrCameraNotFound, index)
	}
	if session, ok := m.sessions[index]; ok {
		return session, nil
	}

	info := m.cameras[index]
	session := NewSession(index, info.Device, info.Formats, m.launcher, m.store, m.opts.Session, m.logger)
	m.sessions[index] = session
	go session.Run(m.ctx)
	return session, nil
}

// Snapshot は指定された番号のカメラの状態を返す
// Sessionが無いカメラは待機中として扱う
func (m *Manager) Snapshot(index int) (Snapshot, error) {
	m.mu.RLock()
	session, ok := m.sessions[index]
	var info CameraInfo
	found := index >= 0 && index < len(m.cameras)
	if found {
		info = m.cameras[index]
	}
	m.mu.RUnlock()

	if !found {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrCameraNotFound, index)
	}
	if ok {
		return session.Snapshot(), nil
	}
	return Snapshot{
		Index:       index,
		Device:      info.Device.Path,
		Name:        info.Device.Name(),
		State:       StateIdle,
		Subscribers: []SubscriberStats{},
	}, nil
}

// Snapshots はすべてのカメラの状態を返す
func (m *Manager) Snapshots() []Snapshot {
	cameras := m.Cameras()
	result := make([]Snapshot, 0, len(cameras))
	for _, info := range cameras {
		snap, err := m.Snapshot(info.Index)
		if err != nil {
			continue
		}
		result = append(result, snap)
	}
	return result
}
