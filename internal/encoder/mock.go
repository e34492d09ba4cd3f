package encoder

import (
	"context"
	"io"
	"sync"
)

// MockLauncher はテスト用のLauncher実装
// 起動したハンドルの生存数を数える
type MockLauncher struct {
	mu       sync.Mutex
	handles  []*MockHandle
	alive    int
	maxAlive int
	err      error

	launched chan *MockHandle
}

// NewMockLauncher は新しいMockLauncherを作成する
func NewMockLauncher() *MockLauncher {
	return &MockLauncher{
		launched: make(chan *MockHandle, 64),
	}
}

// Launch はMockHandleを作成する
func (m *MockLauncher) Launch(ctx context.Context, req Request) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}

	pr, pw := io.Pipe()
	h := &MockHandle{
		Request:  req,
		pr:       pr,
		pw:       pw,
		exited:   make(chan struct{}),
		launcher: m,
	}
	m.handles = append(m.handles, h)
	m.alive++
	if m.alive > m.maxAlive {
		m.maxAlive = m.alive
	}
	m.mu.Unlock()

	select {
	case m.launched <- h:
	default:
	}
	return h, nil
}

// SetError は以降のLaunchが返すエラーを設定する
func (m *MockLauncher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Launched は起動されたハンドルを順に受け取るチャンネル
func (m *MockLauncher) Launched() <-chan *MockHandle {
	return m.launched
}

// Alive は終了していないハンドルの数
func (m *MockLauncher) Alive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

// MaxAlive は同時に生存していたハンドル数の最大値
func (m *MockLauncher) MaxAlive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxAlive
}

// Handles は起動されたすべてのハンドル
func (m *MockLauncher) Handles() []*MockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*MockHandle, len(m.handles))
	copy(result, m.handles)
	return result
}

// MockHandle はテスト用のHandle実装
// Writeした内容がStdoutから読める
type MockHandle struct {
	Request Request

	pr *io.PipeReader
	pw *io.PipeWriter

	once     sync.Once
	exited   chan struct{}
	err      error
	stopped  bool
	launcher *MockLauncher
}

// Stdout はWriteされたデータを返すリーダー
func (h *MockHandle) Stdout() io.Reader {
	return h.pr
}

// Done は終了時にクローズされる
func (h *MockHandle) Done() <-chan struct{} {
	return h.exited
}

// Err は終了理由を返す
func (h *MockHandle) Err() error {
	select {
	case <-h.exited:
		return h.err
	default:
		return nil
	}
}

// Write はエンコーダーの出力を模擬する
func (h *MockHandle) Write(p []byte) (int, error) {
	return h.pw.Write(p)
}

// Stop は出力を破棄して終了する
func (h *MockHandle) Stop() error {
	h.finish(func() {
		h.stopped = true
		_ = h.pr.Close()
	}, nil)
	return nil
}

// Exit はプロセスの自発的な終了（クラッシュなど）を模擬する
// 読み取り側には残りのデータの後にEOFが届く
func (h *MockHandle) Exit(err error) {
	h.finish(func() {
		_ = h.pw.Close()
	}, err)
}

// Stopped はStopで終了したかどうかを返す
func (h *MockHandle) Stopped() bool {
	select {
	case <-h.exited:
		return h.stopped
	default:
		return false
	}
}

func (h *MockHandle) finish(closeFn func(), err error) {
	h.once.Do(func() {
		closeFn()
		h.err = err

		h.launcher.mu.Lock()
		h.launcher.alive--
		h.launcher.mu.Unlock()

		close(h.exited)
	})
}
