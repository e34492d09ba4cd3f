package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rovercam/internal/camera"
	"rovercam/internal/encoder"
	"rovercam/internal/settings"
)

var errConnClosed = errors.New("接続は閉じています")

var testDevice = camera.Device{
	Path:       "/dev/video0",
	DriverName: "uvcvideo",
	CardType:   "USB Camera",
	NativeSize: camera.Size{Width: 640, Height: 360},
}

var (
	unitIDR    = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x21}
	unitNonIDR = []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9a, 0x02}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type written struct {
	messageType int
	data        []byte
}

// fakeConn はメモリ上のConn実装
type fakeConn struct {
	incoming chan []byte
	writes   chan written
	closed   chan struct{}
	once     sync.Once

	// gateがあると書き込みごとに1つ受け取るまで待つ
	gate    chan struct{}
	entered chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 64),
		writes:   make(chan written, 1024),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-c.closed:
			return errConnClosed
		}
	}
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.writes <- written{messageType: messageType, data: append([]byte(nil), data...)}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, action string, payload any) {
	t.Helper()
	data, err := EncodeMessage(action, payload)
	require.NoError(t, err)
	c.incoming <- data
}

func (c *fakeConn) next(t *testing.T) written {
	t.Helper()
	select {
	case w := <-c.writes:
		return w
	case <-time.After(3 * time.Second):
		t.Fatal("メッセージが届きません")
		return written{}
	}
}

func (c *fakeConn) expectAction(t *testing.T, action string) Message {
	t.Helper()
	w := c.next(t)
	require.Equal(t, websocket.TextMessage, w.messageType, "制御メッセージを期待しました")
	msg, err := DecodeMessage(w.data)
	require.NoError(t, err)
	require.Equal(t, action, msg.Action)
	return msg
}

func (c *fakeConn) expectFrame(t *testing.T) []byte {
	t.Helper()
	w := c.next(t)
	require.Equal(t, websocket.BinaryMessage, w.messageType, "フレームを期待しました: %s", w.data)
	return w.data
}

func (c *fakeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case w := <-c.writes:
		t.Fatalf("予期しないメッセージ: %d %s", w.messageType, w.data)
	case <-time.After(100 * time.Millisecond):
	}
}

// expectNegotiation はopen, initalize, stream_active:trueを順に受け取る
func (c *fakeConn) expectNegotiation(t *testing.T) (OpenPayload, InitializePayload) {
	t.Helper()
	var open OpenPayload
	require.NoError(t, json.Unmarshal(c.expectAction(t, ActionOpen).Payload, &open))
	var init InitializePayload
	require.NoError(t, json.Unmarshal(c.expectAction(t, ActionInitialize).Payload, &init))
	assert.JSONEq(t, "true", string(c.expectAction(t, ActionStreamActive).Payload))
	return open, init
}

func testFormats() []camera.Format {
	return camera.NewMockProber(testDevice).Formats[testDevice.Path]
}

func newTestSession(t *testing.T, store SettingsStore) (*Session, *encoder.MockLauncher) {
	t.Helper()
	launcher := encoder.NewMockLauncher()
	session := NewSession(0, testDevice, testFormats(), launcher, store, Options{SendQueue: 64}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go session.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-session.Done()
	})
	return session, launcher
}

func connect(t *testing.T, session *Session) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	go func() {
		_ = session.Serve(context.Background(), conn)
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitLaunch(t *testing.T, launcher *encoder.MockLauncher) *encoder.MockHandle {
	t.Helper()
	select {
	case h := <-launcher.Launched():
		return h
	case <-time.After(3 * time.Second):
		t.Fatal("エンコーダーが起動されません")
		return nil
	}
}

func waitState(t *testing.T, session *Session, state State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return session.Snapshot().State == state
	}, 3*time.Second, 10*time.Millisecond)
}

func intPtr(v int) *int {
	return &v
}

func TestSession_InfoOnConnect(t *testing.T) {
	session, launcher := newTestSession(t, nil)
	conn := connect(t, session)

	msg := conn.expectAction(t, ActionInfo)
	var info InfoPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &info))

	assert.Equal(t, camera.Size{Width: 640, Height: 360}, info.Size)
	assert.Equal(t, "uvcvideo(USB Camera)", info.CameraName)
	assert.Equal(t, testFormats(), info.FormatList)
	assert.Nil(t, info.InputFormatIndex)
	assert.Nil(t, info.FrameRate)

	// 接続しただけではエンコーダーは起動しない
	conn.expectNothing(t)
	assert.Empty(t, launcher.Handles())
	assert.Equal(t, StateIdle, session.Snapshot().State)
}

func TestSession_OpenRequest(t *testing.T) {
	session, launcher := newTestSession(t, nil)
	conn := connect(t, session)
	conn.expectAction(t, ActionInfo)

	conn.send(t, ActionOpenRequest, map[string]any{"width": 400})

	open, init := conn.expectNegotiation(t)
	// 既定は最初のMJPEG
	assert.Equal(t, OpenPayload{InputFormatIndex: 2, FrameRate: 30}, open)
	assert.Equal(t, camera.Size{Width: 416, Height: 256}, init.Size)
	assert.Equal(t, "uvcvideo(USB Camera)", init.CameraName)

	handle := waitLaunch(t, launcher)
	assert.Equal(t, encoder.Request{
		Device:    "/dev/video0",
		Input:     testFormats()[2],
		FrameRate: 30,
		Output:    camera.Size{Width: 416, Height: 256},
	}, handle.Request)

	go func() {
		_, _ = handle.Write(append(append([]byte{}, unitIDR...), unitNonIDR...))
	}()
	assert.Equal(t, unitIDR, conn.expectFrame(t))

	waitState(t, session, StateActive)
	snap := session.Snapshot()
	require.NotNil(t, snap.Params)
	assert.Equal(t, camera.Size{Width: 416, Height: 256}, snap.Params.Output)
	assert.Equal(t, 400, snap.Params.RequestedWidth)
	assert.Equal(t, 1, snap.Launches)
	require.Eventually(t, func() bool {
		s := session.Snapshot()
		return s.Units == 1 && s.Keyframes == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSession_OpenRequestParameters(t *testing.T) {
	testCases := []struct {
		name      string
		payload   any
		wantOpen  OpenPayload
		wantWidth int
	}{
		{
			name:      "ペイロードなし",
			payload:   nil,
			wantOpen:  OpenPayload{InputFormatIndex: 2, FrameRate: 30},
			wantWidth: 416,
		},
		{
			name:      "形式とフレームレートを指定",
			payload:   map[string]any{"width": 200, "inputFormatIndex": 0, "frameRate": 15},
			wantOpen:  OpenPayload{InputFormatIndex: 0, FrameRate: 15},
			wantWidth: 224,
		},
		{
			name:      "fpsでも指定できる",
			payload:   map[string]any{"fps": 10},
			wantOpen:  OpenPayload{InputFormatIndex: 2, FrameRate: 10},
			wantWidth: 416,
		},
		{
			name:      "範囲外の形式番号は既定値",
			payload:   map[string]any{"inputFormatIndex": 99},
			wantOpen:  OpenPayload{InputFormatIndex: 2, FrameRate: 30},
			wantWidth: 416,
		},
		{
			name:      "負の形式番号も既定値",
			payload:   map[string]any{"inputFormatIndex": -1},
			wantOpen:  OpenPayload{InputFormatIndex: 2, FrameRate: 30},
			wantWidth: 416,
		},
		{
			name:      "幅は上限で切られる",
			payload:   map[string]any{"width": 5000.7},
			wantOpen:  OpenPayload{InputFormatIndex: 2, FrameRate: 30},
			wantWidth: 640,
		},
		{
			name:      "intに収まらない幅も上限で切られる",
			payload:   map[string]any{"width": 1e19},
			wantOpen:  OpenPayload{InputFormatIndex: 2, FrameRate: 30},
			wantWidth: 640,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			session, launcher := newTestSession(t, nil)
			conn := connect(t, session)
			conn.expectAction(t, ActionInfo)

			conn.send(t, ActionOpenRequest, tc.payload)
			open, init := conn.expectNegotiation(t)
			assert.Equal(t, tc.wantOpen, open)
			assert.Equal(t, tc.wantWidth, init.Size.Width)
			assert.Zero(t, init.Size.Height%encoder.Alignment)

			handle := waitLaunch(t, launcher)
			assert.Equal(t, tc.wantOpen.FrameRate, handle.Request.FrameRate)
			assert.Equal(t, testFormats()[tc.wantOpen.InputFormatIndex], handle.Request.Input)
		})
	}
}

func TestSession_StoredSettings(t *testing.T) {
	store, err := settings.Open("", nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(map[string]settings.CameraSettings{
		testDevice.Path: {InputFormatIndex: intPtr(1), FrameRate: intPtr(15)},
	}))

	session, _ := newTestSession(t, store)
	conn := connect(t, session)

	var info InfoPayload
	require.NoError(t, json.Unmarshal(conn.expectAction(t, ActionInfo).Payload, &info))
	require.NotNil(t, info.InputFormatIndex)
	require.NotNil(t, info.FrameRate)
	assert.Equal(t, 1, *info.InputFormatIndex)
	assert.Equal(t, 15, *info.FrameRate)

	// 指定が無ければ保存済みの値を使う
	conn.send(t, ActionOpenRequest, map[string]any{"width": 320})
	open, _ := conn.expectNegotiation(t)
	assert.Equal(t, OpenPayload{InputFormatIndex: 1, FrameRate: 15}, open)

	// 指定した値は保存される
	conn.send(t, ActionOpenRequest, map[string]any{"frameRate": 5})
	open, _ = conn.expectNegotiation(t)
	assert.Equal(t, OpenPayload{InputFormatIndex: 1, FrameRate: 5}, open)

	require.Eventually(t, func() bool {
		got, ok := store.Get(testDevice.Path)
		return ok && got.FrameRate != nil && *got.FrameRate == 5 && *got.InputFormatIndex == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSession_SubscribersShareNegotiation(t *testing.T) {
	session, launcher := newTestSession(t, nil)
	a := connect(t, session)
	a.expectAction(t, ActionInfo)
	b := connect(t, session)
	b.expectAction(t, ActionInfo)

	a.send(t, ActionOpenRequest, map[string]any{"width": 400})
	_, initA := a.expectNegotiation(t)
	_, initB := b.expectNegotiation(t)
	assert.Equal(t, initA, initB)
	first := waitLaunch(t, launcher)

	// 後からの要求で全員のパラメータが変わる
	b.send(t, ActionOpenRequest, map[string]any{"width": 200})
	_, initA = a.expectNegotiation(t)
	_, initB = b.expectNegotiation(t)
	assert.Equal(t, camera.Size{Width: 224, Height: 128}, initA.Size)
	assert.Equal(t, initA, initB)

	second := waitLaunch(t, launcher)
	require.Eventually(t, first.Stopped, 3*time.Second, 10*time.Millisecond)
	assert.False(t, second.Stopped())
	assert.Equal(t, 1, launcher.Alive())
	assert.Equal(t, 1, launcher.MaxAlive())

	go func() {
		_, _ = second.Write(append(append([]byte{}, unitIDR...), unitNonIDR...))
	}()
	assert.Equal(t, unitIDR, a.expectFrame(t))
	assert.Equal(t, unitIDR, b.expectFrame(t))
}

func TestSession_LateJoinerReceivesParameters(t *testing.T) {
	session, launcher := newTestSession(t, nil)
	a := connect(t, session)
	a.expectAction(t, ActionInfo)
	a.send(t, ActionOpenRequest, map[string]any{"width": 400})
	_, initA := a.expectNegotiation(t)
	handle := waitLaunch(t, launcher)

	b := connect(t, session)
	b.expectAction(t, ActionInfo)
	_, initB := b.expectNegotiation(t)
	assert.Equal(t, initA, initB)

	go func() {
		_, _ = handle.Write(append(append([]byte{}, unitIDR...), unitNonIDR...))
	}()
	assert.Equal(t, unitIDR, b.expectFrame(t))
	assert.Equal(t, 1, session.Snapshot().Launches)
}

// release はgate付きの接続でn回分の書き込みを通す
func (c *fakeConn) release(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		waitEntered(t, c)
		c.gate <- struct{}{}
	}
}

func TestSession_StalledSubscriberDoesNotBlockOthers(t *testing.T) {
	session, launcher := newTestSession(t, nil)

	stalled := newFakeConn()
	stalled.gate = make(chan struct{})
	stalled.entered = make(chan struct{}, 16)
	go func() {
		_ = session.Serve(context.Background(), stalled)
	}()
	t.Cleanup(func() { _ = stalled.Close() })

	stalled.release(t, 1)
	stalled.expectAction(t, ActionInfo)
	stalled.send(t, ActionOpenRequest, map[string]any{"width": 400})
	stalled.release(t, 3)
	stalled.expectNegotiation(t)
	handle := waitLaunch(t, launcher)

	healthy := connect(t, session)
	healthy.expectAction(t, ActionInfo)
	healthy.expectNegotiation(t)

	// stalledは以降の書き込みを通さない
	go func() {
		for i := 0; i < 20; i++ {
			if _, err := handle.Write(unitIDR); err != nil {
				return
			}
		}
	}()

	assert.Equal(t, unitIDR, healthy.expectFrame(t))
	require.Eventually(t, func() bool {
		var stalledStats, healthyStats *SubscriberStats
		for _, st := range session.Snapshot().Subscribers {
			switch {
			case st.Sent == 0 && st.Dropped > 0:
				stalledStats = &st
			case st.Sent > 0:
				healthyStats = &st
			}
		}
		return stalledStats != nil && healthyStats != nil
	}, 3*time.Second, 10*time.Millisecond)

	// 詰まった視聴者には新しいフレームが届いていない
	stalled.expectNothing(t)
	assert.Equal(t, StateActive, session.Snapshot().State)
}

func TestSession_StopsEncoderWithoutSubscribers(t *testing.T) {
	session, launcher := newTestSession(t, nil)
	a := connect(t, session)
	a.expectAction(t, ActionInfo)
	a.send(t, ActionOpenRequest, nil)
	a.expectNegotiation(t)
	first := waitLaunch(t, launcher)

	require.NoError(t, a.Close())
	require.Eventually(t, first.Stopped, 3*time.Second, 10*time.Millisecond)
	waitState(t, session, StateIdle)
	assert.Nil(t, session.Snapshot().Params)
	assert.Empty(t, session.Snapshot().Subscribers)

	// 新しい視聴者の要求で再び起動する
	b := connect(t, session)
	b.expectAction(t, ActionInfo)
	b.send(t, ActionOpenRequest, nil)
	b.expectNegotiation(t)
	second := waitLaunch(t, launcher)
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, launcher.MaxAlive())
}

func TestSession_EncoderExit(t *testing.T) {
	session, launcher := newTestSession(t, nil)
	conn := connect(t, session)
	conn.expectAction(t, ActionInfo)
	conn.send(t, ActionOpenRequest, nil)
	conn.expectNegotiation(t)
	handle := waitLaunch(t, launcher)

	handle.Exit(errors.New("segmentation fault"))

	msg := conn.expectAction(t, ActionStreamActive)
	assert.JSONEq(t, "false", string(msg.Payload))
	waitState(t, session, StateIdle)
	assert.Nil(t, session.Snapshot().Params)

	// 自動では再起動しない
	select {
	case h := <-launcher.Launched():
		t.Fatalf("予期しない再起動: %+v", h.Request)
	case <-time.After(100 * time.Millisecond):
	}

	// 視聴者は接続したまま次の要求を出せる
	conn.send(t, ActionOpenRequest, nil)
	conn.expectNegotiation(t)
	waitLaunch(t, launcher)
}

func TestSession_TrailingUnitOnExit(t *testing.T) {
	session, launcher := newTestSession(t, nil)
	conn := connect(t, session)
	conn.expectAction(t, ActionInfo)
	conn.send(t, ActionOpenRequest, nil)
	conn.expectNegotiation(t)
	handle := waitLaunch(t, launcher)

	_, err := handle.Write(unitIDR)
	require.NoError(t, err)
	handle.Exit(nil)

	// 終了前に書かれた最後のユニットも届く
	assert.Equal(t, unitIDR, conn.expectFrame(t))
	conn.expectAction(t, ActionStreamActive)
}

func TestSession_LaunchFailure(t *testing.T) {
	session, launcher := newTestSession(t, nil)
	launcher.SetError(errors.New("ffmpegが見つかりません"))

	conn := connect(t, session)
	conn.expectAction(t, ActionInfo)
	conn.send(t, ActionOpenRequest, nil)

	conn.expectNegotiation(t)
	msg := conn.expectAction(t, ActionStreamActive)
	assert.JSONEq(t, "false", string(msg.Payload))
	waitState(t, session, StateIdle)
	assert.Equal(t, 0, launcher.Alive())
}

func TestSession_NoFormats(t *testing.T) {
	launcher := encoder.NewMockLauncher()
	session := NewSession(0, testDevice, nil, launcher, nil, Options{}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	conn := connect(t, session)
	var info InfoPayload
	require.NoError(t, json.Unmarshal(conn.expectAction(t, ActionInfo).Payload, &info))
	assert.NotNil(t, info.FormatList)
	assert.Empty(t, info.FormatList)

	conn.send(t, ActionOpenRequest, nil)
	msg := conn.expectAction(t, ActionStreamActive)
	assert.JSONEq(t, "false", string(msg.Payload))
	assert.Empty(t, launcher.Handles())
}

func TestSession_IgnoresInvalidMessages(t *testing.T) {
	session, launcher := newTestSession(t, nil)
	conn := connect(t, session)
	conn.expectAction(t, ActionInfo)

	conn.incoming <- []byte("not json")
	conn.incoming <- []byte(`{"payload":{}}`)
	conn.send(t, "unknown-action", map[string]any{"x": 1})
	conn.incoming <- []byte(`{"action":"open-request","payload":{"width":"wide"}}`)
	conn.expectNothing(t)

	// 接続は維持されている
	conn.send(t, ActionOpenRequest, nil)
	conn.expectNegotiation(t)
	waitLaunch(t, launcher)
}

func TestSession_ConcurrentOpenRequests(t *testing.T) {
	session, launcher := newTestSession(t, nil)

	const viewers = 5
	const requests = 4
	conns := make([]*fakeConn, viewers)
	for i := range conns {
		conns[i] = connect(t, session)
		conns[i].expectAction(t, ActionInfo)
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *fakeConn) {
			defer wg.Done()
			for i := 0; i < requests; i++ {
				data, _ := EncodeMessage(ActionOpenRequest, map[string]any{"width": 100 * (i + 1)})
				conn.incoming <- data
			}
		}(conn)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return session.Snapshot().Launches == viewers*requests
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, launcher.MaxAlive())
	assert.Equal(t, 1, launcher.Alive())
	waitState(t, session, StateActive)
}

func TestSession_StaleOutputDiscarded(t *testing.T) {
	session, launcher := newTestSession(t, nil)
	conn := connect(t, session)
	conn.expectAction(t, ActionInfo)

	conn.send(t, ActionOpenRequest, map[string]any{"width": 400})
	conn.expectNegotiation(t)
	first := waitLaunch(t, launcher)

	conn.send(t, ActionOpenRequest, map[string]any{"width": 200})
	conn.expectNegotiation(t)
	second := waitLaunch(t, launcher)
	require.Eventually(t, first.Stopped, 3*time.Second, 10*time.Millisecond)

	// 停止済みのエンコーダーには書けない
	_, err := first.Write(unitNonIDR)
	assert.Error(t, err)

	go func() {
		_, _ = second.Write(append(append([]byte{}, unitIDR...), unitNonIDR...))
	}()
	assert.Equal(t, unitIDR, conn.expectFrame(t))
}

func TestSession_ShutdownClosesSubscribers(t *testing.T) {
	launcher := encoder.NewMockLauncher()
	session := NewSession(0, testDevice, testFormats(), launcher, nil, Options{}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go session.Run(ctx)

	conn := newFakeConn()
	served := make(chan error, 1)
	go func() {
		served <- session.Serve(context.Background(), conn)
	}()
	conn.expectAction(t, ActionInfo)
	conn.send(t, ActionOpenRequest, nil)
	conn.expectNegotiation(t)
	handle := waitLaunch(t, launcher)

	cancel()
	<-session.Done()

	assert.True(t, handle.Stopped())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serveが終了しません")
	}

	// 終了後の接続はすぐに拒否される
	err := session.Serve(context.Background(), newFakeConn())
	assert.ErrorIs(t, err, ErrSessionClosed)
}
