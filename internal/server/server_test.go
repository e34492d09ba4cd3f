package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"rovercam/internal/api"
	"rovercam/internal/audio"
	"rovercam/internal/camera"
	"rovercam/internal/config"
	"rovercam/internal/encoder"
	"rovercam/internal/settings"
	"rovercam/internal/stream"

	"github.com/Comcast/gots/v2/packet"
	"github.com/Comcast/gots/v2/psi"
	"github.com/asticode/go-astits"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

const amixerOutput = "Mono: Playback -2000 [73%] [-20.00dB] [on]\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAudioRunner はaplayとamixerの呼び出しを記録する
type fakeAudioRunner struct {
	mu       sync.Mutex
	commands []string
}

type finishedProcess struct{}

func (finishedProcess) Wait() error { return nil }

func (finishedProcess) Kill() error { return nil }

func (r *fakeAudioRunner) Start(_ context.Context, name string, args []string, _ []byte) (audio.Process, error) {
	r.record(name, args)
	return finishedProcess{}, nil
}

func (r *fakeAudioRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	r.record(name, args)
	return []byte(amixerOutput), nil
}

func (r *fakeAudioRunner) record(name string, args []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, name+" "+strings.Join(args, " "))
}

func (r *fakeAudioRunner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	manager  *stream.Manager
	launcher *encoder.MockLauncher
	store    *settings.Store
	runner   *fakeAudioRunner
	player   *audio.Player
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := discardLogger()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Settings.Path = ""
	cfg.Settings.Watch = false

	store, err := settings.Open("", logger)
	require.NoError(t, err)

	launcher := encoder.NewMockLauncher()
	manager := stream.NewManager(camera.NewMockProber(testDevice), launcher, store, stream.ManagerOptions{
		Session:          stream.Options{SendQueue: 64},
		NativeWidthLimit: 640,
	}, logger)
	require.NoError(t, manager.Start(context.Background()))

	runner := &fakeAudioRunner{}
	player := audio.NewPlayer(runner, audio.Options{
		MediaDir: t.TempDir(),
		CacheDir: t.TempDir(),
		Gap:      time.Millisecond,
	}, logger)

	srv := New(cfg, Dependencies{
		Manager: manager,
		Store:   store,
		Player:  player,
		Mixer:   audio.NewMixer(runner, "", ""),
		Logger:  logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = manager.Stop(ctx)
	})

	return &testEnv{
		server:   srv,
		http:     ts,
		manager:  manager,
		launcher: launcher,
		store:    store,
		runner:   runner,
		player:   player,
	}
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func readAction(t *testing.T, conn *websocket.Conn, action string) stream.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType, "制御メッセージを期待しました")
	msg, err := stream.DecodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, action, msg.Action)
	return msg
}

func sendOpenRequest(t *testing.T, conn *websocket.Conn, payload any) {
	t.Helper()
	data, err := stream.EncodeMessage(stream.ActionOpenRequest, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func waitLaunch(t *testing.T, launcher *encoder.MockLauncher) *encoder.MockHandle {
	t.Helper()
	select {
	case h := <-launcher.Launched():
		return h
	case <-time.After(3 * time.Second):
		t.Fatal("エンコーダーが起動しません")
		return nil
	}
}

// openStream はWebSocketで接続して配信を開始する
func openStream(t *testing.T, env *testEnv, path string) (*websocket.Conn, *encoder.MockHandle) {
	t.Helper()
	conn := env.dial(t, path)
	readAction(t, conn, stream.ActionInfo)

	sendOpenRequest(t, conn, map[string]any{"width": 400})
	readAction(t, conn, stream.ActionOpen)
	msg := readAction(t, conn, stream.ActionInitialize)
	var init stream.InitializePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &init))
	assert.Equal(t, camera.Size{Width: 416, Height: 256}, init.Size)
	readAction(t, conn, stream.ActionStreamActive)

	return conn, waitLaunch(t, env.launcher)
}

func TestServerEndpoints(t *testing.T) {
	env := newTestEnv(t)

	testCases := []struct {
		name           string
		endpoint       string
		expectedStatus int
	}{
		{"ルートエンドポイント", "/", http.StatusOK},
		{"ヘルスチェックエンドポイント", "/health", http.StatusOK},
		{"ステータスエンドポイント", "/api/status", http.StatusOK},
		{"API定義", "/api/openapi.yaml", http.StatusOK},
		{"カメラ一覧", "/api/cameras", http.StatusOK},
		{"カメラ詳細", "/api/cameras/0", http.StatusOK},
		{"存在しないカメラ", "/api/cameras/3", http.StatusNotFound},
		{"数値でないカメラ番号", "/api/cameras/front", http.StatusBadRequest},
		{"存在しないパス", "/no-such-path", http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, tc.endpoint, "", nil)
			if resp.StatusCode != tc.expectedStatus {
				t.Errorf("予期しないステータスコード: got %d, want %d", resp.StatusCode, tc.expectedStatus)
			}
		})
	}
}

func TestServer_ErrorResponse(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/cameras/3", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeJSON[api.ErrorResponse](t, resp)
	assert.Equal(t, "camera_not_found", body.Error)
	assert.NotEmpty(t, body.Message)
	assert.False(t, body.Timestamp.IsZero())
}

func TestServer_Cameras(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/cameras", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON[api.CamerasResponse](t, resp)

	require.Len(t, body.Cameras, 1)
	cam := body.Cameras[0]
	assert.Equal(t, 0, cam.Index)
	assert.Equal(t, "uvcvideo(USB Camera)", cam.Name)
	assert.Equal(t, "/dev/video0", cam.Device)
	assert.Equal(t, api.Size{Width: 640, Height: 360}, cam.NativeSize)
	assert.Len(t, cam.Formats, 4)
	assert.Equal(t, api.Idle, cam.State)
	assert.Nil(t, cam.Params)
	assert.Empty(t, cam.Subscribers)
	assert.Equal(t, "/api/cameras/0/ws", cam.WebsocketUrl)
}

func TestServer_WebSocketStream(t *testing.T) {
	env := newTestEnv(t)
	conn, handle := openStream(t, env, "/api/cameras/0/ws")

	go func() {
		_, _ = handle.Write(append(append([]byte{}, unitIDR...), unitNonIDR...))
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.Equal(t, unitIDR, data)

	// 配信中の状態がAPIから見える
	resp := env.do(t, http.MethodGet, "/api/cameras/0", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cam := decodeJSON[api.CameraInfo](t, resp)
	assert.Equal(t, api.Active, cam.State)
	require.NotNil(t, cam.Params)
	assert.Equal(t, api.Size{Width: 416, Height: 256}, cam.Params.Output)
	assert.Equal(t, 2, cam.Params.InputFormatIndex)
	assert.Equal(t, 30, cam.Params.FrameRate)
	assert.Len(t, cam.Subscribers, 1)
	assert.Equal(t, 1, cam.Stats.Launches)

	// 使った設定は保存される
	require.Eventually(t, func() bool {
		stored, ok := env.store.Get("/dev/video0")
		return ok && stored.InputFormatIndex != nil && *stored.InputFormatIndex == 2
	}, 3*time.Second, 20*time.Millisecond)
	resp = env.do(t, http.MethodGet, "/api/cameras/0", "", nil)
	cam = decodeJSON[api.CameraInfo](t, resp)
	require.NotNil(t, cam.Settings)
	assert.Equal(t, 30, *cam.Settings.FrameRate)

	// 最後の視聴者が切断するとエンコーダーが止まる
	require.NoError(t, conn.Close())
	require.Eventually(t, handle.Stopped, 3*time.Second, 10*time.Millisecond)
}

func TestServer_LegacyVideoPath(t *testing.T) {
	env := newTestEnv(t)
	_, handle := openStream(t, env, "/video0")
	assert.Equal(t, "/dev/video0", handle.Request.Device)

	resp := env.do(t, http.MethodGet, "/video1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Status(t *testing.T) {
	env := newTestEnv(t)
	openStream(t, env, "/api/cameras/0/ws")

	resp := env.do(t, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON[api.StatusResponse](t, resp)
	assert.Equal(t, api.Running, body.Status)
	assert.Equal(t, 1, body.Cameras)
	assert.Equal(t, 1, body.Viewers)
	assert.Equal(t, "127.0.0.1", body.Server.Host)
}

func TestServer_OpenAPIDocument(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, api.Document(), data)
}

func TestServer_TransportStream(t *testing.T) {
	env := newTestEnv(t)
	_, handle := openStream(t, env, "/api/cameras/0/ws")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/api/cameras/0/stream.ts", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))

	// MPEG-TSの視聴者が参加するまで待つ
	require.Eventually(t, func() bool {
		snap, err := env.manager.Snapshot(0)
		return err == nil && len(snap.Subscribers) == 2
	}, 3*time.Second, 10*time.Millisecond)

	// 一部のフレームは送信中で捨てられるので送り続ける
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := handle.Write(append(append([]byte{}, unitIDR...), unitNonIDR...)); err != nil {
					return
				}
			}
		}
	}()

	var raw bytes.Buffer
	dmx := astits.NewDemuxer(ctx, bufio.NewReader(io.TeeReader(resp.Body, &raw)))

	var sawPMT bool
	var payload []byte
	deadline := time.AfterFunc(5*time.Second, cancel)
	defer deadline.Stop()
	for payload == nil {
		d, err := dmx.NextData()
		require.NoError(t, err)
		if d.PMT != nil {
			require.Len(t, d.PMT.ElementaryStreams, 1)
			assert.Equal(t, astits.StreamTypeH264Video, d.PMT.ElementaryStreams[0].StreamType)
			assert.Equal(t, tsVideoPID, d.PMT.ElementaryStreams[0].ElementaryPID)
			sawPMT = true
		}
		if d.PES != nil && d.PID == tsVideoPID {
			payload = d.PES.Data
		}
	}
	assert.True(t, sawPMT, "PMTより先にPESが届きました")
	assert.True(t, bytes.Equal(unitIDR, payload) || bytes.Equal(unitNonIDR, payload), "不正なPES: %x", payload)

	// 同じバイト列を別の実装でも解釈できる
	reader := bufio.NewReader(bytes.NewReader(raw.Bytes()))
	_, err = packet.Sync(reader)
	require.NoError(t, err)
	pat, err := psi.ReadPAT(reader)
	require.NoError(t, err)
	pids := pat.ProgramMap()
	require.Len(t, pids, 1)
	for _, pid := range pids {
		pmt, err := psi.ReadPMT(reader, pid)
		require.NoError(t, err)
		streams := pmt.ElementaryStreams()
		require.Len(t, streams, 1)
		assert.Equal(t, uint8(psi.PmtStreamTypeMpeg4VideoH264), streams[0].StreamType())
		assert.Equal(t, int(tsVideoPID), streams[0].ElementaryPid())
	}
}

func TestServer_TransportStreamUnknownCamera(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/cameras/5/stream.ts", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Volume(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/audio/volume", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 73, decodeJSON[api.VolumeResponse](t, resp).Volume)

	resp = env.do(t, http.MethodPut, "/api/audio/volume", "application/json", strings.NewReader(`{"volume": 50}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, env.runner.Commands(), "amixer -M set PCM 50%")

	testCases := []struct {
		name string
		body string
	}{
		{name: "範囲外", body: `{"volume": 101}`},
		{name: "負の値", body: `{"volume": -1}`},
		{name: "JSONでない", body: `volume=50`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPut, "/api/audio/volume", "application/json", strings.NewReader(tc.body))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestServer_PlayAudio(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/audio/play", "application/json", strings.NewReader(`{"type": "mp3", "path": "hello.mp3"}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, decodeJSON[api.AudioStatus](t, resp).Pending)

	resp = env.do(t, http.MethodPost, "/api/audio/play", "application/octet-stream", bytes.NewReader([]byte{0x01, 0x02, 0x03, 0x04}))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 2, decodeJSON[api.AudioStatus](t, resp).Pending)

	resp = env.do(t, http.MethodPost, "/api/audio/stop", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decodeJSON[api.AudioStatus](t, resp).Pending)
	assert.Equal(t, 0, env.player.Pending())
}

func TestServer_PlayAudioValidation(t *testing.T) {
	env := newTestEnv(t)

	testCases := []struct {
		name        string
		contentType string
		body        string
	}{
		{name: "メディアディレクトリの外", contentType: "application/json", body: `{"type": "pcm", "path": "../secret.pcm"}`},
		{name: "絶対パス", contentType: "application/json", body: `{"type": "mp3", "path": "/etc/passwd"}`},
		{name: "未知の種類", contentType: "application/json", body: `{"type": "wav", "path": "a.wav"}`},
		{name: "空のPCM", contentType: "application/octet-stream", body: ""},
		{name: "JSONでない", contentType: "application/json", body: "play"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/audio/play", tc.contentType, strings.NewReader(tc.body))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Equal(t, 0, env.player.Pending())
}

func TestServer_AudioUnavailable(t *testing.T) {
	env := newTestEnv(t)
	srv := New(config.Default(), Dependencies{Manager: env.manager, Logger: discardLogger()})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/audio/volume"},
		{http.MethodPost, "/api/audio/stop"},
	} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "%s %s", tc.method, tc.path)
	}
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	env := newTestEnv(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("リッスンに失敗しました: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- env.server.Serve(ctx, listener)
	}()

	// 起動を確認
	url := fmt.Sprintf("http://%s/health", listener.Addr().String())
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("予期しないステータスコード: got %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// コンテキストをキャンセルしてサーバーを停止
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}
