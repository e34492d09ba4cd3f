package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rovercam/internal/api"
	"rovercam/internal/audio"
	"rovercam/internal/config"
	"rovercam/internal/settings"
	"rovercam/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// maxAudioBody は1回の再生要求で受け取るPCMの上限
const maxAudioBody = 16 * 1024 * 1024

// RovercamHandler はapi.ServerInterfaceを実装する
type RovercamHandler struct {
	config   *config.Config
	manager  *stream.Manager
	player   *audio.Player
	mixer    *audio.Mixer
	store    *settings.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *RovercamHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{
		Status:    api.Healthy,
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *RovercamHandler) GetStatus(c *gin.Context) {
	viewers := 0
	snapshots := h.manager.Snapshots()
	for _, snap := range snapshots {
		viewers += len(snap.Subscribers)
	}

	c.JSON(http.StatusOK, api.StatusResponse{
		Status: api.Running,
		Server: api.ServerInfo{
			Host: h.config.Server.Host,
			Port: h.config.Server.Port,
		},
		Cameras:   len(snapshots),
		Viewers:   viewers,
		Audio:     h.audioStatus(),
		Timestamp: time.Now(),
	})
}

// GetOpenAPI はOpenAPI定義を返す
func (h *RovercamHandler) GetOpenAPI(c *gin.Context) {
	c.Data(http.StatusOK, "application/yaml", api.Document())
}

// GetCameras はカメラ一覧取得エンドポイントの実装
func (h *RovercamHandler) GetCameras(c *gin.Context) {
	cameras := h.manager.Cameras()
	result := make([]api.CameraInfo, 0, len(cameras))
	for _, info := range cameras {
		snap, err := h.manager.Snapshot(info.Index)
		if err != nil {
			continue
		}
		result = append(result, h.cameraInfo(info, snap))
	}

	c.JSON(http.StatusOK, api.CamerasResponse{Cameras: result})
}

// GetCamera はカメラ詳細取得エンドポイントの実装
func (h *RovercamHandler) GetCamera(c *gin.Context, cameraIndex int) {
	info, err := h.manager.Camera(cameraIndex)
	if err != nil {
		respondCameraError(c, err)
		return
	}
	snap, err := h.manager.Snapshot(cameraIndex)
	if err != nil {
		respondCameraError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.cameraInfo(info, snap))
}

// GetCameraWebSocket は映像配信のWebSocketを開始する
func (h *RovercamHandler) GetCameraWebSocket(c *gin.Context, cameraIndex int) {
	session, err := h.manager.Session(cameraIndex)
	if err != nil {
		respondCameraError(c, err)
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書いている
		h.logger.Warn("WebSocketへのアップグレードに失敗", "error", err)
		return
	}

	conn := newWSConn(ws, h.config.Transport)
	h.logger.Info("WebSocket接続", "camera", cameraIndex, "remote", c.Request.RemoteAddr)
	if err := session.Serve(c.Request.Context(), conn); err != nil {
		h.logger.Debug("WebSocket接続を終了しました", "camera", cameraIndex, "error", err)
	}
}

// GetCameraTransportStream は配信中の映像をMPEG-TSで送り続ける
func (h *RovercamHandler) GetCameraTransportStream(c *gin.Context, cameraIndex int) {
	session, err := h.manager.Session(cameraIndex)
	if err != nil {
		respondCameraError(c, err)
		return
	}

	c.Header("Content-Type", "video/mp2t")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	conn := newTSConn(c.Request.Context(), c.Writer, c.Writer.Flush)
	h.logger.Info("MPEG-TS接続", "camera", cameraIndex, "remote", c.Request.RemoteAddr)
	if err := session.Serve(c.Request.Context(), conn); err != nil {
		h.logger.Debug("MPEG-TS接続を終了しました", "camera", cameraIndex, "error", err)
	}
}

// GetVolume は再生音量を返す
func (h *RovercamHandler) GetVolume(c *gin.Context) {
	if h.mixer == nil {
		respondError(c, http.StatusServiceUnavailable, "audio_unavailable", "音量の操作は無効です")
		return
	}
	volume, err := h.mixer.Volume(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "volume_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, api.VolumeResponse{Volume: volume})
}

// SetVolume は再生音量を設定する
func (h *RovercamHandler) SetVolume(c *gin.Context) {
	if h.mixer == nil {
		respondError(c, http.StatusServiceUnavailable, "audio_unavailable", "音量の操作は無効です")
		return
	}

	var body api.SetVolumeJSONRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if body.Volume < 0 || body.Volume > 100 {
		respondError(c, http.StatusBadRequest, "invalid_volume", fmt.Sprintf("音量は0から100で指定してください: %d", body.Volume))
		return
	}

	volume, err := h.mixer.SetVolume(c.Request.Context(), body.Volume)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "volume_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, api.VolumeResponse{Volume: volume})
}

// PlayAudio は再生要求をキューに追加する
func (h *RovercamHandler) PlayAudio(c *gin.Context) {
	if h.player == nil {
		respondError(c, http.StatusServiceUnavailable, "audio_unavailable", "音声の再生は無効です")
		return
	}

	var job audio.Job
	if strings.HasPrefix(c.ContentType(), "application/octet-stream") {
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxAudioBody+1))
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
		if len(data) > maxAudioBody {
			respondError(c, http.StatusRequestEntityTooLarge, "too_large", "音声データが大きすぎます")
			return
		}
		job = audio.Job{Kind: audio.KindBuffer, Data: data}
	} else {
		var body api.PlayAudioJSONRequestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
		job = audio.Job{Kind: audio.Kind(body.Type), Path: body.Path}
	}

	if err := h.player.Push(job); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_audio", err.Error())
		return
	}
	c.JSON(http.StatusAccepted, h.audioStatus())
}

// StopAudio は再生を止めてキューを空にする
func (h *RovercamHandler) StopAudio(c *gin.Context) {
	if h.player == nil {
		respondError(c, http.StatusServiceUnavailable, "audio_unavailable", "音声の再生は無効です")
		return
	}
	h.player.Stop()
	c.JSON(http.StatusOK, h.audioStatus())
}

// ヘルパー関数

func (h *RovercamHandler) audioStatus() api.AudioStatus {
	if h.player == nil {
		return api.AudioStatus{}
	}
	return api.AudioStatus{
		Playing: h.player.Playing(),
		Pending: h.player.Pending(),
	}
}

// cameraInfo は検出結果とセッションの状態をAPIの型に変換する
func (h *RovercamHandler) cameraInfo(info stream.CameraInfo, snap stream.Snapshot) api.CameraInfo {
	result := api.CameraInfo{
		Index:        info.Index,
		Name:         info.Device.Name(),
		Device:       info.Device.Path,
		NativeSize:   api.Size{Width: info.Device.NativeSize.Width, Height: info.Device.NativeSize.Height},
		Formats:      make([]api.CameraFormat, 0, len(info.Formats)),
		State:        api.CameraInfoState(snap.State),
		Subscribers:  make([]api.SubscriberInfo, 0, len(snap.Subscribers)),
		WebsocketUrl: fmt.Sprintf("/api/cameras/%d/ws", info.Index),
		Stats: api.StreamStats{
			Units:     int64(snap.Units),
			Keyframes: int64(snap.Keyframes),
			Bytes:     int64(snap.Bytes),
			Launches:  snap.Launches,
		},
	}

	for _, f := range info.Formats {
		result.Formats = append(result.Formats, api.CameraFormat{Id: f.ID, Format: string(f.Encoding), Size: f.Size})
	}
	for _, sub := range snap.Subscribers {
		result.Subscribers = append(result.Subscribers, api.SubscriberInfo{
			Id:      sub.ID,
			Sent:    int64(sub.Sent),
			Dropped: int64(sub.Dropped),
		})
	}
	if !snap.StreamSize.IsZero() {
		result.Stats.StreamSize = &api.Size{Width: snap.StreamSize.Width, Height: snap.StreamSize.Height}
	}
	if snap.Params != nil {
		result.Params = &api.StreamParams{
			RequestedWidth:   snap.Params.RequestedWidth,
			Output:           api.Size{Width: snap.Params.Output.Width, Height: snap.Params.Output.Height},
			InputFormatIndex: snap.Params.FormatIndex,
			FrameRate:        snap.Params.FrameRate,
		}
	}
	if h.store != nil {
		if stored, ok := h.store.Get(info.Device.Path); ok {
			result.Settings = &api.CameraSettings{
				InputFormatIndex: stored.InputFormatIndex,
				FrameRate:        stored.FrameRate,
			}
		}
	}
	return result
}

func respondCameraError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, stream.ErrCameraNotFound):
		respondError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません")
	default:
		respondError(c, http.StatusServiceUnavailable, "camera_unavailable", err.Error())
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, api.ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}
