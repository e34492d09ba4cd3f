package api

import "time"

// HealthResponseStatus はヘルスチェックの状態
type HealthResponseStatus string

const (
	Healthy HealthResponseStatus = "healthy"
)

// StatusResponseStatus はシステムの状態
type StatusResponseStatus string

const (
	Running StatusResponseStatus = "running"
)

// CameraInfoState は配信セッションの状態
type CameraInfoState string

const (
	Idle        CameraInfoState = "idle"
	Negotiating CameraInfoState = "negotiating"
	Active      CameraInfoState = "active"
)

// PlayAudioRequestType はファイル再生の種類
type PlayAudioRequestType string

const (
	Pcm PlayAudioRequestType = "pcm"
	Mp3 PlayAudioRequestType = "mp3"
)

// HealthResponse defines model for HealthResponse.
type HealthResponse struct {
	Status    HealthResponseStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}

// ServerInfo defines model for ServerInfo.
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// AudioStatus defines model for AudioStatus.
type AudioStatus struct {
	Playing bool `json:"playing"`
	Pending int  `json:"pending"`
}

// StatusResponse defines model for StatusResponse.
type StatusResponse struct {
	Status    StatusResponseStatus `json:"status"`
	Server    ServerInfo           `json:"server"`
	Cameras   int                  `json:"cameras"`
	Viewers   int                  `json:"viewers"`
	Audio     AudioStatus          `json:"audio"`
	Timestamp time.Time            `json:"timestamp"`
}

// Size defines model for Size.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CameraFormat defines model for CameraFormat.
type CameraFormat struct {
	Id     string `json:"id"`
	Format string `json:"format"`
	Size   string `json:"size"`
}

// CameraSettings defines model for CameraSettings.
type CameraSettings struct {
	InputFormatIndex *int `json:"inputFormatIndex,omitempty"`
	FrameRate        *int `json:"frameRate,omitempty"`
}

// StreamParams defines model for StreamParams.
type StreamParams struct {
	RequestedWidth   int  `json:"requestedWidth"`
	Output           Size `json:"output"`
	InputFormatIndex int  `json:"inputFormatIndex"`
	FrameRate        int  `json:"frameRate"`
}

// SubscriberInfo defines model for SubscriberInfo.
type SubscriberInfo struct {
	Id      string `json:"id"`
	Sent    int64  `json:"sent"`
	Dropped int64  `json:"dropped"`
}

// StreamStats defines model for StreamStats.
type StreamStats struct {
	Units      int64 `json:"units"`
	Keyframes  int64 `json:"keyframes"`
	Bytes      int64 `json:"bytes"`
	StreamSize *Size `json:"streamSize,omitempty"`
	Launches   int   `json:"launches"`
}

// CameraInfo defines model for CameraInfo.
type CameraInfo struct {
	Index        int              `json:"index"`
	Name         string           `json:"name"`
	Device       string           `json:"device"`
	NativeSize   Size             `json:"nativeSize"`
	Formats      []CameraFormat   `json:"formats"`
	Settings     *CameraSettings  `json:"settings,omitempty"`
	State        CameraInfoState  `json:"state"`
	Params       *StreamParams    `json:"params,omitempty"`
	Subscribers  []SubscriberInfo `json:"subscribers"`
	Stats        StreamStats      `json:"stats"`
	WebsocketUrl string           `json:"websocketUrl"`
}

// CamerasResponse defines model for CamerasResponse.
type CamerasResponse struct {
	Cameras []CameraInfo `json:"cameras"`
}

// VolumeRequest defines model for VolumeRequest.
type VolumeRequest struct {
	Volume int `json:"volume"`
}

// VolumeResponse defines model for VolumeResponse.
type VolumeResponse struct {
	Volume int `json:"volume"`
}

// PlayAudioRequest defines model for PlayAudioRequest.
type PlayAudioRequest struct {
	Type PlayAudioRequestType `json:"type"`
	Path string               `json:"path"`
}

// ErrorResponse defines model for ErrorResponse.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SetVolumeJSONRequestBody defines body for SetVolume for application/json ContentType.
type SetVolumeJSONRequestBody = VolumeRequest

// PlayAudioJSONRequestBody defines body for PlayAudio for application/json ContentType.
type PlayAudioJSONRequestBody = PlayAudioRequest
