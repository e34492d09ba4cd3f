package stream

import (
	"encoding/json"
	"fmt"
	"math"

	"rovercam/internal/camera"
)

// 制御メッセージのaction
const (
	ActionInfo         = "info"
	ActionOpen         = "open"
	ActionInitialize   = "initalize" // 既存クライアントが使っている綴り
	ActionStreamActive = "stream_active"
	ActionOpenRequest  = "open-request"
)

// Message はJSONの制御メッセージ
type Message struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InfoPayload は接続直後に送るカメラ情報
type InfoPayload struct {
	Size             camera.Size     `json:"size"`
	CameraName       string          `json:"cameraName"`
	FormatList       []camera.Format `json:"formatList"`
	InputFormatIndex *int            `json:"inputFormatIndex,omitempty"`
	FrameRate        *int            `json:"frameRate,omitempty"`
}

// OpenPayload は確定した入力形式とフレームレート
type OpenPayload struct {
	InputFormatIndex int `json:"inputFormatIndex"`
	FrameRate        int `json:"frameRate"`
}

// InitializePayload は確定した出力解像度
type InitializePayload struct {
	Size       camera.Size `json:"size"`
	CameraName string      `json:"cameraName"`
}

// OpenRequest はクライアントからのストリーム開始要求
type OpenRequest struct {
	Width            *float64 `json:"width,omitempty"`
	InputFormatIndex *int     `json:"inputFormatIndex,omitempty"`
	FrameRate        *int     `json:"frameRate,omitempty"`
	FPS              *int     `json:"fps,omitempty"` // 旧クライアント
}

// RequestedWidth は要求幅を整数に切り捨てて返す
// intに収まらない値はint32の範囲に丸める
func (r OpenRequest) RequestedWidth() (int, bool) {
	if r.Width == nil || math.IsNaN(*r.Width) || math.IsInf(*r.Width, 0) {
		return 0, false
	}
	width := math.Floor(*r.Width)
	width = math.Min(width, math.MaxInt32)
	width = math.Max(width, math.MinInt32)
	return int(width), true
}

// RequestedFrameRate はframeRateかfpsのどちらか指定された方を返す
func (r OpenRequest) RequestedFrameRate() *int {
	if r.FrameRate != nil {
		return r.FrameRate
	}
	return r.FPS
}

// EncodeMessage は制御メッセージをJSONにする
func EncodeMessage(action string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%sのエンコードに失敗: %w", action, err)
	}
	return json.Marshal(Message{Action: action, Payload: raw})
}

// DecodeMessage はJSONの制御メッセージを解析する
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("メッセージの解析に失敗: %w", err)
	}
	if msg.Action == "" {
		return Message{}, fmt.Errorf("actionがありません: %s", data)
	}
	return msg, nil
}
