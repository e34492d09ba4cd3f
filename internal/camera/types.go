package camera

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSize は "WxH" 形式として解釈できない解像度
var ErrInvalidSize = errors.New("無効な解像度")

// PixelEncoding はデバイスが出力するピクセル形式（ffmpegでの名前）
type PixelEncoding string

const (
	EncodingYUYV  PixelEncoding = "yuyv422" // 非圧縮YUV
	EncodingMJPEG PixelEncoding = "mjpeg"   // Motion-JPEG
	EncodingH264  PixelEncoding = "h264"    // H.264
)

// Supported はエンコーダーの入力として扱える形式かどうかを返す
func (e PixelEncoding) Supported() bool {
	switch e {
	case EncodingYUYV, EncodingMJPEG, EncodingH264:
		return true
	default:
		return false
	}
}

// Size は解像度を表す
type Size struct {
	Width  int `json:"width"`  // 幅
	Height int `json:"height"` // 高さ
}

// String は "WxH" 形式の文字列を返す
func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// IsZero は解像度が未確定かどうかを返す
func (s Size) IsZero() bool {
	return s.Width <= 0 || s.Height <= 0
}

// LimitWidth は幅がlimitを超える場合、縦横比を保ったままlimit幅に縮める
func (s Size) LimitWidth(limit int) Size {
	if limit <= 0 || s.Width <= limit {
		return s
	}
	return Size{
		Width:  limit,
		Height: s.Height * limit / s.Width,
	}
}

// ParseSize は "WxH" 形式の文字列を解析する
func ParseSize(s string) (Size, error) {
	w, h, ok := strings.Cut(strings.TrimSpace(s), "x")
	if !ok {
		return Size{}, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Size{}, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Size{}, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	return Size{Width: width, Height: height}, nil
}

// Device は検出されたキャプチャデバイス
// 起動時に一度だけ検出され、以後は変更されない
type Device struct {
	Path       string // デバイスパス（例: /dev/video0）
	DriverName string // ドライバー名
	CardType   string // カード種別
	NativeSize Size   // 報告された最大解像度
}

// Name は表示用のカメラ名を返す
func (d Device) Name() string {
	return fmt.Sprintf("%s(%s)", d.DriverName, d.CardType)
}

// Format はデバイスが対応する入力形式の一つ
type Format struct {
	ID       string        `json:"id"`     // ffmpegが報告した識別子
	Encoding PixelEncoding `json:"format"` // ピクセル形式
	Size     string        `json:"size"`   // "WxH"
}

// SupportedFormats はエンコーダーが扱える形式だけを返す
func SupportedFormats(formats []Format) []Format {
	result := make([]Format, 0, len(formats))
	for _, f := range formats {
		if f.Encoding.Supported() {
			result = append(result, f)
		}
	}
	return result
}

// DefaultFormatIndex は最初のMJPEG形式の位置を返す
// MJPEGが無い場合は0
func DefaultFormatIndex(formats []Format) int {
	for i, f := range formats {
		if f.Encoding == EncodingMJPEG {
			return i
		}
	}
	return 0
}

// Prober はホストに接続されたカメラの問い合わせを行う
type Prober interface {
	// DiscoverDevices は接続されているデバイスを列挙する
	DiscoverDevices(ctx context.Context) ([]Device, error)

	// ProbeFormats はデバイスが対応する入力形式を列挙する
	ProbeFormats(ctx context.Context, devicePath string) ([]Format, error)
}
