package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Camera    CameraConfig    `yaml:"camera"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Transport TransportConfig `yaml:"transport"`
	Settings  SettingsConfig  `yaml:"settings"`
	Audio     AudioConfig     `yaml:"audio"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // グレースフルシャットダウンの猶予
}

// CameraConfig はカメラとネゴシエーションの設定
type CameraConfig struct {
	MaxWidth         int           `yaml:"max_width"`          // 出力幅の上限
	NativeWidthLimit int           `yaml:"native_width_limit"` // デバイス解像度をこの幅に縮める
	DefaultWidth     int           `yaml:"default_width"`      // open-requestで幅が無い場合
	DefaultFrameRate int           `yaml:"default_frame_rate"` // open-requestでfpsが無い場合
	MaxUnitSize      int           `yaml:"max_unit_size"`      // アクセスユニットの最大バイト数
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`      // v4l2-ctl / ffmpeg 問い合わせのタイムアウト
	Mock             bool          `yaml:"mock"`               // 実デバイスの代わりにモックを使う
}

// EncoderConfig は外部エンコーダー(ffmpeg)の設定
type EncoderConfig struct {
	Binary      string        `yaml:"binary"`       // 空ならPATHから探す
	Codec       string        `yaml:"codec"`        // 例: h264_omx, libx264
	Bitrate     string        `yaml:"bitrate"`      // 例: 1000k
	Profile     string        `yaml:"profile"`      // 例: baseline
	StopTimeout time.Duration `yaml:"stop_timeout"` // SIGHUP後にKillするまでの時間
}

// TransportConfig は視聴者接続の設定
type TransportConfig struct {
	SendQueue      int           `yaml:"send_queue"`       // 購読者ごとの送信キュー長
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // 1メッセージの書き込み期限
	PongTimeout    time.Duration `yaml:"pong_timeout"`     // pongを待つ時間
	MaxMessageSize int64         `yaml:"max_message_size"` // クライアントから受け取る最大サイズ
}

// SettingsConfig はカメラ設定の永続化先
type SettingsConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"` // 外部からの書き換えを監視する
}

// AudioConfig は音声再生の設定
type AudioConfig struct {
	Player       string `yaml:"player"`        // aplay
	Mixer        string `yaml:"mixer"`         // amixer
	MixerControl string `yaml:"mixer_control"` // PCM
	CacheDir     string `yaml:"cache_dir"`     // mp3変換結果の置き場所
	MediaDir     string `yaml:"media_dir"`     // mp3ファイルの基準ディレクトリ
}

// LogConfig はログの設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: 5 * time.Second,
		},
		Camera: CameraConfig{
			MaxWidth:         640,
			NativeWidthLimit: 640,
			DefaultWidth:     400,
			DefaultFrameRate: 30,
			MaxUnitSize:      4 * 1024 * 1024,
			ProbeTimeout:     10 * time.Second,
		},
		Encoder: EncoderConfig{
			Codec:       "h264_omx",
			Bitrate:     "1000k",
			Profile:     "baseline",
			StopTimeout: 3 * time.Second,
		},
		Transport: TransportConfig{
			SendQueue:      32,
			WriteTimeout:   10 * time.Second,
			PongTimeout:    60 * time.Second,
			MaxMessageSize: 64 * 1024,
		},
		Settings: SettingsConfig{
			Path:  "rovercam-settings.yaml",
			Watch: true,
		},
		Audio: AudioConfig{
			Player:       "aplay",
			Mixer:        "amixer",
			MixerControl: "PCM",
			CacheDir:     os.TempDir(),
			MediaDir:     ".",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は設定を読み込む
// pathが空の場合はデフォルト値に環境変数を適用したものを返す
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err == nil {
			// ${VAR} 形式の環境変数を展開してからデコードする
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
			}
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Camera.MaxWidth = getEnvAsIntOrDefault("CAMERA_MAX_WIDTH", c.Camera.MaxWidth)
	c.Encoder.Codec = getEnvOrDefault("ENCODER_CODEC", c.Encoder.Codec)
	c.Settings.Path = getEnvOrDefault("SETTINGS_PATH", c.Settings.Path)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	// カメラ設定の検証
	if c.Camera.MaxWidth <= 0 {
		return fmt.Errorf("無効な最大幅: %d", c.Camera.MaxWidth)
	}
	if c.Camera.NativeWidthLimit < 0 {
		return fmt.Errorf("無効なデバイス幅の上限: %d", c.Camera.NativeWidthLimit)
	}
	if c.Camera.DefaultFrameRate <= 0 {
		return fmt.Errorf("無効なフレームレート: %d", c.Camera.DefaultFrameRate)
	}
	if c.Camera.MaxUnitSize < 1024 {
		return fmt.Errorf("アクセスユニットの上限が小さすぎます: %d", c.Camera.MaxUnitSize)
	}

	if c.Encoder.Codec == "" {
		return errors.New("エンコーダーのコーデックが指定されていません")
	}
	if c.Transport.SendQueue < 1 {
		return fmt.Errorf("無効な送信キュー長: %d", c.Transport.SendQueue)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// NewLogger はログ設定からslog.Loggerを作成する
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("無効なログレベル: %q", s)
	}
	return level, nil
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
