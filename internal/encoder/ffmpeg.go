package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"rovercam/internal/camera"
)

// ErrEncoderNotFound はffmpegが見つからない場合のエラー
var ErrEncoderNotFound = errors.New("ffmpegが見つかりません")

// Request はエンコーダーの起動パラメータ
type Request struct {
	Device    string        // 入力デバイスのパス
	Input     camera.Format // 入力形式と入力解像度
	FrameRate int           // 入出力のフレームレート
	Output    camera.Size   // 出力解像度（Alignmentの倍数）
}

// Validate は起動パラメータの妥当性を検証する
func (r Request) Validate() error {
	if r.Device == "" {
		return errors.New("デバイスが指定されていません")
	}
	if r.Input.Encoding == "" || r.Input.Size == "" {
		return fmt.Errorf("入力形式が不完全です: %+v", r.Input)
	}
	if r.FrameRate <= 0 {
		return fmt.Errorf("無効なフレームレート: %d", r.FrameRate)
	}
	if r.Output.IsZero() || r.Output.Width%Alignment != 0 || r.Output.Height%Alignment != 0 {
		return fmt.Errorf("出力解像度が%dの倍数ではありません: %s", Alignment, r.Output)
	}
	return nil
}

// Options はFFmpegLauncherの設定
type Options struct {
	Binary      string        // 空ならPATHから探す
	Codec       string        // 例: h264_omx
	Bitrate     string        // 例: 1000k
	Profile     string        // 例: baseline
	StopTimeout time.Duration // SIGHUP後に強制終了するまでの時間
}

// FFmpegLauncher はffmpegをH.264エンコーダーとして起動する
type FFmpegLauncher struct {
	opts   Options
	logger *slog.Logger
}

// NewFFmpegLauncher は新しいFFmpegLauncherを作成する
func NewFFmpegLauncher(opts Options, logger *slog.Logger) *FFmpegLauncher {
	if opts.Codec == "" {
		opts.Codec = "h264_omx"
	}
	if opts.Bitrate == "" {
		opts.Bitrate = "1000k"
	}
	if opts.Profile == "" {
		opts.Profile = "baseline"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegLauncher{
		opts:   opts,
		logger: logger.With("component", "encoder"),
	}
}

// Args はffmpegの引数を組み立てる
func (l *FFmpegLauncher) Args(req Request) []string {
	fps := strconv.Itoa(req.FrameRate)
	return []string{
		"-f", "video4linux2",
		"-input_format", string(req.Input.Encoding),
		"-s", req.Input.Size,
		"-r", fps,
		"-i", req.Device,
		"-c:v", l.opts.Codec,
		"-b:v", l.opts.Bitrate,
		"-profile:v", l.opts.Profile,
		"-f", "rawvideo",
		"-s", req.Output.String(),
		"-r", fps,
		"-",
	}
}

// Launch はエンコーダーを起動する
func (l *FFmpegLauncher) Launch(ctx context.Context, req Request) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	binary, err := FindBinary(l.opts.Binary)
	if err != nil {
		return nil, err
	}

	args := l.Args(req)
	l.logger.Info("エンコーダーを起動します",
		"device", req.Device,
		"input_format", req.Input.Encoding,
		"input_size", req.Input.Size,
		"output_size", req.Output.String(),
		"fps", req.FrameRate,
	)

	proc, err := StartProcess(binary, args, l.opts.StopTimeout, l.logger.With("device", req.Device))
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// FindBinary はffmpegの実行ファイルを探す
func FindBinary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("%w: %s", ErrEncoderNotFound, configured)
		}
		return configured, nil
	}

	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path, nil
	}

	// OSごとの一般的な場所
	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{"/opt/homebrew/bin/ffmpeg", "/usr/local/bin/ffmpeg"}
	default:
		candidates = []string{"/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg", "/snap/bin/ffmpeg"}
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", ErrEncoderNotFound
}
