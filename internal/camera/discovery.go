package camera

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	devicePathPattern = regexp.MustCompile(`^/dev/video\d+$`)
	driverNamePattern = regexp.MustCompile(`Driver name\s*:\s*([^.\n]+)`)
	cardTypePattern   = regexp.MustCompile(`Card type\s*:\s*([^.\n]+)`)
	sizePattern       = regexp.MustCompile(`(\d+)x(\d+)`)

	// ffmpeg -list_formats の行
	// [video4linux2,v4l2 @ 0x...] Compressed:       mjpeg :          Motion-JPEG : 640x480 1280x720
	// 解像度が空の行で次の行まで読み進まないよう1行に限定する
	formatLinePattern = regexp.MustCompile(`\[video4linux2,v4l2 @ ([^\]\n]+)\] *(\S+?) *:\s*(\S+) : +[^\n]+?:(?: ([^\n]*))?\n`)
)

// fallbackFormatSize は解像度が報告されない形式に使う値
const fallbackFormatSize = "640x480"

// CommandRunner は外部コマンドを実行して出力を返す
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner はos/execでコマンドを実行する
type ExecRunner struct{}

// Run はコマンドを実行し、終了コードに関わらず出力を返す
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// LinuxProber はv4l2-ctlとffmpegを使ってカメラを検出する
type LinuxProber struct {
	runner  CommandRunner
	logger  *slog.Logger
	timeout time.Duration
	ffmpeg  string
}

// NewLinuxProber は新しいLinuxProberを作成する
// runnerがnilの場合はExecRunnerを使う
func NewLinuxProber(runner CommandRunner, ffmpegPath string, timeout time.Duration, logger *slog.Logger) *LinuxProber {
	if runner == nil {
		runner = ExecRunner{}
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LinuxProber{
		runner:  runner,
		logger:  logger.With("component", "prober"),
		timeout: timeout,
		ffmpeg:  ffmpegPath,
	}
}

// run はタイムアウト付きでコマンドを実行する
// 非ゼロ終了は無視し、出力だけを使う
func (p *LinuxProber) run(ctx context.Context, name string, args ...string) ([]byte, []byte) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	stdout, stderr, err := p.runner.Run(ctx, name, args...)
	if err != nil {
		p.logger.Debug("コマンドが異常終了しました", "command", name, "args", args, "error", err)
	}
	return stdout, stderr
}

// DiscoverDevices はシステム内のカメラデバイスを列挙する
// 解像度を取得できないデバイスは除外される
func (p *LinuxProber) DiscoverDevices(ctx context.Context) ([]Device, error) {
	listing, _ := p.run(ctx, "v4l2-ctl", "--list-devices")
	paths := parseDeviceList(listing)
	if len(paths) == 0 {
		p.logger.Warn("カメラデバイスが見つかりません")
		return nil, nil
	}

	devices := make([]Device, 0, len(paths))
	for _, path := range paths {
		// コンテキストのキャンセルをチェック
		if err := ctx.Err(); err != nil {
			return devices, err
		}

		info, _ := p.run(ctx, "v4l2-ctl", "--device="+path, "--all")
		driver, card := parseDeviceInfo(info)

		formats, _ := p.run(ctx, "v4l2-ctl", "--device="+path, "--list-formats-ext")
		size, ok := parseLargestSize(formats)

		device := Device{
			Path:       path,
			DriverName: driver,
			CardType:   card,
			NativeSize: size,
		}
		if !ok {
			p.logger.Info("解像度を取得できないため除外しました", "device", path, "name", device.Name())
			continue
		}

		p.logger.Info("カメラを検出しました", "device", path, "name", device.Name(), "max_size", size.String())
		devices = append(devices, device)
	}

	return devices, nil
}

// ProbeFormats はffmpegでデバイスの入力形式を列挙する
// 結果には重複が含まれることがある
func (p *LinuxProber) ProbeFormats(ctx context.Context, devicePath string) ([]Format, error) {
	// 一覧はstderrに出力される
	_, stderr := p.run(ctx, p.ffmpeg, "-hide_banner", "-f", "v4l2", "-list_formats", "all", "-i", devicePath)
	formats := parseFormatList(stderr)
	if len(formats) == 0 {
		p.logger.Warn("入力形式を取得できませんでした", "device", devicePath)
	}
	return formats, nil
}

// parseDeviceList はv4l2-ctl --list-devices の出力からデバイスパスを取り出す
func parseDeviceList(out []byte) []string {
	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if devicePathPattern.MatchString(line) {
			paths = append(paths, line)
		}
	}
	return paths
}

// parseDeviceInfo はv4l2-ctl --all の出力からドライバー名とカード種別を取り出す
func parseDeviceInfo(out []byte) (driver, card string) {
	if m := driverNamePattern.FindSubmatch(out); m != nil {
		driver = strings.TrimSpace(string(m[1]))
	}
	if m := cardTypePattern.FindSubmatch(out); m != nil {
		card = strings.TrimSpace(string(m[1]))
	}
	return driver, card
}

// parseLargestSize は出力中の "WxH" のうち幅が最大のものを返す
func parseLargestSize(out []byte) (Size, bool) {
	var best Size
	found := false
	for _, m := range sizePattern.FindAllSubmatch(out, -1) {
		width, err := strconv.Atoi(string(m[1]))
		if err != nil {
			continue
		}
		height, err := strconv.Atoi(string(m[2]))
		if err != nil {
			continue
		}
		if !found || width > best.Width {
			best = Size{Width: width, Height: height}
			found = true
		}
	}
	return best, found
}

// parseFormatList はffmpeg -list_formats の出力を形式と解像度の組に展開する
func parseFormatList(out []byte) []Format {
	text := string(out)
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	var formats []Format
	for _, m := range formatLinePattern.FindAllStringSubmatch(text, -1) {
		id, encoding, sizes := strings.TrimSpace(m[1]), PixelEncoding(m[3]), m[4]

		found := sizePattern.FindAllString(sizes, -1)
		if len(found) == 0 {
			found = []string{fallbackFormatSize}
		}
		for _, size := range found {
			formats = append(formats, Format{ID: id, Encoding: encoding, Size: size})
		}
	}
	return formats
}

// MockProber はテスト用のモックProber実装
type MockProber struct {
	Devices []Device
	Formats map[string][]Format

	// 呼び出し回数
	DiscoverCalls int
	ProbeCalls    int
}

// NewMockProber はデバイスごとに標準的な形式を持つMockProberを作成する
func NewMockProber(devices ...Device) *MockProber {
	formats := make(map[string][]Format, len(devices))
	for i, d := range devices {
		id := fmt.Sprintf("0xmock%d", i)
		formats[d.Path] = []Format{
			{ID: id, Encoding: EncodingYUYV, Size: "640x480"},
			{ID: id, Encoding: EncodingYUYV, Size: d.NativeSize.String()},
			{ID: id, Encoding: EncodingMJPEG, Size: "640x480"},
			{ID: id, Encoding: EncodingMJPEG, Size: d.NativeSize.String()},
		}
	}
	return &MockProber{
		Devices: devices,
		Formats: formats,
	}
}

// DiscoverDevices はモックデバイス一覧を返す
func (m *MockProber) DiscoverDevices(_ context.Context) ([]Device, error) {
	m.DiscoverCalls++
	result := make([]Device, len(m.Devices))
	copy(result, m.Devices)
	return result, nil
}

// ProbeFormats はモックの形式一覧を返す
func (m *MockProber) ProbeFormats(_ context.Context, devicePath string) ([]Format, error) {
	m.ProbeCalls++
	formats := m.Formats[devicePath]
	result := make([]Format, len(formats))
	copy(result, formats)
	return result, nil
}
