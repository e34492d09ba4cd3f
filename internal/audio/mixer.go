package audio

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrVolumeUnknown はamixerの出力から音量を読み取れない場合のエラー
var ErrVolumeUnknown = errors.New("音量を取得できません")

var volumeRegex = regexp.MustCompile(`\[(\d+)%\]`)

// Mixer はamixerで再生音量を操作する
type Mixer struct {
	runner  Runner
	binary  string
	control string
}

// NewMixer は新しいMixerを作成する
func NewMixer(runner Runner, binary, control string) *Mixer {
	if binary == "" {
		binary = "amixer"
	}
	if control == "" {
		control = "PCM"
	}
	return &Mixer{runner: runner, binary: binary, control: control}
}

// SetVolume は音量を0から100で設定し、設定後の音量を返す
func (m *Mixer) SetVolume(ctx context.Context, percent int) (int, error) {
	if percent < 0 || percent > 100 {
		return 0, fmt.Errorf("音量は0から100で指定してください: %d", percent)
	}
	if _, err := m.runner.Output(ctx, m.binary, "-M", "set", m.control, fmt.Sprintf("%d%%", percent)); err != nil {
		return 0, fmt.Errorf("音量の設定に失敗: %w", err)
	}
	return m.Volume(ctx)
}

// Volume は現在の音量を返す
func (m *Mixer) Volume(ctx context.Context) (int, error) {
	out, err := m.runner.Output(ctx, m.binary, "-M", "get", m.control)
	if err != nil {
		return 0, fmt.Errorf("音量の取得に失敗: %w", err)
	}
	return parseVolume(out)
}

// parseVolume はamixerの出力から最初の [NN%] を読む
// 1%以下は無音として0にする
func parseVolume(out []byte) (int, error) {
	match := volumeRegex.FindSubmatch(out)
	if match == nil {
		return 0, fmt.Errorf("%w: %q", ErrVolumeUnknown, out)
	}
	volume, err := strconv.Atoi(string(match[1]))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrVolumeUnknown, err)
	}
	if volume <= 1 {
		volume = 0
	}
	return volume, nil
}
