// Package audio はスピーカーからの音声再生と音量の制御を行う
//
// 再生はaplay、MP3の変換はffmpeg、音量はamixerを使う。
// 再生要求は届いた順に1つずつ処理する。
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Kind は再生ジョブの種類
type Kind string

const (
	KindBuffer  Kind = "buffer" // 48kHzモノラルS16_LEの生PCM
	KindPCMFile Kind = "pcm"    // 16kHzモノラルS16_LEのPCMファイル
	KindMP3File Kind = "mp3"    // 16kHzのPCMに変換してから再生するMP3ファイル
)

var (
	// ErrInvalidJob は再生できないジョブ
	ErrInvalidJob = errors.New("不正な再生要求です")

	// ErrPathOutsideMedia はメディアディレクトリ外のファイル指定
	ErrPathOutsideMedia = errors.New("メディアディレクトリ外のファイルは再生できません")
)

// Job は1つの再生要求
type Job struct {
	Kind Kind   `json:"type"`
	Data []byte `json:"-"`    // KindBufferのとき
	Path string `json:"path"` // ファイルのときメディアディレクトリからの相対パス
}

// Options はPlayerの設定
type Options struct {
	Player   string        // aplay
	FFmpeg   string        // MP3の変換に使うffmpeg
	CacheDir string        // 変換したPCMの置き場所
	MediaDir string        // 再生できるファイルの置き場所
	Gap      time.Duration // 再生と再生の間隔
}

// Player は再生要求のキューを1つずつ処理する
type Player struct {
	runner Runner
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	queue      []Job
	current    Process
	generation uint64

	wake chan struct{}
}

// NewPlayer は新しいPlayerを作成する
func NewPlayer(runner Runner, opts Options, logger *slog.Logger) *Player {
	if opts.Player == "" {
		opts.Player = "aplay"
	}
	if opts.FFmpeg == "" {
		opts.FFmpeg = "ffmpeg"
	}
	if opts.CacheDir == "" {
		opts.CacheDir = os.TempDir()
	}
	if opts.MediaDir == "" {
		opts.MediaDir = "."
	}
	if opts.Gap == 0 {
		opts.Gap = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{
		runner: runner,
		opts:   opts,
		logger: logger.With("component", "audio"),
		wake:   make(chan struct{}, 1),
	}
}

// Push は再生要求をキューに追加する
func (p *Player) Push(job Job) error {
	switch job.Kind {
	case KindBuffer:
		if len(job.Data) == 0 {
			return fmt.Errorf("%w: データが空です", ErrInvalidJob)
		}
	case KindPCMFile, KindMP3File:
		if _, err := p.resolve(job.Path); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: 種類 %q", ErrInvalidJob, job.Kind)
	}

	p.mu.Lock()
	p.queue = append(p.queue, job)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop はキューを空にして再生中の音声を止める
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queue = nil
	p.generation++
	if p.current != nil {
		if err := p.current.Kill(); err != nil {
			p.logger.Debug("再生の停止に失敗", "error", err)
		}
	}
}

// Pending はキューに残っている要求の数を返す
func (p *Player) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Playing は再生中かどうかを返す
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Run はctxがキャンセルされるまでキューを処理する
func (p *Player) Run(ctx context.Context) {
	defer p.Stop()

	for {
		job, generation, ok := p.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}

		if err := p.play(ctx, job, generation); err != nil {
			p.logger.Warn("再生に失敗", "type", job.Kind, "path", job.Path, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.opts.Gap):
		}
	}
}

func (p *Player) pop() (Job, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return Job{}, 0, false
	}
	job := p.queue[0]
	p.queue = p.queue[1:]
	return job, p.generation, true
}

func (p *Player) play(ctx context.Context, job Job, generation uint64) error {
	var (
		args  []string
		stdin []byte
	)
	switch job.Kind {
	case KindBuffer:
		args = pcmArgs(48000, "-")
		stdin = job.Data
	case KindPCMFile:
		path, err := p.resolve(job.Path)
		if err != nil {
			return err
		}
		args = pcmArgs(16000, path)
	case KindMP3File:
		path, err := p.convert(ctx, job.Path)
		if err != nil {
			return err
		}
		args = pcmArgs(16000, path)
	default:
		return fmt.Errorf("%w: 種類 %q", ErrInvalidJob, job.Kind)
	}

	p.logger.Info("音声を再生します", "type", job.Kind, "path", job.Path)
	proc, err := p.runner.Start(ctx, p.opts.Player, args, stdin)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.generation != generation {
		// 起動中にStopされた
		_ = proc.Kill()
	}
	p.current = proc
	p.mu.Unlock()

	waited := make(chan error, 1)
	go func() {
		waited <- proc.Wait()
	}()
	select {
	case err = <-waited:
	case <-ctx.Done():
		if killErr := proc.Kill(); killErr != nil {
			p.logger.Debug("再生の停止に失敗", "error", killErr)
		}
		err = <-waited
	}

	p.mu.Lock()
	p.current = nil
	stopped := p.generation != generation || ctx.Err() != nil
	p.mu.Unlock()

	if err != nil && !stopped {
		return fmt.Errorf("再生が異常終了しました: %w", err)
	}
	return nil
}

// convert はMP3をPCMに変換し、そのパスを返す
// 変換済みのファイルがあればそれを使う
func (p *Player) convert(ctx context.Context, name string) (string, error) {
	src, err := p.resolve(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("MP3ファイルがありません: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	dst := filepath.Join(p.opts.CacheDir, base+".pcm")
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}

	if err := os.MkdirAll(p.opts.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("キャッシュディレクトリの作成に失敗: %w", err)
	}
	p.logger.Info("MP3を変換します", "src", src, "dst", dst)
	if _, err := p.runner.Output(ctx, p.opts.FFmpeg, "-i", src, "-f", "wav", dst); err != nil {
		return "", fmt.Errorf("MP3の変換に失敗: %w", err)
	}
	return dst, nil
}

// resolve はメディアディレクトリからの相対パスを絶対パスにする
func (p *Player) resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: パスが空です", ErrInvalidJob)
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideMedia, name)
	}
	root, err := filepath.Abs(p.opts.MediaDir)
	if err != nil {
		return "", fmt.Errorf("メディアディレクトリの解決に失敗: %w", err)
	}
	path := filepath.Join(root, name)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideMedia, name)
	}
	return path, nil
}

func pcmArgs(rate int, input string) []string {
	return []string{"-c", "1", "-r", fmt.Sprint(rate), "-f", "S16_LE", input}
}
