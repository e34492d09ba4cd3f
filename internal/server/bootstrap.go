package server

import (
	"context"
	"fmt"
	"log/slog"

	"rovercam/internal/audio"
	"rovercam/internal/camera"
	"rovercam/internal/config"
	"rovercam/internal/encoder"
	"rovercam/internal/settings"
	"rovercam/internal/stream"
)

// mockDevice はcamera.mockで使う仮想カメラ
var mockDevice = camera.Device{
	Path:       "/dev/video-mock",
	DriverName: "mock",
	CardType:   "Mock Camera",
	NativeSize: camera.Size{Width: 640, Height: 480},
}

// Bootstrap は設定からカメラ検出、配信、音声、HTTPの各コンポーネントを組み立てる
// 返されたServerはカメラ検出を終えている
func Bootstrap(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		prober   camera.Prober
		launcher encoder.Launcher
	)
	if cfg.Camera.Mock {
		logger.Info("モックのカメラとエンコーダーを使用します")
		prober = camera.NewMockProber(mockDevice)
		launcher = encoder.NewMockLauncher()
	} else {
		ffmpeg, err := encoder.FindBinary(cfg.Encoder.Binary)
		if err != nil {
			return nil, err
		}
		prober = camera.NewLinuxProber(camera.ExecRunner{}, ffmpeg, cfg.Camera.ProbeTimeout, logger)
		launcher = encoder.NewFFmpegLauncher(encoder.Options{
			Binary:      ffmpeg,
			Codec:       cfg.Encoder.Codec,
			Bitrate:     cfg.Encoder.Bitrate,
			Profile:     cfg.Encoder.Profile,
			StopTimeout: cfg.Encoder.StopTimeout,
		}, logger)
	}

	store, err := settings.Open(cfg.Settings.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("カメラ設定の読み込みに失敗: %w", err)
	}

	manager := stream.NewManager(prober, launcher, store, stream.ManagerOptions{
		Session: stream.Options{
			MaxWidth:         cfg.Camera.MaxWidth,
			DefaultWidth:     cfg.Camera.DefaultWidth,
			DefaultFrameRate: cfg.Camera.DefaultFrameRate,
			MaxUnitSize:      cfg.Camera.MaxUnitSize,
			SendQueue:        cfg.Transport.SendQueue,
		},
		NativeWidthLimit: cfg.Camera.NativeWidthLimit,
	}, logger)
	if err := manager.Start(ctx); err != nil {
		return nil, err
	}

	ffmpegForAudio := cfg.Encoder.Binary
	if ffmpegForAudio == "" {
		ffmpegForAudio = "ffmpeg"
	}
	player := audio.NewPlayer(audio.ExecRunner{}, audio.Options{
		Player:   cfg.Audio.Player,
		FFmpeg:   ffmpegForAudio,
		CacheDir: cfg.Audio.CacheDir,
		MediaDir: cfg.Audio.MediaDir,
	}, logger)
	mixer := audio.NewMixer(audio.ExecRunner{}, cfg.Audio.Mixer, cfg.Audio.MixerControl)

	return New(cfg, Dependencies{
		Manager: manager,
		Store:   store,
		Player:  player,
		Mixer:   mixer,
		Logger:  logger,
	}), nil
}
