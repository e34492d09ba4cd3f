package encoder

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultStopTimeout はSIGHUP後に強制終了するまでの時間
const DefaultStopTimeout = 3 * time.Second

// Handle は起動中のエンコーダープロセスへの参照
type Handle interface {
	// Stdout はエンコーダーの標準出力
	Stdout() io.Reader

	// Done はプロセスが終了するとクローズされる
	Done() <-chan struct{}

	// Err は終了理由を返す。Doneがクローズされる前はnil
	Err() error

	// Stop は終了シグナルを送り、出力を破棄する。何度呼んでもよい
	Stop() error
}

// Process は外部コマンドとして起動したエンコーダー
type Process struct {
	cmd    *exec.Cmd
	stdout *os.File

	exited chan struct{}
	err    error

	stopTimeout time.Duration
	stopOnce    sync.Once
	logger      *slog.Logger
}

// StartProcess はコマンドを起動し、標準出力を読めるProcessを返す
func StartProcess(name string, args []string, stopTimeout time.Duration, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	// Waitが読み取り側を閉じないよう、パイプは自前で作る
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = pw

	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("stderrパイプの作成に失敗: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("%sの起動に失敗: %w", name, err)
	}
	_ = pw.Close()

	p := &Process{
		cmd:         cmd,
		stdout:      pr,
		exited:      make(chan struct{}),
		stopTimeout: stopTimeout,
		logger:      logger.With("pid", cmd.Process.Pid),
	}

	// stderrを別goroutineで読み取り
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			p.logger.Debug("encoder stderr", "line", scanner.Text())
		}
	}()

	go func() {
		err := cmd.Wait()
		p.err = err
		close(p.exited)
		p.logger.Debug("エンコーダープロセスが終了しました", "error", err)
	}()

	return p, nil
}

// Stdout はエンコーダーの標準出力を返す
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Done はプロセス終了時にクローズされるチャンネルを返す
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// Err は終了理由を返す
func (p *Process) Err() error {
	select {
	case <-p.exited:
		return p.err
	default:
		return nil
	}
}

// PID はプロセスIDを返す
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Stop はプロセスにSIGHUPを送り、終了しなければKillする
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		// 以降の出力は読まない
		_ = p.stdout.Close()

		select {
		case <-p.exited:
			return
		default:
		}

		if err := p.cmd.Process.Signal(syscall.SIGHUP); err != nil {
			p.logger.Debug("シグナルの送信に失敗", "error", err)
		}

		// 同じデバイスを二つのプロセスが開かないよう終了を待つ
		timer := time.NewTimer(p.stopTimeout)
		defer timer.Stop()

		select {
		case <-p.exited:
		case <-timer.C:
			p.logger.Warn("エンコーダーが終了しないため強制終了します")
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
	})
	return nil
}
