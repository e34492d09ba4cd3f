package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Process は起動済みの外部コマンド
type Process interface {
	Wait() error
	Kill() error
}

// Runner は外部コマンドを実行する
type Runner interface {
	// Start はコマンドを起動する。stdinがnilでなければ標準入力に流す
	Start(ctx context.Context, name string, args []string, stdin []byte) (Process, error)

	// Output はコマンドの終了を待って標準出力を返す
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner はos/execによるRunner実装
type ExecRunner struct{}

// Start はコマンドを起動する
func (ExecRunner) Start(ctx context.Context, name string, args []string, stdin []byte) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%sの起動に失敗: %w", name, err)
	}
	return &execProcess{cmd: cmd}, nil
}

// Output はコマンドを実行して標準出力を返す
func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%sの実行に失敗: %w: %s", name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
