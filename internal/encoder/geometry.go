package encoder

import (
	"errors"
	"fmt"

	"rovercam/internal/camera"
)

const (
	// Alignment はハードウェアエンコーダーが要求する解像度の倍数
	Alignment = 32

	// DefaultWidth は幅が指定されなかった場合の要求幅
	DefaultWidth = 400
)

// ErrInvalidNativeSize はデバイスの解像度が不明な場合のエラー
var ErrInvalidNativeSize = errors.New("デバイスの解像度が不明です")

// ComputeOutputGeometry は要求幅から出力解像度を決める
//
// 幅は requestedWidth, maxWidth, native.Width の最小値に制限し、
// 高さは制限後の幅からデバイスの縦横比で求める。
// 最後に幅と高さをそれぞれ Alignment の倍数に切り上げる。
func ComputeOutputGeometry(native camera.Size, requestedWidth, maxWidth int) (camera.Size, error) {
	if native.IsZero() {
		return camera.Size{}, fmt.Errorf("%w: %s", ErrInvalidNativeSize, native)
	}

	width := requestedWidth
	if width <= 0 {
		width = DefaultWidth
	}
	if maxWidth > 0 && width > maxWidth {
		width = maxWidth
	}
	if width > native.Width {
		width = native.Width
	}

	return camera.Size{
		Width:  alignUp(width, 1),
		Height: alignUp(width*native.Height, native.Width),
	}, nil
}

// alignUp は num/den を Alignment の倍数に切り上げる
func alignUp(num, den int) int {
	unit := den * Alignment
	return (num + unit - 1) / unit * Alignment
}
