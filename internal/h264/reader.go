// Package h264 はエンコーダーが出力するH.264バイトストリームを扱う
package h264

import (
	"bufio"
	"bytes"
	"io"
)

// Delimiter はアクセスユニットの区切り
var Delimiter = []byte{0x00, 0x00, 0x00, 0x01}

const (
	initialBufferSize = 64 * 1024

	// DefaultMaxUnitSize はアクセスユニットの既定の上限
	DefaultMaxUnitSize = 4 * 1024 * 1024
)

// Reader はバイトストリームをアクセスユニットに分割する
// 読み取りの境界とは無関係に、区切りごとに1つのユニットを返す
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader は新しいReaderを作成する
// maxUnitSizeを超えるユニットがあるとストリームはそこで終わる
func NewReader(r io.Reader, maxUnitSize int) *Reader {
	if maxUnitSize <= 0 {
		maxUnitSize = DefaultMaxUnitSize
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(initialBufferSize, maxUnitSize)), maxUnitSize)
	scanner.Split(splitAccessUnits)
	return &Reader{scanner: scanner}
}

// Next は次のアクセスユニットを返す
// 返されるスライスは呼び出し側が所有する
// ストリームが終わるとio.EOFを返す
func (r *Reader) Next() ([]byte, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	token := r.scanner.Bytes()
	unit := make([]byte, len(token))
	copy(unit, token)
	return unit, nil
}

// splitAccessUnits はbufio.SplitFuncとしてアクセスユニットを切り出す
// 最初の区切りより前のデータと空のユニットは捨てる
// Scannerはトークンを返さずに進めると次の読み取りを待つので、
// 読み飛ばしは1回の呼び出しでまとめて行い、完成したユニットがあれば必ず返す
func splitAccessUnits(data []byte, atEOF bool) (advance int, token []byte, err error) {
	skip := 0
	for {
		rest := data[skip:]
		start := bytes.Index(rest, Delimiter)
		if start < 0 {
			if atEOF {
				return len(data), nil, nil
			}
			// 区切りの途中で分割されている可能性があるので末尾3バイトは残す
			if keep := len(Delimiter) - 1; len(rest) > keep {
				return skip + len(rest) - keep, nil, nil
			}
			return skip, nil, nil
		}
		skip += start

		body := data[skip+len(Delimiter):]
		end := bytes.Index(body, Delimiter)
		switch {
		case end == 0:
			// 空のユニット
			skip += len(Delimiter)
		case end < 0:
			if !atEOF {
				return skip, nil, nil
			}
			if len(body) == 0 {
				return len(data), nil, nil
			}
			return len(data), data[skip:], nil
		default:
			n := len(Delimiter) + end
			return skip + n, data[skip : skip+n], nil
		}
	}
}
