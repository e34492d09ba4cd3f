package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"rovercam/internal/h264"

	"github.com/asticode/go-astits"
	"github.com/gorilla/websocket"
)

const (
	// tsVideoPID は映像のエレメンタリーストリームのPID
	tsVideoPID uint16 = 256
	// tsVideoStreamID はPESヘッダーの映像ストリームID
	tsVideoStreamID uint8 = 224
)

var errTSConnClosed = errors.New("MPEG-TS接続は閉じています")

// tsConn はアクセスユニットをMPEG-TSに多重化して書き出すstream.Conn
// 制御メッセージは捨てる。クライアントからの受信は無い
type tsConn struct {
	ctx   context.Context
	flush func()

	mu     sync.Mutex
	muxer  *astits.Muxer
	start  time.Time
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

func newTSConn(ctx context.Context, w io.Writer, flush func()) *tsConn {
	muxer := astits.NewMuxer(ctx, w)
	// AddElementaryStreamはPIDの重複でしか失敗しない
	_ = muxer.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: tsVideoPID,
		StreamType:    astits.StreamTypeH264Video,
	})
	muxer.SetPCRPID(tsVideoPID)

	return &tsConn{
		ctx:   ctx,
		flush: flush,
		muxer: muxer,
		done:  make(chan struct{}),
	}
}

// ReadMessage は接続が閉じるまで待ち、io.EOFを返す
func (c *tsConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.done:
	case <-c.ctx.Done():
		_ = c.Close()
	}
	return 0, nil, io.EOF
}

func (c *tsConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.BinaryMessage {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errTSConnClosed
	}

	if c.start.IsZero() {
		c.start = time.Now()
	}
	// 90kHzのクロック
	base := time.Since(c.start).Microseconds() * 9 / 100
	keyframe := h264.Inspect(data).Keyframe

	_, err := c.muxer.WriteData(&astits.MuxerData{
		PID: tsVideoPID,
		AdaptationField: &astits.PacketAdaptationField{
			RandomAccessIndicator: keyframe,
			HasPCR:                true,
			PCR:                   &astits.ClockReference{Base: base},
		},
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				StreamID: tsVideoStreamID,
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             &astits.ClockReference{Base: base},
				},
			},
			Data: data,
		},
	})
	if err != nil {
		return fmt.Errorf("MPEG-TSの書き込みに失敗: %w", err)
	}
	if c.flush != nil {
		c.flush()
	}
	return nil
}

// Close 以降は書き込まない
func (c *tsConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}
