package stream

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrSubscriberClosed は切断済みの購読者への送信
	ErrSubscriberClosed = errors.New("購読者は切断されています")

	// ErrSlowSubscriber は送信キューが溢れた購読者
	ErrSlowSubscriber = errors.New("購読者の送信キューが一杯です")
)

// Conn は視聴者との接続
// メッセージ種別はgorilla/websocketの定数を使う
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// SubscriberStats は購読者ごとの送信統計
type SubscriberStats struct {
	ID      string `json:"id"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

type outbound struct {
	messageType int
	data        []byte
}

// Subscriber は1つの視聴者接続
//
// 送信は専用のgoroutineが順番に行う。
// フレームは前のフレームの書き込みが終わるまで次を受け付けず、
// その間に届いたフレームは捨てる。
type Subscriber struct {
	id     string
	conn   Conn
	out    chan outbound
	logger *slog.Logger

	frameBusy atomic.Bool
	sent      atomic.Uint64
	dropped   atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSubscriber は新しいSubscriberを作成し、送信goroutineを開始する
func NewSubscriber(conn Conn, queueSize int, logger *slog.Logger) *Subscriber {
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	s := &Subscriber{
		id:     id,
		conn:   conn,
		out:    make(chan outbound, queueSize),
		logger: logger.With("subscriber", id),
		closed: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// ID は購読者の識別子を返す
func (s *Subscriber) ID() string {
	return s.id
}

// SendControl はJSONの制御メッセージを送信キューに入れる
// キューが一杯の場合は待たずにErrSlowSubscriberを返す
func (s *Subscriber) SendControl(data []byte) error {
	select {
	case <-s.closed:
		return ErrSubscriberClosed
	default:
	}

	select {
	case s.out <- outbound{messageType: websocket.TextMessage, data: data}:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

// SendFrame はアクセスユニットを送信キューに入れる
// 前のフレームが書き込み中なら捨ててfalseを返す
func (s *Subscriber) SendFrame(unit []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	if !s.frameBusy.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		return false
	}

	select {
	case s.out <- outbound{messageType: websocket.BinaryMessage, data: unit}:
		return true
	default:
		s.frameBusy.Store(false)
		s.dropped.Add(1)
		return false
	}
}

// Stats は送信統計を返す
func (s *Subscriber) Stats() SubscriberStats {
	return SubscriberStats{
		ID:      s.id,
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
	}
}

// Done は切断されるとクローズされる
func (s *Subscriber) Done() <-chan struct{} {
	return s.closed
}

// Close は接続を閉じる。何度呼んでもよい
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *Subscriber) writeLoop() {
	for {
		select {
		case <-s.closed:
			return

		case msg := <-s.out:
			err := s.conn.WriteMessage(msg.messageType, msg.data)
			if msg.messageType == websocket.BinaryMessage {
				if err == nil {
					s.sent.Add(1)
				}
				s.frameBusy.Store(false)
			}
			if err != nil {
				s.logger.Debug("送信に失敗したため切断します", "error", err)
				s.Close()
				return
			}
		}
	}
}
