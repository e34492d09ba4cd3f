package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"rovercam/internal/camera"
	"rovercam/internal/encoder"
	"rovercam/internal/h264"
	"rovercam/internal/settings"
)

// ErrSessionClosed は終了済みのセッションへの操作
var ErrSessionClosed = errors.New("セッションは終了しています")

// State はセッションの状態
type State string

const (
	StateIdle        State = "idle"
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
)

// SettingsStore はカメラ設定の保存先
type SettingsStore interface {
	Get(devicePath string) (settings.CameraSettings, bool)
	Save(update map[string]settings.CameraSettings) error
}

// Options はセッションの設定
type Options struct {
	MaxWidth         int // 出力幅の上限
	DefaultWidth     int // 幅が指定されなかった場合の幅
	DefaultFrameRate int
	MaxUnitSize      int // 1アクセスユニットの最大サイズ
	SendQueue        int // 購読者ごとの送信キュー長
}

func (o Options) withDefaults() Options {
	if o.MaxWidth <= 0 {
		o.MaxWidth = 640
	}
	if o.DefaultWidth <= 0 {
		o.DefaultWidth = encoder.DefaultWidth
	}
	if o.DefaultFrameRate <= 0 {
		o.DefaultFrameRate = 30
	}
	if o.MaxUnitSize <= 0 {
		o.MaxUnitSize = h264.DefaultMaxUnitSize
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 32
	}
	return o
}

// Params は確定したストリームのパラメータ
type Params struct {
	RequestedWidth int           `json:"requestedWidth"`
	Output         camera.Size   `json:"output"`
	FormatIndex    int           `json:"formatIndex"`
	Format         camera.Format `json:"inputFormat"`
	FrameRate      int           `json:"frameRate"`
}

// Snapshot はセッションの状態のコピー
type Snapshot struct {
	Index       int               `json:"index"`
	Device      string            `json:"device"`
	Name        string            `json:"name"`
	State       State             `json:"state"`
	Params      *Params           `json:"params,omitempty"`
	Subscribers []SubscriberStats `json:"subscribers"`
	Units       uint64            `json:"units"`
	Keyframes   uint64            `json:"keyframes"`
	Bytes       uint64            `json:"bytes"`
	StreamSize  camera.Size       `json:"streamSize"` // 最後に見えたSPSの解像度
	Launches    int               `json:"launches"`
}

type openRequestEvent struct {
	subscriber *Subscriber
	request    OpenRequest
}

type unitEvent struct {
	generation uint64
	unit       []byte
}

type endEvent struct {
	generation uint64
	handle     encoder.Handle
	err        error
}

// Session は1台のカメラのストリームを管理する
//
// 購読者の出入り、開始要求、エンコーダー出力、エンコーダー終了はすべて
// 1つのgoroutine（Run）で順番に処理する。
// エンコーダーは起動ごとに世代番号を持ち、古い世代の出力は破棄する。
type Session struct {
	index   int
	device  camera.Device
	formats []camera.Format
	store   SettingsStore
	encoder *encoder.Controller
	opts    Options
	logger  *slog.Logger

	joinCh    chan *Subscriber
	leaveCh   chan *Subscriber
	requestCh chan openRequestEvent
	unitCh    chan unitEvent
	endCh     chan endEvent
	saveCh    chan map[string]settings.CameraSettings
	done      chan struct{}

	// Runのgoroutineだけが触る
	subscribers map[string]*Subscriber
	generation  uint64
	handle      encoder.Handle
	cancelPump  context.CancelFunc

	// Snapshot用
	mu         sync.RWMutex
	state      State
	params     *Params
	members    []*Subscriber
	streamSize camera.Size

	units     atomic.Uint64
	keyframes atomic.Uint64
	bytes     atomic.Uint64
}

// NewSession は新しいSessionを作成する
// device.NativeSizeは幅の上限を適用済みであること
func NewSession(index int, device camera.Device, formats []camera.Format, launcher encoder.Launcher, store SettingsStore, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "device", device.Path)
	return &Session{
		index:       index,
		device:      device,
		formats:     formats,
		store:       store,
		encoder:     encoder.NewController(launcher, logger),
		opts:        opts.withDefaults(),
		logger:      logger,
		joinCh:      make(chan *Subscriber),
		leaveCh:     make(chan *Subscriber),
		requestCh:   make(chan openRequestEvent),
		unitCh:      make(chan unitEvent),
		endCh:       make(chan endEvent),
		saveCh:      make(chan map[string]settings.CameraSettings, 8),
		done:        make(chan struct{}),
		subscribers: make(map[string]*Subscriber),
		state:       StateIdle,
	}
}

// Run はctxがキャンセルされるまでセッションを処理する
// 終了時にエンコーダーを停止し、すべての購読者を切断する
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	defer s.shutdown()

	if s.store != nil {
		go s.saveLoop(ctx)
	}

	s.logger.Debug("セッションを開始しました")
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-s.joinCh:
			s.handleJoin(sub)
		case sub := <-s.leaveCh:
			s.removeSubscriber(sub, "切断")
		case ev := <-s.requestCh:
			s.handleOpenRequest(ctx, ev)
		case ev := <-s.unitCh:
			s.handleUnit(ev)
		case ev := <-s.endCh:
			s.handleEnd(ev)
		}
	}
}

// Done はRunが終了するとクローズされる
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Serve は1つの接続を購読者として扱い、切断されるまでブロックする
func (s *Session) Serve(ctx context.Context, conn Conn) error {
	sub := NewSubscriber(conn, s.opts.SendQueue, s.logger)
	defer sub.Close()

	if err := sendEvent(ctx, s, s.joinCh, sub); err != nil {
		return err
	}
	defer func() {
		_ = sendEvent(context.Background(), s, s.leaveCh, sub)
	}()

	// ctxが終わったら読み込みを止めるために閉じる
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("接続が閉じられました", "subscriber", sub.ID(), "error", err)
			return nil
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			s.logger.Warn("不正なメッセージを無視します", "subscriber", sub.ID(), "error", err)
			continue
		}

		switch msg.Action {
		case ActionOpenRequest:
			var req OpenRequest
			if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
				if err := json.Unmarshal(msg.Payload, &req); err != nil {
					s.logger.Warn("open-requestの解析に失敗", "subscriber", sub.ID(), "error", err)
					continue
				}
			}
			if err := sendEvent(ctx, s, s.requestCh, openRequestEvent{subscriber: sub, request: req}); err != nil {
				return err
			}
		default:
			s.logger.Debug("未知のactionを無視します", "action", msg.Action)
		}
	}
}

func sendEvent[T any](ctx context.Context, s *Session, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot は現在の状態を返す
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Index:       s.index,
		Device:      s.device.Path,
		Name:        s.device.Name(),
		State:       s.state,
		Subscribers: make([]SubscriberStats, 0, len(s.members)),
		Units:       s.units.Load(),
		Keyframes:   s.keyframes.Load(),
		Bytes:       s.bytes.Load(),
		StreamSize:  s.streamSize,
		Launches:    s.encoder.Launches(),
	}
	if s.params != nil {
		p := *s.params
		snap.Params = &p
	}
	for _, sub := range s.members {
		snap.Subscribers = append(snap.Subscribers, sub.Stats())
	}
	return snap
}

func (s *Session) handleJoin(sub *Subscriber) {
	s.subscribers[sub.ID()] = sub
	s.publishMembers()
	s.logger.Info("視聴者が接続しました", "subscriber", sub.ID(), "subscribers", len(s.subscribers))

	if err := s.sendTo(sub, ActionInfo, s.infoPayload()); err != nil {
		s.removeSubscriber(sub, "info送信失敗")
		return
	}

	// 配信中なら途中参加者にも現在のパラメータを知らせてからフレームを送る
	s.mu.RLock()
	params := s.params
	active := s.state == StateActive
	s.mu.RUnlock()
	if !active || params == nil {
		return
	}
	for _, m := range s.negotiationMessages(*params) {
		if err := sub.SendControl(m); err != nil {
			s.removeSubscriber(sub, "パラメータ送信失敗")
			return
		}
	}
}

func (s *Session) removeSubscriber(sub *Subscriber, reason string) {
	if _, ok := s.subscribers[sub.ID()]; !ok {
		return
	}
	delete(s.subscribers, sub.ID())
	sub.Close()
	s.publishMembers()
	s.logger.Info("視聴者が離脱しました", "subscriber", sub.ID(), "reason", reason, "subscribers", len(s.subscribers))

	if len(s.subscribers) == 0 {
		s.stopEncoder()
		s.setState(StateIdle, nil)
		s.logger.Info("視聴者がいなくなったためエンコーダーを停止しました")
	}
}

func (s *Session) handleOpenRequest(ctx context.Context, ev openRequestEvent) {
	if _, ok := s.subscribers[ev.subscriber.ID()]; !ok {
		return
	}

	s.mu.Lock()
	s.state = StateNegotiating
	s.mu.Unlock()

	params, err := s.resolveParams(ev.request)
	if err != nil {
		s.logger.Error("ストリームのパラメータを決められません", "error", err)
		s.stopEncoder()
		s.setState(StateIdle, nil)
		s.broadcast(ActionStreamActive, false)
		return
	}

	s.broadcast(ActionOpen, OpenPayload{InputFormatIndex: params.FormatIndex, FrameRate: params.FrameRate})
	s.persist(params)
	s.broadcast(ActionInitialize, InitializePayload{Size: params.Output, CameraName: s.device.Name()})
	s.broadcast(ActionStreamActive, true)

	if len(s.subscribers) == 0 {
		s.stopEncoder()
		s.setState(StateIdle, nil)
		return
	}

	s.stopEncoder()
	handle, err := s.encoder.Start(ctx, encoder.Request{
		Device:    s.device.Path,
		Input:     params.Format,
		FrameRate: params.FrameRate,
		Output:    params.Output,
	})
	if err != nil {
		s.logger.Error("エンコーダーを起動できません", "error", err)
		s.setState(StateIdle, nil)
		s.broadcast(ActionStreamActive, false)
		return
	}

	s.generation++
	pumpCtx, cancel := context.WithCancel(ctx)
	s.handle = handle
	s.cancelPump = cancel
	go s.pump(pumpCtx, s.generation, handle)

	s.setState(StateActive, &params)
	s.logger.Info("ストリームを開始しました",
		"size", params.Output.String(),
		"format", params.Format.Encoding,
		"input", params.Format.Size,
		"frameRate", params.FrameRate)
}

// resolveParams は要求と保存済みの設定からパラメータを決める
func (s *Session) resolveParams(req OpenRequest) (Params, error) {
	if len(s.formats) == 0 {
		return Params{}, errors.New("利用できる入力形式がありません")
	}

	var stored settings.CameraSettings
	if s.store != nil {
		stored, _ = s.store.Get(s.device.Path)
	}
	merged := stored.Merge(settings.CameraSettings{
		InputFormatIndex: req.InputFormatIndex,
		FrameRate:        req.RequestedFrameRate(),
	})

	index := camera.DefaultFormatIndex(s.formats)
	if merged.InputFormatIndex != nil {
		if i := *merged.InputFormatIndex; i >= 0 && i < len(s.formats) {
			index = i
		} else {
			s.logger.Warn("入力形式の番号が範囲外のため既定値を使います", "requested", i, "default", index)
		}
	}

	frameRate := s.opts.DefaultFrameRate
	if merged.FrameRate != nil && *merged.FrameRate > 0 {
		frameRate = *merged.FrameRate
	}

	width, ok := req.RequestedWidth()
	if !ok {
		width = s.opts.DefaultWidth
	}
	output, err := encoder.ComputeOutputGeometry(s.device.NativeSize, width, s.opts.MaxWidth)
	if err != nil {
		return Params{}, fmt.Errorf("出力解像度の計算に失敗: %w", err)
	}

	return Params{
		RequestedWidth: width,
		Output:         output,
		FormatIndex:    index,
		Format:         s.formats[index],
		FrameRate:      frameRate,
	}, nil
}

// persist は確定した設定の保存をsaveLoopに依頼する
func (s *Session) persist(params Params) {
	if s.store == nil {
		return
	}
	index, frameRate := params.FormatIndex, params.FrameRate
	update := map[string]settings.CameraSettings{
		s.device.Path: {InputFormatIndex: &index, FrameRate: &frameRate},
	}
	select {
	case s.saveCh <- update:
	default:
		s.logger.Warn("設定の保存が詰まっているため今回の保存を諦めます")
	}
}

// saveLoop は依頼された順に設定を保存する
func (s *Session) saveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-s.saveCh:
			if err := s.store.Save(update); err != nil {
				s.logger.Warn("設定の保存に失敗", "error", err)
			}
		}
	}
}

// pump はエンコーダーの出力をアクセスユニットに分けてRunに渡す
func (s *Session) pump(ctx context.Context, generation uint64, handle encoder.Handle) {
	reader := h264.NewReader(handle.Stdout(), s.opts.MaxUnitSize)
	for {
		unit, err := reader.Next()
		if err != nil {
			// 終了コードを取れるように少し待つ
			select {
			case <-handle.Done():
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				return
			}
			select {
			case s.endCh <- endEvent{generation: generation, handle: handle, err: err}:
			case <-ctx.Done():
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case s.unitCh <- unitEvent{generation: generation, unit: unit}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handleUnit(ev unitEvent) {
	if ev.generation != s.generation || s.handle == nil {
		return
	}

	s.units.Add(1)
	s.bytes.Add(uint64(len(ev.unit)))
	info := h264.Inspect(ev.unit)
	if info.Keyframe {
		s.keyframes.Add(1)
	}
	if info.HasSPS && info.Width > 0 {
		s.mu.Lock()
		s.streamSize = camera.Size{Width: info.Width, Height: info.Height}
		s.mu.Unlock()
	}

	for _, sub := range s.subscribers {
		sub.SendFrame(ev.unit)
	}
}

func (s *Session) handleEnd(ev endEvent) {
	s.encoder.Release(ev.handle)
	if ev.generation != s.generation || s.handle != ev.handle {
		return
	}

	s.logger.Warn("エンコーダーが終了しました", "error", ev.err, "exit", ev.handle.Err())
	if s.cancelPump != nil {
		s.cancelPump()
		s.cancelPump = nil
	}
	s.handle = nil
	s.generation++
	s.setState(StateIdle, nil)
	s.broadcast(ActionStreamActive, false)
}

// stopEncoder は動作中のエンコーダーを止め、以降の出力を破棄する
func (s *Session) stopEncoder() {
	if s.cancelPump != nil {
		s.cancelPump()
		s.cancelPump = nil
	}
	s.encoder.Stop()
	s.handle = nil
	s.generation++
}

func (s *Session) shutdown() {
	s.stopEncoder()
	for id, sub := range s.subscribers {
		sub.Close()
		delete(s.subscribers, id)
	}
	s.publishMembers()
	s.setState(StateIdle, nil)
	s.logger.Debug("セッションを終了しました")
}

func (s *Session) broadcast(action string, payload any) {
	data, err := EncodeMessage(action, payload)
	if err != nil {
		s.logger.Error("メッセージを作れません", "action", action, "error", err)
		return
	}
	for _, sub := range s.subscribers {
		if err := sub.SendControl(data); err != nil {
			s.logger.Warn("制御メッセージを送れないため切断します", "subscriber", sub.ID(), "action", action, "error", err)
			s.removeSubscriber(sub, "送信キュー溢れ")
		}
	}
}

func (s *Session) sendTo(sub *Subscriber, action string, payload any) error {
	data, err := EncodeMessage(action, payload)
	if err != nil {
		return err
	}
	return sub.SendControl(data)
}

func (s *Session) negotiationMessages(params Params) [][]byte {
	var result [][]byte
	for _, m := range []struct {
		action  string
		payload any
	}{
		{ActionOpen, OpenPayload{InputFormatIndex: params.FormatIndex, FrameRate: params.FrameRate}},
		{ActionInitialize, InitializePayload{Size: params.Output, CameraName: s.device.Name()}},
		{ActionStreamActive, true},
	} {
		data, err := EncodeMessage(m.action, m.payload)
		if err != nil {
			s.logger.Error("メッセージを作れません", "action", m.action, "error", err)
			continue
		}
		result = append(result, data)
	}
	return result
}

func (s *Session) infoPayload() InfoPayload {
	payload := InfoPayload{
		Size:       s.device.NativeSize,
		CameraName: s.device.Name(),
		FormatList: s.formats,
	}
	if payload.FormatList == nil {
		payload.FormatList = []camera.Format{}
	}
	if s.store != nil {
		if stored, ok := s.store.Get(s.device.Path); ok {
			payload.InputFormatIndex = stored.InputFormatIndex
			payload.FrameRate = stored.FrameRate
		}
	}
	return payload
}

func (s *Session) setState(state State, params *Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.params = params
}

func (s *Session) publishMembers() {
	members := maps.Values(s.subscribers)
	slices.SortFunc(members, func(a, b *Subscriber) int {
		return strings.Compare(a.ID(), b.ID())
	})
	s.mu.Lock()
	s.members = members
	s.mu.Unlock()
}
