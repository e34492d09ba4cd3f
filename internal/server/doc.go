// Package server は、HTTPサーバーとWebSocket通信を管理します。
//
// このパッケージは、HTTP APIのルーティング、視聴者接続の確立、
// 音声再生要求の受け付けを担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - internal/apiで定義した操作の実装（RovercamHandler）
//   - WebSocket接続をstream.Connに適合させる（ping/pong、書き込み期限）
//   - 配信中のH.264をMPEG-TSに多重化して送る（/api/cameras/{i}/stream.ts）
//   - 視聴ページの配信
//
// 仕様:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - 既存クライアント向けに /video{i} でもWebSocketを受け付ける
//   - シャットダウン時は配信セッションを先に止めてからHTTPサーバーを閉じる
package server
