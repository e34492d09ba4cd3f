// Package stream はカメラ1台ごとのストリーム配信セッションを扱う
//
// # 責務
// - 視聴者（購読者）の接続と切断の管理
// - open-requestによるストリームパラメータの決定と全視聴者への通知
// - エンコーダーの起動・停止（同時に動くのは常に1つ）
// - エンコーダー出力のアクセスユニット単位での配信
//
// # 仕様
// - 制御メッセージはJSONの {action, payload}、映像はバイナリメッセージ1つにつき1アクセスユニット
// - 接続直後に info を送る。配信中に接続した視聴者には続けて open / initalize / stream_active を送る
// - 視聴者ごとに送信中のフレームは1つまで。送信中に届いたフレームは捨てる
// - 視聴者が0人になるとエンコーダーを停止する
// - エンコーダーが終了すると stream_active:false を送り待機状態に戻る
package stream
