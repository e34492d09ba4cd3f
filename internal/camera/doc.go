// Package camera はV4L2カメラデバイスの検出と入力形式の調査を担う
//
// # 責務
// - 接続されているビデオデバイスの列挙と名前・最大解像度の取得
// - デバイスが対応する入力形式（ピクセル形式と解像度）の列挙
//
// # 前提要件
//   - v4l-utils: デバイスの列挙と情報の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: 入力形式の列挙に使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
