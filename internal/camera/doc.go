// Package camera はV4L2カメラをffmpeg経由で開くメディア取得機能を提供する
//
// # 責務
// - V4L2デバイスの検出と実名取得
// - ffmpegによるMJPEGフレームのストリーミング
// - media.Platformとしてのストリーム取得とエラー分類
//
// # 仕様
//   - DeviceIDが空なら最初に検出されたデバイスを使う
//   - 最初のフレームが届いた時点で取得成功とする
//   - トラックのStopでffmpegを停止し、プロセスの終了まで待つ
//   - 音声トラックはサポートしない（OverconstrainedError）
//
// # 前提要件
//   - v4l-utils: カメラ名の取得とデバイス制御に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: 画像キャプチャとストリーミングに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
