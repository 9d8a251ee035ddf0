// Package server は、HTTPサーバーとWebSocket通信を管理します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - ストリームの取得・解放、キャプチャ、コピーのAPI
//   - プレビューのMJPEG配信
//   - 状態変化のWebSocket配信
//   - 埋め込みHTMLの配信
//
// 仕様:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - シャットダウン時はSurfaceとControllerを閉じてからHTTPサーバーを止める
package server
