// Package media はカメラ・マイクのストリーム取得ライフサイクルを担う
//
// # 責務
// - プラットフォームへのストリーム取得要求の発行
// - 取得状態（Idle / Requesting / Live / Failed）の管理
// - 取得エラーの分類と通知
// - ハードウェアトラックの確実な解放
//
// # 仕様
//   - 1つのControllerが保持するStreamは常に高々1つ
//   - 同じ制約での再取得は何もしない（冪等）
//   - 制約が変わった場合は旧Streamを解放してから新しい要求を発行する
//   - 要求中に別の制約で取得するとErrAcquireInProgressを返す
//   - Close時は保持中のStreamを解放し、未解決の要求は解決時に即座に解放する
//   - プラットフォームのエラーはNormalizeでAcquisitionErrorに正規化される
package media
