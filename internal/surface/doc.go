// Package surface はストリームのプレビュー表示と静止画キャプチャを扱う
//
// Surfaceはmedia.Controllerが保持するストリームを借りて表示するだけで、
// トラックを停止することはない。キャプチャした画像はPNGのdata URLとして保持され、
// クリップボードにコピーできる。
package surface
