// Package notification は通知サービスの内部実装を提供する。
//
// 通知は2つの経路で届ける。永続ストア（Store）は少なくとも1回の保存を保証し、
// 未読数と履歴の唯一の正となる。ライブチャネル（SSE/WebSocket）はレイテンシを
// 下げるためのベストエフォートの経路で、取りこぼしを許容する。
//
// クライアントは次の規約に従って両者を突き合わせる。
//   - 画面表示時・再接続時・明示的な更新時に GET /notifications で一覧と未読数を取り直す。
//   - ライブチャネルのメッセージはキャッシュ無効化のヒントとして扱い、通知IDで重複を排除する。
//   - 既読化はPATCH APIで行い、成功後に手元の未読数を減らす。未読数を長期間手元で保持しない。
//
// 既読状態の遷移（未読→既読）はTrackerが比較交換で行う。
package notification
