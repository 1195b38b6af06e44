// Package ingest は協調サービスのドメインイベントを通知と学習進捗の更新に変換する。
//
// イベントは少なくとも1回配信される前提で、同じイベントの再送では通知を重複して作成しない。
// 処理順は 取り込み済みの確認 → 完了状態の記録 → 通知の保存 → プッシュ。
// 完了状態の記録はイベントIDで重複を排除するため、通知の保存に失敗して再送されても
// 学習時間は1回しか加算されない。
package ingest
