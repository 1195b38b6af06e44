// Package broadcast は接続中のクライアントへ通知をリアルタイムに配信するベストエフォートのPub/Subを提供する。
//
// 配信は受信者（recipient）ごとのトピックに対して行い、購読者ごとに長さ固定の
// 配信キューを持つ。キューが埋まっている購読者への配信は破棄し、配信側を待たせない。
// 破棄・切断・未接続による取りこぼしは、クライアントが通知ストアを再取得することで回復する。
// 永続化・再送・確認応答は行わない。
//
// 複数インスタンスで動作する場合はRedisBridgeを使い、共有チャネル経由で
// 各インスタンスのHubへ配信する。
package broadcast
