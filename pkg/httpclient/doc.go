// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// 通知サービスから進捗サービスへの学習完了の記録、進捗サービスから
// コース構成を提供するサービスへの問い合わせなど、サービス間の通信パターンを統一する。
package httpclient
