// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証、サービス間内部APIの共有トークン検証、構造化リクエストログ、
// パニックリカバリ、CORS設定など、通知サービスと進捗サービスで共通して使用する。
package middleware
