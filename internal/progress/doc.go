// Package progress は学習進捗サービスの内部実装を提供する。
//
// 学習項目ごとの完了状態（Completion）を保存し、学習項目・モジュール・コースの
// 各単位で進捗サマリーを集計する。モジュールとコースのサマリーは常に学習項目の
// 完了状態から集計し直し、独立した集計値として保存しない。キャッシュは学習者の
// 完了状態またはコース構成が変わった時点で無効になる。
package progress
