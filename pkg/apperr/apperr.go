// Package apperr はサービス共通のエラー分類を提供する。
//
// ストレージ障害（リトライ可能）、対象なし、入力不正、認証失敗の4種類に分類し、
// HTTPハンドラはHTTPStatusでステータスコードへ変換する。
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// エラー種別のセンチネル。errors.Isで判定する。
var (
	// ErrStorage は永続ストアが利用できない、またはタイムアウトしたことを表す。呼び出し側でリトライ可能。
	ErrStorage = errors.New("ストレージエラー")
	// ErrNotFound は指定された対象が存在しない、または呼び出し元に属さないことを表す。
	ErrNotFound = errors.New("対象が見つかりません")
	// ErrValidation は書き込み前に検出された入力不正を表す。
	ErrValidation = errors.New("入力が不正です")
	// ErrUnauthorized は呼び出し元を特定できないことを表す。
	ErrUnauthorized = errors.New("認証されていません")
)

// Error は種別・操作名・原因エラーを保持するエラー。
type Error struct {
	// Kind はエラー種別のセンチネル。
	Kind error
	// Op はエラーが発生した操作名。
	Op string
	// Msg は利用者向けの補足メッセージ。
	Msg string
	// Err は原因エラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Is はエラー種別のセンチネルと一致するか判定する。
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// Storage はストレージ障害を表すエラーを生成する。errがnilの場合はnilを返す。
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	// 既に分類済みのエラーは二重に包まない
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: ErrStorage, Op: op, Err: err}
}

// NotFound は対象が見つからないことを表すエラーを生成する。
func NotFound(op, msg string) error {
	return &Error{Kind: ErrNotFound, Op: op, Msg: msg}
}

// Validation は入力不正を表すエラーを生成する。
func Validation(op, msg string) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: msg}
}

// Validationf は書式付きの入力不正エラーを生成する。
func Validationf(op, format string, args ...any) error {
	return Validation(op, fmt.Sprintf(format, args...))
}

// HTTPStatus はエラー種別に対応するHTTPステータスコードを返す。
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message は利用者に返すエラーメッセージを返す。内部の原因エラーは含めない。
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Msg != "" {
			return ae.Msg
		}
		return ae.Kind.Error()
	}
	return "内部サーバーエラーが発生しました"
}
