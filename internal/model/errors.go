package model

import (
	"errors"
	"fmt"
)

// RepositoryError はリポジトリ層の統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type RepositoryError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: remote, storage, cache, validation
	Action   string // ユーザー向け対処方法
	Kind     Kind   // 対象エンティティ種別（不明な場合は空）
	ID       int64  // 対象エンティティID（不明な場合は0）
	Err      error  // 原因
}

// Error はerrorインターフェースを実装する。
func (e *RepositoryError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は原因エラーを返す。
func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// Is はエラーコードが一致すればtrueを返す。errors.Isで番兵エラーと照合できる。
func (e *RepositoryError) Is(target error) bool {
	var t *RepositoryError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// 定義済みエラーコード
const (
	ErrCodeRemoteUnreachable = "REMOTE_UNREACHABLE"
	ErrCodeRemoteAuth        = "REMOTE_AUTH_REQUIRED"
	ErrCodeRemoteMalformed   = "REMOTE_MALFORMED_RESPONSE"
	ErrCodeRemoteNotFound    = "REMOTE_NOT_FOUND"
	ErrCodePersistence       = "PERSISTENCE_ERROR"
	ErrCodeNoCachedData      = "NO_CACHED_DATA_AVAILABLE"
	ErrCodeEntityGone        = "ENTITY_GONE"
	ErrCodeInvalidInput      = "INVALID_INPUT"
)

// errors.Isで照合するための番兵エラー。
var (
	ErrRemoteUnreachable = &RepositoryError{Code: ErrCodeRemoteUnreachable}
	ErrRemoteAuth        = &RepositoryError{Code: ErrCodeRemoteAuth}
	ErrRemoteMalformed   = &RepositoryError{Code: ErrCodeRemoteMalformed}
	ErrRemoteNotFound    = &RepositoryError{Code: ErrCodeRemoteNotFound}
	ErrPersistence       = &RepositoryError{Code: ErrCodePersistence}
	ErrNoCachedData      = &RepositoryError{Code: ErrCodeNoCachedData}
	ErrEntityGone        = &RepositoryError{Code: ErrCodeEntityGone}
	ErrInvalidInput      = &RepositoryError{Code: ErrCodeInvalidInput}
)

// IsRemoteFailure はリモート取得失敗（NotFound以外）かどうかを返す。
// これらはキャッシュへのフォールバック対象となる。
func IsRemoteFailure(err error) bool {
	return errors.Is(err, ErrRemoteUnreachable) ||
		errors.Is(err, ErrRemoteAuth) ||
		errors.Is(err, ErrRemoteMalformed)
}

// NewRemoteUnreachableError はリモート到達不能エラーを生成する。
func NewRemoteUnreachableError(cause error) *RepositoryError {
	return &RepositoryError{
		Code:     ErrCodeRemoteUnreachable,
		Message:  "サーバーに接続できませんでした。",
		Category: "remote",
		Action:   "ネットワーク接続を確認し、しばらく待ってから再度お試しください。",
		Err:      cause,
	}
}

// NewRemoteAuthError は認証要求エラーを生成する。
func NewRemoteAuthError(cause error) *RepositoryError {
	return &RepositoryError{
		Code:     ErrCodeRemoteAuth,
		Message:  "サーバーへの認証が必要です。",
		Category: "remote",
		Action:   "ログインし直してください。",
		Err:      cause,
	}
}

// NewRemoteMalformedError は不正なレスポンスエラーを生成する。
func NewRemoteMalformedError(cause error) *RepositoryError {
	return &RepositoryError{
		Code:     ErrCodeRemoteMalformed,
		Message:  "サーバーから不正なレスポンスを受信しました。",
		Category: "remote",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      cause,
	}
}

// NewRemoteNotFoundError はリモート上にエンティティが存在しない場合のエラーを生成する。
func NewRemoteNotFoundError(kind Kind, id int64) *RepositoryError {
	return &RepositoryError{
		Code:     ErrCodeRemoteNotFound,
		Message:  fmt.Sprintf("サーバー上に%sが見つかりません: %d", kind, id),
		Category: "remote",
		Action:   "IDを確認してください。",
		Kind:     kind,
		ID:       id,
	}
}

// NewPersistenceError はローカルストアの読み書き失敗エラーを生成する。
func NewPersistenceError(op string, kind Kind, id int64, cause error) *RepositoryError {
	return &RepositoryError{
		Code:     ErrCodePersistence,
		Message:  fmt.Sprintf("ローカルストアの%sに失敗しました", op),
		Category: "storage",
		Action:   "アプリを再起動してください。解決しない場合はローカルデータを削除してください。",
		Kind:     kind,
		ID:       id,
		Err:      cause,
	}
}

// NewNoCachedDataError はオフラインまたは取得失敗時にキャッシュが無い場合のエラーを生成する。
// causeにはリモート側の失敗を渡す（オフラインの場合はnil）。
func NewNoCachedDataError(kind Kind, id int64, cause error) *RepositoryError {
	return &RepositoryError{
		Code:     ErrCodeNoCachedData,
		Message:  fmt.Sprintf("%sのキャッシュがありません: %d", kind, id),
		Category: "cache",
		Action:   "オンラインになってから再度お試しください。",
		Kind:     kind,
		ID:       id,
		Err:      cause,
	}
}

// NewEntityGoneError はエンティティが削除済みの場合のエラーを生成する。
func NewEntityGoneError(kind Kind, id int64) *RepositoryError {
	return &RepositoryError{
		Code:     ErrCodeEntityGone,
		Message:  fmt.Sprintf("%sは既に存在しません: %d", kind, id),
		Category: "cache",
		Action:   "一覧を更新してください。",
		Kind:     kind,
		ID:       id,
	}
}

// NewInvalidInputError は入力値が不正な場合のエラーを生成する。
func NewInvalidInputError(reason string) *RepositoryError {
	return &RepositoryError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}
