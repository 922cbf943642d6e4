package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/warmsync/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, repoErr *model.RepositoryError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     repoErr.Code,
		Message:  repoErr.Message,
		Category: repoErr.Category,
		Action:   repoErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.RepositoryError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// StatusCode はリポジトリエラーに対応するHTTPステータスコードを返す。
func StatusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrEntityGone):
		return http.StatusGone
	case errors.Is(err, model.ErrRemoteNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNoCachedData):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrRemoteAuth):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrRemoteUnreachable), errors.Is(err, model.ErrRemoteMalformed):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteError はerrをステータスコードと統一フォーマットに変換して書き込む。
// RepositoryError以外は内部エラーとして扱う。
func WriteError(w http.ResponseWriter, err error) {
	var repoErr *model.RepositoryError
	if !errors.As(err, &repoErr) {
		WriteInternalServerError(w)
		return
	}
	// 本文には最も外側のエラーを使う。NoCachedDataが原因のリモートエラーより優先される
	WriteErrorResponse(w, StatusCode(err), repoErr)
}
