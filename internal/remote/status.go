package remote

import (
	"fmt"
	"net/http"

	"github.com/hitoshi/warmsync/internal/model"
)

// ClassifyStatus はHTTPステータスコードをエラー分類に変換する。2xxはnilを返す。
//   - 401/403: 認証が必要
//   - 404/410: リモート上に存在しない（tombstone扱い）
//   - 429/5xx/その他の非2xx: 到達不能
//
// 本文を解釈できない場合の不正なレスポンスはデコード側で判定する。
func ClassifyStatus(statusCode int, kind model.Kind, id int64) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return model.NewRemoteAuthError(fmt.Errorf("status %d", statusCode))
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return model.NewRemoteNotFoundError(kind, id)
	default:
		return model.NewRemoteUnreachableError(fmt.Errorf("status %d", statusCode))
	}
}
