package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/warmsync/internal/middleware"
	"github.com/hitoshi/warmsync/internal/model"
)

// maxBodySize はリクエストボディの上限（64KiB）。
const maxBodySize = 64 << 10

// dataResponse は成功時のAPIレスポンス。
// staleはキャッシュからのフォールバックやオフライン時にtrueになる。
type dataResponse struct {
	Data  any  `json:"data"`
	Stale bool `json:"stale"`
}

// writeData はdataResponse形式でレスポンスを書き込む。
func writeData(w http.ResponseWriter, statusCode int, data any, stale bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(dataResponse{Data: data, Stale: stale})
}

// writeInvalidRequest はリクエストの解析失敗を400で書き込む。
func writeInvalidRequest(w http.ResponseWriter, message string) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.RepositoryError{
		Code:     model.ErrCodeInvalidInput,
		Message:  message,
		Category: "validation",
		Action:   "リクエストの内容を確認してください。",
	})
}

// decodeBody はJSONボディをvに読み込む。失敗した場合は400を書き込みfalseを返す。
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeInvalidRequest(w, "リクエストボディの解析に失敗しました。")
		return false
	}
	return true
}

// pathID はURLパラメータidを正の整数として取得する。失敗した場合は400を書き込みfalseを返す。
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeInvalidRequest(w, "IDは正の整数で指定してください。")
		return 0, false
	}
	return id, true
}

// queryRefresh はクエリパラメータrefreshが真かどうかを返す。
func queryRefresh(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	return v
}

// queryInt はクエリパラメータを整数として取得する。未指定または不正な場合はdefを返す。
func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}
