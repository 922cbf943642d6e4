package remote

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hitoshi/warmsync/internal/model"
)

// FetchUser はユーザーのプロフィール全体を取得する。
func (c *Client) FetchUser(ctx context.Context, id int64) (model.User, error) {
	r, err := c.do(ctx, request{
		endpoint: "user",
		method:   http.MethodGet,
		path:     "/services/rest/user/" + formatInt(id),
		kind:     model.KindUser,
		id:       id,
	})
	if err != nil {
		return model.User{}, err
	}
	if !r.IsObject() {
		return model.User{}, model.NewRemoteMalformedError(errNotObject("user"))
	}

	u := model.UserFromJSON(r, model.CompletenessFull)
	if u.ID == 0 {
		// 削除済みアカウントはuidのない空オブジェクトで返る
		return model.User{}, model.NewRemoteNotFoundError(model.KindUser, id)
	}
	u.Comments = c.sanitize(u.Comments)
	u.FetchedAt = time.Now()
	return u, nil
}

// SearchByKeyword はキーワードでホストを検索する。結果はSparseなUser。
func (c *Client) SearchByKeyword(ctx context.Context, keyword string, limit, page int) ([]model.User, error) {
	form := url.Values{}
	form.Set("keyword", keyword)
	form.Set("limit", strconv.Itoa(limit))
	form.Set("page", strconv.Itoa(page))

	r, err := c.do(ctx, request{
		endpoint: "hosts_by_keyword",
		method:   http.MethodPost,
		path:     "/services/rest/hosts/by_keyword",
		form:     form,
		kind:     model.KindUser,
	})
	if err != nil {
		return nil, err
	}
	return c.decodeAccounts(r), nil
}

// SearchByLocation は範囲内のホストを検索する。結果はSparseなUser。
func (c *Client) SearchByLocation(ctx context.Context, box BoundingBox, limit int) ([]model.User, error) {
	form := url.Values{}
	form.Set("minlat", formatFloat(box.MinLat))
	form.Set("maxlat", formatFloat(box.MaxLat))
	form.Set("minlon", formatFloat(box.MinLon))
	form.Set("maxlon", formatFloat(box.MaxLon))
	form.Set("centerlat", formatFloat(box.CenterLat))
	form.Set("centerlon", formatFloat(box.CenterLon))
	form.Set("limit", strconv.Itoa(limit))

	r, err := c.do(ctx, request{
		endpoint: "hosts_by_location",
		method:   http.MethodPost,
		path:     "/services/rest/hosts/by_location",
		form:     form,
		kind:     model.KindUser,
	})
	if err != nil {
		return nil, err
	}
	return c.decodeAccounts(r), nil
}

// decodeAccounts は検索レスポンスのaccountsを読み取る。
// accountsは配列またはuidをキーとするオブジェクトのどちらでも返りうる。
func (c *Client) decodeAccounts(r gjson.Result) []model.User {
	accounts := r.Get("accounts")
	if !accounts.Exists() {
		accounts = r
	}
	now := time.Now()
	users := []model.User{}
	accounts.ForEach(func(_, v gjson.Result) bool {
		if !v.IsObject() {
			return true
		}
		u := model.UserFromJSON(v, model.CompletenessSparse)
		if u.ID == 0 {
			return true
		}
		u.Comments = c.sanitize(u.Comments)
		u.FetchedAt = now
		users = append(users, u)
		return true
	})
	return users
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
