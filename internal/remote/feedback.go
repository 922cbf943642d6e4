package remote

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hitoshi/warmsync/internal/model"
)

// FetchFeedback はuserIDのメンバーが受け取ったフィードバックを取得する。
func (c *Client) FetchFeedback(ctx context.Context, userID int64) (model.UserFeedback, error) {
	r, err := c.do(ctx, request{
		endpoint: "json_recommendations",
		method:   http.MethodGet,
		path:     "/user/" + formatInt(userID) + "/json_recommendations",
		kind:     model.KindFeedback,
		id:       userID,
	})
	if err != nil {
		return model.UserFeedback{}, err
	}
	if !r.IsObject() {
		return model.UserFeedback{}, model.NewRemoteMalformedError(errNotObject("recommendations"))
	}

	uf := model.UserFeedbackFromJSON(r, userID)
	for i := range uf.Items {
		uf.Items[i].Body = c.sanitize(uf.Items[i].Body)
	}
	uf.FetchedAt = time.Now()
	return uf, nil
}

// CreateFeedback はsubjectNameのメンバーに対するフィードバックを作成する。
func (c *Client) CreateFeedback(ctx context.Context, subjectName string, f model.Feedback) error {
	form := url.Values{}
	form.Set("node[type]", "trust_referral")
	form.Set("node[field_member_i_trust][0][uid][uid]", subjectName)
	form.Set("node[body]", f.Body)
	form.Set("node[field_guest_or_host][value]", f.Type)
	form.Set("node[field_rating][value]", f.Rating)
	form.Set("node[field_hosting_date][0][value][year]", strconv.Itoa(f.Year))
	form.Set("node[field_hosting_date][0][value][month]", strconv.Itoa(f.Month))

	_, err := c.do(ctx, request{
		endpoint: "node_create",
		method:   http.MethodPost,
		path:     "/services/rest/node",
		form:     form,
		kind:     model.KindFeedback,
		id:       f.SubjectID,
	})
	return err
}
