package model

import (
	"time"

	"github.com/tidwall/gjson"
)

// Feedback の評価値。
const (
	RatingPositive = "Positive"
	RatingNeutral  = "Neutral"
	RatingNegative = "Negative"
)

// Feedback の種別。
const (
	FeedbackTypeGuest = "Guest"
	FeedbackTypeHost  = "Host"
	FeedbackTypeOther = "Met Traveling"
)

// Feedback はメンバーに対する推薦（フィードバック）1件を表す。
type Feedback struct {
	ID        int64  `json:"id,omitempty"`
	Author    User   `json:"author"`
	SubjectID int64  `json:"subject_id"`
	Body      string `json:"body"`
	Rating    string `json:"rating"`
	Type      string `json:"type"`
	Year      int    `json:"year"`
	Month     int    `json:"month"`
}

// UserFeedback はあるメンバーが受け取ったフィードバックの集合。
// IDは対象メンバーのユーザーIDで、常にFullとして扱う。
type UserFeedback struct {
	ID        int64      `json:"id"`
	Items     []Feedback `json:"items"`
	FetchedAt time.Time  `json:"fetched_at"`
}

// EntityKind はEntityインターフェースを実装する。
func (f UserFeedback) EntityKind() Kind { return KindFeedback }

// EntityID はEntityインターフェースを実装する。
func (f UserFeedback) EntityID() int64 { return f.ID }

// FeedbackFromJSON はrecommendationのJSON表現からFeedbackを生成する。
// ホスティング日はUNIX秒からUTCの年月に変換する。
func FeedbackFromJSON(r gjson.Result, subjectID int64) Feedback {
	f := Feedback{
		ID: r.Get("nid").Int(),
		Author: User{
			ID:           r.Get("uid_1").Int(),
			Name:         r.Get("name_1").String(),
			Completeness: CompletenessSparse,
		},
		SubjectID: subjectID,
		Body:      r.Get("body").String(),
		Rating:    r.Get("field_rating_value").String(),
		Type:      r.Get("field_guest_or_host_value").String(),
	}
	if ts := r.Get("field_hosting_date_value").Float(); ts > 0 {
		d := time.Unix(int64(ts), 0).UTC()
		f.Year = d.Year()
		f.Month = int(d.Month())
	}
	return f
}

// UserFeedbackFromJSON はjson_recommendationsのレスポンスからUserFeedbackを生成する。
func UserFeedbackFromJSON(r gjson.Result, userID int64) UserFeedback {
	uf := UserFeedback{ID: userID, Items: []Feedback{}}
	eachValue(r.Get("recommendations"), func(v gjson.Result) {
		rec := v.Get("recommendation")
		if !rec.Exists() {
			rec = v
		}
		uf.Items = append(uf.Items, FeedbackFromJSON(rec, userID))
	})
	return uf
}
