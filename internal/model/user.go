package model

import (
	"time"

	"github.com/tidwall/gjson"
)

// User はホスティングコミュニティのメンバーを表す。
// Favoriteはローカル専用のフラグで、ネットワークから設定されることはない。
type User struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	Completeness Completeness `json:"completeness"`
	Favorite     bool         `json:"favorite"`
	FetchedAt    time.Time    `json:"fetched_at"`

	Fullname        string `json:"fullname,omitempty"`
	Picture         string `json:"picture,omitempty"`
	Comments        string `json:"comments,omitempty"`
	LanguagesSpoken string `json:"languages_spoken,omitempty"`

	Street     string  `json:"street,omitempty"`
	Additional string  `json:"additional,omitempty"`
	City       string  `json:"city,omitempty"`
	Province   string  `json:"province,omitempty"`
	PostalCode string  `json:"postal_code,omitempty"`
	Country    string  `json:"country,omitempty"`
	Latitude   float64 `json:"latitude,omitempty"`
	Longitude  float64 `json:"longitude,omitempty"`

	NotCurrentlyAvailable       bool   `json:"not_currently_available,omitempty"`
	NotCurrentlyAvailableReason string `json:"not_currently_available_reason,omitempty"`
	MaxCyclists                 int    `json:"max_cyclists,omitempty"`
	Shower                      bool   `json:"shower,omitempty"`
	Kitchen                     bool   `json:"kitchen,omitempty"`
	Lawnspace                   bool   `json:"lawnspace,omitempty"`
	Sag                         bool   `json:"sag,omitempty"`
	Bed                         bool   `json:"bed,omitempty"`
	Laundry                     bool   `json:"laundry,omitempty"`
	Food                        bool   `json:"food,omitempty"`
	Storage                     bool   `json:"storage,omitempty"`
	Motel                       string `json:"motel,omitempty"`
	Campground                  string `json:"campground,omitempty"`
	Bikeshop                    string `json:"bikeshop,omitempty"`

	MobilePhone string `json:"mobile_phone,omitempty"`
	HomePhone   string `json:"home_phone,omitempty"`
	WorkPhone   string `json:"work_phone,omitempty"`
	URL         string `json:"url,omitempty"`

	Created   time.Time `json:"created"`
	LastLogin time.Time `json:"last_login"`
}

// EntityKind はEntityインターフェースを実装する。
func (u User) EntityKind() Kind { return KindUser }

// EntityID はEntityインターフェースを実装する。
func (u User) EntityID() int64 { return u.ID }

// IsFull は全フィールドを取得済みかどうかを返す。
func (u User) IsFull() bool { return u.Completeness >= CompletenessFull }

// UserRef はuid/nameのみを持つ埋め込みユーザー参照からSparseなUserを生成する。
func UserRef(r gjson.Result) User {
	return User{
		ID:           r.Get("uid").Int(),
		Name:         r.Get("name").String(),
		Completeness: CompletenessSparse,
	}
}

// UserFromJSON はユーザーのJSON表現からUserを生成する。
// 欠損フィールドはゼロ値となり、失敗することはない。
func UserFromJSON(r gjson.Result, completeness Completeness) User {
	return User{
		ID:           r.Get("uid").Int(),
		Name:         r.Get("name").String(),
		Completeness: completeness,

		Fullname:        r.Get("fullname").String(),
		Picture:         r.Get("picture").String(),
		Comments:        r.Get("comments").String(),
		LanguagesSpoken: r.Get("languagesspoken").String(),

		Street:     r.Get("street").String(),
		Additional: r.Get("additional").String(),
		City:       r.Get("city").String(),
		Province:   r.Get("province").String(),
		PostalCode: r.Get("postal_code").String(),
		Country:    r.Get("country").String(),
		Latitude:   r.Get("latitude").Float(),
		Longitude:  r.Get("longitude").Float(),

		NotCurrentlyAvailable:       r.Get("notcurrentlyavailable").Bool(),
		NotCurrentlyAvailableReason: r.Get("notcurrentlyavailable_reason").String(),
		MaxCyclists:                 int(r.Get("maxcyclists").Int()),
		Shower:                      r.Get("shower").Bool(),
		Kitchen:                     r.Get("kitchenuse").Bool(),
		Lawnspace:                   r.Get("lawnspace").Bool(),
		Sag:                         r.Get("sag").Bool(),
		Bed:                         r.Get("bed").Bool(),
		Laundry:                     r.Get("laundry").Bool(),
		Food:                        r.Get("food").Bool(),
		Storage:                     r.Get("storage").Bool(),
		Motel:                       r.Get("motel").String(),
		Campground:                  r.Get("campground").String(),
		Bikeshop:                    r.Get("bikeshop").String(),

		MobilePhone: r.Get("mobilephone").String(),
		HomePhone:   r.Get("homephone").String(),
		WorkPhone:   r.Get("workphone").String(),
		URL:         r.Get("URL").String(),

		Created:   unixTime(r.Get("created")),
		LastLogin: unixTime(r.Get("login")),
	}
}

// unixTime はUNIX秒のJSON値をtime.Timeに変換する。0以下はゼロ値とする。
func unixTime(r gjson.Result) time.Time {
	sec := r.Int()
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// eachValue は配列、またはインデックスをキーとするオブジェクトの各値に対してfnを呼ぶ。
// それ以外の値は無視する。
func eachValue(r gjson.Result, fn func(gjson.Result)) {
	if !r.IsArray() && !r.IsObject() {
		return
	}
	r.ForEach(func(_, v gjson.Result) bool {
		fn(v)
		return true
	})
}
