package model

import "time"

// MergeUser は同一IDの2つのUserレコードを統合する。
// incomingがFullの場合はリモートの最新状態としてそのまま採用する（空になったフィールドも反映する）。
// それ以外は非ゼロ値フィールドの和集合を取り、両方に値がある場合は完全度の高い側を優先する
// （同じ完全度ならincoming優先）。Favoriteはローカル専用のため常にexistingの値を維持する。
// 完全度は下がらない。
func MergeUser(existing *User, incoming User) User {
	if existing == nil {
		incoming.Favorite = false
		return incoming
	}
	cur := *existing
	if incoming.Completeness >= CompletenessFull {
		merged := incoming
		merged.ID = cur.ID
		merged.Name = pick(cur.Name, incoming.Name, true)
		merged.Favorite = cur.Favorite
		merged.FetchedAt = pick(cur.FetchedAt, incoming.FetchedAt, true)
		return merged
	}
	in := incoming.Completeness >= cur.Completeness

	return User{
		ID:           cur.ID,
		Name:         pick(cur.Name, incoming.Name, in),
		Completeness: max(cur.Completeness, incoming.Completeness),
		Favorite:     cur.Favorite,
		FetchedAt:    pick(cur.FetchedAt, incoming.FetchedAt, in),

		Fullname:        pick(cur.Fullname, incoming.Fullname, in),
		Picture:         pick(cur.Picture, incoming.Picture, in),
		Comments:        pick(cur.Comments, incoming.Comments, in),
		LanguagesSpoken: pick(cur.LanguagesSpoken, incoming.LanguagesSpoken, in),

		Street:     pick(cur.Street, incoming.Street, in),
		Additional: pick(cur.Additional, incoming.Additional, in),
		City:       pick(cur.City, incoming.City, in),
		Province:   pick(cur.Province, incoming.Province, in),
		PostalCode: pick(cur.PostalCode, incoming.PostalCode, in),
		Country:    pick(cur.Country, incoming.Country, in),
		Latitude:   pick(cur.Latitude, incoming.Latitude, in),
		Longitude:  pick(cur.Longitude, incoming.Longitude, in),

		NotCurrentlyAvailable:       pick(cur.NotCurrentlyAvailable, incoming.NotCurrentlyAvailable, in),
		NotCurrentlyAvailableReason: pick(cur.NotCurrentlyAvailableReason, incoming.NotCurrentlyAvailableReason, in),
		MaxCyclists:                 pick(cur.MaxCyclists, incoming.MaxCyclists, in),
		Shower:                      pick(cur.Shower, incoming.Shower, in),
		Kitchen:                     pick(cur.Kitchen, incoming.Kitchen, in),
		Lawnspace:                   pick(cur.Lawnspace, incoming.Lawnspace, in),
		Sag:                         pick(cur.Sag, incoming.Sag, in),
		Bed:                         pick(cur.Bed, incoming.Bed, in),
		Laundry:                     pick(cur.Laundry, incoming.Laundry, in),
		Food:                        pick(cur.Food, incoming.Food, in),
		Storage:                     pick(cur.Storage, incoming.Storage, in),
		Motel:                       pick(cur.Motel, incoming.Motel, in),
		Campground:                  pick(cur.Campground, incoming.Campground, in),
		Bikeshop:                    pick(cur.Bikeshop, incoming.Bikeshop, in),

		MobilePhone: pick(cur.MobilePhone, incoming.MobilePhone, in),
		HomePhone:   pick(cur.HomePhone, incoming.HomePhone, in),
		WorkPhone:   pick(cur.WorkPhone, incoming.WorkPhone, in),
		URL:         pick(cur.URL, incoming.URL, in),

		Created:   pick(cur.Created, incoming.Created, in),
		LastLogin: pick(cur.LastLogin, incoming.LastLogin, in),
	}
}

// pick は優先側が非ゼロ値ならそれを、そうでなければもう一方を返す。
func pick[T comparable](cur, incoming T, preferIncoming bool) T {
	var zero T
	if preferIncoming {
		if incoming != zero {
			return incoming
		}
		return cur
	}
	if cur != zero {
		return cur
	}
	return incoming
}

// WithFavorite はFavoriteフラグのみを更新するマージ関数を返す。
// レコードが存在しない場合はincomingをそのまま登録する。
func WithFavorite(favorite bool) func(existing *User, incoming User) User {
	return func(existing *User, incoming User) User {
		if existing == nil {
			incoming.Favorite = favorite
			return incoming
		}
		u := *existing
		u.Favorite = favorite
		return u
	}
}

// MergeThread は同一IDの2つのMessageThreadを統合する。
// Fullなincomingは丸ごと置き換える。Fullな既存レコードにSparseなサマリーが来た場合は
// メッセージ本体を保持したままサマリー項目のみ更新し、最終更新が進んでいれば
// 次回取得で再フェッチされるよう取得時刻をリセットする。
func MergeThread(existing *MessageThread, incoming MessageThread) MessageThread {
	if existing == nil {
		return incoming
	}
	if incoming.IsFull() {
		if incoming.Preview == "" {
			incoming.Preview = existing.Preview
		}
		if incoming.LastUpdatedAt.IsZero() {
			incoming.LastUpdatedAt = existing.LastUpdatedAt
		}
		return incoming
	}
	if !existing.IsFull() {
		return incoming
	}

	t := *existing
	if incoming.Subject != "" {
		t.Subject = incoming.Subject
	}
	if incoming.MessageCount > 0 {
		t.MessageCount = incoming.MessageCount
	}
	if len(incoming.Participants) > 0 {
		t.Participants = incoming.Participants
	}
	if incoming.Preview != "" {
		t.Preview = incoming.Preview
	}
	t.IsNew = incoming.IsNew
	t.ReadAll = incoming.ReadAll
	if incoming.LastUpdatedAt.After(existing.LastUpdatedAt) {
		t.LastUpdatedAt = incoming.LastUpdatedAt
		t.FetchedAt = time.Time{}
	}
	return t
}

// MergeUserFeedback はフィードバック集合を統合する。常にFullなのでincomingで置き換える。
func MergeUserFeedback(_ *UserFeedback, incoming UserFeedback) UserFeedback {
	return incoming
}
