package model

import (
	"time"

	"github.com/tidwall/gjson"
)

// Message はスレッド内の1件のプライベートメッセージを表す。
type Message struct {
	ID        int64     `json:"id,omitempty"`
	ThreadID  int64     `json:"thread_id"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Author    User      `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Files     []string  `json:"files,omitempty"`
}

// MessageThread はメッセージスレッドを表す。
// 一覧APIから得たサマリーはSparse、getThreadで得たものはFull。
type MessageThread struct {
	ID            int64        `json:"id"`
	Subject       string       `json:"subject"`
	Completeness  Completeness `json:"completeness"`
	Messages      []Message    `json:"messages,omitempty"`
	Participants  []User       `json:"participants,omitempty"`
	MessageCount  int          `json:"message_count"`
	IsNew         bool         `json:"is_new"`
	ReadAll       bool         `json:"read_all"`
	From          int          `json:"from"`
	To            int          `json:"to"`
	StartedAt     time.Time    `json:"started_at"`
	LastUpdatedAt time.Time    `json:"last_updated_at"`
	Preview       string       `json:"preview,omitempty"`
	FetchedAt     time.Time    `json:"fetched_at"`
}

// EntityKind はEntityインターフェースを実装する。
func (t MessageThread) EntityKind() Kind { return KindThread }

// EntityID はEntityインターフェースを実装する。
func (t MessageThread) EntityID() int64 { return t.ID }

// IsFull はメッセージ本文まで取得済みかどうかを返す。
func (t MessageThread) IsFull() bool { return t.Completeness >= CompletenessFull }

// ThreadFromJSON はgetThreadのJSON表現からFullなMessageThreadを生成する。
func ThreadFromJSON(r gjson.Result) MessageThread {
	t := MessageThread{
		ID:           r.Get("thread_id").Int(),
		Subject:      r.Get("subject").String(),
		Completeness: CompletenessFull,
		MessageCount: int(r.Get("message_count").Int()),
		ReadAll:      r.Get("read_all").Bool(),
		From:         int(r.Get("from").Int()),
		To:           int(r.Get("to").Int()),
		StartedAt:    unixTime(r.Get("start")),
	}
	t.IsNew = !t.ReadAll

	eachValue(r.Get("participants"), func(v gjson.Result) {
		t.Participants = append(t.Participants, UserRef(v))
	})
	eachValue(r.Get("messages"), func(v gjson.Result) {
		m := Message{
			ID:        v.Get("mid").Int(),
			ThreadID:  v.Get("thread_id").Int(),
			Subject:   v.Get("subject").String(),
			Body:      v.Get("body").String(),
			Author:    UserRef(v.Get("author")),
			Timestamp: unixTime(v.Get("timestamp")),
		}
		if m.ThreadID == 0 {
			m.ThreadID = t.ID
		}
		eachValue(v.Get("files"), func(f gjson.Result) {
			if url := f.Get("url").String(); url != "" {
				m.Files = append(m.Files, url)
			} else if f.Type == gjson.String {
				m.Files = append(m.Files, f.String())
			}
		})
		t.Messages = append(t.Messages, m)
	})
	if n := len(t.Messages); n > 0 {
		t.LastUpdatedAt = t.Messages[n-1].Timestamp
		if t.MessageCount == 0 {
			t.MessageCount = n
		}
	}
	return t
}

// ThreadSummaryFromJSON はメッセージ一覧APIの1要素からSparseなMessageThreadを生成する。
func ThreadSummaryFromJSON(r gjson.Result) MessageThread {
	t := MessageThread{
		ID:            r.Get("thread_id").Int(),
		Subject:       r.Get("subject").String(),
		Completeness:  CompletenessSparse,
		MessageCount:  int(r.Get("count").Int()),
		IsNew:         r.Get("is_new").Bool(),
		StartedAt:     unixTime(r.Get("thread_started")),
		LastUpdatedAt: unixTime(r.Get("last_updated")),
		Preview:       r.Get("body").String(),
	}
	t.ReadAll = !t.IsNew
	eachValue(r.Get("participants"), func(v gjson.Result) {
		t.Participants = append(t.Participants, UserRef(v))
	})
	return t
}
