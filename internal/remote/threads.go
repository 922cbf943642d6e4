package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hitoshi/warmsync/internal/model"
	"github.com/hitoshi/warmsync/internal/security"
)

func errNotObject(what string) error {
	return fmt.Errorf("%s response is not an object", what)
}

// FetchThread はスレッドのメッセージと参加者を取得する。
func (c *Client) FetchThread(ctx context.Context, id int64) (model.MessageThread, error) {
	form := url.Values{}
	form.Set("thread_id", formatInt(id))

	r, err := c.do(ctx, request{
		endpoint: "message_get_thread",
		method:   http.MethodPost,
		path:     "/services/rest/message/getThread",
		form:     form,
		kind:     model.KindThread,
		id:       id,
	})
	if err != nil {
		return model.MessageThread{}, err
	}
	if !r.IsObject() {
		return model.MessageThread{}, model.NewRemoteMalformedError(errNotObject("thread"))
	}

	t := model.ThreadFromJSON(r)
	if t.ID == 0 {
		return model.MessageThread{}, model.NewRemoteNotFoundError(model.KindThread, id)
	}
	for i := range t.Messages {
		t.Messages[i].Body = c.sanitize(t.Messages[i].Body)
	}
	if n := len(t.Messages); n > 0 {
		t.Preview = security.PlainText(t.Messages[n-1].Body, c.previewLength)
	}
	t.FetchedAt = time.Now()
	return t, nil
}

// FetchThreads はスレッドサマリーの一覧を取得する。
func (c *Client) FetchThreads(ctx context.Context) ([]model.MessageThread, error) {
	r, err := c.do(ctx, request{
		endpoint: "message_get",
		method:   http.MethodPost,
		path:     "/services/rest/message/get",
		form:     url.Values{},
		kind:     model.KindThread,
	})
	if err != nil {
		return nil, err
	}
	if !r.IsArray() && !r.IsObject() {
		return nil, model.NewRemoteMalformedError(errors.New("thread list is neither array nor object"))
	}

	now := time.Now()
	threads := []model.MessageThread{}
	r.ForEach(func(_, v gjson.Result) bool {
		t := model.ThreadSummaryFromJSON(v)
		if t.ID == 0 {
			return true
		}
		t.Preview = security.PlainText(t.Preview, c.previewLength)
		t.FetchedAt = now
		threads = append(threads, t)
		return true
	})
	return threads, nil
}

// UnreadCount は未読スレッド数を取得する。
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	r, err := c.do(ctx, request{
		endpoint: "message_unread_count",
		method:   http.MethodPost,
		path:     "/services/rest/message/unreadCount",
		form:     url.Values{},
		kind:     model.KindThread,
	})
	if err != nil {
		return 0, err
	}
	if r.IsArray() {
		r = r.Get("0")
	}
	if r.Type != gjson.Number && r.Type != gjson.String {
		return 0, model.NewRemoteMalformedError(fmt.Errorf("unread count is %s", r.Type))
	}
	return int(r.Int()), nil
}

// MarkThreadRead はスレッドの既読状態を変更する。unreadがtrueなら未読に戻す。
func (c *Client) MarkThreadRead(ctx context.Context, id int64, unread bool) error {
	form := url.Values{}
	form.Set("thread_id", formatInt(id))
	if unread {
		form.Set("status", "1")
	} else {
		form.Set("status", "0")
	}
	_, err := c.do(ctx, request{
		endpoint: "message_mark_thread_read",
		method:   http.MethodPost,
		path:     "/services/rest/message/markThreadRead",
		form:     form,
		kind:     model.KindThread,
		id:       id,
	})
	return err
}

// Reply はスレッドに返信する。
func (c *Client) Reply(ctx context.Context, id int64, body string) error {
	form := url.Values{}
	form.Set("thread_id", formatInt(id))
	form.Set("body", body)
	_, err := c.do(ctx, request{
		endpoint: "message_reply",
		method:   http.MethodPost,
		path:     "/services/rest/message/reply",
		form:     form,
		kind:     model.KindThread,
		id:       id,
	})
	return err
}

// Send は新しいスレッドを開始する。recipientsはユーザー名。
func (c *Client) Send(ctx context.Context, recipients []string, subject, body string) error {
	form := url.Values{}
	form.Set("recipients", strings.Join(recipients, ","))
	form.Set("subject", subject)
	form.Set("body", body)
	_, err := c.do(ctx, request{
		endpoint: "message_send",
		method:   http.MethodPost,
		path:     "/services/rest/message/send",
		form:     form,
		kind:     model.KindThread,
	})
	return err
}
