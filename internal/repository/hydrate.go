package repository

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/warmsync/internal/model"
	"github.com/hitoshi/warmsync/internal/store"
)

// resolveConcurrency はキャッシュ読み取り時のユーザー解決の並列数。
const resolveConcurrency = 8

// hydrator は複合エンティティに埋め込まれたユーザー参照をユーザーコレクションと突き合わせる。
type hydrator struct {
	users *store.Collection[model.User]
}

// merge は埋め込みユーザーをユーザーコレクションにマージし、参照を保存後の値で置き換える。
// Sparseな参照はより完全な既存レコードに置き換わり、Fullな参照は既存レコードを更新する。
// IDが0の参照（匿名）はそのまま残す。
func (h *hydrator) merge(ctx context.Context, refs []*model.User) error {
	seen := make(map[int64]model.User, len(refs))
	for _, ref := range refs {
		if ref.ID <= 0 {
			continue
		}
		if u, ok := seen[ref.ID]; ok && u.Completeness >= ref.Completeness {
			*ref = u
			continue
		}
		merged, err := h.users.Upsert(ctx, *ref, model.MergeUser)
		if err != nil {
			return err
		}
		seen[ref.ID] = merged
		*ref = merged
	}
	return nil
}

// resolve は埋め込みユーザーを現在のユーザーレコードで置き換える。書き込みは行わない。
// レコードのない参照はそのまま残す。
func (h *hydrator) resolve(ctx context.Context, refs []*model.User) error {
	ids := make([]int64, 0, len(refs))
	index := make(map[int64]int, len(refs))
	for _, ref := range refs {
		if ref.ID <= 0 {
			continue
		}
		if _, ok := index[ref.ID]; !ok {
			index[ref.ID] = len(ids)
			ids = append(ids, ref.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	found := make([]*model.User, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			u, err := h.users.FindByID(gctx, id)
			if err != nil {
				return err
			}
			found[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, ref := range refs {
		i, ok := index[ref.ID]
		if !ok || found[i] == nil {
			continue
		}
		*ref = *found[i]
	}
	return nil
}

// threadRefs はスレッド内のすべてのユーザー参照を返す。
func threadRefs(t *model.MessageThread) []*model.User {
	refs := make([]*model.User, 0, len(t.Participants)+len(t.Messages))
	for i := range t.Participants {
		refs = append(refs, &t.Participants[i])
	}
	for i := range t.Messages {
		refs = append(refs, &t.Messages[i].Author)
	}
	return refs
}

// feedbackRefs はフィードバック集合内のすべての作成者参照を返す。
func feedbackRefs(f *model.UserFeedback) []*model.User {
	refs := make([]*model.User, 0, len(f.Items))
	for i := range f.Items {
		refs = append(refs, &f.Items[i].Author)
	}
	return refs
}
