package engine

import (
	"context"
	"time"

	"github.com/tOgg1/chatsync/internal/models"
)

// fetch starts a page request for key at offset unless the same request is
// in flight. The completion is posted back to the loop carrying the captured
// key; switching conversations does not cancel it.
func (e *Engine) fetch(key models.ConversationKey, offset int) bool {
	if e.fetcher == nil {
		return false
	}
	fk := fetchKey{key: key, offset: offset}
	if _, busy := e.inflight[fk]; busy {
		return false
	}
	e.inflight[fk] = struct{}{}

	ctx := e.loopContext()
	e.fetches.Add(1)
	go func() {
		defer e.fetches.Done()
		start := time.Now()
		page, err := e.fetcher.FetchPage(ctx, key, offset, e.pageSize)
		took := time.Since(start)
		if postErr := e.Post(ctx, func() { e.completeFetch(ctx, fk, page, err, took) }); postErr != nil {
			e.logger.Debug().Err(postErr).Str("conversation", key.String()).Msg("fetch completion dropped")
		}
	}()
	return true
}

func (e *Engine) completeFetch(ctx context.Context, fk fetchKey, page models.Page, err error, took time.Duration) {
	delete(e.inflight, fk)
	logger := e.logger.With().Str("conversation", fk.key.String()).Int("offset", fk.offset).Logger()
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn().Err(err).Msg("history fetch failed")
		}
		return
	}
	if _, ok := e.store.Conversation(fk.key); !ok {
		logger.Debug().Msg("fetch completed for a removed conversation")
		return
	}

	wasLoaded := e.store.Loaded(fk.key)
	var inserted int
	if fk.offset == 0 {
		inserted = e.store.RefreshLatestPage(fk.key, page)
	} else {
		inserted = e.store.ApplyPaginationPage(fk.key, page)
	}

	// The scroll adjustment belongs to the viewport only while it still
	// shows the fetched conversation.
	if active, ok := e.store.Active(); ok && active == fk.key && inserted > 0 {
		if fk.offset == 0 && wasLoaded {
			e.scroll.Append(inserted)
		} else {
			e.scroll.Prepend(inserted)
		}
	}

	e.savePage(ctx, fk.key, fk.offset, page)
	logger.Debug().Int("inserted", inserted).Dur("took", took).Msg("history page merged")
}

// hydrate loads cached pages for key, newest first so each older page is
// prepended in turn.
func (e *Engine) hydrate(ctx context.Context, key models.ConversationKey) {
	if e.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, defaultCacheTimeout)
	defer cancel()

	pages, err := e.cache.LoadPages(ctx, key)
	if err != nil {
		e.logger.Warn().Err(err).Str("conversation", key.String()).Msg("failed to load cached pages")
		return
	}
	total := 0
	for i := len(pages) - 1; i >= 0; i-- {
		total += e.store.ApplyPaginationPage(key, pages[i].Page)
	}
	if len(pages) > 0 {
		e.logger.Debug().Str("conversation", key.String()).Int("pages", len(pages)).Int("messages", total).Msg("hydrated from cache")
	}
}

func (e *Engine) savePage(ctx context.Context, key models.ConversationKey, offset int, page models.Page) {
	if e.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, defaultCacheTimeout)
	defer cancel()
	if err := e.cache.SavePage(ctx, key, offset, page); err != nil {
		e.logger.Warn().Err(err).Str("conversation", key.String()).Int("offset", offset).Msg("failed to cache page")
	}
}

func (e *Engine) cacheMessage(ctx context.Context, messageID string) {
	if e.cache == nil {
		return
	}
	msg, ok := e.store.Message(messageID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, defaultCacheTimeout)
	defer cancel()
	if err := e.cache.UpdateMessage(ctx, msg); err != nil {
		e.logger.Warn().Err(err).Str("message_id", messageID).Msg("failed to update cached message")
	}
}

func (e *Engine) uncacheMessage(ctx context.Context, messageID string) {
	if e.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, defaultCacheTimeout)
	defer cancel()
	if err := e.cache.DeleteMessage(ctx, messageID); err != nil {
		e.logger.Warn().Err(err).Str("message_id", messageID).Msg("failed to delete cached message")
	}
}

func (e *Engine) uncacheConversation(ctx context.Context, key models.ConversationKey) {
	if e.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, defaultCacheTimeout)
	defer cancel()
	if err := e.cache.DeleteConversation(ctx, key); err != nil {
		e.logger.Warn().Err(err).Str("conversation", key.String()).Msg("failed to drop cached conversation")
	}
}
