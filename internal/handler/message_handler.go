/*
Package handler provides HTTP handler functions for reading and posting chat messages.
*/
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"foliochat/internal/app/db"
	"foliochat/internal/app/message"
	"foliochat/internal/app/user"
	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/limiter"
	"foliochat/internal/pkg/logx"
	"foliochat/internal/pkg/metrics"
	"foliochat/internal/pkg/randx"
	"foliochat/internal/pkg/req"
	"foliochat/internal/pkg/resp"
)

const publishTimeout = 3 * time.Second

// HandleListMessages returns a slice of a room's history in creation order. Reading needs only
// the anonymous key.
func HandleListMessages(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		q := message.HistoryQuery{
			Room:  query.Get("room"),
			After: query.Get("after"),
			UpTo:  query.Get("up_to"),
			Limit: message.DefaultHistoryLimit,
		}

		if !randx.IsValidRoom(q.Room) {
			resp.RespondError(w, r, errs.NewError(errs.ErrRoomInvalid))
			return
		}
		if (q.After != "" && !randx.IsValidMessageID(q.After)) || (q.UpTo != "" && !randx.IsValidMessageID(q.UpTo)) {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}
		if raw := query.Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 1 {
				resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
				return
			}
			q.Limit = min(limit, db.MaxHistoryLimit)
		}

		msgs, err := deps.Store.ListMessages(r.Context(), q)
		if err != nil {
			logx.Ctx(r.Context()).Error().Err(err).Str("room", q.Room).Msg("history: query failed")
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}
		if msgs == nil {
			msgs = []message.Message{}
		}

		resp.RespondSuccess(w, r, msgs)
	}
}

// HandleInsertMessage persists a message from the signed-in caller and publishes it to the room.
// The author fields of the body are ignored; they are taken from the caller's profile.
func HandleInsertMessage(deps *AppDeps, sendLimiter *limiter.RateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, customErr := requireSession(r, deps)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if sendLimiter != nil && !sendLimiter.Allow(payload.UserID()) {
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		var draft message.Draft
		if customErr := req.BindJSON(w, r, &draft); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if !randx.IsValidRoom(draft.Room) {
			resp.RespondError(w, r, errs.NewError(errs.ErrRoomInvalid))
			return
		}

		text, err := message.NormalizeText(draft.Text)
		if err != nil {
			if errors.Is(err, message.ErrMessageTooLong) {
				resp.RespondError(w, r, errs.NewError(errs.ErrMessageContentTooLong, message.MaxTextLength))
				return
			}
			resp.RespondError(w, r, errs.NewError(errs.ErrMessageEmpty))
			return
		}

		row, err := deps.Store.GetUserByID(r.Context(), payload.UserID())
		if err != nil {
			logx.Ctx(r.Context()).Warn().Err(err).Str("user_id", payload.UserID()).Msg("insert: author fetch failed")
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}
		author := deps.identityOf(row)

		id, err := randx.MessageID()
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown, err))
			return
		}

		stored, err := deps.Store.InsertMessage(r.Context(), message.Message{
			ID:          id,
			Room:        draft.Room,
			Text:        text,
			UserID:      author.ID,
			DisplayName: user.DisplayName(author),
			PhotoURL:    user.AvatarURL(author),
		})
		if err != nil {
			logx.Ctx(r.Context()).Error().Err(err).Str("room", draft.Room).Msg("insert: failed to store message")
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		metrics.MessagesInserted.Inc()

		if deps.Broker != nil {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), publishTimeout)
			if err := deps.Broker.Publish(ctx, stored); err != nil {
				// the row is committed; subscribers catch up through history on reconnect.
				logx.Ctx(r.Context()).Error().Err(err).
					Str("message_id", stored.ID).
					Str("room", stored.Room).
					Msg("insert: failed to publish message")
			}
			cancel()
		}

		resp.RespondSuccess(w, r, stored)
	}
}
