/*
Package handler provides HTTP handler functions for the signed-in user's profile and avatar.
*/
package handler

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"foliochat/internal/app/storage"
	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/logx"
	"foliochat/internal/pkg/req"
	"foliochat/internal/pkg/resp"
)

// HandleGetUser returns the caller's identity.
func HandleGetUser(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, customErr := requireSession(r, deps)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		row, err := deps.Store.GetUserByID(r.Context(), payload.UserID())
		if err != nil {
			logx.Warn("get_user: user fetch failed", "user_id", payload.UserID(), "error", err.Error())
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}

		resp.RespondSuccess(w, r, deps.identityOf(row))
	}
}

// HandleUploadAvatar stores the raw image body as the caller's avatar and returns the updated
// identity. The previous avatar object is removed in the background.
func HandleUploadAvatar(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, customErr := requireSession(r, deps)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if deps.Storage == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrStorageNotConfigured))
			return
		}

		body, customErr := req.ReadBody(w, r, storage.MaxAvatarSize+1)
		if customErr != nil {
			if customErr.Code == errs.ErrRequestEntityTooLarge {
				customErr = errs.NewError(errs.ErrAvatarTooLarge, storage.MaxAvatarSizeMB)
			}
			resp.RespondError(w, r, customErr)
			return
		}

		contentType, customErr := storage.ValidateAvatar(body, r.Header.Get("Content-Type"))
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		key, err := storage.AvatarKey(payload.UserID(), contentType)
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown, err))
			return
		}

		if err := deps.Storage.Upload(r.Context(), key, contentType, bytes.NewReader(body), int64(len(body))); err != nil {
			logx.Error(err, "avatar: upload failed", "user_id", payload.UserID())
			resp.RespondError(w, r, errs.NewError(errs.ErrFileStorageFailed))
			return
		}

		previous, err := deps.Store.UpdateUserAvatar(r.Context(), payload.UserID(), key)
		if err != nil {
			logx.Error(err, "avatar: failed to save key", "user_id", payload.UserID())
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		if previous != "" && previous != key {
			go func(k string) {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := deps.Storage.Delete(ctx, k); err != nil {
					logx.Warn("avatar: failed to delete previous object", "key", k, "error", err.Error())
				}
			}(previous)
		}

		row, err := deps.Store.GetUserByID(r.Context(), payload.UserID())
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown, err))
			return
		}

		resp.RespondSuccess(w, r, deps.identityOf(row))
	}
}

// HandleAvatar redirects to a short-lived download URL of an avatar object.
func HandleAvatar(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Storage == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrStorageNotConfigured))
			return
		}

		key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
		if !storage.IsAvatarKey(key) {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		url, err := deps.Storage.PresignDownload(r.Context(), key, storage.AvatarURLDuration)
		if err != nil {
			logx.Error(err, "avatar: presign failed", "key", key)
			resp.RespondError(w, r, errs.NewError(errs.ErrFileStorageFailed))
			return
		}

		w.Header().Set("Cache-Control", "private, max-age=300")
		http.Redirect(w, r, url, http.StatusFound)
	}
}
