/*
Package handler provides the HTTP handler function for WebSocket connection upgrading and initialization.

This file contains the HandleWebSocket function, which validates the room, resolves the optional
signed-in session, upgrades the HTTP connection to WebSocket and hands it to the realtime hub.
*/
package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"foliochat/internal/app/chat"
	"foliochat/internal/pkg/auth/jwt"
	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/logx"
	"foliochat/internal/pkg/randx"
	"foliochat/internal/pkg/resp"
)

// HandleWebSocket creates an HTTP HandlerFunc to process realtime subscription requests.
// Anonymous subscribers are accepted; a valid access token binds the connection to its session so
// it receives token refreshes and is closed on logout.
func HandleWebSocket(deps *AppDeps, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomCode := r.URL.Query().Get("room")
		if !randx.IsValidRoom(roomCode) {
			logx.Warn("WebSocket request rejected: invalid room", "room", roomCode)
			resp.RespondError(w, r, errs.NewError(errs.ErrRoomInvalid))
			return
		}

		var grant *chat.Grant
		if jwt.ExtractToken(r) != "" {
			payload, customErr := requireSession(r, deps)
			if customErr != nil {
				logx.Info("WebSocket request rejected: stale session", "room", roomCode)
				resp.RespondError(w, r, customErr)
				return
			}

			grant = &chat.Grant{
				UserID:    payload.UserID(),
				SessionID: payload.SessionID(),
				Email:     payload.Email,
				ExpiresAt: payload.ExpiresAtTime(),
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		logx.Debug("WebSocket connection established", "room", roomCode, "signed_in", grant != nil)

		deps.Hub.Serve(conn, roomCode, grant)
	}
}
