package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/multidirectory/multidirectory/internal/logger"
	"github.com/multidirectory/multidirectory/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The flow authenticates with directory credentials; origin checks add
	// nothing for non-browser MFA apps.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsFrame struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// multifactorConnect handles GET /multifactor/connect: the interactive
// second-factor flow over a websocket.
//
// Frames: server sends {status:"connected"}, client answers with
// {username,password}, server sends {status:"pending",message:<url>} and,
// once the callback delivers the token, {status:"success",message:<token>}.
// Close codes: 1013 on timeout, 1002 on protocol errors, 1007 on invalid
// payloads.
func (h *handler) multifactorConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", logger.KeyError, err.Error())
		return
	}
	defer conn.Close()

	if h.deps.MFAClient == nil {
		h.closeWith(conn, websocket.CloseTryAgainLater, "multifactor is not configured")
		return
	}

	if err := conn.WriteJSON(wsFrame{Status: "connected"}); err != nil {
		return
	}

	var credentials wsFrame
	_ = conn.SetReadDeadline(time.Now().Add(time.Minute))
	if err := conn.ReadJSON(&credentials); err != nil {
		h.closeWith(conn, websocket.CloseProtocolError, "credentials frame expected")
		return
	}
	if credentials.Username == "" || credentials.Password == "" {
		h.closeWith(conn, websocket.CloseInvalidFramePayloadData, "username and password required")
		return
	}

	user, err := h.deps.Store.GetUserByName(r.Context(), credentials.Username)
	if err != nil || !models.VerifyPassword(credentials.Password, user.PasswordHash) {
		h.closeWith(conn, websocket.CloseInvalidFramePayloadData, "invalid credentials")
		return
	}

	identity := strings.ToLower(user.UserPrincipalName)
	tokens, release := h.deps.Pool.Acquire(identity)
	defer release()

	challengeURL, err := h.deps.MFAClient.CreateRequest(r.Context(), user.UserPrincipalName, h.deps.CallbackURL)
	if err != nil {
		logger.Warn("multifactor request failed",
			logger.KeyUsername, user.UserPrincipalName, logger.KeyError, err.Error())
		h.closeWith(conn, websocket.CloseTryAgainLater, "provider unavailable")
		return
	}
	if err := conn.WriteJSON(wsFrame{Status: "pending", Message: challengeURL}); err != nil {
		return
	}

	timeout := h.deps.MFATimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case token, ok := <-tokens:
		if !ok {
			h.closeWith(conn, websocket.CloseTryAgainLater, "displaced by a newer request")
			return
		}
		_ = conn.WriteJSON(wsFrame{Status: "success", Message: token})
	case <-timer.C:
		h.closeWith(conn, websocket.CloseTryAgainLater, "second factor timed out")
	case <-r.Context().Done():
	}
}

func (h *handler) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}
