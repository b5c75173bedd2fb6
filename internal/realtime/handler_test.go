package realtime

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/angelmondragon/mediasearch-backend/pkg/auth"
	"github.com/angelmondragon/mediasearch-backend/pkg/config"
	"github.com/angelmondragon/mediasearch-backend/pkg/db/models"
)

type fakeOwnership struct {
	owned map[uuid.UUID]uuid.UUID // upload -> owner
}

func (f fakeOwnership) FindByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Upload, error) {
	if owner, ok := f.owned[id]; ok && owner == userID {
		return &models.Upload{ID: id, UserID: userID}, nil
	}
	return nil, gorm.ErrRecordNotFound
}

var testJWT = config.JWTConfig{Secret: "ws-secret", Issuer: "mediasearch", ExpirationMinutes: 5}

func newTestServer(t *testing.T, owned map[uuid.UUID]uuid.UUID) (*Manager, string) {
	t.Helper()
	manager := NewManager(nil, nil)
	h := NewHandler(HandlerParams{
		Manager: manager,
		Uploads: fakeOwnership{owned: owned},
		JWT:     testJWT,
		WebSocket: config.WebSocketConfig{
			AuthTimeout:       150 * time.Millisecond,
			HeartbeatInterval: time.Minute,
			WriteWait:         time.Second,
			ReadLimitBytes:    65536,
			SendBuffer:        8,
		},
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return manager, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected close error, got %v", err)
		}
		if ce.Code != code {
			t.Fatalf("expected close code %d, got %d (%s)", code, ce.Code, ce.Text)
		}
		return
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func mintToken(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := auth.MintAccessToken(testJWT, time.Now(), auth.AccessTokenPayload{UserID: userID})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return token
}

func TestHandlerAuthTimeout(t *testing.T) {
	_, url := newTestServer(t, nil)
	conn := dial(t, url)
	expectClose(t, conn, CloseAuthTimeout)
}

func TestHandlerRequiresAuthFirst(t *testing.T) {
	_, url := newTestServer(t, nil)
	conn := dial(t, url)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, conn, CloseAuthRequired)
}

func TestHandlerRejectsMalformedFirstMessage(t *testing.T) {
	_, url := newTestServer(t, nil)
	conn := dial(t, url)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, conn, CloseInvalidFormat)
}

func TestHandlerRejectsInvalidToken(t *testing.T) {
	_, url := newTestServer(t, nil)
	conn := dial(t, url)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"auth","token":"garbage"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Action() != ActionAuthError {
		t.Fatalf("expected auth_error, got %s", msg.Action())
	}
	expectClose(t, conn, CloseInvalidToken)
}

func TestHandlerSubscribeReceivesOwnedUploadOnly(t *testing.T) {
	user := uuid.New()
	owned, foreign := uuid.New(), uuid.New()
	manager, url := newTestServer(t, map[uuid.UUID]uuid.UUID{owned: user, foreign: uuid.New()})

	conn := dial(t, url)
	authFrame := `{"type":"auth","token":"` + mintToken(t, user) + `"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(authFrame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, conn)
	success, ok := msg.(*AuthSuccess)
	if !ok || success.UserID != user {
		t.Fatalf("expected auth_success for %s, got %#v", user, msg)
	}

	for _, id := range []uuid.UUID{foreign, owned} {
		frame := `{"type":"subscribe_upload","upload_id":"` + id.String() + `"}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	waitFor(t, func() bool { return len(manager.SubscriberIDs(owned)) == 1 })
	if len(manager.SubscriberIDs(foreign)) != 0 {
		t.Fatal("expected subscription to a foreign upload to be ignored")
	}

	payload, err := Encode(UploadFailed{UploadID: owned, ErrorMessage: "boom"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if n := manager.DeliverToUploadSubscribers(context.Background(), owned, payload); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	failed, ok := readMessage(t, conn).(*UploadFailed)
	if !ok || failed.UploadID != owned {
		t.Fatal("expected upload_failed for the owned upload")
	}
}

func TestHandlerUnknownMessageGetsFeedback(t *testing.T) {
	user := uuid.New()
	_, url := newTestServer(t, nil)
	conn := dial(t, url)
	authFrame := `{"type":"auth","token":"` + mintToken(t, user) + `"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(authFrame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readMessage(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Action() != ActionAuthError {
		t.Fatalf("expected auth_error feedback, got %s", msg.Action())
	}
}

func TestDisconnectAllClosesSockets(t *testing.T) {
	user := uuid.New()
	manager, url := newTestServer(t, nil)
	conn := dial(t, url)
	authFrame := `{"type":"auth","token":"` + mintToken(t, user) + `"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(authFrame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readMessage(t, conn)
	waitFor(t, func() bool { return manager.ConnectionCount() == 1 })

	manager.DisconnectAll()
	expectClose(t, conn, CloseServiceReload)
}
