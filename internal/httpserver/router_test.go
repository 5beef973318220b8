package httpserver_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/httpserver"
	"chatsync/internal/media"
	"chatsync/internal/realtime"
	"chatsync/internal/remote"
	"chatsync/internal/security"
	"chatsync/internal/service"
	"chatsync/internal/ws"
)

type server struct {
	url    string
	tokens *security.TokenService
}

func newServer(t *testing.T) *server {
	t.Helper()
	store := newMemStore()
	hub := ws.NewHub(zerolog.Nop())
	broker := ws.NewLocalBroker(hub)
	tokens := security.NewTokenService("secret", time.Hour)

	var srv *httptest.Server
	mux := http.NewServeMux()
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	local, err := media.NewLocalStorage(t.TempDir(), srv.URL+"/api/uploads")
	require.NoError(t, err)

	mux.Handle("/", httpserver.NewRouter(httpserver.Deps{
		Conversations: service.NewConversationService(convRepo{store}, broker, zerolog.Nop()),
		Messages:      service.NewMessageService(convRepo{store}, msgRepo{store}, broker, zerolog.Nop()),
		Tokens:        tokens,
		Hub:           hub,
		Storage:       local,
		Local:         local,
		Log:           zerolog.Nop(),
	}))
	return &server{url: srv.URL, tokens: tokens}
}

func (s *server) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := s.tokens.CreateForUser(userID)
	require.NoError(t, err)
	return tok
}

func (s *server) client(t *testing.T, userID string) *remote.Client {
	return remote.New(s.url, s.token(t, userID))
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	resp, err := http.Get(s.url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRemoteClientAgainstRouter(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	alice, bob, eve := s.client(t, "alice"), s.client(t, "bob"), s.client(t, "eve")

	conv, err := alice.CreateConversation(ctx, domain.NewConversation{MemberIDs: []string{"bob"}})
	require.NoError(t, err)
	again, err := bob.CreateConversation(ctx, domain.NewConversation{MemberIDs: []string{"alice"}})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID, "one direct conversation per pair")

	in := domain.NewMessage{ConversationID: conv.ID, ClientRef: "l1", Content: "hi", Kind: domain.KindText}
	first, err := alice.InsertMessage(ctx, in)
	require.NoError(t, err)
	replay, err := alice.InsertMessage(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID, "insert is idempotent per client_ref")
	assert.Equal(t, "bob", first.RecipientID)
	assert.Equal(t, domain.StatusSent, first.Status)

	page, err := bob.ListConversations(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 1)
	assert.Equal(t, 1, page.Conversations[0].UnreadCount)
	require.NotNil(t, page.Conversations[0].LastMessage)
	assert.Equal(t, first.ID, page.Conversations[0].LastMessage.MessageID)

	require.NoError(t, bob.UpdateStatus(ctx, conv.ID, first.ID, domain.StatusDelivered))
	require.NoError(t, bob.UpdateStatus(ctx, conv.ID, first.ID, domain.StatusDelivered), "duplicates are accepted")
	assert.ErrorIs(t, alice.UpdateStatus(ctx, conv.ID, first.ID, domain.StatusRead), domain.ErrInvalidArgument)

	require.NoError(t, bob.MarkRead(ctx, conv.ID, time.Now().Add(time.Second)))
	msgs, err := alice.ListMessages(ctx, conv.ID, domain.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, domain.StatusRead, msgs.Messages[0].Status)
	assert.False(t, msgs.HasMore)

	_, err = eve.ListMessages(ctx, conv.ID, domain.Cursor{}, 10)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = eve.InsertMessage(ctx, in)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = alice.InsertMessage(ctx, domain.NewMessage{ConversationID: conv.ID, Content: ""})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestMessagePagination(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	alice := s.client(t, "alice")

	conv, err := alice.CreateConversation(ctx, domain.NewConversation{IsGroup: true, MemberIDs: []string{"bob", "ann"}})
	require.NoError(t, err)
	for _, ref := range []string{"l1", "l2", "l3"} {
		_, err := alice.InsertMessage(ctx, domain.NewMessage{ConversationID: conv.ID, ClientRef: ref, Content: ref})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	newest, err := alice.ListMessages(ctx, conv.ID, domain.Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, newest.Messages, 2)
	assert.True(t, newest.HasMore)
	assert.Equal(t, "l3", newest.Messages[0].Content)

	oldest := newest.Messages[1]
	older, err := alice.ListMessages(ctx, conv.ID, domain.Cursor{CreatedAt: oldest.CreatedAt, ID: oldest.ID}, 2)
	require.NoError(t, err)
	require.Len(t, older.Messages, 1)
	assert.Equal(t, "l1", older.Messages[0].Content)
	assert.False(t, older.HasMore)
}

func TestRejectsMissingOrForgedToken(t *testing.T) {
	s := newServer(t)
	_, err := remote.New(s.url, "forged").ListConversations(context.Background(), "", 10)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = remote.New(s.url, "").ListConversations(context.Background(), "", 10)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestInsertIsPushedToMembers(t *testing.T) {
	s := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	alice := s.client(t, "alice")

	conv, err := alice.CreateConversation(ctx, domain.NewConversation{MemberIDs: []string{"bob"}})
	require.NoError(t, err)

	transport := realtime.NewWebSocketTransport("ws" + strings.TrimPrefix(s.url, "http") + "/ws")
	sub, err := transport.Subscribe(ctx, domain.Session{UserID: "bob", Token: s.token(t, "bob")})
	require.NoError(t, err)
	defer sub.Close()

	// Registration with the hub races the first publish; retry until seen.
	var ev domain.ChangeEvent
	got := make(chan domain.ChangeEvent, 1)
	go func() {
		for {
			e, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if e.Table == domain.TableMessages {
				got <- e
				return
			}
		}
	}()
	for i := 0; ; i++ {
		_, err := alice.InsertMessage(ctx, domain.NewMessage{ConversationID: conv.ID, ClientRef: "p" + string(rune('a'+i)), Content: "hi"})
		require.NoError(t, err)
		select {
		case ev = <-got:
		case <-time.After(100 * time.Millisecond):
			continue
		}
		break
	}

	var row domain.MessageRow
	require.NoError(t, ev.DecodeRow(&row))
	assert.Equal(t, domain.OpInsert, ev.Operation)
	assert.Equal(t, "alice", row.SenderID)
	assert.Equal(t, conv.ID, row.ConversationID)
}

func TestUploadRoundTrip(t *testing.T) {
	s := newServer(t)
	path := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(path, []byte("png bytes"), 0o600))

	up := &media.HTTPUploader{BaseURL: s.url, Token: s.token(t, "alice")}
	url, err := up.Upload(context.Background(), domain.KindImage, path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, s.url+"/api/uploads/"))

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token(t, "bob"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "png bytes", string(body))
}
