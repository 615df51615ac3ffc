package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatline/pkg/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

func TestConversation_AcceptsBothShapes(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/messages/api/conversation/tr%E1%BA%A7n%20an", r.URL.EscapedPath())
		require.Equal(t, "0", r.URL.Query().Get("page"))
		require.Equal(t, "200", r.URL.Query().Get("size"))
		require.Equal(t, acceptJSON, r.Header.Get("Accept"))
		require.Equal(t, "UTF-8", r.Header.Get("Accept-Charset"))
		require.Equal(t, "JSESSIONID=abc", r.Header.Get("Cookie"))
		if calls.Load() == 1 {
			_, _ = io.WriteString(w, `{"messages":[{"id":1,"from":"bob","to":"trần an","content":"hi","timestamp":"2024-01-01T10:00:00"}]}`)
			return
		}
		_, _ = io.WriteString(w, `[{"messageId":"2","senderUsername":"bob","content":"yo"}]`)
	}, WithCookie("JSESSIONID=abc"))

	msgs, err := c.Conversation(context.Background(), "trần an", 0, HistoryPageSize)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "bob", msgs[0].SenderUsername)
	require.False(t, msgs[0].CreatedAt.IsZero())

	msgs, err = c.Conversation(context.Background(), "trần an", 0, HistoryPageSize)
	require.NoError(t, err)
	require.Equal(t, model.MessageID("2"), msgs[0].ID)
}

func TestUploadAttachments_OneMultipartRequest(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/messages/api/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		files := r.MultipartForm.File["files"]
		require.Len(t, files, 2)
		require.Equal(t, "a.txt", files[0].Filename)
		_, _ = io.WriteString(w, `{"uploaded":[{"filename":"123_a.txt"},{"filename":"124_b.png"},{}]}`)
	})

	names, err := c.UploadAttachments(context.Background(), []File{
		{Name: "a.txt", Data: []byte("hello")},
		{Name: "b.png", Data: []byte{0x89, 'P', 'N', 'G'}, ContentType: "image/png"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"123_a.txt", "124_b.png"}, names)
	require.EqualValues(t, 1, calls.Load())

	names, err = c.UploadAttachments(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, names)
	require.NotNil(t, names)
	require.EqualValues(t, 1, calls.Load())
}

func TestActions_StatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case "/messages/api/recall/7":
			w.WriteHeader(http.StatusOK)
		case "/messages/api/delete/7":
			http.Error(w, "forbidden", http.StatusForbidden)
		case "/messages/api/mark-read/bob":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	require.NoError(t, c.Recall(context.Background(), "7"))
	require.NoError(t, c.MarkRead(context.Background(), "bob"))

	err := c.Delete(context.Background(), "7")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusForbidden, se.StatusCode)
	require.Equal(t, "forbidden", se.Body)
}

func TestChatbotEndpoints(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chatbot/history":
			require.Equal(t, "session_1_abc", r.URL.Query().Get("sessionId"))
			_, _ = io.WriteString(w, `[{"fromUser":true,"content":"hi"},{"fromUser":false,"content":"Xin chào","timestamp":"10:00"}]`)
		case "/chatbot/session/new":
			_, _ = io.WriteString(w, `{"sessionId":"session_2_xyz"}`)
		case "/chatbot/session/end":
			require.Equal(t, "session_2_xyz", r.URL.Query().Get("sessionId"))
		default:
			http.NotFound(w, r)
		}
	})
	hist, err := c.ChatbotHistory(context.Background(), "session_1_abc")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.True(t, hist[0].FromUser)

	sid, err := c.NewChatbotSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, "session_2_xyz", sid)
	require.NoError(t, c.EndChatbotSession(context.Background(), sid))
}

func TestCommunityEndpoints(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/users/search":
			require.Equal(t, "an", r.URL.Query().Get("q"))
			_, _ = io.WriteString(w, `[{"id":3,"username":"an","reputation":12}]`)
		case "/api/groups/9/members/3":
			require.Equal(t, http.MethodPost, r.Method)
			require.Empty(t, r.Header.Get("Content-Type"))
			require.Equal(t, int64(0), r.ContentLength)
			w.WriteHeader(http.StatusCreated)
		case "/api/images/upload":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			require.Len(t, r.MultipartForm.File["file"], 1)
			_, _ = io.WriteString(w, `{"id":5,"filename":"x.png","url":"/uploads/x.png","width":10}`)
		default:
			http.NotFound(w, r)
		}
	})
	users, err := c.SearchUsers(context.Background(), "an")
	require.NoError(t, err)
	require.Equal(t, int64(3), users[0].ID)
	require.NoError(t, c.InviteToGroup(context.Background(), "9", "3"))

	img, err := c.UploadImage(context.Background(), File{Name: "x.png", Data: []byte("png")})
	require.NoError(t, err)
	require.Equal(t, "/uploads/x.png", img.URL)
	require.Contains(t, string(img.Raw), `"width":10`)
}

func TestNewAndURLs(t *testing.T) {
	_, err := New("ftp://example.com")
	require.Error(t, err)

	c, err := New("https://example.com/app/", WithCookie("a=b"))
	require.NoError(t, err)
	require.Equal(t, "wss://example.com/app/ws", c.WebSocketURL())
	require.Equal(t, "a=b", c.HandshakeHeader().Get("Cookie"))
	require.Equal(t, "https://example.com/app/messages/api/mark-read/a%2Fb", c.endpoint("/messages/api/mark-read/a%2Fb", nil))
}
