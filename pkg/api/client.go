// Package api is the HTTP side of the web application: conversation history,
// attachment upload, message actions, chatbot history and the community
// endpoints used by the notification widget.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/go-go-golems/chatline/pkg/metrics"
	"github.com/go-go-golems/chatline/pkg/model"
)

const (
	acceptJSON  = "application/json; charset=UTF-8"
	maxErrorLen = 512

	// HistoryPageSize is how many messages a conversation load fetches.
	HistoryPageSize = 200
)

// StatusError is returned for non-2xx replies.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// File is an in-memory upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// ReadFile loads path as an upload named after its base name.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Wrapf(err, "read %s", path)
	}
	return File{Name: filepath.Base(path), Data: data, ContentType: http.DetectContentType(data)}, nil
}

type Client struct {
	base    *url.URL
	http    *http.Client
	cookie  string
	metrics *metrics.Metrics
}

type Option func(*Client) error

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) error {
		if c == nil {
			return errors.New("nil http client")
		}
		cl.http = c
		return nil
	}
}

// WithCookie forwards a session cookie header verbatim.
func WithCookie(cookie string) Option {
	return func(cl *Client) error {
		cl.cookie = cookie
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) error {
		cl.http.Timeout = d
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) error {
		cl.metrics = m
		return nil
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("base url %q must be http or https", baseURL)
	}
	c := &Client{base: u, http: &http.Client{}}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) Cookie() string { return c.cookie }

// WebSocketURL is the STOMP endpoint on the same host.
func (c *Client) WebSocketURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// HandshakeHeader carries the cookie for the WebSocket upgrade.
func (c *Client) HandshakeHeader() http.Header {
	h := http.Header{}
	if c.cookie != "" {
		h.Set("Cookie", c.cookie)
	}
	return h
}

// endpoint joins the base URL with an already escaped path.
func (c *Client) endpoint(escapedPath string, query url.Values) string {
	u := *c.base
	raw := strings.TrimRight(c.base.EscapedPath(), "/") + escapedPath
	if p, err := url.PathUnescape(raw); err == nil {
		u.Path, u.RawPath = p, raw
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s %s", method, path)
	}
	req.Header.Set("Accept", acceptJSON)
	req.Header.Set("Accept-Charset", "UTF-8")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
	return req, nil
}

// do runs req and decodes a JSON reply into out when out is non-nil.
func (c *Client) do(req *http.Request, name string, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.Request(name, 0, time.Since(start))
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer func() { _ = resp.Body.Close() }()
	c.metrics.Request(name, resp.StatusCode, time.Since(start))
	log.Debug().Str("component", "api").Str("method", req.Method).Str("path", req.URL.Path).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorLen))
		return &StatusError{Method: req.Method, Path: req.URL.Path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrapf(err, "decode %s %s", req.Method, req.URL.Path)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, name, path string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil, "")
	if err != nil {
		return err
	}
	return c.do(req, name, out)
}

func (c *Client) post(ctx context.Context, name, path string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, query, nil, "")
	if err != nil {
		return err
	}
	return c.do(req, name, out)
}

// ConversationSummaries fetches the conversation list.
func (c *Client) ConversationSummaries(ctx context.Context) ([]model.ConversationSummary, error) {
	var out []model.ConversationSummary
	if err := c.getJSON(ctx, "conversations", "/messages/api/conversations/summary", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type messagePage struct {
	Messages []model.ChatMessage
}

// UnmarshalJSON accepts {"messages":[...]}, a Spring page {"content":[...]}
// or a bare array.
func (p *messagePage) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &p.Messages)
	}
	var obj struct {
		Messages []model.ChatMessage `json:"messages"`
		Content  []model.ChatMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	p.Messages = obj.Messages
	if p.Messages == nil {
		p.Messages = obj.Content
	}
	return nil
}

// Conversation fetches one page of history with partner, oldest first.
func (c *Client) Conversation(ctx context.Context, partner string, page, size int) ([]model.ChatMessage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	var out messagePage
	if err := c.getJSON(ctx, "conversation", "/messages/api/conversation/"+url.PathEscape(partner), q, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) MarkRead(ctx context.Context, partner string) error {
	return c.post(ctx, "mark-read", "/messages/api/mark-read/"+url.PathEscape(partner), nil, nil)
}

func (c *Client) Recall(ctx context.Context, id model.MessageID) error {
	return c.post(ctx, "recall", "/messages/api/recall/"+url.PathEscape(id.String()), nil, nil)
}

func (c *Client) Delete(ctx context.Context, id model.MessageID) error {
	return c.post(ctx, "delete", "/messages/api/delete/"+url.PathEscape(id.String()), nil, nil)
}

func writePart(w *multipart.Writer, field string, f File) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, escapeQuotes(f.Name)))
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(f.Data)
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

func multipartBody(field string, files []File) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		if err := writePart(w, field, f); err != nil {
			return nil, "", errors.Wrapf(err, "add %s", f.Name)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

type uploadedFile struct {
	Filename string `json:"filename"`
}

// UploadAttachments sends all files in one multipart request and returns the
// stored filenames. It makes no request for an empty list.
func (c *Client) UploadAttachments(ctx context.Context, files []File) ([]string, error) {
	if len(files) == 0 {
		return []string{}, nil
	}
	body, ct, err := multipartBody("files", files)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/messages/api/upload", nil, body, ct)
	if err != nil {
		return nil, err
	}
	var out struct {
		Uploaded []uploadedFile `json:"uploaded"`
	}
	if err := c.do(req, "upload", &out); err != nil {
		return nil, err
	}
	names := lo.FilterMap(out.Uploaded, func(u uploadedFile, _ int) (string, bool) {
		return u.Filename, u.Filename != ""
	})
	return names, nil
}

func (c *Client) ChatbotHistory(ctx context.Context, sessionID string) ([]model.BotMessage, error) {
	q := url.Values{}
	q.Set("sessionId", sessionID)
	var out []model.BotMessage
	if err := c.getJSON(ctx, "chatbot-history", "/chatbot/history", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NewChatbotSession asks the server for a fresh session id.
func (c *Client) NewChatbotSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.post(ctx, "chatbot-session-new", "/chatbot/session/new", nil, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", errors.New("server returned an empty chatbot session id")
	}
	return out.SessionID, nil
}

func (c *Client) EndChatbotSession(ctx context.Context, sessionID string) error {
	q := url.Values{}
	q.Set("sessionId", sessionID)
	return c.post(ctx, "chatbot-session-end", "/chatbot/session/end", q, nil)
}

// UploadImage posts one image under the "file" field.
func (c *Client) UploadImage(ctx context.Context, f File) (model.ImageMetadata, error) {
	body, ct, err := multipartBody("file", []File{f})
	if err != nil {
		return model.ImageMetadata{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/images/upload", nil, body, ct)
	if err != nil {
		return model.ImageMetadata{}, err
	}
	var out model.ImageMetadata
	if err := c.do(req, "image-upload", &out); err != nil {
		return model.ImageMetadata{}, err
	}
	return out, nil
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]model.User, error) {
	q := url.Values{}
	q.Set("q", query)
	var out []model.User
	if err := c.getJSON(ctx, "user-search", "/api/users/search", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) InviteToGroup(ctx context.Context, groupID, userID string) error {
	return c.post(ctx, "group-invite",
		"/api/groups/"+url.PathEscape(groupID)+"/members/"+url.PathEscape(userID), nil, nil)
}
