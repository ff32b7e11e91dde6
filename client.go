package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	seedHeader      = "X-Seed"
	requestIDHeader = "X-Request-ID"

	maxErrorBody = 4096
	maxRedirects = 10
)

var (
	// ErrTransport wraps network failures and server side errors
	ErrTransport = errors.New("transport failure")
)

// APIError is a non 2xx reply from the node
type APIError struct {
	Status int
	Reason string
}

func (e *APIError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("node replied %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("node replied %d: %s", e.Status, e.Reason)
}

// Rejected reports whether the node refused the request itself, as opposed
// to failing to process it
func (e *APIError) Rejected() bool {
	return e.Status >= 400 && e.Status < 500
}

// IsRejected reports whether err carries a rejecting APIError
func IsRejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Rejected()
}

// Client speaks JSON over HTTP to a LAC node
type Client struct {
	base  *url.URL
	seed  string
	httpc *http.Client
	log   zerolog.Logger
}

// NewClient returns a Client for the node at server, authenticating with seed
func NewClient(server, seed string, httpc *http.Client, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: unsupported scheme", server)
	}
	hc := new(http.Client)
	if httpc != nil {
		*hc = *httpc
	}
	c := &Client{base: u, seed: seed, httpc: hc, log: log.With().Str("component", "client").Logger()}
	hc.CheckRedirect = c.checkRedirect
	return c, nil
}

// checkRedirect drops the seed when a redirect leaves the node
func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if !c.sameOrigin(req.URL) {
		req.Header.Del(seedHeader)
	}
	return nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// resolve makes media URLs returned by the node absolute
func (c *Client) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return c.base.ResolveReference(ref).String(), nil
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(seedHeader, c.seed)
	req.Header.Set(requestIDHeader, uuid.NewString())
	return req, nil
}

func (c *Client) roundTrip(req *http.Request, out interface{}) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("request_id", req.Header.Get(requestIDHeader)).
		Int("status", resp.StatusCode).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.replyError(resp)
	}
	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrTransport, req.URL.Path, err)
	}
	return nil
}

func (c *Client) replyError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var reply struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &reply) == nil {
		apiErr.Reason = reply.Error
	}
	if apiErr.Rejected() {
		return apiErr
	}
	return fmt.Errorf("%w: %w", ErrTransport, apiErr)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return err
	}
	return c.roundTrip(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint(path, nil), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.roundTrip(req, out)
}

func toMessages(wire []*wireMessage) []*Message {
	msgs := make([]*Message, 0, len(wire))
	for _, w := range wire {
		if w == nil {
			continue
		}
		msgs = append(msgs, w.toMessage())
	}
	return msgs
}

// FetchProfile resolves the address and username of our seed
func (c *Client) FetchProfile(ctx context.Context) (*Profile, error) {
	p := new(Profile)
	if err := c.get(ctx, "/api/profile", nil, p); err != nil {
		return nil, err
	}
	return p, nil
}

// FetchInbox returns the direct messages across all peers
func (c *Client) FetchInbox(ctx context.Context) ([]*Message, error) {
	var reply struct {
		Messages []*wireMessage `json:"messages"`
	}
	if err := c.get(ctx, "/api/inbox", nil, &reply); err != nil {
		return nil, err
	}
	return toMessages(reply.Messages), nil
}

// FetchConversation returns the messages exchanged with peer
func (c *Client) FetchConversation(ctx context.Context, peer string) (*ConversationBatch, error) {
	var reply struct {
		Messages   []*wireMessage `json:"messages"`
		PeerAddr   string         `json:"peer_addr"`
		PeerOnline bool           `json:"peer_online"`
	}
	if err := c.get(ctx, "/api/chat", url.Values{"peer": {peer}}, &reply); err != nil {
		return nil, err
	}
	return &ConversationBatch{
		Messages:    toMessages(reply.Messages),
		PeerAddress: reply.PeerAddr,
		PeerOnline:  reply.PeerOnline,
	}, nil
}

// SendMessage hands a direct message to the node
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*SendResult, error) {
	res := new(SendResult)
	if err := c.post(ctx, "/api/message.send", req, res); err != nil {
		return nil, err
	}
	return res, nil
}

// FetchGroupPosts returns the posts of a group
func (c *Client) FetchGroupPosts(ctx context.Context, groupID string) ([]*Message, error) {
	var reply struct {
		Posts []*wireMessage `json:"posts"`
	}
	if err := c.get(ctx, "/api/group/posts", url.Values{"group_id": {groupID}}, &reply); err != nil {
		return nil, err
	}
	msgs := toMessages(reply.Posts)
	for _, m := range msgs {
		m.Group = groupID
	}
	return msgs, nil
}

// PostToGroup publishes a post to a group
func (c *Client) PostToGroup(ctx context.Context, req *GroupPostRequest) error {
	return c.post(ctx, "/api/group.post", req, nil)
}

// ToggleReaction flips our reaction with emoji on the message with msgKey
func (c *Client) ToggleReaction(ctx context.Context, msgKey, emoji string) error {
	return c.post(ctx, "/api/message.react", map[string]string{"msg_key": msgKey, "emoji": emoji}, nil)
}

// UploadMedia posts data as a multipart form
func (c *Client) UploadMedia(ctx context.Context, name string, data []byte, progress func(float64)) (*UploadResult, error) {
	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err = fw.Write(data); err != nil {
		return nil, err
	}
	if err = mw.Close(); err != nil {
		return nil, err
	}

	pr := &progressReader{r: body, total: int64(body.Len()), report: progress}
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("/api/upload", nil), pr)
	if err != nil {
		return nil, err
	}
	req.ContentLength = pr.total
	req.Header.Set("Content-Type", mw.FormDataContentType())

	res := new(UploadResult)
	if err := c.roundTrip(req, res); err != nil {
		return nil, err
	}
	if res.URL == "" {
		return nil, fmt.Errorf("%w: upload reply has no url", ErrTransport)
	}
	if res.URL, err = c.resolve(res.URL); err != nil {
		return nil, fmt.Errorf("%w: upload reply url: %w", ErrTransport, err)
	}
	pr.finish()
	return res, nil
}

// sameOrigin reports whether target is served by the node itself
func (c *Client) sameOrigin(target *url.URL) bool {
	return strings.EqualFold(target.Scheme, c.base.Scheme) && strings.EqualFold(target.Host, c.base.Host)
}

// FetchMedia downloads the object at target. Attachments may name any host,
// the seed is only sent to the node.
func (c *Client) FetchMedia(ctx context.Context, target string) ([]byte, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	u := c.base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("media url %q: unsupported scheme", target)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(requestIDHeader, uuid.NewString())
	if c.sameOrigin(u) {
		req.Header.Set(seedHeader, c.seed)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

// progressReader reports the fraction of total read so far. Reports never
// decrease.
type progressReader struct {
	sync.Mutex
	r      io.Reader
	read   int64
	total  int64
	last   float64
	report func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.Lock()
		p.read += int64(n)
		f := 1.0
		if p.total > 0 {
			f = float64(p.read) / float64(p.total)
		}
		p.emit(f)
		p.Unlock()
	}
	return n, err
}

func (p *progressReader) finish() {
	p.Lock()
	p.emit(1)
	p.Unlock()
}

func (p *progressReader) emit(f float64) {
	if f > 1 {
		f = 1
	}
	if f <= p.last || p.report == nil {
		return
	}
	p.last = f
	p.report(f)
}
