package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testSeed    = "abandon ability able about above absent absorb abstract absurd abuse access accident account accuse achieve acid acoustic acquire"
	testAddress = "lac1selfaddress"
)

// fakeNode is a Transport that keeps its state in memory and stores every
// accepted message the way the node would
type fakeNode struct {
	sync.Mutex

	profile Profile
	now     func() time.Time
	skew    time.Duration

	conversation []*Message
	peerAddr     string
	peerOnline   bool
	posts        []*Message
	inbox        []*Message

	sent      []*SendRequest
	grouped   []*GroupPostRequest
	reactions []string

	sendErr   error
	fetchErr  error
	reactErr  error
	uploadErr error
	// sendGate, when set, blocks sends until closed
	sendGate chan struct{}

	uploads     int
	uploadDelay time.Duration
	uploaded    [][]byte

	media      map[string][]byte
	mediaFails map[string]int
	fetched    []string

	fetches int
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		profile:    Profile{Address: testAddress, Username: "me"},
		now:        time.Now,
		media:      make(map[string][]byte),
		mediaFails: make(map[string]int),
	}
}

func clones(msgs []*Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func serverKey(text string, ts int64) string {
	r := []rune(text)
	if len(r) > 30 {
		r = r[:30]
	}
	return fmt.Sprintf("%s|%d", string(r), ts)
}

func (f *fakeNode) FetchProfile(ctx context.Context) (*Profile, error) {
	f.Lock()
	defer f.Unlock()
	p := f.profile
	return &p, nil
}

func (f *fakeNode) FetchInbox(ctx context.Context) ([]*Message, error) {
	f.Lock()
	defer f.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return clones(f.inbox), nil
}

func (f *fakeNode) FetchConversation(ctx context.Context, peer string) (*ConversationBatch, error) {
	f.Lock()
	defer f.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &ConversationBatch{Messages: clones(f.conversation), PeerAddress: f.peerAddr, PeerOnline: f.peerOnline}, nil
}

func (f *fakeNode) SendMessage(ctx context.Context, req *SendRequest) (*SendResult, error) {
	f.Lock()
	gate := f.sendGate
	f.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.Lock()
	defer f.Unlock()
	f.sent = append(f.sent, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	ts := f.now().Add(f.skew).Unix()
	f.conversation = append(f.conversation, &Message{
		ServerKey:   serverKey(req.Text, ts),
		Direction:   Sent,
		From:        f.profile.Username,
		FromAddress: f.profile.Address,
		To:          req.To,
		Body:        req.Text,
		Timestamp:   ts,
		Ephemeral:   req.Ephemeral,
		Burn:        req.Burn,
		ReplyTo:     req.ReplyTo,
		Reactions:   make(Reactions),
	})
	return &SendResult{ToAddress: "lac1" + req.To, ToDisplay: req.To, MessageID: fmt.Sprint(len(f.sent))}, nil
}

func (f *fakeNode) FetchGroupPosts(ctx context.Context, groupID string) ([]*Message, error) {
	f.Lock()
	defer f.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return clones(f.posts), nil
}

func (f *fakeNode) PostToGroup(ctx context.Context, req *GroupPostRequest) error {
	f.Lock()
	defer f.Unlock()
	f.grouped = append(f.grouped, req)
	if f.sendErr != nil {
		return f.sendErr
	}
	ts := f.now().Add(f.skew).Unix()
	f.posts = append(f.posts, &Message{
		ServerKey:   serverKey(req.Message, ts),
		From:        f.profile.Username,
		FromAddress: f.profile.Address,
		Group:       req.GroupID,
		Body:        req.Message,
		Timestamp:   ts,
		Reactions:   make(Reactions),
	})
	return nil
}

func (f *fakeNode) ToggleReaction(ctx context.Context, msgKey, emoji string) error {
	f.Lock()
	defer f.Unlock()
	f.reactions = append(f.reactions, msgKey+" "+emoji)
	if f.reactErr != nil {
		return f.reactErr
	}
	for _, list := range [][]*Message{f.conversation, f.posts, f.inbox} {
		for _, m := range list {
			if m.ServerKey == msgKey {
				m.Reactions.Toggle(emoji, f.profile.Address)
			}
		}
	}
	return nil
}

func (f *fakeNode) UploadMedia(ctx context.Context, name string, data []byte, progress func(float64)) (*UploadResult, error) {
	f.Lock()
	f.uploads++
	delay, err := f.uploadDelay, f.uploadErr
	f.uploaded = append(f.uploaded, data)
	n := f.uploads
	f.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(0.5)
		progress(1)
	}
	return &UploadResult{URL: fmt.Sprintf("http://node/media/%d-%s", n, name), Type: "file"}, nil
}

func (f *fakeNode) FetchMedia(ctx context.Context, url string) ([]byte, error) {
	f.Lock()
	defer f.Unlock()
	f.fetched = append(f.fetched, url)
	for base, fails := range f.mediaFails {
		if len(url) >= len(base) && url[:len(base)] == base && fails > 0 {
			f.mediaFails[base] = fails - 1
			return nil, &APIError{Status: 404}
		}
	}
	for base, data := range f.media {
		if len(url) >= len(base) && url[:len(base)] == base {
			return data, nil
		}
	}
	return nil, &APIError{Status: 404}
}

// recordingView keeps every update it receives
type recordingView struct {
	sync.Mutex
	updates map[Destination][][]*Message
	errs    map[Destination][]error
}

func newRecordingView() *recordingView {
	return &recordingView{
		updates: make(map[Destination][][]*Message),
		errs:    make(map[Destination][]error),
	}
}

func (v *recordingView) Update(dest Destination, msgs []*Message) {
	v.Lock()
	defer v.Unlock()
	v.updates[dest] = append(v.updates[dest], msgs)
}

func (v *recordingView) Error(dest Destination, err error) {
	v.Lock()
	defer v.Unlock()
	v.errs[dest] = append(v.errs[dest], err)
}

func (v *recordingView) count(dest Destination) int {
	v.Lock()
	defer v.Unlock()
	return len(v.updates[dest])
}

func (v *recordingView) last(dest Destination) []*Message {
	v.Lock()
	defer v.Unlock()
	u := v.updates[dest]
	if len(u) == 0 {
		return nil
	}
	return u[len(u)-1]
}

func (v *recordingView) errors(dest Destination) []error {
	v.Lock()
	defer v.Unlock()
	return append([]error(nil), v.errs[dest]...)
}

// countingNotifier records alerts
type countingNotifier struct {
	sync.Mutex
	titles []string
	bodies []string
}

func (n *countingNotifier) Notify(title, body string) error {
	n.Lock()
	defer n.Unlock()
	n.titles = append(n.titles, title)
	n.bodies = append(n.bodies, body)
	return nil
}

func (n *countingNotifier) count() int {
	n.Lock()
	defer n.Unlock()
	return len(n.titles)
}

// testApp returns an App whose pollers never fire on their own, so tests
// drive polls explicitly
func testApp(t *testing.T, node *fakeNode) (*App, *recordingView, *countingNotifier) {
	require := require.New(t)
	cfg := DefaultConfig()
	cfg.Profile = ""
	cfg.Poll = PollConfig{Conversation: time.Hour, Inbox: time.Hour, Group: time.Hour}
	cfg.Media.RetryDelay = time.Millisecond
	require.NoError(cfg.Validate())

	session := NewMemorySession(testSeed)
	require.NoError(session.SetProfile(&node.profile))
	view := newRecordingView()
	notifier := new(countingNotifier)
	a := newApp(cfg, node, session, view, notifier, nil, zerolog.Nop())
	a.scheduler.SetVisible(false)
	t.Cleanup(a.Close)
	return a, view, notifier
}
