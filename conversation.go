package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/katzenpost/core/worker"
	"github.com/rs/zerolog"
)

const senderRetryInterval = 10 * time.Second

var (
	ErrNotSendable     = errors.New("Destination does not accept messages")
	ErrConversationEnd = errors.New("Conversation is closed")
)

// SendOptions are the compose time flags of a message
type SendOptions struct {
	Ephemeral bool
	Burn      bool
	ReplyTo   *ReplyTo
}

// Conversation drives one direct conversation or group feed: it polls the
// node, reconciles what it finds with messages still being sent, and
// delivers composed messages through the outbox in order.
type Conversation struct {
	sync.Mutex
	worker.Worker

	a         *App
	dest      Destination
	outbox    Outbox
	recon     *Reconciler
	reactions *ReactionMerger
	poller    *Poller
	notify    *NotificationDispatcher
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}

	peerAddress string
	peerOnline  bool

	startOnce sync.Once
	stopOnce  sync.Once
}

func newConversation(a *App, dest Destination) *Conversation {
	log := a.log.With().Str("conversation", dest.String()).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conversation{
		a:      a,
		dest:   dest,
		outbox: a.outbox(dest),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
	}
	c.recon = NewReconciler(dest, a.keyer, a.view, log)
	c.reactions = NewReactionMerger(a.transport, c.recon, log)
	c.notify = NewNotificationDispatcher(dest.String(), a.session, a.notifier, log)
	c.notify.SetFocused(true)

	interval := a.cfg.Poll.Conversation
	if dest.Kind == DestGroup {
		interval = a.cfg.Poll.Group
	}
	c.poller = NewPoller(dest.String(), interval, c.poll, log)
	return c
}

// Destination returns the target of c
func (c *Conversation) Destination() Destination {
	return c.dest
}

// Start restores undelivered messages, then starts sending and polling
func (c *Conversation) Start() {
	c.startOnce.Do(func() {
		c.restore()
		c.Go(c.senderWorker)
		c.a.scheduler.Add(c.dest.String(), c.poller)
	})
}

// restore shows messages left in the outbox by a previous run
func (c *Conversation) restore() {
	entries, err := c.outbox.All()
	if err != nil {
		c.log.Error().Err(err).Msg("failed to read outbox")
		return
	}
	self := c.a.self()
	for _, e := range entries {
		c.recon.AddOptimistic(e.Message(self))
	}
	if len(entries) > 0 {
		c.log.Info().Int("count", len(entries)).Msg("resending undelivered messages")
		c.wake()
	}
}

// Stop ends polling and sending. Results arriving afterwards are dropped.
func (c *Conversation) Stop() {
	c.stopOnce.Do(func() {
		c.a.scheduler.Remove(c.dest.String())
		c.recon.Close()
		c.cancel()
		c.Halt()
	})
}

// SetVisible pauses or resumes polling
func (c *Conversation) SetVisible(visible bool) {
	c.poller.SetVisible(visible)
}

// SetFocused enables alerts for arrivals while the user looks elsewhere
func (c *Conversation) SetFocused(focused bool) {
	c.notify.SetFocused(focused)
}

// Messages returns the current merged view
func (c *Conversation) Messages() []*Message {
	return c.recon.Messages()
}

// Peer returns the resolved address of a direct peer and its presence
func (c *Conversation) Peer() (string, bool) {
	c.Lock()
	defer c.Unlock()
	if c.peerAddress == "" {
		return c.dest.Peer, c.peerOnline
	}
	return c.peerAddress, c.peerOnline
}

func (c *Conversation) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Send composes text and shows it at once. Delivery happens in the
// background; a failed delivery removes the message and reports the error
// to the view.
func (c *Conversation) Send(text string, opts SendOptions) (*Message, error) {
	text = strings.TrimSpace(text)
	if err := validateText(text); err != nil {
		return nil, err
	}
	if !c.dest.Sendable() {
		return nil, ErrNotSendable
	}
	if c.ctx.Err() != nil {
		return nil, ErrConversationEnd
	}
	e := &OutboxEntry{
		ID:      rand.NewMath().Uint64(),
		Dest:    c.dest,
		Text:    text,
		ReplyTo: opts.ReplyTo,
		Created: c.a.now().Unix(),
	}
	if c.dest.Kind == DestDirect {
		e.Ephemeral = opts.Ephemeral
		e.Burn = opts.Burn
	}
	// pending before the sender can see it, so its outcome always finds it
	m := e.Message(c.a.self())
	c.recon.AddOptimistic(m)
	shown := m.Clone()
	if err := c.outbox.Push(e); err != nil {
		c.recon.Rollback(e.ID, err)
		return nil, fmt.Errorf("queue message: %w", err)
	}
	c.wake()
	return shown, nil
}

// SendMedia uploads an attachment and sends a message referencing it.
// Attachments always expire with the message and are never burned on read.
func (c *Conversation) SendMedia(ctx context.Context, kind MediaKind, name string, data []byte, progress func(float64)) (*Message, error) {
	if !c.dest.Sendable() {
		return nil, ErrNotSendable
	}
	body, err := c.a.media.Upload(ctx, kind, name, data, progress)
	if err != nil {
		return nil, err
	}
	return c.Send(body, SendOptions{Ephemeral: true})
}

// SendVoice sends a finished recording
func (c *Conversation) SendVoice(ctx context.Context, data []byte, progress func(float64)) (*Message, error) {
	return c.SendMedia(ctx, MediaVoice, "voice.webm", data, progress)
}

// React toggles our emoji reaction on the message with key
func (c *Conversation) React(ctx context.Context, key, emoji string) error {
	return c.reactions.Toggle(ctx, key, reactorID(c.a.session), emoji)
}

// Flush waits until every queued message has been handed to the node
func (c *Conversation) Flush(ctx context.Context) error {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		_, err := c.outbox.Peek()
		if err == ErrQueueEmpty {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.HaltCh():
			return ErrConversationEnd
		case <-t.C:
		}
	}
}

// senderWorker hands outbox entries to the node in order. An entry leaves
// the outbox only once the node answered for it.
func (c *Conversation) senderWorker() {
	for {
		select {
		case <-c.HaltCh():
			return
		case <-c.kick:
		case <-time.After(senderRetryInterval):
		}
		for {
			e, err := c.outbox.Peek()
			if err == ErrQueueEmpty {
				break
			}
			if err != nil {
				c.log.Error().Err(err).Msg("failed to read outbox")
				break
			}
			if !c.deliver(e) {
				return
			}
		}
	}
}

// deliver sends e and returns false if c is shutting down
func (c *Conversation) deliver(e *OutboxEntry) bool {
	err := c.transmit(e)
	if c.ctx.Err() != nil {
		// left in the outbox, the next Start resends it
		return false
	}
	if err != nil {
		c.recon.Rollback(e.ID, err)
		if c.a.view != nil {
			c.a.view.Error(c.dest, err)
		}
	} else {
		c.recon.MarkSent(e.ID)
		c.log.Debug().Uint64("pending", e.ID).Msg("sent")
	}
	// popped last, so an empty outbox means every outcome was reported
	if _, perr := c.outbox.Pop(); perr != nil {
		c.log.Error().Err(perr).Uint64("pending", e.ID).Msg("failed to dequeue")
	}
	return true
}

func (c *Conversation) transmit(e *OutboxEntry) error {
	switch e.Dest.Kind {
	case DestDirect:
		res, err := c.a.transport.SendMessage(c.ctx, &SendRequest{
			To:        e.Dest.Peer,
			Text:      e.Text,
			Ephemeral: e.Ephemeral,
			Burn:      e.Burn,
			ReplyTo:   e.ReplyTo,
		})
		if err != nil {
			return err
		}
		if res.ToAddress != "" {
			c.Lock()
			c.peerAddress = res.ToAddress
			c.Unlock()
		}
		return nil
	case DestGroup:
		return c.a.transport.PostToGroup(c.ctx, &GroupPostRequest{
			GroupID: e.Dest.GroupID,
			Message: e.Text,
			ReplyTo: e.ReplyTo,
		})
	}
	return ErrNotSendable
}

// poll fetches the current server state of c and reconciles it
func (c *Conversation) poll(ctx context.Context) error {
	fetchedAt := c.a.now()
	var msgs []*Message
	switch c.dest.Kind {
	case DestDirect:
		batch, err := c.a.transport.FetchConversation(ctx, c.dest.Peer)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		c.Lock()
		if batch.PeerAddress != "" {
			c.peerAddress = batch.PeerAddress
		}
		c.peerOnline = batch.PeerOnline
		c.Unlock()
		msgs = batch.Messages
	case DestGroup:
		posts, err := c.a.transport.FetchGroupPosts(ctx, c.dest.GroupID)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if self := c.a.self(); self != nil {
			for _, m := range posts {
				if m.FromAddress == self.Address {
					m.Direction = Sent
				}
			}
		}
		msgs = posts
	default:
		return ErrNotSendable
	}
	c.recon.Apply(msgs, fetchedAt)
	// counted after dedup, a batch may repeat entries
	c.notify.Observe(c.recon.Messages())
	return nil
}
