package main

import (
	"context"
	"sync"
)

// InboxFeed polls every direct message addressed to us and raises alerts for
// new arrivals
type InboxFeed struct {
	a      *App
	recon  *Reconciler
	poller *Poller
	notify *NotificationDispatcher

	stopOnce sync.Once
}

func newInbox(a *App) *InboxFeed {
	dest := Inbox()
	log := a.log.With().Str("inbox", dest.String()).Logger()
	in := &InboxFeed{a: a}
	in.recon = NewReconciler(dest, a.keyer, a.view, log)
	in.notify = NewNotificationDispatcher(baselineInbox, a.session, a.notifier, log)
	in.poller = NewPoller(dest.String(), a.cfg.Poll.Inbox, in.poll, log)
	return in
}

func (in *InboxFeed) Destination() Destination {
	return Inbox()
}

func (in *InboxFeed) Start() {
	in.a.scheduler.Add(Inbox().String(), in.poller)
}

func (in *InboxFeed) Stop() {
	in.stopOnce.Do(func() {
		in.a.scheduler.Remove(Inbox().String())
		in.recon.Close()
	})
}

func (in *InboxFeed) SetVisible(visible bool) {
	in.poller.SetVisible(visible)
}

func (in *InboxFeed) SetFocused(focused bool) {
	in.notify.SetFocused(focused)
}

func (in *InboxFeed) Messages() []*Message {
	return in.recon.Messages()
}

func (in *InboxFeed) poll(ctx context.Context) error {
	fetchedAt := in.a.now()
	msgs, err := in.a.transport.FetchInbox(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	in.recon.Apply(msgs, fetchedAt)
	in.notify.Observe(in.recon.Messages())
	return nil
}
