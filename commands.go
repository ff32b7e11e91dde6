package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/urfave/cli/v2"
)

const sendTimeout = 30 * time.Second

var errNoAttachment = errors.New("message has no attachment")

var errUsage = errors.New("usage: /burn TEXT, /eph TEXT, /reply N TEXT, /react N EMOJI, /img FILE, /voice [stop|cancel], /open N, /away, /back, /hide, /show, /quit")

// termView prints conversations line by line. Every message gets a number
// at first sight which later commands refer to.
type termView struct {
	sync.Mutex
	out   io.Writer
	keyer Keyer
	now   func() time.Time

	numbers  map[string]int
	keys     map[int]string
	latest   map[int]*Message
	rendered map[int]string
	next     int
	errs     map[Destination]error
}

func newTermView(out io.Writer, keyer Keyer) *termView {
	return &termView{
		out:      out,
		keyer:    keyer,
		now:      time.Now,
		numbers:  make(map[string]int),
		keys:     make(map[int]string),
		latest:   make(map[int]*Message),
		rendered: make(map[int]string),
		next:     1,
		errs:     make(map[Destination]error),
	}
}

// number finds the number of m, matching a confirmed message to the
// optimistic copy printed before it
func (v *termView) number(m *Message) (int, bool) {
	if n, ok := v.numbers[m.Key]; ok {
		return n, true
	}
	n, ok := v.numbers[v.keyer.Derive(m)]
	return n, ok
}

func (v *termView) register(n int, m *Message) {
	v.numbers[m.Key] = n
	if m.Optimistic {
		for _, k := range v.keyer.candidates(m) {
			v.numbers[k] = n
		}
	} else {
		v.numbers[v.keyer.Derive(m)] = n
	}
	v.keys[n] = m.Key
	v.latest[n] = m
}

func (v *termView) Update(dest Destination, msgs []*Message) {
	v.Lock()
	defer v.Unlock()
	for _, m := range msgs {
		n, known := v.number(m)
		if !known {
			n = v.next
			v.next++
		}
		v.register(n, m)
		state := v.state(m)
		if known && v.rendered[n] == state {
			continue
		}
		v.rendered[n] = state
		if known {
			if state == "" {
				state = "✓"
			}
			fmt.Fprintf(v.out, "   #%d %s\n", n, state)
			continue
		}
		v.print(dest, n, m)
	}
}

func (v *termView) state(m *Message) string {
	var parts []string
	if m.Burned {
		parts = append(parts, "burned")
	}
	if m.Optimistic {
		parts = append(parts, "sending")
	}
	if r := m.Reactions.String(); r != "" {
		parts = append(parts, r)
	}
	return strings.Join(parts, " ")
}

func (v *termView) print(dest Destination, n int, m *Message) {
	who := sender(m)
	if m.Direction == Sent {
		who = "me"
	}
	if m.ReplyTo != nil {
		fmt.Fprintf(v.out, "      ↪ %s: %s\n", m.ReplyTo.From, m.ReplyTo.Text)
	}
	line := fmt.Sprintf("#%d %s %s: %s", n, m.Time().Format("15:04"), who, body(m))
	if dest.Kind == DestInbox && m.Direction == Received {
		line = fmt.Sprintf("#%d %s %s (%s ago): %s", n, m.Time().Format("15:04"), who, age(v.now(), m.Time()), body(m))
	}
	if left := m.ExpiresIn(v.now()); left > 0 {
		line += " ⏳" + shortDuration(left)
	}
	if m.Burn && !m.Burned {
		line += " 🔥"
	}
	if s := v.state(m); s != "" {
		line += "  [" + s + "]"
	}
	fmt.Fprintln(v.out, line)
}

func body(m *Message) string {
	if m.Burned {
		return burnedPlaceholder
	}
	if a, ok := m.Attachment(); ok {
		switch a.Kind {
		case MediaImage:
			return "[image] " + a.URL
		case MediaVoice:
			return "[voice] " + a.URL
		}
	}
	return m.Body
}

func (v *termView) Error(dest Destination, err error) {
	v.Lock()
	defer v.Unlock()
	v.errs[dest] = err
	fmt.Fprintf(v.out, "! %s: %v\n", dest, err)
}

// lastError returns and clears the last error reported for dest
func (v *termView) lastError(dest Destination) error {
	v.Lock()
	defer v.Unlock()
	err := v.errs[dest]
	delete(v.errs, dest)
	return err
}

// lookup returns the message printed as #n
func (v *termView) lookup(n int) (*Message, bool) {
	v.Lock()
	defer v.Unlock()
	m, ok := v.latest[n]
	return m, ok
}

func progressPrinter(w io.Writer, name string) func(float64) {
	return func(f float64) {
		fmt.Fprintf(w, "\ruploading %s %3.0f%%", name, f*100)
		if f >= 1 {
			fmt.Fprintln(w)
		}
	}
}

func readAttachment(pipeline *MediaPipeline, path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	// refuse before reading the whole file
	if err := pipeline.CheckSize(fi.Size()); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// interactive sends stdin lines to conv until EOF, /quit or ctx ends
func interactive(ctx context.Context, a *App, conv *Conversation, view *termView, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(in)
		for s.Scan() {
			select {
			case lines <- s.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return conv.Flush(ctx)
			}
			quit, err := handleLine(ctx, a, conv, view, line, out)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, a *App, conv *Conversation, view *termView, line string, out io.Writer) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := conv.Send(line, SendOptions{})
		return false, err
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit":
		return true, nil
	case "/burn":
		_, err := conv.Send(rest, SendOptions{Burn: true})
		return false, err
	case "/eph":
		_, err := conv.Send(rest, SendOptions{Ephemeral: true})
		return false, err
	case "/reply":
		ns, text, _ := strings.Cut(rest, " ")
		m, err := numbered(view, ns)
		if err != nil {
			return false, err
		}
		reply := &ReplyTo{Text: preview(m), From: sender(m)}
		_, err = conv.Send(text, SendOptions{ReplyTo: reply})
		return false, err
	case "/react":
		ns, emoji, _ := strings.Cut(rest, " ")
		m, err := numbered(view, ns)
		if err != nil {
			return false, err
		}
		return false, conv.React(ctx, m.Key, strings.TrimSpace(emoji))
	case "/img":
		if rest == "" {
			return false, errUsage
		}
		data, err := readAttachment(a.media, rest)
		if err != nil {
			return false, err
		}
		name := filepath.Base(rest)
		_, err = conv.SendMedia(ctx, MediaImage, name, data, progressPrinter(out, name))
		return false, err
	case "/voice":
		return false, voiceCommand(ctx, a, conv, rest, out)
	case "/open":
		m, err := numbered(view, rest)
		if err != nil {
			return false, err
		}
		return false, openAttachment(ctx, a.loader, m, os.TempDir(), out)
	case "/away":
		conv.SetFocused(false)
	case "/back":
		conv.SetFocused(true)
	case "/hide":
		conv.SetVisible(false)
	case "/show":
		conv.SetVisible(true)
	default:
		return false, errUsage
	}
	return false, nil
}

func numbered(view *termView, s string) (*Message, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(s, "#"))
	if err != nil {
		return nil, errUsage
	}
	m, ok := view.lookup(n)
	if !ok {
		return nil, ErrUnknownMessage
	}
	return m, nil
}

// openAttachment saves the attachment of m under dir and prints its path
func openAttachment(ctx context.Context, loader *MediaLoader, m *Message, dir string, out io.Writer) error {
	att, ok := m.Attachment()
	if !ok || m.Burned {
		return errNoAttachment
	}
	e, err := loader.Load(ctx, att.URL)
	if err != nil {
		return err
	}
	if e.State == MediaExpired {
		fmt.Fprintf(out, "   media expired\n")
		return nil
	}
	f, err := os.CreateTemp(dir, "lacchat-*"+mimetype.Detect(e.Data).Extension())
	if err != nil {
		return err
	}
	if _, err := f.Write(e.Data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "   %s %s (%s)\n", att.Kind.tag(), f.Name(), humanize.Bytes(uint64(len(e.Data))))
	return nil
}

func voiceCommand(ctx context.Context, a *App, conv *Conversation, arg string, out io.Writer) error {
	switch arg {
	case "":
		if err := a.voice.Start(); err != nil {
			return err
		}
		fmt.Fprintln(out, "recording, /voice stop to send or /voice cancel")
		return nil
	case "stop":
		data, err := a.voice.Stop()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "recorded %s (%s)\n", a.voice.ElapsedString(), humanize.Bytes(uint64(len(data))))
		_, err = conv.SendVoice(ctx, data, progressPrinter(out, "voice"))
		return err
	case "cancel":
		return a.voice.Cancel()
	}
	return errUsage
}

func signalContext(ctx *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx.Context, os.Interrupt)
}

func runConversation(ctx *cli.Context, dest Destination) error {
	a := getApp(ctx)
	sctx, cancel := signalContext(ctx)
	defer cancel()
	if _, err := a.resolveProfile(sctx); err != nil {
		return err
	}
	conv, err := a.Conversation(dest)
	if err != nil {
		return err
	}
	view, _ := a.view.(*termView)
	fmt.Fprintf(os.Stdout, "%s, /quit to leave\n", dest)
	return interactive(sctx, a, conv, view, os.Stdin, os.Stdout)
}

var chatCommand = &cli.Command{
	Name:      "chat",
	Usage:     "Open a conversation; stdin lines are sent",
	ArgsUsage: "PEER",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowSubcommandHelp(ctx)
		}
		return runConversation(ctx, Direct(ctx.Args().First()))
	},
}

var groupCommand = &cli.Command{
	Name:      "group",
	Usage:     "Open a group feed; stdin lines are posted",
	ArgsUsage: "GROUP_ID",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowSubcommandHelp(ctx)
		}
		return runConversation(ctx, Group(ctx.Args().First()))
	},
}

var inboxCommand = &cli.Command{
	Name:  "inbox",
	Usage: "Watch the inbox and raise notifications for new messages",
	Action: func(ctx *cli.Context) error {
		a := getApp(ctx)
		sctx, cancel := signalContext(ctx)
		defer cancel()
		if _, err := a.resolveProfile(sctx); err != nil {
			return err
		}
		in, err := a.Open(Inbox())
		if err != nil {
			return err
		}
		in.SetFocused(false)
		<-sctx.Done()
		return nil
	},
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send one message and wait for the node to accept it",
	ArgsUsage: "PEER TEXT",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "burn", Usage: "Destroy after the peer reads it"},
		&cli.BoolFlag{Name: "ephemeral", Usage: "Expire after five minutes"},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() < 2 {
			return cli.ShowSubcommandHelp(ctx)
		}
		a := getApp(ctx)
		sctx, cancel := context.WithTimeout(ctx.Context, sendTimeout)
		defer cancel()
		if _, err := a.resolveProfile(sctx); err != nil {
			return err
		}
		dest := Direct(ctx.Args().First())
		conv, err := a.Conversation(dest)
		if err != nil {
			return err
		}
		conv.SetVisible(false)
		text := strings.Join(ctx.Args().Tail(), " ")
		if _, err := conv.Send(text, SendOptions{Burn: ctx.Bool("burn"), Ephemeral: ctx.Bool("ephemeral")}); err != nil {
			return err
		}
		if err := conv.Flush(sctx); err != nil {
			return err
		}
		if view, ok := a.view.(*termView); ok {
			return view.lastError(dest)
		}
		return nil
	},
}

var uploadCommand = &cli.Command{
	Name:      "upload",
	Usage:     "Compress and upload a file, print the message body referencing it",
	ArgsUsage: "FILE",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowSubcommandHelp(ctx)
		}
		a := getApp(ctx)
		path := ctx.Args().First()
		data, err := readAttachment(a.media, path)
		if err != nil {
			return err
		}
		kind := MediaImage
		if mt := mimetype.Detect(data); strings.HasPrefix(mt.String(), "audio/") || mt.Is("video/webm") {
			kind = MediaVoice
		}
		name := filepath.Base(path)
		tag, err := a.media.Upload(ctx.Context, kind, name, data, progressPrinter(os.Stderr, name))
		if err != nil {
			return err
		}
		fmt.Println(tag)
		return nil
	},
}
