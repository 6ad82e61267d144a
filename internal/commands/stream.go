package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"streamalert/internal/notifier"
	"streamalert/internal/storage"
	kit "streamalert/internal/transport"
	"streamalert/internal/twitch"
	logx "streamalert/pkg/logx"
)

// StreamLookup is satisfied by *twitch.Client.
type StreamLookup interface {
	GetStream(ctx context.Context, login string) (twitch.Stream, error)
}

// Alerts is satisfied by *notifier.Alerter.
type Alerts interface {
	Compose(ctx context.Context, channel string) (notifier.Alert, error)
	DeliverManual(ctx context.Context, channel string, recipients []int64, actorID int64) bool
}

type Deps struct {
	Streams StreamLookup
	Alerts  Alerts
	// Audit is optional; /audit is registered only when set.
	Audit storage.Store

	Channel    func() string
	Recipients func() []int64
}

var channelName = regexp.MustCompile(`^[A-Za-z0-9_]{1,25}$`)

func (d Deps) channel(req *Request) (string, bool) {
	def := ""
	if d.Channel != nil {
		def = d.Channel()
	}
	ch := req.Arg(0, def)
	return ch, channelName.MatchString(ch)
}

func offlineText(ch string) string { return ch + " al momento è offline" }

// Builtins returns the bot's command set.
func Builtins(d Deps) []Command {
	cmds := []Command{
		{
			Name:        "start",
			Description: "info sul bot",
			Handle: func(ctx context.Context, req *Request) error {
				name := "la streamer"
				if d.Channel != nil && d.Channel() != "" {
					name = "la streamer " + html.EscapeString(d.Channel())
				}
				text := "Benvenuto/a, questo è il chatbot per " + name + ".\nUsa /getstream per vedere la live e /status per sapere se è online."
				return req.Reply(ctx, text, &kit.SendOptions{ParseMode: "HTML"})
			},
		},
		{
			Name:        "getstream",
			Description: "anteprima della live",
			Usage:       "/getstream [canale]",
			Handle:      d.getStream,
		},
		{
			Name:        "status",
			Aliases:     []string{"online", "isonline"},
			Description: "la streamer è online?",
			Usage:       "/status [canale]",
			Handle:      d.status,
		},
		{
			Name:   "sendnotify",
			Usage:  "/sendnotify [canale]",
			Access: AccessOwnerOnly,
			Handle: d.sendNotify,
		},
		{
			Name:   "getchatinfo",
			Access: AccessOwnerOnly,
			Handle: getChatInfo,
		},
	}
	if d.Audit != nil {
		cmds = append(cmds, Command{
			Name:   "audit",
			Usage:  "/audit [n]",
			Access: AccessOwnerOnly,
			Handle: d.audit,
		})
	}
	return cmds
}

func (d Deps) getStream(ctx context.Context, req *Request) error {
	ch, ok := d.channel(req)
	if !ok {
		return req.Reply(ctx, "Uso: /getstream [canale]", nil)
	}
	alert, err := d.Alerts.Compose(ctx, strings.ToLower(ch))
	if err != nil {
		if !errors.Is(err, twitch.ErrOffline) {
			req.Log.Warn("stream lookup failed", logx.Err(err))
		}
		return req.Reply(ctx, offlineText(ch), nil)
	}
	opt := alert.Options
	return req.ReplyPhoto(ctx, alert.Photo, &opt)
}

func (d Deps) status(ctx context.Context, req *Request) error {
	ch, ok := d.channel(req)
	if !ok {
		return req.Reply(ctx, "Uso: /status [canale]", nil)
	}
	state := "online"
	if _, err := d.Streams.GetStream(ctx, strings.ToLower(ch)); err != nil {
		if !errors.Is(err, twitch.ErrOffline) {
			return req.Reply(ctx, "Twitch non risponde, riprova più tardi.", nil)
		}
		state = "offline"
	}
	text := fmt.Sprintf("%s al momento è <b>%s</b> su twitch", html.EscapeString(ch), state)
	return req.Reply(ctx, text, &kit.SendOptions{ParseMode: "HTML"})
}

func (d Deps) sendNotify(ctx context.Context, req *Request) error {
	ch, ok := d.channel(req)
	if !ok {
		return req.Reply(ctx, "Uso: /sendnotify [canale]", nil)
	}
	var recipients []int64
	if d.Recipients != nil {
		recipients = d.Recipients()
	}
	if !d.Alerts.DeliverManual(ctx, strings.ToLower(ch), recipients, req.FromID) {
		return req.Reply(ctx, "Notifica non inviata: "+offlineText(ch)+" o invio fallito.", nil)
	}
	return req.Reply(ctx, fmt.Sprintf("Notifica inviata a %d chat.", len(recipients)), nil)
}

func getChatInfo(ctx context.Context, req *Request) error {
	msg := req.Message
	var b strings.Builder
	if msg.ChatTitle != "" {
		fmt.Fprintf(&b, "<b>Title</b>: %s (%s)", html.EscapeString(msg.ChatTitle), html.EscapeString(msg.ChatType))
	} else {
		b.WriteString("Private Chat")
	}
	fmt.Fprintf(&b, "\n<b>Chat ID</b>: <code>%d</code>", msg.ChatID)
	if msg.ThreadID != 0 {
		fmt.Fprintf(&b, "\n<b>Thread ID</b>: <code>%d</code>", msg.ThreadID)
	}
	fmt.Fprintf(&b, "\n<b>Sender ID</b>: <code>%d</code>", msg.FromID)
	return req.Reply(ctx, b.String(), &kit.SendOptions{ParseMode: "HTML"})
}

func (d Deps) audit(ctx context.Context, req *Request) error {
	n := 10
	if v := req.Arg(0, ""); v != "" {
		var err error
		if n, err = strconv.Atoi(v); err != nil || n <= 0 {
			return req.Reply(ctx, "Uso: /audit [n]", nil)
		}
	}
	n = min(n, 50)
	entries, err := d.Audit.RecentAudit(ctx, n)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return req.Reply(ctx, "Nessuna consegna registrata.", nil)
	}
	var b strings.Builder
	for _, e := range entries {
		status := "ok"
		if e.Error != "" || e.Fail > 0 {
			status = "fail"
		}
		fmt.Fprintf(&b, "%s <b>%s</b> %s %d/%d %s\n",
			e.At.Format(time.DateTime),
			html.EscapeString(e.Action),
			html.EscapeString(e.Channel),
			e.OK, e.OK+e.Fail,
			status,
		)
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"), &kit.SendOptions{ParseMode: "HTML"})
}
