// Package commands routes chat messages to bot commands.
package commands

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"streamalert/internal/runtime/supervisor"
	kit "streamalert/internal/transport"
	logx "streamalert/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

const defaultTimeout = 20 * time.Second

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Hidden commands are routed but left out of the chat menu.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Log     logx.Logger

	sender kit.Sender
}

// Arg returns the i-th argument or def.
func (r *Request) Arg(i int, def string) string {
	if i < len(r.Args) && r.Args[i] != "" {
		return r.Args[i]
	}
	return def
}

func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, opt)
	return err
}

func (r *Request) ReplyPhoto(ctx context.Context, photo kit.Photo, opt *kit.SendOptions) error {
	_, err := r.sender.SendPhoto(ctx, r.Chat, photo, opt)
	return err
}

type Manager struct {
	sender kit.Sender
	log    logx.Logger

	mu     sync.RWMutex
	byName map[string]*Command
	list   []Command
	owners []int64
}

func NewManager(sender kit.Sender, owners []int64, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		sender: sender,
		log:    log.With(logx.String("comp", "commands")),
		byName: map[string]*Command{},
		owners: append([]int64(nil), owners...),
	}
}

// SetOwners updates the owner list. Safe during hot reload.
func (m *Manager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Manager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// Register replaces the command set. Names and aliases are matched
// case-insensitively.
func (m *Manager) Register(cmds ...Command) {
	list := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		if c.Name == "" || c.Handle == nil {
			continue
		}
		list = append(list, c)
	}
	byName := make(map[string]*Command, len(list)*2)
	for i := range list {
		c := &list[i]
		byName[c.Name] = c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				byName[a] = c
			}
		}
	}
	m.mu.Lock()
	m.byName = byName
	m.list = list
	m.mu.Unlock()
}

// MenuCommands lists the public commands for the chat menu.
func (m *Manager) MenuCommands() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(m.list))
	for _, c := range m.list {
		if c.Hidden || c.Access == AccessOwnerOnly {
			continue
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// SyncMenu pushes MenuCommands when the sender supports it.
func (m *Manager) SyncMenu(ctx context.Context) error {
	up, ok := m.sender.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, m.MenuCommands())
}

// parse extracts the command word and arguments from "/cmd@bot a b" or
// "!cmd a b".
func parse(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if text == "" || (text[0] != '/' && text[0] != '!') {
		return "", nil, false
	}
	parts := strings.Fields(text[1:])
	if len(parts) == 0 {
		return "", nil, false
	}
	word := parts[0]
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word), parts[1:], word != ""
}

// prepare resolves an update into a runnable handler. It returns nil when
// the message is not a known command or the sender may not run it.
func (m *Manager) prepare(up kit.Update) (HandlerFunc, *Request) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return nil, nil
	}
	msg := up.Message
	word, args, ok := parse(msg.Text)
	if !ok {
		return nil, nil
	}
	m.mu.RLock()
	c, found := m.byName[word]
	m.mu.RUnlock()
	if !found {
		return nil, nil
	}
	cmd := *c

	log := m.log.With(
		logx.String("cmd", cmd.Name),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
	)
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		log.Debug("owner-only command ignored")
		return nil, nil
	}

	req := &Request{
		Message: msg,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		Log:     log,
		sender:  m.sender,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return Chain(cmd.Handle, MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(timeout)), req
}

// Handle runs the command in up synchronously. It reports whether a command
// ran.
func (m *Manager) Handle(ctx context.Context, up kit.Update) bool {
	h, req := m.prepare(up)
	if h == nil {
		return false
	}
	_ = h(ctx, req)
	return true
}

// DispatchLoop reads updates until ctx is done or updates closes, running
// commands on a bounded worker pool.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	jobs := make(chan func(context.Context), 64)

	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log),
		supervisor.WithCancelOnError(false),
	)
	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job(c)
					}()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			h, req := m.prepare(up)
			if h == nil {
				continue
			}
			select {
			case jobs <- func(c context.Context) { _ = h(c, req) }:
			default:
				req.Log.Warn("command queue full; dropped")
			}
		}
	}
}
