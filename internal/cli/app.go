// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/parley/internal/attachments"
	"github.com/jeranaias/parley/internal/config"
	"github.com/jeranaias/parley/internal/conversations"
	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/turn"
)

// Backend is everything the chat client asks of the server.
// *backend.Client implements it.
type Backend interface {
	turn.Transport
	turn.ConversationProvider
	conversations.Lister
	ListEntities(ctx context.Context) ([]model.Entity, error)
	DeleteConversation(ctx context.Context, id string) error
}

// AppOptions wires an App.
type AppOptions struct {
	Backend Backend
	Config  *config.Config
	Input   LineReader
	Out     io.Writer
	// Picker selects responders with the arrow-key list instead of a
	// numbered prompt.
	Picker bool
	Logger zerolog.Logger
}

// App is the interactive chat client.
type App struct {
	backend Backend
	ctrl    *turn.Controller
	index   *conversations.Index
	stager  *attachments.Stager
	sink    *TerminalSink
	input   LineReader
	out     io.Writer
	log     zerolog.Logger
}

// NewApp builds the client and its turn controller.
func NewApp(opts AppOptions) (*App, error) {
	if opts.Backend == nil || opts.Input == nil {
		return nil, errors.New("cli: Backend and Input are required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	sink := NewTerminalSink(out, SinkOptions{
		Markdown:  cfg.UI.Markdown,
		WordWrap:  cfg.UI.WordWrap,
		ShowUsage: cfg.UI.ShowUsage,
	}, opts.Logger)

	var selector turn.ResponderSelector = LineSelector{Prompt: opts.Input.ReadInput, Out: out}
	if opts.Picker {
		selector = PickerSelector{Out: out}
	}

	stager := attachments.NewStager(attachments.Limits{})
	ctrl, err := turn.New(turn.Options{
		Transport:     opts.Backend,
		Conversations: opts.Backend,
		Attachments:   stager,
		Selector:      selector,
		Sink:          sink,
		Notifier:      sink,
		Session:       turn.SessionFromConfig(cfg),
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		backend: opts.Backend,
		ctrl:    ctrl,
		index:   conversations.NewIndex(opts.Backend, opts.Logger),
		stager:  stager,
		sink:    sink,
		input:   opts.Input,
		out:     out,
		log:     opts.Logger,
	}, nil
}

// Controller exposes the turn controller.
func (a *App) Controller() *turn.Controller {
	return a.ctrl
}

// ApplyConfig updates the settings used by later turns.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.ctrl.UpdateSettings(turn.SessionFromConfig(cfg))
}

// =============================================================================
// MAIN LOOP
// =============================================================================

// Start loads entity names and the conversation list, then opens ref when
// it is not empty.
func (a *App) Start(ctx context.Context, ref string) error {
	entities, err := a.backend.ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	a.sink.SetEntities(entities)
	if _, err := a.index.Reload(ctx); err != nil {
		a.log.Warn().Err(err).Msg("initial conversation list failed")
	}
	if ref != "" {
		return a.open(ctx, ref)
	}
	return nil
}

// Run reads and handles input until the user quits or input ends.
// Ctrl+C while a response streams stops it.
func (a *App) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				if a.ctrl.Busy() {
					a.ctrl.StopGeneration()
				}
			}
		}
	}()

	a.sink.Printf("%s %s", TitleStyle.Render("parley"), DimStyle.Render("type /help for commands"))
	for {
		line, err := a.input.ReadInput(a.prompt())
		if err != nil {
			// Ctrl+C at the prompt or Ctrl+D
			fmt.Fprintln(a.out)
			return nil
		}
		if !a.Handle(ctx, line) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (a *App) prompt() string {
	p := "parley"
	if id := a.ctrl.EditingMessageID(); id != "" {
		p += " [editing #" + ShortID(id) + "]"
	}
	if n := a.stager.Pending(); n > 0 {
		p += fmt.Sprintf(" [%d attached]", n)
	}
	return PromptStyle.Render(p + "> ")
}

// Handle runs one line of input. It returns false when the user quits.
func (a *App) Handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		a.send(ctx, line)
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(cmd) {
	case "/quit", "/exit", "/q":
		if a.ctrl.EditingMessageID() != "" {
			_ = a.ctrl.CancelEdit()
		}
		return false
	case "/help", "/h", "/?":
		a.sink.Printf("%s", helpText())
	case "/new":
		if err := a.ctrl.NewConversation(); err == nil {
			a.index.SetSelected("")
		}
	case "/list", "/ls":
		a.list(ctx)
	case "/open":
		if arg == "" {
			a.usage("/open <#|id>")
			break
		}
		if err := a.open(ctx, arg); err != nil {
			a.failed(err)
		}
	case "/delete":
		if arg == "" {
			a.usage("/delete <#|id>")
			break
		}
		a.delete(ctx, arg)
	case "/entities":
		a.entities(ctx)
	case "/attach":
		if arg == "" {
			a.usage("/attach <path>")
			break
		}
		a.attach(arg)
	case "/detach":
		a.stager.Clear()
		a.sink.Printf("%s", InfoStyle.Render("Attachments cleared."))
	case "/preview":
		a.sink.Printf("%s", FormatPreview(a.stager.Staged()))
	case "/continue", "/next":
		a.logTurn("continuation", a.ctrl.RequestContinuation(ctx))
	case "/stop":
		if !a.ctrl.Busy() {
			a.sink.Printf("%s", DimStyle.Render("Nothing is generating."))
			break
		}
		a.ctrl.StopGeneration()
	case "/regen", "/retry":
		a.regenerate(ctx, arg)
	case "/edit":
		a.edit(ctx, arg)
	case "/save":
		a.logTurn("save edit", a.ctrl.SaveEdit(ctx, arg))
	case "/cancel":
		if err := a.ctrl.CancelEdit(); err == nil {
			a.sink.Printf("%s", DimStyle.Render("Edit cancelled."))
		}
	case "/transcript", "/history":
		a.sink.PrintTranscript(a.ctrl.Transcript())
	default:
		a.sink.Printf("%s unknown command %s (try /help)", WarningStyle.Render("[Warning]"), cmd)
	}
	return true
}

// =============================================================================
// COMMANDS
// =============================================================================

func (a *App) send(ctx context.Context, text string) {
	if a.ctrl.EditingMessageID() != "" {
		a.logTurn("save edit", a.ctrl.SaveEdit(ctx, text))
		return
	}
	a.logTurn("send", a.ctrl.SendMessage(ctx, text))
	if meta, ok := a.ctrl.Conversation(); ok {
		a.index.SetSelected(meta.ID)
	}
}

// resolveConversation resolves ref against the list, reloading it once
// when ref is not found.
func (a *App) resolveConversation(ctx context.Context, ref string) (model.ConversationMeta, error) {
	meta, err := a.index.Resolve(ref)
	if err == nil || !errors.Is(err, conversations.ErrNotFound) {
		return meta, err
	}
	if _, rerr := a.index.Reload(ctx); rerr != nil {
		return model.ConversationMeta{}, rerr
	}
	return a.index.Resolve(ref)
}

func (a *App) open(ctx context.Context, ref string) error {
	meta, err := a.resolveConversation(ctx, ref)
	if err != nil {
		return err
	}
	if err := a.ctrl.OpenConversation(ctx, meta.ID); err != nil {
		a.log.Debug().Err(err).Msg("open failed")
		return nil
	}
	a.index.SetSelected(meta.ID)
	return nil
}

func (a *App) list(ctx context.Context) {
	if _, err := a.index.Reload(ctx); err != nil {
		a.failed(err)
		return
	}
	a.sink.Printf("%s", FormatConversationList(a.index.Items(), a.index.Selected(), time.Now()))
}

func (a *App) delete(ctx context.Context, ref string) {
	meta, err := a.resolveConversation(ctx, ref)
	if err != nil {
		a.failed(err)
		return
	}
	if cur, ok := a.ctrl.Conversation(); ok && cur.ID == meta.ID {
		if err := a.ctrl.NewConversation(); err != nil {
			return
		}
		a.index.SetSelected("")
	}
	if err := a.backend.DeleteConversation(ctx, meta.ID); err != nil {
		a.failed(err)
		return
	}
	a.sink.Printf("%s", InfoStyle.Render("Deleted "+meta.Title+"."))
	if _, err := a.index.Reload(ctx); err != nil {
		a.log.Warn().Err(err).Msg("reload after delete failed")
	}
}

func (a *App) entities(ctx context.Context) {
	list, err := a.backend.ListEntities(ctx)
	if err != nil {
		a.failed(err)
		return
	}
	a.sink.SetEntities(list)
	var b strings.Builder
	for i, e := range list {
		fmt.Fprintf(&b, "  %d. %s %s", i+1, e.DisplayName(), DimStyle.Render("("+e.ID+")"))
		if e.Description != "" {
			b.WriteString(" " + e.Description)
		}
		if i < len(list)-1 {
			b.WriteString("\n")
		}
	}
	a.sink.Printf("%s", b.String())
}

func (a *App) attach(path string) {
	added, err := a.stager.StageFile(path)
	if err != nil {
		a.failed(err)
		return
	}
	a.sink.Printf("%s %s", InfoStyle.Render("Attached"), strings.Join(attachmentNames(added), ", "))
}

func (a *App) regenerate(ctx context.Context, ref string) {
	id, err := a.resolveMessage(ref, model.RoleAssistant)
	if err != nil {
		a.failed(err)
		return
	}
	a.logTurn("regenerate", a.ctrl.RegenerateMessage(ctx, id))
}

// edit puts a human message into edit state and reads its replacement
// pre-filled on the input line. An empty or aborted line cancels.
func (a *App) edit(ctx context.Context, ref string) {
	id, err := a.resolveMessage(ref, model.RoleHuman)
	if err != nil {
		a.failed(err)
		return
	}
	original, err := a.ctrl.StartEditMessage(id)
	if err != nil {
		return
	}
	edited, err := a.input.EditInput(PromptStyle.Render("edit> "), original)
	edited = strings.TrimSpace(edited)
	if err != nil || edited == "" || edited == strings.TrimSpace(original) {
		_ = a.ctrl.CancelEdit()
		a.sink.Printf("%s", DimStyle.Render("Edit cancelled."))
		return
	}
	a.logTurn("save edit", a.ctrl.SaveEdit(ctx, edited))
}

// resolveMessage finds a persisted message by transcript position, id, or
// unique id suffix or prefix. An empty ref picks the latest message of role.
func (a *App) resolveMessage(ref string, role model.Role) (string, error) {
	msgs := a.ctrl.Transcript()
	if ref == "" {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == role && msgs[i].ID != "" && !msgs[i].IsError {
				return msgs[i].ID, nil
			}
		}
		return "", fmt.Errorf("no saved %s message", role)
	}

	ref = strings.TrimPrefix(ref, "#")
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(msgs) {
		if msgs[n-1].ID == "" {
			return "", fmt.Errorf("message %d is not saved yet", n)
		}
		return msgs[n-1].ID, nil
	}

	lower := strings.ToLower(ref)
	match := ""
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if m.ID == ref {
			return m.ID, nil
		}
		id := strings.ToLower(m.ID)
		if strings.HasSuffix(id, lower) || strings.HasPrefix(id, lower) {
			if match != "" && match != m.ID {
				return "", fmt.Errorf("%q matches more than one message", ref)
			}
			match = m.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no message matches %q", ref)
	}
	return match, nil
}

// logTurn records a controller error. The controller has already shown the
// user a notice for it.
func (a *App) logTurn(op string, err error) {
	if err != nil {
		a.log.Debug().Err(err).Str("op", op).Msg("operation ended with error")
	}
}

func (a *App) failed(err error) {
	a.sink.Notify(turn.Notice{Level: turn.NoticeError, Text: err.Error()})
}

func (a *App) usage(text string) {
	a.sink.Printf("%s %s", DimStyle.Render("usage:"), text)
}

func helpText() string {
	rows := [][2]string{
		{"<text>", "Send a message (saves the edit while editing)"},
		{"/new", "Start a new conversation"},
		{"/list", "List conversations"},
		{"/open <#|id>", "Open a conversation"},
		{"/delete <#|id>", "Delete a conversation"},
		{"/entities", "List entities"},
		{"/attach <path>", "Attach a file or image to the next message"},
		{"/preview", "Show staged attachments"},
		{"/detach", "Clear staged attachments"},
		{"/continue", "Let an entity speak next (multi-party)"},
		{"/regen [#|id]", "Regenerate an answer (default: latest)"},
		{"/edit [#|id]", "Edit a message and regenerate (default: latest)"},
		{"/save <text>", "Save the pending edit"},
		{"/cancel", "Cancel the pending edit"},
		{"/stop", "Stop the answer in progress (or Ctrl+C)"},
		{"/transcript", "Print the transcript with positions"},
		{"/quit", "Exit"},
	}
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Commands"))
	for _, r := range rows {
		fmt.Fprintf(&b, "\n  %-16s %s", r[0], DimStyle.Render(r[1]))
	}
	return b.String()
}
