// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/rs/zerolog"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/turn"
	"github.com/jeranaias/parley/internal/util"
)

// ShortIDLen is how many trailing id characters the transcript shows.
const ShortIDLen = 6

// RemovedPreviewLen caps the content shown for a removed message.
const RemovedPreviewLen = 32

// ShortID returns the displayed form of a persisted message id.
func ShortID(id string) string {
	if len(id) <= ShortIDLen {
		return id
	}
	return id[len(id)-ShortIDLen:]
}

// SinkOptions controls how the transcript is drawn.
type SinkOptions struct {
	// Markdown buffers each answer and renders it once complete. Without it
	// tokens are printed as they arrive.
	Markdown  bool
	WordWrap  int
	ShowUsage bool
}

// TerminalSink draws the transcript on a line-oriented terminal. It
// implements turn.RenderSink and turn.Notifier.
type TerminalSink struct {
	opts     SinkOptions
	renderer *glamour.TermRenderer
	log      zerolog.Logger

	mu          sync.Mutex
	out         io.Writer
	names       map[string]string
	defaultName string
	streaming   string
	buf         strings.Builder
	lineStart   bool
}

var (
	_ turn.RenderSink = (*TerminalSink)(nil)
	_ turn.Notifier   = (*TerminalSink)(nil)
)

// NewTerminalSink creates a sink writing to out. If the markdown renderer
// cannot be built, answers are streamed as plain text.
func NewTerminalSink(out io.Writer, opts SinkOptions, log zerolog.Logger) *TerminalSink {
	s := &TerminalSink{
		opts:        opts,
		log:         log,
		out:         out,
		names:       make(map[string]string),
		defaultName: model.RoleAssistant.DisplayName(),
		lineStart:   true,
	}
	if opts.Markdown {
		wrap := opts.WordWrap
		if wrap <= 0 {
			wrap = DefaultTerminalWidth
		}
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(wrap),
		)
		if err != nil {
			log.Warn().Err(err).Msg("markdown renderer unavailable, streaming plain text")
		} else {
			s.renderer = r
		}
	}
	return s
}

// SetEntities records the display names used for speaker labels.
func (s *TerminalSink) SetEntities(entities []model.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		s.names[e.ID] = e.DisplayName()
	}
}

// =============================================================================
// RENDER SINK
// =============================================================================

// OnConversationLoaded prints a header and the whole transcript.
func (s *TerminalSink) OnConversationLoaded(meta model.ConversationMeta, messages []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = ""
	s.buf.Reset()

	if meta.ID == "" {
		s.printlnLocked(InfoStyle.Render("New conversation. Your next message starts it."))
		return
	}
	s.defaultName = model.RoleAssistant.DisplayName()
	if len(meta.EntityIDs) == 1 {
		if name, ok := s.names[meta.EntityIDs[0]]; ok {
			s.defaultName = name
		}
	}
	title := meta.Title
	if title == "" {
		title = "Untitled"
	}
	s.printlnLocked("")
	s.printlnLocked(TitleStyle.Render(title) + " " + DimStyle.Render("#"+ShortID(meta.ID)))
	s.printlnLocked(RenderSeparator(min(GetTerminalWidth(), 60)))
	for i := range messages {
		s.writeMessageLocked(&messages[i])
	}
}

// OnMessageAppended prints human attachment notes, error lines and the
// header of a streaming answer.
func (s *TerminalSink) OnMessageAppended(msg model.Message, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case msg.IsError:
		s.printlnLocked(ErrorStyle.Render("[Error]") + " " + msg.Content)
	case msg.Role == model.RoleHuman:
		if names := attachmentNames(msg.Attachments); len(names) > 0 {
			s.printlnLocked(DimStyle.Render("  attached: " + strings.Join(names, ", ")))
		}
	case msg.IsStreaming:
		s.ensureLineStartLocked()
		s.streaming = msg.LocalID
		s.buf.Reset()
		s.writeLocked(SpeakerStyle.Render(s.speakerLocked(&msg)+":") + " ")
		if s.renderer != nil {
			s.writeLocked(DimStyle.Render("..."))
		}
	default:
		s.writeMessageLocked(&msg)
	}
}

// OnMessageRemoved notes a message that left the transcript.
func (s *TerminalSink) OnMessageRemoved(msg model.Message, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.LocalID == s.streaming {
		s.streaming = ""
		s.buf.Reset()
	}
	s.ensureLineStartLocked()
	label := "message"
	if msg.ID != "" {
		label += " #" + ShortID(msg.ID)
	}
	if preview := msg.Preview(RemovedPreviewLen); preview != "" {
		label += ": " + preview
	}
	s.printlnLocked(DimStyle.Render("(" + label + " removed)"))
}

// OnMessageUpdated reprints a message whose content changed in place.
func (s *TerminalSink) OnMessageUpdated(msg model.Message, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.IsStreaming {
		return
	}
	s.ensureLineStartLocked()
	s.printlnLocked(DimStyle.Render(fmt.Sprintf("(updated #%s)", ShortID(msg.ID))))
	s.writeMessageLocked(&msg)
}

// OnTokenAppended prints or buffers one fragment of the streaming answer.
func (s *TerminalSink) OnTokenAppended(localID, fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if localID != s.streaming {
		return
	}
	if s.renderer != nil {
		s.buf.WriteString(fragment)
		return
	}
	s.writeLocked(fragment)
}

// OnToolActivity prints a one-line tool status.
func (s *TerminalSink) OnToolActivity(localID string, tool model.ToolInvocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLineStartLocked()
	status := "running"
	style := DimStyle
	switch {
	case tool.Done && tool.IsError:
		status, style = "failed", WarningStyle
	case tool.Done:
		status = "done"
	}
	s.printlnLocked(style.Render(fmt.Sprintf("  [%s %s]", tool.Name, status)))
}

// OnTurnFinalized completes the streaming answer.
func (s *TerminalSink) OnTurnFinalized(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.LocalID != s.streaming {
		return
	}
	s.streaming = ""
	s.buf.Reset()

	if s.renderer != nil {
		s.printlnLocked("")
		s.printlnLocked(s.renderLocked(msg.Content))
	} else {
		s.ensureLineStartLocked()
	}
	if strings.TrimSpace(msg.Content) == "" {
		s.printlnLocked(DimStyle.Render("  (no response)"))
	}
	if s.opts.ShowUsage && msg.Usage.Total() > 0 {
		s.printlnLocked(DimStyle.Render(fmt.Sprintf("  tokens: %d in / %d out",
			msg.Usage.InputTokens, msg.Usage.OutputTokens)))
	}
}

// OnMessagesPersisted prints the ids that /regen and /edit accept.
func (s *TerminalSink) OnMessagesPersisted(msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]string, 0, len(msgs))
	for i := range msgs {
		who := "you"
		if msgs[i].Role == model.RoleAssistant {
			who = s.speakerLocked(&msgs[i])
		}
		parts = append(parts, fmt.Sprintf("%s #%s", who, ShortID(msgs[i].ID)))
	}
	if len(parts) == 0 {
		return
	}
	s.ensureLineStartLocked()
	s.printlnLocked(DimStyle.Render("  saved: " + strings.Join(parts, ", ")))
}

// OnBusyChanged is a no-op; the prompt is only shown when idle.
func (s *TerminalSink) OnBusyChanged(busy bool) {
	s.log.Debug().Bool("busy", busy).Msg("busy changed")
}

// =============================================================================
// NOTIFIER
// =============================================================================

// Notify prints a notice on its own line.
func (s *TerminalSink) Notify(n turn.Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLineStartLocked()
	switch n.Level {
	case turn.NoticeError:
		s.printlnLocked(ErrorStyle.Render("[Error]") + " " + n.Text)
	case turn.NoticeWarning:
		s.printlnLocked(WarningStyle.Render("[Warning]") + " " + n.Text)
	default:
		s.printlnLocked(InfoStyle.Render(n.Text))
	}
}

// =============================================================================
// TRANSCRIPT
// =============================================================================

// PrintTranscript prints messages with their positions.
func (s *TerminalSink) PrintTranscript(messages []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLineStartLocked()
	if len(messages) == 0 {
		s.printlnLocked(DimStyle.Render("(empty)"))
		return
	}
	for i := range messages {
		s.writeLocked(fmt.Sprintf("%3d ", i+1))
		s.writeMessageLocked(&messages[i])
	}
}

// Printf writes a formatted line outside of any turn.
func (s *TerminalSink) Printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLineStartLocked()
	s.printlnLocked(fmt.Sprintf(format, args...))
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *TerminalSink) writeMessageLocked(m *model.Message) {
	id := ""
	if m.ID != "" {
		id = " " + DimStyle.Render("#"+ShortID(m.ID))
	}
	switch {
	case m.IsError:
		s.printlnLocked(ErrorStyle.Render("[Error]") + " " + m.Content)
	case m.Role == model.RoleHuman:
		s.printlnLocked(HumanStyle.Render("You:") + id + " " + m.Content)
		if names := attachmentNames(m.Attachments); len(names) > 0 {
			s.printlnLocked(DimStyle.Render("  attached: " + strings.Join(names, ", ")))
		}
	default:
		header := SpeakerStyle.Render(s.speakerLocked(m)+":") + id
		if s.renderer != nil {
			s.printlnLocked(header)
			s.printlnLocked(s.renderLocked(m.Content))
			return
		}
		s.printlnLocked(header + " " + m.Content)
	}
}

func (s *TerminalSink) speakerLocked(m *model.Message) string {
	if m.SpeakerEntityID != "" {
		if name, ok := s.names[m.SpeakerEntityID]; ok {
			return name
		}
		return m.SpeakerEntityID
	}
	return s.defaultName
}

func (s *TerminalSink) renderLocked(content string) string {
	out, err := s.renderer.Render(content)
	if err != nil {
		s.log.Debug().Err(err).Msg("markdown render failed")
		return content
	}
	return strings.TrimRight(out, "\n")
}

func (s *TerminalSink) writeLocked(text string) {
	if text == "" {
		return
	}
	fmt.Fprint(s.out, text)
	s.lineStart = strings.HasSuffix(text, "\n")
}

func (s *TerminalSink) printlnLocked(line string) {
	fmt.Fprintln(s.out, line)
	s.lineStart = true
}

func (s *TerminalSink) ensureLineStartLocked() {
	if !s.lineStart {
		s.printlnLocked("")
	}
}

func attachmentNames(a model.Attachments) []string {
	names := make([]string, 0, a.Count())
	for _, img := range a.Images {
		names = append(names, util.TruncateWidth(img.Name, 32))
	}
	for _, f := range a.Files {
		names = append(names, util.TruncateWidth(f.Name, 32))
	}
	return names
}
