package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/tutorchat/internal/chat"
	"github.com/MrWong99/tutorchat/internal/directory"
	"github.com/MrWong99/tutorchat/internal/transcript"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	agentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true)

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	contentStyle = lipgloss.NewStyle().PaddingLeft(2)
)

func senderLabel(s transcript.Sender) string {
	if s == transcript.SenderUser {
		return userStyle.Render("You")
	}
	return agentStyle.Render("Tutor")
}

// formatMessage renders one message; n is its 1-based transcript position.
func formatMessage(n int, m transcript.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", metaStyle.Render(fmt.Sprintf("[%d]", n)), senderLabel(m.Sender))
	if !m.CreatedAt.IsZero() {
		b.WriteString(" " + metaStyle.Render(m.CreatedAt.Local().Format("15:04")))
	}
	b.WriteString("\n" + contentStyle.Render(m.Text))
	if m.HasAudio() {
		b.WriteString("\n" + contentStyle.Render(metaStyle.Render("♪ audio")))
	}
	return b.String()
}

func playHint(n int) string {
	return hintStyle.Render(fmt.Sprintf("Audio was blocked. Type /play %d to play audio.", n))
}

func formatSessions(w io.Writer, sessions []directory.Session, active string) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, metaStyle.Render("No sessions yet. Use /new to start one."))
		return
	}
	for i, s := range sessions {
		marker := " "
		if s.ID == active {
			marker = "*"
		}
		created := ""
		if !s.CreatedAt.IsZero() {
			created = s.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s %s %s %s\n",
			marker,
			metaStyle.Render(fmt.Sprintf("%2d.", i+1)),
			s.Title,
			metaStyle.Render(fmt.Sprintf("(%s, %s)", s.ID, created)),
		)
	}
}

// printer turns transcript snapshots into append-only terminal output.
// Streaming messages are printed once they complete.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	errOut  io.Writer
	session string
	started bool
	printed map[string]bool
	hinted  map[string]bool
	typing  bool
}

func newPrinter(out, errOut io.Writer) *printer {
	return &printer{out: out, errOut: errOut, printed: map[string]bool{}, hinted: map[string]bool{}}
}

func (p *printer) render(snap transcript.Snapshot, title string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || snap.SessionID != p.session {
		p.started = true
		p.session = snap.SessionID
		clear(p.printed)
		clear(p.hinted)
		p.typing = false
		if snap.SessionID != "" {
			fmt.Fprintln(p.out, headerStyle.Render("── "+title+" ──"))
		}
	}

	for i, m := range snap.Messages {
		if m.Streaming() {
			continue
		}
		if !p.printed[m.ID] {
			p.printed[m.ID] = true
			fmt.Fprintln(p.out, formatMessage(i+1, m))
		}
		if m.Playback == transcript.PlaybackError && !p.hinted[m.ID] {
			p.hinted[m.ID] = true
			fmt.Fprintln(p.out, playHint(i+1))
		}
	}

	if snap.Typing && !p.typing {
		fmt.Fprintln(p.out, metaStyle.Render("Tutor is typing..."))
	}
	p.typing = snap.Typing
}

func (p *printer) notice(n chat.Notice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	text := n.Text
	if n.Err != nil {
		text += ": " + n.Err.Error()
	}
	style := metaStyle
	if n.Level >= slog.LevelWarn {
		style = errorStyle
	}
	fmt.Fprintln(p.errOut, style.Render("! "+text))
}

func (p *printer) info(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, metaStyle.Render(fmt.Sprintf(format, args...)))
}
