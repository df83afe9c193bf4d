package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tutorchat/internal/backend"
	"github.com/MrWong99/tutorchat/internal/chat"
	"github.com/MrWong99/tutorchat/internal/health"
	"github.com/MrWong99/tutorchat/internal/transcript"
	"github.com/MrWong99/tutorchat/internal/voice"
)

var errQuit = errors.New("quit")

const helpText = `Type a message and press enter to send it. Commands:
  /voice             start or stop voice input
  /play [n]          play the audio of message n (default: latest)
  /stop              stop audio playback
  /new [title]       start a new session
  /sessions          list sessions
  /switch <n|title>  switch to another session
  /upload <file> [title]  add a study resource
  /history           print the whole transcript again
  /quit              leave`

func newChatCommand(g *globals) *cobra.Command {
	var sessionArg, newTitle string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Long: `Start an interactive chat with the study assistant.

Without flags the most recent session is resumed. Type /help inside the
chat for the available commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), g, sessionArg, newTitle, cmd.Flags().Changed("new"))
		},
	}
	cmd.Flags().StringVar(&sessionArg, "session", "", "session to open (id, list position or title)")
	cmd.Flags().StringVar(&newTitle, "new", "", "create a new session with this title and open it")
	return cmd
}

// repl is one interactive chat.
type repl struct {
	eng *chat.Engine
	out *printer
}

func runChat(ctx context.Context, g *globals, sessionArg, newTitle string, create bool) error {
	eng, cm, be, err := newEngine(g.cfg, g.registry)
	if err != nil {
		return err
	}
	p := newPrinter(g.stdout, g.stderr)
	eng.OnNotice(p.notice)

	updates := make(chan transcript.Snapshot, 1)
	publish := func(s transcript.Snapshot) {
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- s:
		default:
		}
	}
	unsubscribe := eng.Subscribe(publish)
	defer unsubscribe()
	publish(eng.View().Transcript)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error { return eng.Run(ctx) })
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-updates:
				p.render(s, activeTitle(eng))
			}
		}
	})
	if addr := g.cfg.Debug.ListenAddr; addr != "" {
		router := debugRouter(g.metrics,
			health.Checker{Name: "websocket", Check: cm.Check},
			health.Checker{Name: "backend", Check: be.Breaker().Check},
		)
		eg.Go(func() error { return serveDebug(ctx, addr, router) })
	}
	eg.Go(func() error {
		defer cancel()
		r := &repl{eng: eng, out: p}
		if err := r.open(ctx, sessionArg, newTitle, create); err != nil {
			p.notice(chat.Notice{Text: "Could not open session", Err: err})
		}
		p.info("Type /help for commands.")
		return r.loop(ctx, g.stdin)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func activeTitle(eng *chat.Engine) string {
	v := eng.View()
	if !v.HasActive {
		return ""
	}
	return v.Active.Title
}

// open applies --new and --session.
func (r *repl) open(ctx context.Context, sessionArg, newTitle string, create bool) error {
	switch {
	case create:
		_, err := r.eng.CreateSession(ctx, newTitle)
		return err
	case sessionArg != "":
		if err := r.eng.RefreshSessions(ctx); err != nil {
			return err
		}
		s, ok := matchSession(r.eng.Sessions(), sessionArg)
		if !ok {
			return fmt.Errorf("no session matches %q", sessionArg)
		}
		return r.eng.Select(ctx, s.ID)
	}
	return nil
}

// loop reads lines until EOF, /quit or ctx ends.
func (r *repl) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
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
				return nil
			}
			if err := r.handle(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				r.report(err)
			}
		}
	}
}

func (r *repl) report(err error) {
	switch {
	case errors.Is(err, chat.ErrTransportUnavailable):
		r.out.notice(chat.Notice{Text: "Not connected, message not sent", Err: err})
	case errors.Is(err, chat.ErrNoActiveSession):
		r.out.notice(chat.Notice{Text: "No session selected. Use /new or /switch first"})
	default:
		r.out.notice(chat.Notice{Text: "Command failed", Err: err})
	}
}

func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return r.eng.Send(ctx, line)
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	cmd, ok := resolveCommand(name)
	if !ok {
		return fmt.Errorf("unknown command /%s, try /help", name)
	}

	switch cmd {
	case "quit":
		return errQuit
	case "help":
		r.out.info(helpText)
	case "voice":
		if err := r.eng.ToggleVoice(ctx); err != nil {
			return nil // already raised as a notice
		}
		if r.eng.View().Voice == voice.StateCapturing {
			r.out.info("Listening... type /voice again to stop.")
		} else {
			r.out.info("Transcribing...")
		}
	case "play":
		return r.play(ctx, arg)
	case "stop":
		return r.eng.StopAudio(ctx)
	case "new":
		s, err := r.eng.CreateSession(ctx, arg)
		if err != nil {
			return err
		}
		r.out.info("Started session %q.", s.Title)
	case "sessions":
		if err := r.eng.RefreshSessions(ctx); err != nil {
			return err
		}
		v := r.eng.View()
		r.out.mu.Lock()
		formatSessions(r.out.out, v.Sessions, v.Active.ID)
		r.out.mu.Unlock()
	case "switch":
		s, ok := matchSession(r.eng.Sessions(), arg)
		if !ok {
			return fmt.Errorf("no session matches %q, see /sessions", arg)
		}
		return r.eng.Select(ctx, s.ID)
	case "upload":
		return r.upload(ctx, arg)
	case "history":
		snap := r.eng.View().Transcript
		r.out.mu.Lock()
		for i, m := range snap.Messages {
			fmt.Fprintln(r.out.out, formatMessage(i+1, m))
		}
		r.out.mu.Unlock()
	}
	return nil
}

// play retries the audio of message n, or of the latest message with audio.
func (r *repl) play(ctx context.Context, arg string) error {
	msgs := r.eng.View().Transcript.Messages
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 || n > len(msgs) {
			return fmt.Errorf("no message %q", arg)
		}
		return r.eng.PlayAudio(ctx, msgs[n-1].ID)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].HasAudio() {
			return r.eng.PlayAudio(ctx, msgs[i].ID)
		}
	}
	return chat.ErrNoAudio
}

func (r *repl) upload(ctx context.Context, arg string) error {
	path, title, _ := strings.Cut(arg, " ")
	if path == "" {
		return errors.New("usage: /upload <file> [title]")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = filepath.Base(path)
	}
	// The outcome shows up in the transcript either way.
	_, _ = r.eng.Upload(ctx, backend.Resource{Title: title, Content: string(content)})
	return nil
}
