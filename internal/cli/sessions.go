package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/tutorchat/internal/backend"
	"github.com/MrWong99/tutorchat/internal/chat"
	"github.com/MrWong99/tutorchat/internal/directory"
)

func newSessionsCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage chat sessions",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sessions, most recent first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				be, err := newBackend(g.cfg)
				if err != nil {
					return err
				}
				sessions, err := directory.New(be).Refresh(cmd.Context())
				if err != nil {
					return err
				}
				formatSessions(cmd.OutOrStdout(), sessions, "")
				return nil
			},
		},
		&cobra.Command{
			Use:   "new [title]",
			Short: "Create a session",
			Args:  cobra.ArbitraryArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				be, err := newBackend(g.cfg)
				if err != nil {
					return err
				}
				s, err := directory.New(be).Create(cmd.Context(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created session %q (ID: %s)\n", s.Title, s.ID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Show one session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				be, err := newBackend(g.cfg)
				if err != nil {
					return err
				}
				s, err := be.GetSession(cmd.Context(), args[0])
				if err != nil {
					if backend.IsNotFound(err) {
						return fmt.Errorf("session %s not found", args[0])
					}
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintln(w, headerStyle.Render(s.Title))
				fmt.Fprintln(w, metaStyle.Render("ID:      "+string(s.ID)))
				if !s.CreatedAt.IsZero() {
					fmt.Fprintln(w, metaStyle.Render("Created: "+s.CreatedAt.Local().Format("2006-01-02 15:04")))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				be, err := newBackend(g.cfg)
				if err != nil {
					return err
				}
				if err := be.DeleteSession(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func newHistoryCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print the stored messages of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			be, err := newBackend(g.cfg)
			if err != nil {
				return err
			}
			msgs, err := chat.HistoryFrom(be)(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintln(w, metaStyle.Render("No messages yet."))
			}
			for i, m := range msgs {
				fmt.Fprintln(w, formatMessage(i+1, m))
			}
			return nil
		},
	}
}

func newUploadCommand(g *globals) *cobra.Command {
	var (
		title   string
		subject string
		grade   int
	)
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Add a study resource for the assistant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if title == "" {
				title = filepath.Base(args[0])
			}
			be, err := newBackend(g.cfg)
			if err != nil {
				return err
			}
			res, err := be.AddResource(cmd.Context(), backend.Resource{
				Title:      title,
				Content:    string(content),
				Subject:    subject,
				GradeLevel: grade,
			})
			if err != nil {
				return fmt.Errorf("error uploading file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Successfully added resource: %s (ID: %s)\n", title, res.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "resource title (default: file name)")
	cmd.Flags().StringVar(&subject, "subject", "", "subject, e.g. math")
	cmd.Flags().IntVar(&grade, "grade", 0, "grade level")
	return cmd
}
