package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"relaychat/internal/client"
	"relaychat/internal/client/store"
	"relaychat/internal/models"
)

const replHelp = `commands:
  /new [title]    start a new conversation
  /attach <path>  upload an image for the next message
  /model <id>     switch model
  /quit           exit
Ctrl-C stops a reply in progress, or exits at the prompt.`

func chatCmd(g *globalFlags) *cobra.Command {
	var (
		convKey string
		model   string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			hooks := store.Hooks{
				OnMessageAppended: func(_ string, m store.Message) {
					if m.Role == models.RoleAssistant {
						fmt.Fprint(out, m.Content)
					}
				},
				OnDeltaApplied: func(_, _, fragment string, mode store.PatchMode) {
					if mode == store.PatchAppend {
						fmt.Fprint(out, fragment)
					}
				},
				OnTurnFinalized: func(_, _ string) { fmt.Fprintln(out) },
			}
			s, err := g.open(hooks)
			if err != nil {
				return err
			}
			defer s.Close()
			return repl(cmd.Context(), s, convKey, model, cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().StringVar(&convKey, "conversation", "", "local conversation key to continue")
	cmd.Flags().StringVar(&model, "model", "", "model id (server default when empty)")
	return cmd
}

func repl(ctx context.Context, s *session, convKey, model string, in io.Reader, out io.Writer) error {
	if convKey == "" {
		convKey = s.store.NewConversation("New Conversation").Key
	} else if _, ok := s.store.Conversation(convKey); !ok {
		return fmt.Errorf("conversation %s not found in local store", convKey)
	}
	fmt.Fprintf(out, "conversation %s\n%s\n", convKey, replHelp)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	var pending []models.AttachmentRef
	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-interrupts:
			fmt.Fprintln(out)
			return nil
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case strings.HasPrefix(line, "/new"):
			title := strings.TrimSpace(strings.TrimPrefix(line, "/new"))
			if title == "" {
				title = "New Conversation"
			}
			convKey = s.store.NewConversation(title).Key
			pending = nil
			fmt.Fprintf(out, "conversation %s\n", convKey)
			continue
		case strings.HasPrefix(line, "/model "):
			model = strings.TrimSpace(strings.TrimPrefix(line, "/model "))
			continue
		case strings.HasPrefix(line, "/attach "):
			f, err := readUpload(strings.TrimSpace(strings.TrimPrefix(line, "/attach ")))
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			refs, err := s.client.Upload(ctx, []client.UploadFile{f})
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			pending = append(pending, refs...)
			fmt.Fprintf(out, "attached %s (%d pending)\n", f.Name, len(pending))
			continue
		}

		turn, err := s.client.Send(ctx, client.TurnInput{
			ConversationKey: convKey,
			Message:         line,
			Model:           model,
			Attachments:     pending,
		})
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			continue
		}
		pending = nil

		select {
		case <-turn.Done():
		case <-interrupts:
			turn.Cancel()
		}
		result := turn.Wait()
		switch result.State {
		case client.StateCancelled:
			fmt.Fprintln(out, " [stopped]")
		case client.StateFailed:
			fmt.Fprintln(out, "\nerror:", describe(result.Err))
		}
	}
}

func describe(err error) string {
	var serr *client.StreamError
	var apiErr *client.APIError
	switch {
	case errors.As(err, &serr):
		return serr.Message
	case errors.As(err, &apiErr):
		return apiErr.Message
	case err == nil:
		return "unknown failure"
	default:
		return err.Error()
	}
}

func uploadCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload images and print their ids",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make([]client.UploadFile, 0, len(args))
			for _, path := range args {
				f, err := readUpload(path)
				if err != nil {
					return err
				}
				files = append(files, f)
			}
			s, err := g.open(store.Hooks{})
			if err != nil {
				return err
			}
			defer s.Close()
			refs, err := s.client.Upload(cmd.Context(), files)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tSIZE")
			for _, r := range refs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.ID, r.Name, r.MimeType, r.Size)
			}
			return w.Flush()
		},
	}
}

func listCmd(g *globalFlags) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(store.Hooks{})
			if err != nil {
				return err
			}
			defer s.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if remote {
				convs, err := s.client.Conversations(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "ID\tTITLE\tUPDATED")
				for _, c := range convs {
					fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Title, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
				}
				return w.Flush()
			}
			fmt.Fprintln(w, "KEY\tSERVER ID\tTITLE\tMESSAGES\tUPDATED")
			for _, c := range s.store.List() {
				id := c.ID
				if id == "" {
					id = "(local)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", c.Key, id, c.Title, len(c.Messages), c.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "list server-side conversations instead")
	return cmd
}

func modelsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models the server offers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(store.Hooks{})
			if err != nil {
				return err
			}
			defer s.Close()
			list, err := s.client.Models(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tENABLED")
			for _, m := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", m.ID, m.DisplayName, m.Provider.Name, m.Enabled)
			}
			return w.Flush()
		},
	}
}
