// ABOUTME: Terminal client for the coven-chat API
// ABOUTME: Manages conversations, streams replies as they are generated and follows conversations live

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/coven-chat/internal/client"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/stream"
)

type globalFlags struct {
	server  string
	token   string
	apiKey  string
	verbose bool
}

func (g *globalFlags) client() *client.Client {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var opts []client.Option
	if g.apiKey != "" {
		opts = append(opts, client.WithAPIKey(g.apiKey))
	}
	if g.token != "" {
		opts = append(opts, client.WithToken(g.token))
	}
	return client.New(g.server, logger, opts...)
}

func main() {
	_ = godotenv.Load(".env")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "coven-chat-client",
		Short:         "Talk to a coven-chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("COVEN_CHAT_SERVER", "http://localhost:8080"), "server URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("COVEN_CHAT_TOKEN"), "bearer token")
	root.PersistentFlags().StringVar(&g.apiKey, "api-key", os.Getenv("COVEN_CHAT_API_KEY"), "API key (used instead of the token)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log client diagnostics to stderr")

	root.AddCommand(
		newListCommand(g),
		newCreateCommand(g),
		newShowCommand(g),
		newRenameCommand(g),
		newDeleteCommand(g),
		newSendCommand(g),
		newWatchCommand(g),
		newChatCommand(g),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func title(c *store.Conversation) string {
	if c.Title == nil || *c.Title == "" {
		return color.HiBlackString("(untitled)")
	}
	return *c.Title
}

func newListCommand(g *globalFlags) *cobra.Command {
	var page, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			convs, p, err := g.client().ListConversations(cmd.Context(), page, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, c := range convs {
				fmt.Fprintf(out, "%s  %s  %s\n", color.CyanString(c.ID), c.UpdatedAt.Local().Format("2006-01-02 15:04"), title(c))
			}
			if p != nil {
				fmt.Fprintln(out, color.HiBlackString("page %d of %d (%d total)", p.Page, p.TotalPages, p.Total))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "conversations per page")
	return cmd
}

func newCreateCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "new [title]",
		Short: "Create a conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t *string
			if len(args) == 1 {
				t = &args[0]
			}
			conv, err := g.client().CreateConversation(cmd.Context(), t)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
			return nil
		},
	}
}

func newShowCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := g.client().GetConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\n\n", color.CyanString(d.ID), title(&d.Conversation))
			for _, m := range d.Messages {
				printMessage(out, m)
			}
			return nil
		},
	}
}

func newRenameCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rename ID TITLE",
		Short: "Set a conversation's title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := g.client().RenameConversation(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), title(conv))
			return nil
		},
	}
}

func newDeleteCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm ID",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.client().DeleteConversation(cmd.Context(), args[0])
		},
	}
}

type sendFlags struct {
	noStream bool
	markdown bool
}

func newSendCommand(g *globalFlags) *cobra.Command {
	var f sendFlags
	cmd := &cobra.Command{
		Use:   "send ID MESSAGE...",
		Short: "Send a message and print the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd.Context(), cmd.OutOrStdout(), g.client(), args[0], strings.Join(args[1:], " "), f)
		},
	}
	cmd.Flags().BoolVar(&f.noStream, "no-stream", false, "wait for the full reply instead of streaming")
	cmd.Flags().BoolVar(&f.markdown, "markdown", false, "mark the message as MARKDOWN")
	return cmd
}

func newWatchCommand(g *globalFlags) *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "watch ID",
		Short: "Follow every message stored in a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			err := g.client().Watch(cmd.Context(), args[0], after, func(m *store.Message) error {
				printMessage(out, m)
				return nil
			})
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Int64Var(&after, "after", -1, "replay stored messages after this sequence first")
	return cmd
}

func newChatCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [ID]",
		Short: "Interactive chat; creates a conversation when no ID is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := g.client()
			out := cmd.OutOrStdout()

			var id string
			if len(args) == 1 {
				id = args[0]
			} else {
				conv, err := c.CreateConversation(ctx, nil)
				if err != nil {
					return err
				}
				id = conv.ID
			}
			fmt.Fprintln(out, color.HiBlackString("conversation %s (Ctrl-D to quit)", id))

			return chatLoop(ctx, cmd.InOrStdin(), out, c, id)
		},
	}
}

func chatLoop(ctx context.Context, in io.Reader, out io.Writer, c *client.Client, id string) error {
	prompt := color.New(color.FgGreen, color.Bold)
	scanner := bufio.NewScanner(in)
	for {
		prompt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := send(ctx, out, c, id, line, sendFlags{}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			color.New(color.FgRed).Fprintf(out, "error: %v\n", err)
		}
	}
}

func send(ctx context.Context, out io.Writer, c *client.Client, id, content string, f sendFlags) error {
	req := client.SendRequest{Content: content}
	if f.markdown {
		req.Format = store.FormatMarkdown
	}
	key := uuid.NewString()

	if f.noStream {
		result, err := c.Send(ctx, id, req, key)
		if err != nil {
			return err
		}
		for _, m := range result.Messages {
			printMessage(out, m)
		}
		return nil
	}

	r := &streamPrinter{out: out}
	turn, err := c.Stream(ctx, id, req, key, r.handle)
	if err != nil {
		return err
	}
	r.finish()
	if turn.Recovered {
		color.New(color.FgYellow).Fprintln(out, "stream interrupted; stored reply:")
		for _, m := range turn.Messages[1:] {
			printMessage(out, m)
		}
	}
	return nil
}

// streamPrinter renders frames as they arrive. User messages are echoed by
// the terminal already, so only the reply is printed.
type streamPrinter struct {
	out       io.Writer
	streaming bool
}

func (p *streamPrinter) handle(ev stream.Event) {
	switch e := ev.(type) {
	case stream.AgentMessageStart:
		p.finish()
		fmt.Fprint(p.out, roleLabel(e.Message.Role))
		p.streaming = true
	case stream.AgentMessageChunk:
		fmt.Fprint(p.out, e.Delta)
	case stream.AgentMessage:
		p.finish()
		printMessage(p.out, e.Message)
	}
}

func (p *streamPrinter) finish() {
	if p.streaming {
		fmt.Fprintln(p.out)
		p.streaming = false
	}
}

func roleLabel(role store.Role) string {
	switch role {
	case store.RoleUser:
		return color.GreenString("you: ")
	case store.RoleAssistant:
		return color.CyanString("assistant: ")
	case store.RoleTool:
		return color.MagentaString("tool: ")
	default:
		return color.HiBlackString(strings.ToLower(string(role)) + ": ")
	}
}

func printMessage(out io.Writer, m *store.Message) {
	switch m.Type {
	case store.MessageTypeToolCall:
		fmt.Fprintf(out, "%s%s %s\n", roleLabel(m.Role), color.MagentaString("call"), m.Content)
	case store.MessageTypeToolResult:
		fmt.Fprintf(out, "%s%s %s\n", roleLabel(m.Role), color.MagentaString("result"), m.Content)
	default:
		fmt.Fprintf(out, "%s%s\n", roleLabel(m.Role), m.Content)
	}
}
