package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"klisk/cmd/klisk/ui"
	"klisk/internal/chat"
	"klisk/internal/config"
	"klisk/internal/discovery"
	"klisk/internal/paths"
	"klisk/internal/registry"
)

const maxAttachment = 20 << 20

var (
	runProject     string
	runInteractive bool
)

var runCmd = &cobra.Command{
	Use:   "run [MESSAGE]",
	Short: "Send a message to the project's agent",
	Long: `Send a message to the project's first agent and print the reply.

Omit the message (or pass --interactive) for a conversation loop.
Tokens like @photo.jpg or @doc.pdf attach local files to the message.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := paths.ResolveProject(runProject)
		if err != nil {
			return err
		}
		_ = godotenv.Overload(filepath.Join(dir, ".env"))

		snap, err := discovery.Discover(cmd.Context(), dir, discovery.Options{})
		if err != nil {
			return err
		}
		if len(snap.Agents) == 0 {
			return errors.New("no agents found in the project")
		}
		agentName := snap.AgentNames()[0]

		var opts chat.Options
		if global, gerr := config.LoadGlobal(); gerr == nil {
			opts.DefaultModel = global.Defaults.Model
		}
		session := chat.NewSession(opts)

		if runInteractive || len(args) == 0 {
			return interactiveLoop(cmd.Context(), session, snap, agentName)
		}

		ui.Plain(fmt.Sprintf("Running agent %q...", agentName))
		ui.Plain("")
		final, err := runOnce(cmd.Context(), session, snap, args[0])
		if err != nil {
			return err
		}
		fmt.Println(renderMarkdown(final))
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runProject, "project", "p", ".", "Project name or path")
	runCmd.Flags().BoolVarP(&runInteractive, "interactive", "i", false, "Start an interactive conversation")
}

// runOnce sends one message and waits for the final event. Run failures
// arrive as error events and come back as errors here.
func runOnce(ctx context.Context, session *chat.Session, snap *registry.ProjectSnapshot, raw string) (string, error) {
	text, attachments := parseAttachments(raw)

	var final, runErr string
	done := false
	err := session.Handle(ctx, snap, chat.Incoming{
		Type:        "chat",
		Message:     text,
		Attachments: attachments,
	}, func(event map[string]any) error {
		switch event["type"] {
		case "done":
			done = true
			final, _ = event["data"].(string)
		case "error":
			runErr, _ = event["data"].(string)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !done {
		if runErr != "" {
			return "", errors.New(runErr)
		}
		return "", errors.New("run produced no output")
	}
	return final, nil
}

// interactiveLoop is a line-based conversation with the project's first
// agent. Continuity lives in the session, so follow-ups keep context.
func interactiveLoop(ctx context.Context, session *chat.Session, snap *registry.ProjectSnapshot, agentName string) error {
	fmt.Printf("Chat with %q (type 'exit' to quit)\n", agentName)
	fmt.Println("Tip: use @path to attach images or PDFs (e.g. @photo.jpg)")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "exit", "quit":
			return nil
		case "":
			continue
		}

		final, err := runOnce(ctx, session, snap, line)
		if err != nil {
			ui.Error(err.Error())
			continue
		}
		fmt.Println("Agent: " + renderMarkdown(final))
		fmt.Println()
	}
}

// parseAttachments extracts @path tokens from raw input. Matching files
// are inlined as base64 attachments; anything else stays in the text.
func parseAttachments(raw string) (string, []chat.IncomingAttachment) {
	var text []string
	var attachments []chat.IncomingAttachment

	for _, token := range strings.Fields(raw) {
		if !strings.HasPrefix(token, "@") || len(token) == 1 {
			text = append(text, token)
			continue
		}

		path := expandHome(token[1:])
		st, err := os.Stat(path)
		if err != nil || st.IsDir() {
			text = append(text, token)
			continue
		}
		if st.Size() > maxAttachment {
			ui.Warning(fmt.Sprintf("%s exceeds 20MB, skipping.", filepath.Base(path)))
			text = append(text, token)
			continue
		}
		mimeType := attachmentMIME(path)
		if mimeType == "" {
			ui.Warning(fmt.Sprintf("unsupported file type for %s, skipping.", filepath.Base(path)))
			text = append(text, token)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			text = append(text, token)
			continue
		}

		attachments = append(attachments, chat.IncomingAttachment{
			Name: filepath.Base(path),
			MIME: mimeType,
			Data: base64.StdEncoding.EncodeToString(data),
		})
	}

	return strings.Join(text, " "), attachments
}

// attachmentMIME maps a file extension to the MIME types chat accepts.
// Empty means unsupported.
func attachmentMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	}
	return ""
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// renderMarkdown pretty-prints agent output on a terminal. Piped output
// stays raw so it can be scripted.
func renderMarkdown(s string) string {
	st, err := os.Stdout.Stat()
	if err != nil || st.Mode()&os.ModeCharDevice == 0 {
		return s
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return s
	}
	out, err := r.Render(s)
	if err != nil {
		return s
	}
	return strings.TrimSpace(out)
}
