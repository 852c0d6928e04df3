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
	"syscall"

	"golang.org/x/term"

	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/logger"
)

// ChatCmd starts an interactive chat session with the configured agent.
type ChatCmd struct {
	Session string `help:"Session ID to resume (default: the agent's default session)."`
	Events  bool   `help:"Show live events while the agent works (disable with --no-events)." default:"true" negatable:""`
}

func (c *ChatCmd) Run(cli *CLI) error {
	if !isTerminal(os.Stdin) {
		return fmt.Errorf("chat requires an interactive terminal (use 'loom run' for scripted queries)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("interrupt received, ending chat")
		cancel()
	}()

	cfg, err := loadRuntimeConfig(cli.Config)
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSession(sess)

	sessionID := c.Session
	if sessionID == "" {
		sessionID = agent.DefaultSession
	}
	return chatLoop(ctx, sess.agent, sessionID, c.Events)
}

// readResult carries one line from the stdin reader goroutine.
type readResult struct {
	line string
	err  error
}

// chatLoop reads queries until /quit, EOF, or cancellation. Input is read
// on a separate goroutine so an interrupt at the prompt ends the session
// without waiting for Enter.
func chatLoop(ctx context.Context, ag *agent.Agent, sessionID string, live bool) error {
	fmt.Printf("\n💬 Chatting with %s (session: %s)\n", ag.Name(), sessionID)
	fmt.Println("Type your messages below. Commands:")
	fmt.Println("  /quit or /exit - End chat session")
	fmt.Println("  /clear - Clear conversation history")
	fmt.Println("  /tools - List available tools")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)
	lines := make(chan readResult)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			lines <- readResult{line: line, err: err}
			if err != nil {
				return
			}
		}
	}()

	for {
		fmt.Print("You: ")

		var in readResult
		select {
		case <-ctx.Done():
			fmt.Println("\n👋 Chat session ended")
			return nil
		case in = <-lines:
		}
		if in.err != nil {
			if errors.Is(in.err, io.EOF) {
				fmt.Println("\n👋 Chat session ended")
				return nil
			}
			return fmt.Errorf("failed to read input: %w", in.err)
		}

		input := strings.TrimSpace(in.line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			switch input {
			case "/quit", "/exit":
				fmt.Println("\n👋 Chat session ended")
				return nil
			case "/clear":
				if err := ag.ClearSession(ctx, sessionID); err != nil {
					fmt.Printf("❌ Error: %v\n", err)
					continue
				}
				fmt.Println("🧹 Conversation history cleared")
				continue
			case "/tools":
				printTools(ag.ListTools())
				continue
			default:
				fmt.Printf("Unknown command: %s\n", input)
				continue
			}
		}

		fmt.Println()
		if err := runQuery(ctx, ag, input, sessionID, live); err != nil {
			fmt.Printf("❌ Error: %v\n", err)
		}
		fmt.Println()
	}
}

// isTerminal checks if the file descriptor is a terminal
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
