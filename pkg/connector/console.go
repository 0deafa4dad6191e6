package connector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/harun/remi/pkg/backend"
)

const (
	consoleChatID = "console"
	consoleSender = "user"
)

// Console is an interactive REPL connector reading from stdin and writing to
// stdout. Development and single-user use.
type Console struct {
	in      io.Reader
	out     io.Writer
	stopped atomic.Bool
}

var _ Connector = (*Console)(nil)

// NewConsole creates a console connector on stdin/stdout.
func NewConsole() *Console {
	return &Console{in: os.Stdin, out: os.Stdout}
}

// NewConsoleWithStreams creates a console connector on the given streams.
func NewConsoleWithStreams(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out}
}

// Name implements Connector.
func (c *Console) Name() string { return "console" }

// Start implements Connector. It blocks reading lines until EOF, an
// exit/quit command, Stop, or context cancellation.
func (c *Console) Start(ctx context.Context, handler Handler) error {
	fmt.Fprintln(c.out, "Remi (type 'exit' or Ctrl+D to quit)")
	fmt.Fprintln(c.out, strings.Repeat("-", 40))

	scanner := bufio.NewScanner(c.in)
	for {
		if c.stopped.Load() || ctx.Err() != nil {
			return nil
		}

		fmt.Fprint(c.out, "\nYou: ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out, "\nBye!")
			return scanner.Err()
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if lower := strings.ToLower(text); lower == "exit" || lower == "quit" {
			fmt.Fprintln(c.out, "Bye!")
			return nil
		}

		resp := handler(ctx, IncomingMessage{
			Text:          text,
			ChatID:        consoleChatID,
			Sender:        consoleSender,
			ConnectorName: c.Name(),
		})
		if err := c.Reply(ctx, consoleChatID, resp); err != nil {
			return err
		}
	}
}

// Stop implements Connector. The REPL exits before handling the next line.
func (c *Console) Stop(_ context.Context) error {
	c.stopped.Store(true)
	return nil
}

// Reply implements Connector.
func (c *Console) Reply(_ context.Context, _ string, resp backend.AgentResponse) error {
	if _, err := fmt.Fprintf(c.out, "\nRemi: %s\n", resp.Text); err != nil {
		return err
	}
	if resp.CostUSD > 0 {
		fmt.Fprintf(c.out, "  [cost: $%.4f]\n", resp.CostUSD)
	}
	return nil
}
