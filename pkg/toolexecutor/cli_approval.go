package toolexecutor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// CLIApprovalHandler prompts on a terminal. Answers are y (approve),
// n (reject, followed by an optional guidance line) and a (approve and stop asking).
//
// A single goroutine reads input lines for the lifetime of the handler, so a
// prompt that is cancelled never leaves a reader behind to swallow the next answer.
type CLIApprovalHandler struct {
	mu     sync.Mutex
	reader *bufio.Reader
	writer io.Writer

	once  sync.Once
	lines chan inputLine
	// cancelled is set when the last prompt ended without an answer
	cancelled bool
}

type inputLine struct {
	text string
	eof  bool
	err  error
}

// NewCLIApprovalHandler creates a new CLI approval handler
func NewCLIApprovalHandler(reader io.Reader, writer io.Writer) *CLIApprovalHandler {
	return &CLIApprovalHandler{
		reader: bufio.NewReader(reader),
		writer: writer,
		lines:  make(chan inputLine),
	}
}

// RequestApproval prompts the user and returns when they answer or ctx is done
func (c *CLIApprovalHandler) RequestApproval(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.once.Do(func() { go c.readLines() })
	if c.cancelled {
		c.dropPending()
		c.cancelled = false
	}

	c.displayRequest(req)

	response, err := c.readAnswer(ctx)
	if err != nil && ctx.Err() != nil {
		c.cancelled = true
		fmt.Fprintln(c.writer, "\n  Approval cancelled")
		return ConfirmationResponse{}, ctx.Err()
	}
	return response, err
}

// readLines feeds c.lines until the input ends
func (c *CLIApprovalHandler) readLines() {
	defer close(c.lines)
	for {
		line, err := c.reader.ReadString('\n')
		in := inputLine{text: strings.TrimSpace(line)}
		switch {
		case err == io.EOF:
			in.eof = true
		case err != nil:
			in.err = fmt.Errorf("failed to read input: %w", err)
		}
		c.lines <- in
		if err != nil {
			return
		}
	}
}

// dropPending discards a line typed for a prompt that was already cancelled
func (c *CLIApprovalHandler) dropPending() {
	select {
	case in, ok := <-c.lines:
		if ok && in.text != "" {
			fmt.Fprintf(c.writer, "  Ignoring late answer: %s\n", in.text)
		}
	default:
	}
}

func (c *CLIApprovalHandler) nextLine(ctx context.Context) (inputLine, error) {
	select {
	case in, ok := <-c.lines:
		if !ok {
			return inputLine{eof: true}, nil
		}
		return in, in.err
	case <-ctx.Done():
		return inputLine{}, ctx.Err()
	}
}

func (c *CLIApprovalHandler) displayRequest(req ConfirmationRequest) {
	fmt.Fprintln(c.writer, "")
	fmt.Fprintf(c.writer, "  Tool:      %s (%s)\n", req.ToolName, req.Category)
	if req.Description != "" {
		fmt.Fprintf(c.writer, "  Action:    %s\n", req.Description)
	}
	if len(req.Args) > 0 {
		if data, err := json.Marshal(req.Args); err == nil {
			fmt.Fprintf(c.writer, "  Args:      %s\n", truncateString(string(data), 300))
		}
	}
	fmt.Fprintln(c.writer, "")
	fmt.Fprint(c.writer, "  Run this tool? [y]es / [n]o / [a]lways: ")
}

func (c *CLIApprovalHandler) readAnswer(ctx context.Context) (ConfirmationResponse, error) {
	in, err := c.nextLine(ctx)
	if err != nil {
		return ConfirmationResponse{}, err
	}

	switch strings.ToLower(in.text) {
	case "y", "yes":
		fmt.Fprintln(c.writer, "  Approved")
		return ConfirmationResponse{Approved: true}, nil

	case "a", "always":
		fmt.Fprintln(c.writer, "  Approved, will not ask again for this tool")
		return ConfirmationResponse{Approved: true, SkipFuture: true}, nil

	case "n", "no":
		if in.eof {
			return ConfirmationResponse{}, nil
		}
		fmt.Fprint(c.writer, "  Guidance for the agent (optional): ")
		guidance, err := c.nextLine(ctx)
		if err != nil {
			return ConfirmationResponse{}, err
		}
		return ConfirmationResponse{RejectionGuidance: guidance.text}, nil

	default:
		if in.text != "" {
			fmt.Fprintf(c.writer, "  Invalid input: %s (treated as no)\n", in.text)
		}
		return ConfirmationResponse{}, nil
	}
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
