// Package command parses merge-queue directives out of review comment text
// and runs them against a per-issue reply context.
package command

import (
	"context"
	"fmt"
	"strings"
)

// ParseError is returned by ParseComment when a directive line names a
// second token that is not a recognized command.
type ParseError struct {
	Token string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unknown command: %s", e.Token)
}

// Kind identifies which directive a Command carries.
type Kind int

const (
	// Ping replies "pong!" — used to verify the bot is reachable.
	Ping Kind = iota
	// Merge requests that the issuing PR be entered into the merge queue.
	Merge
)

func (k Kind) String() string {
	switch k {
	case Ping:
		return "ping"
	case Merge:
		return "merge"
	default:
		return "unknown"
	}
}

// Command is a single recognized directive extracted from a comment line.
type Command struct {
	Kind Kind
}

// ParseComment splits a comment body into lines, extracts directive lines
// (first token literally "cherry"), and maps the second token to a Command.
// A single unrecognized second token aborts parsing of the whole comment —
// commands recognized on earlier lines are discarded: parsing is
// all-or-nothing.
func ParseComment(body string) ([]Command, error) {
	var commands []Command

	for _, line := range strings.Split(body, "\n") {
		words := strings.Split(line, " ")
		if words[0] != "cherry" {
			continue
		}

		var second string
		if len(words) > 1 {
			second = words[1]
		}

		switch second {
		case "ping":
			commands = append(commands, Command{Kind: Ping})
		case "merge", "r+":
			commands = append(commands, Command{Kind: Merge})
		default:
			token := second
			if token == "" {
				token = "[none]"
			}

			return nil, &ParseError{Token: token}
		}
	}

	return commands, nil
}

// Context binds a command to the reply channel for the issue it was posted
// on, plus whatever the Merge command needs to reach the controller.
type Context interface {
	// Reply posts a message visible to the user who issued the command.
	Reply(ctx context.Context, message string) error
	// RequestMerge invokes the controller's request operation for the PR
	// this context is bound to.
	RequestMerge(ctx context.Context) error
}

// Run executes a single command against a context, dispatching Ping to a
// canned reply and Merge to the bound controller's request operation.
func (c Command) Run(ctx context.Context, rc Context) error {
	switch c.Kind {
	case Ping:
		return rc.Reply(ctx, "pong!")
	case Merge:
		return rc.RequestMerge(ctx)
	default:
		return fmt.Errorf("unrunnable command kind %v", c.Kind)
	}
}

func (c Command) String() string {
	return c.Kind.String()
}
