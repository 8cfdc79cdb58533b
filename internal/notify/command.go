package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/agentor/agentor/internal/plugin"
)

// commandTimeout bounds one notifier command invocation.
const commandTimeout = 15 * time.Second

// CommandNotifier runs a user-configured command per notification. The argv
// is executed directly, never through a shell; placeholders of the form
// {{title}}, {{body}}, {{priority}}, {{session}}, {{project}}, {{event}} are
// substituted into arguments, and the full notification is also piped to
// stdin as JSON for commands that prefer it.
type CommandNotifier struct {
	argv []string
}

// NewCommandNotifier creates a command-backed notifier.
func NewCommandNotifier(argv []string) (*CommandNotifier, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("command notifier needs a non-empty argv")
	}
	return &CommandNotifier{argv: argv}, nil
}

// Notify implements plugin.Notifier.
func (c *CommandNotifier) Notify(ctx context.Context, n plugin.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	replacer := strings.NewReplacer(
		"{{title}}", n.Title,
		"{{body}}", n.Body,
		"{{priority}}", n.Priority,
		"{{session}}", n.SessionID,
		"{{project}}", n.ProjectID,
		"{{event}}", n.Event,
	)
	argv := make([]string, len(c.argv))
	for i, arg := range c.argv {
		argv[i] = replacer.Replace(arg)
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(string(payload))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notifier command failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
