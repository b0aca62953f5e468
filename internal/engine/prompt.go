package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"taskbridge/internal/models"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// ErrNonInteractive is returned by a Prompter that has no terminal to ask on.
var ErrNonInteractive = errors.New("no interactive terminal")

// Prompter asks a human which side of a conflict to keep. It returns
// PolicyLocal or PolicyMonday.
type Prompter interface {
	Choose(ctx context.Context, conflict models.ConflictRecord) (models.ConflictPolicy, error)
}

// TerminalPrompter renders a selection form when stdin is a TTY.
type TerminalPrompter struct {
	in  *os.File
	out *os.File
}

// NewTerminalPrompter prompts on the given streams, usually os.Stdin and os.Stderr.
func NewTerminalPrompter(in, out *os.File) *TerminalPrompter {
	return &TerminalPrompter{in: in, out: out}
}

// Interactive reports whether the input stream is a terminal.
func (p *TerminalPrompter) Interactive() bool {
	return p != nil && p.in != nil && term.IsTerminal(int(p.in.Fd()))
}

func (p *TerminalPrompter) Choose(ctx context.Context, conflict models.ConflictRecord) (models.ConflictPolicy, error) {
	if !p.Interactive() {
		return "", ErrNonInteractive
	}

	choice := string(models.PolicyLocal)
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Task %s changed on both sides", conflict.TaskID)).
				Description(describeConflict(conflict)).
				Options(
					huh.NewOption("Keep local: "+titleOf(conflict.Local), string(models.PolicyLocal)),
					huh.NewOption("Keep monday.com: "+titleOf(conflict.Remote), string(models.PolicyMonday)),
				).
				Value(&choice),
		),
	).WithInput(p.in).WithOutput(p.out)

	if err := form.RunWithContext(ctx); err != nil {
		return "", fmt.Errorf("conflict prompt: %w", err)
	}
	return models.ConflictPolicy(choice), nil
}

func describeConflict(conflict models.ConflictRecord) string {
	local, remote := "deleted", "deleted"
	if conflict.Local != nil {
		local = conflict.Local.Status
	}
	if conflict.Remote != nil {
		remote = conflict.Remote.Status
	}
	return fmt.Sprintf("local status %q, remote status %q", local, remote)
}

func titleOf(task *models.Task) string {
	if task == nil {
		return "(deleted)"
	}
	return task.Title
}
