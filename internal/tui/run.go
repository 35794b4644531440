package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agentworkforce/fuguesync/internal/session"
)

// Source is a Controller that also publishes view changes.
type Source interface {
	Controller
	Subscribe(listener func(session.View)) (cancel func())
}

// Run blocks until the user quits or ctx is cancelled.
func Run(ctx context.Context, src Source, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, opts...)
	program := tea.NewProgram(New(src), opts...)
	cancel := src.Subscribe(func(view session.View) {
		program.Send(ViewMsg(view))
	})
	defer cancel()
	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
