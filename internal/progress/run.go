package progress

import (
	"context"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
)

// BatchFunc runs a batch and calls report once per finished resource.
type BatchFunc func(ctx context.Context, report func(ItemMsg))

// Run shows the progress view on out while batch runs. Quitting the view
// cancels the batch; Run returns after the batch goroutine has exited.
func Run(ctx context.Context, urls []string, out io.Writer, batch BatchFunc) (Model, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(New(urls), tea.WithContext(ctx), tea.WithOutput(out))

	done := make(chan struct{})
	go func() {
		defer close(done)
		batch(ctx, func(msg ItemMsg) { p.Send(msg) })
		p.Send(DoneMsg{})
	}()

	final, err := p.Run()
	cancel()
	<-done

	m, ok := final.(Model)
	if !ok {
		return Model{}, fmt.Errorf("progress: unexpected model %T", final)
	}
	if err != nil && !m.finished {
		return m, err
	}
	return m, nil
}
