// Package utiltest holds test doubles for the util package.
package utiltest

import (
	"context"
	"io"
	"sync"

	"github.com/joelanford/flatpak-oci/internal/util"
)

// FakeRunner records invocations and answers them with Handler.
type FakeRunner struct {
	Handler func(cmd util.Cmd, stdin []byte) ([]byte, error)

	mu   sync.Mutex
	cmds []util.Cmd
}

var _ util.Runner = &FakeRunner{}

func (f *FakeRunner) Run(_ context.Context, cmd util.Cmd) ([]byte, error) {
	var stdin []byte
	if cmd.Stdin != nil {
		var err error
		if stdin, err = io.ReadAll(cmd.Stdin); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()
	if f.Handler == nil {
		return nil, nil
	}
	return f.Handler(cmd, stdin)
}

// Cmds returns the recorded invocations in order.
func (f *FakeRunner) Cmds() []util.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]util.Cmd(nil), f.cmds...)
}
