//go:build !windows

package patching

import (
	"context"
	"errors"
	"log/slog"

	"github.com/breeze-rmm/provision/internal/executor"
	"github.com/breeze-rmm/provision/internal/retry"
)

var errNoUpdateAgent = errors.New("Windows Update Agent is only available on Windows")

type unavailableAgent struct{}

func newWUAgent(retry.Policy, *slog.Logger) wuAgent {
	return unavailableAgent{}
}

func (unavailableAgent) Search(context.Context) ([]wuUpdate, error) {
	return nil, &executor.ExecutionError{Path: wuaProgID, Err: errNoUpdateAgent}
}

func (unavailableAgent) Install(context.Context, string, bool) (wuInstallResult, error) {
	return wuInstallResult{}, &executor.ExecutionError{Path: wuaProgID, Err: errNoUpdateAgent}
}
