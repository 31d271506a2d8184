package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/rs/zerolog"
)

// PassError aggregates everything that went wrong in one sync pass.
type PassError struct {
	// Failed names the operations (and "mutations") that failed.
	Failed       []string
	Unauthorized bool
	Err          error
}

func (e *PassError) Error() string {
	if e.Unauthorized {
		return "sync pass unauthorized: " + e.Err.Error()
	}
	return fmt.Sprintf("sync pass failed (%s): %v", strings.Join(e.Failed, ", "), e.Err)
}

func (e *PassError) Unwrap() error {
	return e.Err
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, remote.ErrUnauthorized)
}

// Notifier surfaces a failed pass to the user once per pass.
type Notifier interface {
	PassFailed(ctx context.Context, err *PassError)
}

type NotifierFunc func(ctx context.Context, err *PassError)

func (f NotifierFunc) PassFailed(ctx context.Context, err *PassError) {
	f(ctx, err)
}

// LogNotifier reports failed passes at error level.
func LogNotifier(logger zerolog.Logger) Notifier {
	return NotifierFunc(func(ctx context.Context, err *PassError) {
		logger.Error().Err(err.Err).Strs("failed", err.Failed).Bool("unauthorized", err.Unauthorized).Msg("sync pass failed")
	})
}
