package repository

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/bulkload/internal/core"
)

// classify wraps errors that mean the database cannot take any more
// records in *core.EngineUnavailableError. Everything else, such as a
// constraint violation or bad JSON, fails only the current record.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if unavailable(err) {
		return &core.EngineUnavailableError{Err: err}
	}
	return err
}

func unavailable(err error) bool {
	// The loader handles its own cancellation.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return unavailableState(pgErr.Code)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// pgxpool reports acquiring from a closed pool with a plain error.
	return strings.Contains(err.Error(), "closed pool")
}

// unavailableState reports SQLSTATEs for lost connections, server
// shutdown and exhausted resources.
func unavailableState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"): // connection_exception
		return true
	case strings.HasPrefix(code, "57P"): // admin_shutdown, crash_shutdown, cannot_connect_now
		return true
	case strings.HasPrefix(code, "53"): // insufficient_resources
		return true
	case strings.HasPrefix(code, "58"): // system_error
		return true
	}
	return false
}
