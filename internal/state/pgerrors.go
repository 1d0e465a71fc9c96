package state

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	pkgerrors "github.com/yungbote/taskfabric/internal/pkg/errors"
)

// IsTransient classifies storage errors that are safe to retry in place with
// backoff: serialization failures, lock timeouts, connection problems and
// resource exhaustion. CAS misses are not errors and never reach here.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, pkgerrors.ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40xxx serialization/deadlock, 53xxx insufficient resources,
		// 55P03 lock_not_available, 57P03 cannot_connect_now.
		code := pgErr.Code
		switch {
		case strings.HasPrefix(code, "40"):
			return true
		case strings.HasPrefix(code, "53"):
			return true
		case code == "55P03", code == "57P03":
			return true
		}
	}
	return false
}

// IsUniqueViolation reports a Postgres duplicate-key error (23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
