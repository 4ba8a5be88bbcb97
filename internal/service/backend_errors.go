package service

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	appErrors "github.com/noah-isme/connect-api/pkg/errors"
)

// backendError maps a storage or search engine failure onto the API error
// taxonomy. Typed errors pass through; timeouts and lost connections become
// transient; everything else is internal.
func backendError(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if isTransient(err) {
		return appErrors.WrapAs(appErrors.ErrTransient, err, message)
	}
	return appErrors.WrapAs(appErrors.ErrInternal, err, message)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
