package rpc

import (
	"errors"

	"github.com/thrr87/hoard/internal/types"
)

// codeForError maps a domain error to its JSON-RPC error code, per
// spec.md §7's error table.
func codeForError(err error) int {
	var authErr *types.AuthError
	var scopeErr *types.ScopeError
	var rateErr *types.RateLimitError
	var writeDisabledErr *types.WriteDisabledError
	var validErr *types.ValidationError
	var lockErr *types.LockTimeout
	var migErr *types.MigrationError
	var transErr *types.TransientStorage
	var connErr *types.ConnectorError
	var jobErr *types.JobError

	switch {
	case errors.As(err, &authErr):
		return CodeAuth
	case errors.As(err, &scopeErr):
		return CodeScope
	case errors.As(err, &rateErr):
		return CodeRateLimit
	case errors.As(err, &writeDisabledErr):
		return CodeWriteDisabled
	case errors.As(err, &validErr):
		return CodeValidation
	case errors.As(err, &lockErr):
		return CodeLockTimeout
	case errors.As(err, &migErr):
		return CodeMigration
	case errors.As(err, &transErr):
		return CodeTransient
	case errors.As(err, &connErr):
		return CodeConnector
	case errors.As(err, &jobErr):
		return CodeJob
	default:
		return CodeInternalError
	}
}
