package store

import "errors"

// Shared sentinel errors. Services wrap these with context via fmt.Errorf
// and %w; callers test with errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrForbidden     = errors.New("not enough permissions")
	ErrDuplicateName = errors.New("name already in use")
	ErrInvalidParam  = errors.New("invalid parameter")
	ErrToolNotReady  = errors.New("tool is not ready to run")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)
