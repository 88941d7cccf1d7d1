package apperrors

import "errors"

var (
	ErrClientDisconnected = errors.New("client disconnected")
	ErrNoValidResponse    = errors.New("no valid response produced")
	ErrToolNotFound       = errors.New("tool not found")
	ErrServerShutdown     = errors.New("server is shutting down")
)
