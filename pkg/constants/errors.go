package constants

import "errors"

// Storage errors
var (
	ErrBadMagic          = errors.New("not a SIDB stream")
	ErrUnsupportedFormat = errors.New("database format is newer than this build supports")
	ErrCapacityExceeded  = errors.New("compression capacity exceeded")
	ErrStringTooLong     = errors.New("string too long for short encoding")
	ErrClosed            = errors.New("stream already closed")
)

// Store errors
var (
	ErrRecordNotFound = errors.New("record not found")
)

// Database errors
var (
	ErrDatabaseClosed  = errors.New("database is closed")
	ErrNoPath          = errors.New("database has no file path")
	ErrNoRecovery      = errors.New("no autosave to recover from")
	ErrRecoveryPending = errors.New("backups of an earlier session are waiting to be recovered")
)

// Replication errors
var (
	ErrNotConnected   = errors.New("replication role is not active")
	ErrAlreadyActive  = errors.New("replication role already active")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrFrameTooLarge  = errors.New("frame field exceeds limit")
	ErrPublicAddress  = errors.New("unable to resolve public address")
	ErrNotIPv4        = errors.New("address is not IPv4")
)
