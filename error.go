package btrcore

import (
	"errors"

	"btrcore/internal/base"
	"btrcore/internal/redo"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrInvalidOptions = errors.New("invalid engine options")
	ErrIndexExists    = errors.New("index already open")
	ErrCursorClosed   = errors.New("cursor is closed")

	ErrOutOfSpace      = base.ErrOutOfSpace
	ErrCorruption      = base.ErrCorruption
	ErrTreeCorrupt     = base.ErrTreeCorrupt
	ErrDuplicateKey    = base.ErrDuplicateKey
	ErrKeyNotFound     = base.ErrKeyNotFound
	ErrRecordTooLarge  = base.ErrRecordTooLarge
	ErrInvalidTuple    = base.ErrInvalidTuple
	ErrInvalidChecksum = base.ErrInvalidChecksum
	ErrEngineClosed    = base.ErrEngineClosed
	ErrIndexDropped    = base.ErrIndexDropped

	ErrCorruptLog = redo.ErrCorruptLog
	ErrIncomplete = redo.ErrIncomplete
)
