package base

import "errors"

var (
	ErrOutOfSpace      = errors.New("tablespace out of free pages")
	ErrCorruption      = errors.New("data corruption detected")
	ErrTreeCorrupt     = errors.New("index tree is marked corrupt")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrKeyNotFound     = errors.New("key not found")
	ErrRecordTooLarge  = errors.New("record too large for page")
	ErrInvalidTuple    = errors.New("tuple does not match index definition")
	ErrInvalidChecksum = errors.New("invalid page checksum")
	ErrPageNotFound    = errors.New("page not found in backend")
	ErrEngineClosed    = errors.New("engine is closed")
	ErrIndexDropped    = errors.New("index was dropped")
)
