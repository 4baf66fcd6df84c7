package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	ErrJobIDRequired   = errors.New("job id is required")
	ErrJobNotTerminal  = errors.New("only terminal jobs can be archived")
	ErrEmptyRedisKey   = errors.New("redis key prefix cannot be empty")
	ErrNilRedisClient  = errors.New("redis client is required")
	ErrNilArchiveStore = errors.New("archive database is required")
)
