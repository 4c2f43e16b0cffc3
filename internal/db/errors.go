package db

import "errors"

var (
	ErrNotFound          = errors.New("record not found")
	ErrFailedOpenDB      = errors.New("failed to open database")
	ErrFailedToInit      = errors.New("failed to initialize schema")
	ErrFailedToInsert    = errors.New("failed to insert")
	ErrFailedToQuery     = errors.New("failed to query")
	ErrUnsupportedDriver = errors.New("unsupported storage driver")
)
