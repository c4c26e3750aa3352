package models

import "errors"

var (
	errEmptyBinary      = errors.New("models: encoder binary path is empty")
	errUnknownContainer = errors.New("models: unknown container kind")
	errBadGeometry      = errors.New("models: width, height and fps must be positive")
)
