// Package storage provides the archive sink's persistence backend: local
// disk or Google Cloud Storage, selected by configuration (§4.10).
package storage

import "io"

// Storage is the archive sink's persistence contract. Segment and init
// files are addressed by a path relative to the backend's base directory
// or bucket prefix.
type Storage interface {
	Write(path string, data []byte) error
	Read(path string) ([]byte, error)
	ReadSeeker(path string) (io.ReadSeeker, error)
	Delete(path string) error
	Exists(path string) (bool, error)
	List(dir string) ([]string, error)
}
