package artimport

import (
	"errors"
	"fmt"
)

var (
	// ErrRootNotFound is returned when the output directory is missing or not a directory.
	ErrRootNotFound = errors.New("output directory not found")

	// ErrUnknownArtefactType is returned for an artefact kind the importer cannot parse.
	ErrUnknownArtefactType = errors.New("unknown artefact type")
)

// IOError reports a file that could not be opened or read.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("Can't read %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ArtefactError is a per-artefact failure collected in the run report.
type ArtefactError struct {
	Path string
	Kind ArtefactKind
	Err  error
}

func (e *ArtefactError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *ArtefactError) Unwrap() error {
	return e.Err
}
