package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error taxonomy shared by every component. Concrete errors wrap one of these.
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrNotFound             = errors.New("not found")
	ErrConversionFailure    = errors.New("conversion failure")
	ErrMalformedMetadata    = errors.New("malformed metadata")
	ErrDuplicateConflict    = errors.New("duplicate conflict")
	ErrTransferFailure      = errors.New("transfer failure")
)

// MalformedMetadataError lists the required side-car fields that were absent
type MalformedMetadataError struct {
	Path    string
	Missing []string
	Cause   error
}

func (e *MalformedMetadataError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrMalformedMetadata, e.Path, e.Cause)
	}
	return fmt.Sprintf("%s: %s: missing %s", ErrMalformedMetadata, e.Path, strings.Join(e.Missing, ", "))
}

func (e *MalformedMetadataError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrMalformedMetadata, e.Cause}
	}
	return []error{ErrMalformedMetadata}
}

// DuplicateConflictError names the (tile, timestamp, asset) triple with diverging content
type DuplicateConflictError struct {
	TileID   string
	Datetime time.Time
	Asset    string
	First    string
	Second   string
}

func (e *DuplicateConflictError) Error() string {
	return fmt.Sprintf("%s: tile %s at %s asset %s (%s vs %s)",
		ErrDuplicateConflict, e.TileID, e.Datetime.UTC().Format(time.RFC3339), e.Asset, e.First, e.Second)
}

func (e *DuplicateConflictError) Unwrap() error {
	return ErrDuplicateConflict
}

// NotFoundError names every requested tile missing from the source tree
type NotFoundError struct {
	TileIDs []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: tile(s) %s", ErrNotFound, strings.Join(e.TileIDs, ", "))
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}
