package editor

import (
	"errors"
	"fmt"

	"autosouq/pkg/domain"
)

var (
	ErrListingNotFound  = errors.New("listing not found")
	ErrSessionBusy      = errors.New("session busy")
	ErrSessionClosed    = errors.New("session closed")
	ErrInvalidSelection = errors.New("invalid selection")
	ErrInvalidField     = errors.New("invalid field")
	ErrImageNotFound    = errors.New("image not found")
	ErrImageLimit       = errors.New("image limit exceeded")
	ErrUnsupportedImage = errors.New("unsupported image type")
)

// Submit steps, in execution order.
const (
	StepUpdateFields  = "update_fields"
	StepUploadImages  = "upload_images"
	StepReconcile     = "reconcile_existing"
	StepDeleteRemoved = "delete_removed"
	StepRefetch       = "refetch"
)

// SubmitError reports the submit step that aborted the sequence. Writes made
// by earlier steps are not rolled back.
type SubmitError struct {
	Step string
	Err  error
	// Inserted maps image set keys to the rows written before the failure.
	Inserted map[string]domain.Image
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Step, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }
