package room

import "errors"

var (
	ErrAlreadyExists    = errors.New("room already exists")
	ErrNotFound         = errors.New("room not found")
	ErrCollabDisabled   = errors.New("collaboration disabled")
	ErrNameTaken        = errors.New("name already in room")
	ErrLocked           = errors.New("room is being deleted")
	ErrPermissionDenied = errors.New("permission denied")
)
