package pseudobulk

import "errors"

// ErrMissingLabel is returned when a cell has no replicate label.
var ErrMissingLabel = errors.New("cell without replicate label")
