package speech

import "errors"

// ErrEmptyText rejects requests whose text is empty after trimming. This is
// the only user-correctable failure; everything else in the taxonomy is an
// internal condition.
var ErrEmptyText = errors.New("no text provided for speech generation")
