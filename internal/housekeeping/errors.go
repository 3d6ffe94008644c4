package housekeeping

import "errors"

var (
	ErrAlreadyRunning = errors.New("housekeeping is already running")
	ErrNotRunning     = errors.New("housekeeping is not running")
	ErrInvalidJob     = errors.New("job needs a name, a positive interval and a run func")
)
