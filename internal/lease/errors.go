package lease

import "errors"

var (
	ErrNoEditCapability = errors.New("role lacks edit capability")
	ErrHeldByOther      = errors.New("lease held by another participant")
)
