package change

import (
	"errors"
	"fmt"
)

// Structural errors: the wire form names a kind or an operation the
// catalog does not know. Fatal to the single request only.
var (
	ErrUnknownTopicKind  = errors.New("topicsync: unknown topic kind")
	ErrUnknownChangeType = errors.New("topicsync: unknown change type")
	ErrBadWireForm       = errors.New("topicsync: malformed change record")
)

// InvalidChangeError is the semantic rejection of a change: a
// kind-specific precondition or a topic validator failed. The topic
// value is untouched when it surfaces.
type InvalidChangeError struct {
	Change Change
	Reason string
}

func (e *InvalidChangeError) Error() string {
	return fmt.Sprintf("topicsync: invalid %s change for topic %s: %s (change: %v)",
		e.Change.Type(), e.Change.TopicName(), e.Reason, e.Change.Serialize())
}

func invalidf(c Change, format string, args ...any) error {
	return &InvalidChangeError{Change: c, Reason: fmt.Sprintf(format, args...)}
}

// IsInvalid reports whether err is a semantic change rejection, as
// opposed to a structural or transport failure.
func IsInvalid(err error) bool {
	var e *InvalidChangeError
	return errors.As(err, &e)
}
