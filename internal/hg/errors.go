package hg

import "fmt"

// NotFoundError reports that the hosting service does not know a revision.
type NotFoundError struct {
	URL      string
	Revision string
}

func (e *NotFoundError) Error() string {
	if e.Revision != "" {
		return fmt.Sprintf("unknown revision %s", e.Revision)
	}
	return fmt.Sprintf("not found: %s", e.URL)
}

// UnavailableError reports that every attempt to reach the hosting service
// failed. Err combines the causes of the HTTPS and HTTP attempts.
type UnavailableError struct {
	URL string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("tried %s twice, both failed: %v", e.URL, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
