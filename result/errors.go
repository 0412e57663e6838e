package result

import "fmt"

// ErrNoSuchColumn reports a ScanByName lookup miss.
type ErrNoSuchColumn string

func (e ErrNoSuchColumn) Error() string {
	return fmt.Sprintf("result: no such column %q", string(e))
}
