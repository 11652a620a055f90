package errors

import "fmt"

// Recovered turns a value obtained from recover() into an error.
func Recovered(r interface{}) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
