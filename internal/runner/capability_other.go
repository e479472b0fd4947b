//go:build !linux

package runner

import "fmt"

// CheckCapability always fails outside Linux.
func CheckCapability() error {
	return fmt.Errorf("runner: sandboxing requires linux")
}
