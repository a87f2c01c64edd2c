//go:build !linux

package agent

import "fmt"

// ServeVsock is only available inside linux guests.
func ServeVsock(state *State) error {
	return fmt.Errorf("vsock connection not supported on current platform")
}
