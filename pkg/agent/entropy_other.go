//go:build !linux

package agent

import "fmt"

func addEntropy(words []uint32) error {
	return fmt.Errorf("unable to add entropy on target platform")
}
