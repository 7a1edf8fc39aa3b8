//go:build unix && !linux

package memory

import "fmt"

func bindPreferred(_ []byte, node int) error {
	return fmt.Errorf("%w: NUMA placement for node %d needs linux", ErrBackendUnavailable, node)
}
