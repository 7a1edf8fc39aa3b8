//go:build !unix

package memory

import "fmt"

func newMappedBackend(_ BackendOptions) (Backend, error) {
	return nil, fmt.Errorf("%w: mapped backend needs a unix platform", ErrBackendUnavailable)
}
