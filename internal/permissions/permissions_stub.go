//go:build !darwin

package permissions

import "context"

// RequestMicrophone is a no-op on platforms without a capture permission model.
func RequestMicrophone(ctx context.Context) error {
	return nil
}
