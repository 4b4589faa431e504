package transport

import (
	"context"
	"net"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/pkg/errors"
)

// Classify wraps err with the code the agent's retry policy acts on. Timeouts
// and deadline expiry become CodeTimeout, everything else code.
func Classify(code ota.Code, op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ota.Error); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ota.NewError(ota.CodeTimeout, op, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ota.NewError(ota.CodeTimeout, op, err)
	}
	return ota.NewError(code, op, err)
}
