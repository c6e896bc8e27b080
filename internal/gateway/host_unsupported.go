//go:build !linux

package gateway

import (
	"fmt"
	"runtime"
)

func NewHost() (Host, error) {
	return nil, fmt.Errorf("privileged gateway is linux-only, current OS is %s", runtime.GOOS)
}
