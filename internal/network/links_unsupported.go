//go:build !linux

package network

func hostLinkNames() ([]string, error) {
	return nil, nil
}
