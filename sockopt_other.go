//go:build !unix

package nicoscache

import "syscall"

func setBroadcast(network, address string, c syscall.RawConn) error { return nil }
