// File: transport/tcp/sockopt_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build !linux

package tcp

import "net"

func tuneKeepAlive(_ *net.TCPConn) {}
