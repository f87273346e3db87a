package reactor

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/arwn/go-muxd/internal/constants"
)

// tuneSocket applies the fixed SO_RCVBUF/SO_SNDBUF sizing to every
// accepted client socket. Non-TCP listeners (tests
// using net.Pipe, for instance) are left alone.
func tuneSocket(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, constants.ClientSocketBufferSize)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, constants.ClientSocketBufferSize)
	})
	_ = tc.SetNoDelay(true)
}
