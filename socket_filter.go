package redbpf

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// AttachSocketFilter attaches prog as a filter on conn, which can be any
// socket-backed connection such as *net.UDPConn or a packet socket wrapped
// via net.FileConn.
//
// Packets failing the filter are dropped before they reach the socket's
// receive queue. Returns ErrTypeMismatch if prog wasn't declared in a
// socketfilter/ section and ErrAlreadyAttached if the socket already has
// prog attached through this module.
func (m *Module) AttachSocketFilter(prog *Program, conn syscall.Conn) (Attachment, error) {
	if err := checkHook(prog, SocketFilterHook); err != nil {
		return nil, err
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("socket filter: %w", err)
	}

	var sockFD int
	if err := rawConn.Control(func(fd uintptr) { sockFD = int(fd) }); err != nil {
		return nil, fmt.Errorf("socket filter: %w", err)
	}

	key := attachKey{prog.name, fmt.Sprintf("socket:%d", sockFD)}

	return m.register(key, func() (attachment, error) {
		var opErr error
		err := rawConn.Control(func(fd uintptr) {
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ATTACH_BPF, prog.FD())
		})
		if err != nil {
			return nil, fmt.Errorf("socket filter: %w", err)
		}
		if opErr != nil {
			return nil, wrapSyscallError("attach socket filter", opErr)
		}

		return &socketFilterAttachment{module: m, key: key, conn: rawConn}, nil
	})
}

type socketFilterAttachment struct {
	module *Module
	key    attachKey
	conn   syscall.RawConn
}

var _ attachment = (*socketFilterAttachment)(nil)

func (a *socketFilterAttachment) Detach() error {
	return a.module.detach(a.key)
}

func (a *socketFilterAttachment) close() error {
	var opErr error
	err := a.conn.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_DETACH_BPF, 0)
	})
	if err != nil {
		return fmt.Errorf("socket filter: %w", err)
	}
	if opErr != nil {
		return wrapSyscallError("detach socket filter", opErr)
	}
	return nil
}
