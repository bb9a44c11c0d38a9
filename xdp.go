package redbpf

import (
	"errors"
	"fmt"

	"github.com/jsimonetti/rtnetlink/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// XDPMode selects how the kernel runs an XDP program on an interface.
type XDPMode uint32

const (
	// XDPGenericMode runs the program in the network stack, after the
	// kernel has allocated a socket buffer. Works with every driver,
	// slowest.
	XDPGenericMode XDPMode = unix.XDP_FLAGS_SKB_MODE

	// XDPDriverMode runs the program in the driver's receive path,
	// before socket buffer allocation. Requires driver support.
	XDPDriverMode XDPMode = unix.XDP_FLAGS_DRV_MODE

	// XDPOffloadMode runs the program on the NIC itself. Requires
	// hardware support.
	XDPOffloadMode XDPMode = unix.XDP_FLAGS_HW_MODE
)

func (xm XDPMode) String() string {
	switch xm {
	case 0:
		return "default"
	case XDPGenericMode:
		return "generic"
	case XDPDriverMode:
		return "driver"
	case XDPOffloadMode:
		return "offload"
	default:
		return fmt.Sprintf("XDPMode(%d)", uint32(xm))
	}
}

// XDPOptions control how an XDP program is bound to an interface.
type XDPOptions struct {
	// Mode the program runs in. The zero value lets the kernel pick,
	// which means driver mode where the driver supports it.
	Mode XDPMode

	// FallbackToGeneric retries the attach in XDPGenericMode when the
	// kernel reports that the interface doesn't support Mode.
	FallbackToGeneric bool
}

// AttachXDP attaches prog to the network interface with the given index.
//
// Returns ErrTypeMismatch if prog wasn't declared in an xdp/ section and
// ErrAlreadyAttached if prog is already attached to the interface.
func (m *Module) AttachXDP(prog *Program, ifindex int, opts XDPOptions) (Attachment, error) {
	if err := checkHook(prog, XDPHook); err != nil {
		return nil, err
	}

	if ifindex <= 0 {
		return nil, fmt.Errorf("interface index %d out of range", ifindex)
	}

	key := attachKey{prog.name, fmt.Sprintf("xdp:%d", ifindex)}

	return m.register(key, func() (attachment, error) {
		mode := opts.Mode

		// Refuse to replace a program attached by someone else; the
		// registry only knows about our own.
		err := setLinkXDP(ifindex, prog.FD(), uint32(mode)|unix.XDP_FLAGS_UPDATE_IF_NOEXIST)
		if err != nil && opts.FallbackToGeneric && mode != XDPGenericMode && errors.Is(err, unix.EOPNOTSUPP) {
			m.logger.Warn("xdp mode not supported by interface, falling back to generic",
				zap.Int("ifindex", ifindex),
				zap.Stringer("mode", mode))

			mode = XDPGenericMode
			err = setLinkXDP(ifindex, prog.FD(), uint32(mode)|unix.XDP_FLAGS_UPDATE_IF_NOEXIST)
		}
		if err != nil {
			return nil, fmt.Errorf("attach xdp to interface %d: %w", ifindex, err)
		}

		return &xdpAttachment{module: m, key: key, ifindex: ifindex, mode: mode}, nil
	})
}

type xdpAttachment struct {
	module  *Module
	key     attachKey
	ifindex int
	// mode holds the flags the attach ended up using, which may be the
	// generic fallback rather than the requested mode.
	mode XDPMode
}

var _ attachment = (*xdpAttachment)(nil)

func (a *xdpAttachment) Detach() error {
	return a.module.detach(a.key)
}

func (a *xdpAttachment) close() error {
	// Clearing requires the same mode flags the program was attached
	// with, otherwise the kernel refuses with EINVAL.
	if err := setLinkXDP(a.ifindex, -1, uint32(a.mode)); err != nil {
		return fmt.Errorf("detach xdp from interface %d: %w", a.ifindex, err)
	}
	return nil
}

// setLinkXDP points the interface's XDP hook at the program fd through a
// netlink link-set message. An fd of -1 removes the current program.
func setLinkXDP(ifindex, fd int, flags uint32) error {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return fmt.Errorf("rtnetlink: %w", err)
	}
	defer conn.Close()

	return conn.Link.Set(&rtnetlink.LinkMessage{
		Family: unix.AF_UNSPEC,
		Index:  uint32(ifindex),
		Attributes: &rtnetlink.LinkAttributes{
			XDP: &rtnetlink.LinkXDP{
				FD:    int32(fd),
				Flags: flags,
			},
		},
	})
}
