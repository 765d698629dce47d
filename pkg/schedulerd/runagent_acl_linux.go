//go:build linux

package schedulerd

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// checkPeerAllowed inspects the connecting process's credentials via
// SO_PEERCRED and reports whether its uid (by numeric string, matching
// the format cf-execd's AllowAccessForUsers compares against) is in
// allowed.
func checkPeerAllowed(conn net.Conn, allowed map[string]bool) bool {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return false
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil || cred == nil {
		return false
	}

	return allowed[strconv.FormatUint(uint64(cred.Uid), 10)]
}
