//go:build linux

package rpcserver

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/hexrpc/dbgsrv/pkg/logflags"
)

// for testing
var (
	uid      = os.Getuid()
	readFile = os.ReadFile
)

type errConnectionNotFound struct {
	filename string
}

func (e *errConnectionNotFound) Error() string {
	return fmt.Sprintf("connection not found in %s", e.filename)
}

// sameUserForHexAddrs looks up the connection between the server side
// address localAddr and the client side address remoteAddr in filename and
// reports whether the client socket belongs to our uid. The table lists
// the client's socket from its own point of view, so the pair is matched
// crossed.
func sameUserForHexAddrs(filename, localAddr, remoteAddr string) (bool, error) {
	b, err := readFile(filename)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		// The format contains whitespace padding (%4d, %5u), so we use
		// fmt.Sscanf instead of splitting on whitespace.
		var (
			sl                  int
			rowLocal, rowRemote string
			state               int
			queue, timer        string
			retransmit          int
			rowUID              uint
		)
		// %u is not understood by the fmt package, %5d would cut off
		// longer uids.
		n, err := fmt.Sscanf(line, "%4d: %s %s %02X %s %s %08X %d",
			&sl, &rowLocal, &rowRemote, &state, &queue, &timer, &retransmit, &rowUID)
		if n != 8 || err != nil {
			continue // invalid line (e.g. header line)
		}
		if rowLocal != remoteAddr || rowRemote != localAddr {
			continue
		}
		same := uid == int(rowUID)
		if !same {
			logflags.ServerLogger().Debugf("connection from uid %d (ours is %d): %s", rowUID, uid, line)
		}
		return same, nil
	}
	return false, &errConnectionNotFound{filename}
}

func hexAddr4(addr *net.TCPAddr) string {
	b := addr.IP.To4()
	return fmt.Sprintf("%02X%02X%02X%02X:%04X", b[3], b[2], b[1], b[0], addr.Port)
}

func hexAddr6(addr *net.TCPAddr) (string, error) {
	words := make([]uint32, 4)
	if err := binary.Read(bytes.NewReader(addr.IP.To16()), binary.LittleEndian, words); err != nil {
		return "", err
	}
	return fmt.Sprintf("%08X%08X%08X%08X:%04X", words[0], words[1], words[2], words[3], addr.Port), nil
}

// v4InV6Prefix is how IPv4 peers of a dual stack socket appear in tcp6.
const v4InV6Prefix = "0000000000000000FFFF0000"

func sameUserForAddrs4(localAddr, remoteAddr *net.TCPAddr) (bool, error) {
	l, r := hexAddr4(localAddr), hexAddr4(remoteAddr)
	same, err := sameUserForHexAddrs("/proc/net/tcp", l, r)
	if _, isNotFound := err.(*errConnectionNotFound); isNotFound {
		same6, err6 := sameUserForHexAddrs("/proc/net/tcp6", v4InV6Prefix+l, v4InV6Prefix+r)
		if err6 == nil {
			return same6, nil
		}
	}
	return same, err
}

func sameUserForAddrs6(localAddr, remoteAddr *net.TCPAddr) (bool, error) {
	l, err := hexAddr6(localAddr)
	if err != nil {
		return false, err
	}
	r, err := hexAddr6(remoteAddr)
	if err != nil {
		return false, err
	}
	return sameUserForHexAddrs("/proc/net/tcp6", l, r)
}

func sameUserForAddrs(localAddr, remoteAddr *net.TCPAddr) (bool, error) {
	if remoteAddr.IP.To4() == nil {
		return sameUserForAddrs6(localAddr, remoteAddr)
	}
	return sameUserForAddrs4(localAddr, remoteAddr)
}

// canAccept rejects connections to a loopback listener coming from other
// users. Connections to other interfaces are protected by the password.
func canAccept(listenAddr, localAddr, remoteAddr net.Addr) bool {
	laddr, ok := listenAddr.(*net.TCPAddr)
	if !ok || !laddr.IP.IsLoopback() {
		return true
	}
	addr, ok := remoteAddr.(*net.TCPAddr)
	if !ok {
		panic(fmt.Sprintf("BUG: conn.RemoteAddr is %T, want *net.TCPAddr", remoteAddr))
	}
	local, ok := localAddr.(*net.TCPAddr)
	if !ok {
		panic(fmt.Sprintf("BUG: conn.LocalAddr is %T, want *net.TCPAddr", localAddr))
	}
	logger := logflags.ServerLogger()
	same, err := sameUserForAddrs(local, addr)
	if err != nil {
		logger.Errorf("cannot check remote address: %v", err)
	}
	if !same {
		if logflags.Server() {
			logger.Infof("closing connection from different user (%v): connections to localhost are only accepted from the same UNIX user for security reasons", addr)
		} else {
			fmt.Fprintf(os.Stderr, "closing connection from different user (%v): connections to localhost are only accepted from the same UNIX user for security reasons\n", addr)
		}
		return false
	}
	return true
}
