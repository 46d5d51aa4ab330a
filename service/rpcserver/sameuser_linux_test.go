//go:build linux

package rpcserver

import (
	"net"
	"testing"
)

const tcpHeader = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
`

func TestSameUserForAddrs(t *testing.T) {
	savedUID, savedReadFile := uid, readFile
	defer func() { uid, readFile = savedUID, savedReadFile }()

	uid = 149098
	var proc string
	readFile = func(string) ([]byte, error) {
		return []byte(proc), nil
	}
	server4 := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4040}
	for _, tt := range []struct {
		name   string
		proc   string
		local  *net.TCPAddr
		remote *net.TCPAddr
		want   bool
	}{
		{
			name: "ipv4-same",
			proc: tcpHeader +
				`  21: 0100007F:E682 0100007F:0FC8 01 00000000:00000000 00:00000000 00000000 149098        0 8420541 2 0000000000000000 20 0 0 10 -1`,
			local:  server4,
			remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 59010},
			want:   true,
		},
		{
			name: "ipv4-not-found",
			proc: tcpHeader +
				`  21: 0100007F:E682 0100007F:0FC8 01 00000000:00000000 00:00000000 00000000 149098        0 8420541 2 0000000000000000 20 0 0 10 -1`,
			local:  server4,
			remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2342},
			want:   false,
		},
		{
			name: "ipv4-different-uid",
			proc: tcpHeader +
				`  21: 0100007F:E682 0100007F:0FC8 01 00000000:00000000 00:00000000 00000000 149097        0 8420541 2 0000000000000000 20 0 0 10 -1`,
			local:  server4,
			remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 59010},
			want:   false,
		},
		{
			// the client port is reused towards another server owned by
			// someone else, only the row for our listener counts
			name: "ipv4-same-port-other-server",
			proc: tcpHeader +
				`  20: 0100007F:E682 0100007F:1F90 01 00000000:00000000 00:00000000 00000000 149098        0 8420540 2 0000000000000000 20 0 0 10 -1
  21: 0100007F:E682 0100007F:0FC8 01 00000000:00000000 00:00000000 00000000 0        0 8420541 2 0000000000000000 20 0 0 10 -1`,
			local:  server4,
			remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 59010},
			want:   false,
		},
		{
			// the server side row of the same connection must not match
			name: "ipv4-server-row",
			proc: tcpHeader +
				`  22: 0100007F:0FC8 0100007F:E682 01 00000000:00000000 00:00000000 00000000 149098        0 8420542 2 0000000000000000 20 0 0 10 -1`,
			local:  server4,
			remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 59010},
			want:   false,
		},
		{
			name: "ipv6-same",
			proc: `  sl  local_address                         remote_address                        st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   5: 00000000000000000000000001000000:D3E4 00000000000000000000000001000000:0FC8 01 00000000:00000000 00:00000000 00000000 149098        0 8425526 2 0000000000000000 20 0 0 10 -1
   6: 00000000000000000000000001000000:0FC8 00000000000000000000000001000000:D3E4 01 00000000:00000000 00:00000000 00000000 149098        0 8424744 1 0000000000000000 20 0 0 10 -1`,
			local:  &net.TCPAddr{IP: net.ParseIP("::1"), Port: 4040},
			remote: &net.TCPAddr{IP: net.ParseIP("::1"), Port: 54244},
			want:   true,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			proc = tt.proc
			// The returned error is for reporting only.
			same, _ := sameUserForAddrs(tt.local, tt.remote)
			if got, want := same, tt.want; got != want {
				t.Errorf("sameUserForAddrs(%v, %v) = %v, want %v", tt.local, tt.remote, got, want)
			}
		})
	}
}

func TestCanAcceptNonLoopback(t *testing.T) {
	listen := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 4040}
	if !canAccept(listen, nil, nil) {
		t.Error("connections to a non loopback listener are checked by password only")
	}
}
