//go:build !ea32

package wire

// AddrSize is the width in bytes of target addresses carried on the wire.
const AddrSize = 8
