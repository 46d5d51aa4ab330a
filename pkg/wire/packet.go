package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the size of a packet header: one byte of code followed by
// the payload length as a big endian 32bit integer.
const HeaderSize = 5

// MaxPacketSize bounds the payload length accepted by ReadPacket.
const MaxPacketSize = 64 << 20

// Packet is one framed message.
type Packet struct {
	Code    byte
	Payload []byte
}

// PacketTooLargeError is returned when a header announces a payload larger
// than MaxPacketSize.
type PacketTooLargeError struct {
	Code   byte
	Length uint32
}

func (err *PacketTooLargeError) Error() string {
	return fmt.Sprintf("packet %d announces %d bytes of payload (max %d)", err.Code, err.Length, MaxPacketSize)
}

// ReadPacket reads one packet from r.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxPacketSize {
		return nil, &PacketTooLargeError{Code: hdr[0], Length: n}
	}
	pkt := &Packet{Code: hdr[0], Payload: make([]byte, n)}
	if _, err := io.ReadFull(r, pkt.Payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return pkt, nil
}

// WritePacket writes header and payload with a single Write call.
func WritePacket(w io.Writer, code byte, payload []byte) error {
	if len(payload) > MaxPacketSize {
		return &PacketTooLargeError{Code: code, Length: uint32(len(payload))}
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = code
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}
