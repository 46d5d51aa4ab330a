package rpcserver

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hexrpc/dbgsrv/pkg/logflags"
	"github.com/hexrpc/dbgsrv/pkg/wire"
)

// The file channels let the client read and write files on the server
// host. A channel number is an index in Session.files.

var errOutsideWorkdir = errors.New("path is outside of the working directory")

func (s *Session) fileLogf(format string, args ...interface{}) {
	if logflags.FileIO() {
		logflags.FileIOLogger().WithField("session", s.id).Debugf(format, args...)
	}
}

// errnoOf extracts the OS error number of err.
func errnoOf(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return int(syscall.EINVAL)
}

func (s *Session) freeChannel() int {
	for i, f := range s.files {
		if f == nil {
			return i
		}
	}
	return -1
}

func (s *Session) channel(fn int) *os.File {
	if fn < 0 || fn >= len(s.files) {
		return nil
	}
	return s.files[fn]
}

func handleOpenFile(s *Session, req *request) {
	path := req.u.UnpackStr()
	readonly := req.u.UnpackBool()
	if req.bad() {
		return
	}
	fn := s.freeChannel()
	if fn < 0 {
		req.reply.PackInt(-1)
		req.reply.PackInt(int(syscall.EMFILE))
		return
	}
	f, err := openChannelFile(path, readonly)
	if err != nil {
		s.fileLogf("open %s: %v", path, err)
		req.reply.PackInt(-1)
		req.reply.PackInt(errnoOf(err))
		return
	}
	s.files[fn] = f
	s.fileLogf("open %s (readonly=%v) -> %d", path, readonly, fn)
	req.reply.PackInt(fn)
	if readonly {
		var size uint64
		if fi, err := f.Stat(); err == nil {
			size = uint64(fi.Size())
		}
		req.reply.PackDQ(size)
	}
}

func openChannelFile(path string, readonly bool) (*os.File, error) {
	if readonly {
		return os.Open(path)
	}
	if err := createParents(path); err != nil && !errors.Is(err, errOutsideWorkdir) {
		return nil, err
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

// createParents creates the missing parent directories of path, but only
// if path is inside the working directory of the server. Symbolic links
// are resolved on the deepest ancestor that exists.
func createParents(path string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	existing := filepath.Dir(abs)
	var missing []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		missing = append([]string{filepath.Base(existing)}, missing...)
		existing = parent
	}
	if len(missing) == 0 {
		return nil
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return err
	}
	root, err := filepath.EvalSymlinks(cwd)
	if err != nil {
		return err
	}
	target := filepath.Join(append([]string{resolved}, missing...)...)
	if !isDescendant(root, target) {
		return errOutsideWorkdir
	}
	return os.MkdirAll(target, 0755)
}

func isDescendant(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func handleCloseFile(s *Session, req *request) {
	fn := req.u.UnpackInt()
	if req.bad() {
		return
	}
	f := s.channel(fn)
	if f == nil {
		s.fileLogf("close %d: bad channel", fn)
		return
	}
	if err := f.Close(); err != nil {
		s.fileLogf("close %d: %v", fn, err)
	}
	s.files[fn] = nil
}

func handleReadFile(s *Session, req *request) {
	fn := req.u.UnpackInt()
	off := int64(req.u.UnpackDQ())
	size := req.u.UnpackInt()
	if req.bad() {
		return
	}
	f := s.channel(fn)
	var (
		buf   []byte
		n     int
		errno int
	)
	switch {
	case f == nil:
		n, errno = -1, int(syscall.EBADF)
	case size < 0 || size > wire.MaxPacketSize:
		n, errno = -1, int(syscall.EINVAL)
	default:
		buf = make([]byte, size)
		var err error
		n, err = f.ReadAt(buf, off)
		if err != nil && err != io.EOF {
			errno = errnoOf(err)
		}
	}
	s.fileLogf("read %d at %#x: %d of %d bytes", fn, off, n, size)
	req.reply.PackInt(n)
	if n != size {
		req.reply.PackInt(errno)
	}
	if n > 0 {
		req.reply.Append(buf[:n])
	}
}

func handleWriteFile(s *Session, req *request) {
	fn := req.u.UnpackInt()
	off := int64(req.u.UnpackDQ())
	data := req.u.UnpackBuf()
	if req.bad() {
		return
	}
	f := s.channel(fn)
	var (
		n     int
		errno int
	)
	if f == nil {
		n, errno = -1, int(syscall.EBADF)
	} else {
		var err error
		n, err = f.WriteAt(data, off)
		if err != nil {
			errno = errnoOf(err)
		}
	}
	s.fileLogf("write %d at %#x: %d of %d bytes", fn, off, n, len(data))
	req.reply.PackInt(n)
	if n != len(data) {
		req.reply.PackInt(errno)
	}
}
