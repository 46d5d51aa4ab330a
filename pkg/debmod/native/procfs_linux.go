package native

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hexrpc/dbgsrv/service/api"
)

// listProcesses enumerates the processes visible in procRoot.
func listProcesses(procRoot string) ([]api.ProcessInfo, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, err
	}
	var r []api.ProcessInfo
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		comm, err := os.ReadFile(filepath.Join(procRoot, e.Name(), "comm"))
		if err != nil {
			// raced with process exit
			continue
		}
		r = append(r, api.ProcessInfo{PID: pid, Name: strings.TrimSpace(string(comm))})
	}
	sort.Slice(r, func(i, j int) bool { return r[i].PID < r[j].PID })
	return r, nil
}

// listThreads returns the thread ids of pid.
func listThreads(procRoot string, pid int) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(procRoot, strconv.Itoa(pid), "task"))
	if err != nil {
		return nil, err
	}
	var r []int
	for _, e := range entries {
		if tid, err := strconv.Atoi(e.Name()); err == nil {
			r = append(r, tid)
		}
	}
	sort.Ints(r)
	return r, nil
}

// threadName returns the name of thread tid of pid.
func threadName(procRoot string, pid, tid int) string {
	b, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "task", strconv.Itoa(tid), "comm"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// parseMaps parses the contents of /proc/<pid>/maps.
func parseMaps(r io.Reader) ([]api.MemoryInfo, error) {
	var regions []api.MemoryInfo
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := s.Text()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, fmt.Errorf("malformed maps line %q", line)
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("malformed address range %q", fields[0])
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed address range %q", fields[0])
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed address range %q", fields[0])
		}
		mi := api.MemoryInfo{StartEA: start, EndEA: end, Bitness: 2}
		perms := fields[1]
		if strings.IndexByte(perms, 'r') >= 0 {
			mi.Perm |= api.SegPermR
		}
		if strings.IndexByte(perms, 'w') >= 0 {
			mi.Perm |= api.SegPermW
		}
		if strings.IndexByte(perms, 'x') >= 0 {
			mi.Perm |= api.SegPermX
			mi.SClass = "CODE"
		} else {
			mi.SClass = "DATA"
		}
		if len(fields) > 5 {
			mi.Name = strings.Join(fields[5:], " ")
		}
		if mi.Name == "[stack]" {
			mi.SClass = "STACK"
		}
		regions = append(regions, mi)
	}
	return regions, s.Err()
}

func readMaps(procRoot string, pid int) ([]api.MemoryInfo, error) {
	fh, err := os.Open(filepath.Join(procRoot, strconv.Itoa(pid), "maps"))
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return parseMaps(fh)
}
