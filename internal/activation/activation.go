// Package activation picks up sockets handed over by systemd socket activation.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// listenFDsStart is the first descriptor systemd passes (0-2 are stdio).
const listenFDsStart = 3

// Socket is an inherited listener together with its FileDescriptorName.
type Socket struct {
	Name     string
	Listener net.Listener
}

// Sockets returns the listeners systemd passed to this process. It returns
// nil when LISTEN_PID is unset or names another process. Names come from
// LISTEN_FDNAMES; a socket without a name is called "unknown", as sd_listen_fds
// does.
func Sockets() ([]Socket, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}

	names := fdNames(os.Getenv("LISTEN_FDNAMES"), numFDs)

	sockets := make([]Socket, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := listenFDsStart + i
		file := os.NewFile(uintptr(fd), "systemd-socket-"+names[i])
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// FileListener dups the descriptor.
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}

		sockets = append(sockets, Socket{Name: names[i], Listener: listener})
	}

	// Child processes must not inherit the activation environment.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return sockets, nil
}

// Listener returns the activated listener named name, or the first one when
// no socket carries that name. Every other inherited listener is closed. It
// returns nil when the process was not socket activated.
func Listener(name string) (net.Listener, error) {
	sockets, err := Sockets()
	if err != nil || len(sockets) == 0 {
		return nil, err
	}

	chosen := 0
	for i, s := range sockets {
		if s.Name == name {
			chosen = i
			break
		}
	}

	for i, s := range sockets {
		if i != chosen {
			_ = s.Listener.Close()
		}
	}
	return sockets[chosen].Listener, nil
}

func fdNames(raw string, n int) []string {
	names := make([]string, n)
	var given []string
	if raw != "" {
		given = strings.Split(raw, ":")
	}
	for i := range names {
		if i < len(given) && given[i] != "" {
			names[i] = given[i]
		} else {
			names[i] = "unknown"
		}
	}
	return names
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}
