package core

import (
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
)

// minPortRangeSize is the smallest permitted non-zero port range.
const minPortRangeSize = 1000

// maxPortRetries bounds bind attempts when selecting a port inside a
// configured range.
const maxPortRetries = 5

// PortRange restricts the ports selected for tunnels and response
// listeners. A zero-size range (e.g. "0..0") disables enforcement and
// lets the OS choose.
type PortRange struct {
	Low  int
	High int
}

// ParsePortRange parses and validates a "lo..hi" specification. A
// non-zero range must span at least minPortRangeSize ports and both
// endpoints must fall within [1024, 65535].
func ParsePortRange(spec string) (PortRange, error) {
	parts := strings.Split(spec, "..")
	if len(parts) != 2 {
		return PortRange{}, &ErrConfig{Option: "port_range", Message: fmt.Sprintf("malformed range %q, expected 'lo..hi'", spec)}
	}

	low, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return PortRange{}, &ErrConfig{Option: "port_range", Message: fmt.Sprintf("invalid lower bound in %q", spec)}
	}
	high, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return PortRange{}, &ErrConfig{Option: "port_range", Message: fmt.Sprintf("invalid upper bound in %q", spec)}
	}

	pr := PortRange{Low: low, High: high}
	if pr.Size() == 0 {
		return pr, nil
	}
	if pr.Size() < minPortRangeSize {
		return PortRange{}, &ErrConfig{
			Option:  "port_range",
			Message: fmt.Sprintf("range %q must span at least %d ports", spec, minPortRangeSize),
		}
	}
	for _, port := range []int{low, high} {
		if port < 1024 || port > 65535 {
			return PortRange{}, &ErrConfig{
				Option:  "port_range",
				Message: fmt.Sprintf("port %d in range %q outside valid bounds (1024, 65535)", port, spec),
			}
		}
	}
	return pr, nil
}

// Size returns the number of ports spanned by the range.
func (pr PortRange) Size() int { return pr.High - pr.Low }

// Contains reports whether port satisfies the range. An unbounded
// range accepts any port.
func (pr PortRange) Contains(port int) bool {
	if pr.Size() == 0 {
		return true
	}
	return port >= pr.Low && port <= pr.High
}

func (pr PortRange) String() string { return fmt.Sprintf("%d..%d", pr.Low, pr.High) }

// candidate returns a random port within the range, or 0 to let the
// OS choose when the range is unbounded.
func (pr PortRange) candidate() int {
	if pr.Size() == 0 {
		return 0
	}
	return pr.Low + rand.IntN(pr.Size()+1)
}

// SelectPorts reserves count local ports adhering to the range. The
// ports are bound briefly to prove availability, then released; the
// usual bind race applies, as it does for any port picker.
func (pr PortRange) SelectPorts(count int) ([]int, error) {
	ports := make([]int, 0, count)
	listeners := make([]net.Listener, 0, count)
	defer func() {
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}()

	for range count {
		ln, err := pr.listen("")
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}

// Listen binds a TCP listener on ip using a port from the range.
func (pr PortRange) Listen(ip string) (net.Listener, error) {
	return pr.listen(ip)
}

func (pr PortRange) listen(ip string) (net.Listener, error) {
	var lastErr error
	for range maxPortRetries + 1 {
		ln, err := net.Listen("tcp", net.JoinHostPort(ip, strconv.Itoa(pr.candidate())))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to locate port within range %s after %d retries: %w", pr, maxPortRetries, lastErr)
}
