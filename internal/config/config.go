// Package config loads the line-based configuration files consumed by the
// tracker server and peer binaries. Parsing itself lives here as ambient
// plumbing; the core components only ever consume the resulting structs.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ClientConfig is a peer's configuration: where to find the tracker, which
// local directory to share/download into, and how often to refresh.
type ClientConfig struct {
	TrackerIP      string
	TrackerPort    int
	PeerFolder     string
	UpdateInterval time.Duration
}

// ServerConfig is the tracker server's configuration: its listen port and
// the directory holding .track files.
type ServerConfig struct {
	ListenPort int
	TrackerDir string
}

// LoadClientConfig parses a client config file: the first two lines are the
// tracker's port and IP in either order (whichever parses as an integer is
// the port), third line the shared/download folder, fourth line the update
// interval in seconds.
func LoadClientConfig(path string) (*ClientConfig, error) {
	lines, err := readLines(path, 4)
	if err != nil {
		return nil, err
	}

	portLine, ipLine := lines[0], lines[1]
	if _, err := strconv.Atoi(portLine); err != nil {
		portLine, ipLine = lines[1], lines[0]
	}
	port, err := strconv.Atoi(portLine)
	if err != nil {
		return nil, fmt.Errorf("client config: invalid tracker port %q: %w", portLine, err)
	}
	interval, err := strconv.Atoi(lines[3])
	if err != nil {
		return nil, fmt.Errorf("client config: invalid update interval %q: %w", lines[3], err)
	}

	return &ClientConfig{
		TrackerPort:    port,
		TrackerIP:      ipLine,
		PeerFolder:     lines[2],
		UpdateInterval: time.Duration(interval) * time.Second,
	}, nil
}

// LoadServerConfig parses a server config file: first line the listen
// port, second line the shared tracker-record directory.
func LoadServerConfig(path string) (*ServerConfig, error) {
	lines, err := readLines(path, 2)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(lines[0])
	if err != nil {
		return nil, fmt.Errorf("server config: invalid listen port %q: %w", lines[0], err)
	}

	return &ServerConfig{
		ListenPort: port,
		TrackerDir: lines[1],
	}, nil
}

// readLines returns exactly want non-empty lines from path, erroring if
// fewer are present.
func readLines(path string, want int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() && len(lines) < want {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) < want {
		return nil, fmt.Errorf("%s: expected %d configuration lines, found %d", path, want, len(lines))
	}
	return lines, nil
}
