package replace

import (
	"bufio"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// commandPattern matches one control line: "<verb> <id>".
var commandPattern = regexp.MustCompile(`^(enable|disable|toggle|unique)\s+(\S+)\s*$`)

// Server is the TCP control channel described in spec §4.8: a plain
// line-oriented protocol any tool that can write to a socket (netcat,
// a foot-pedal script) can drive.
//
// NOTE: this interface is easy to abuse via DoS; don't expose it
// outside a trusted network.
type Server struct {
	addr   string
	port   int
	plugin *Plugin
	log    zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer builds a Server bound to host:port once started.
func NewServer(addr string, port int, p *Plugin, log zerolog.Logger) *Server {
	return &Server{addr: addr, port: port, plugin: p, log: log}
}

// Start opens the listening socket and begins accepting clients in a
// background goroutine. It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.addr, s.port))
	if err != nil {
		return fmt.Errorf("replace: listen on %s:%d: %w", s.addr, s.port, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Debug().Str("plugin", "replace").Str("addr", ln.Addr().String()).Msg("control server listening")

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener, which unblocks acceptLoop; it waits for
// the accept goroutine (not for individual client handlers, which
// exit on their own once the connection closes).
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handleClient(conn)
	}
}

// handleClient reads newline-terminated commands until the connection
// closes or errors. Per the REDESIGN FLAG in spec §9, any scan error
// closes the connection immediately instead of looping without a
// pause the way the original's bare except/continue does.
func (s *Server) handleClient(conn net.Conn) {
	defer conn.Close()
	s.log.Debug().Str("plugin", "replace").Str("remote", conn.RemoteAddr().String()).Msg("client connected")

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.handleLine(line)
	}
	s.log.Debug().Str("plugin", "replace").Str("remote", conn.RemoteAddr().String()).Msg("client disconnected")
}

func (s *Server) handleLine(line string) {
	m := commandPattern.FindStringSubmatch(line)
	if m == nil {
		s.log.Debug().Str("plugin", "replace").Str("line", line).Msg("unexpected line")
		return
	}
	cmd, idStr := m[1], m[2]

	rules := s.resolve(idStr)
	if len(rules) == 0 {
		s.log.Debug().Str("plugin", "replace").Str("id", idStr).Msg("unexpected id")
		return
	}

	switch cmd {
	case "enable":
		for _, r := range rules {
			s.plugin.Enable(r)
		}
	case "disable":
		for _, r := range rules {
			s.plugin.Disable(r)
		}
	case "toggle":
		for _, r := range rules {
			s.plugin.Toggle(r)
		}
	case "unique":
		for _, r := range rules {
			s.plugin.Unique(r)
		}
	}
}

// resolve implements find_replacements: "next"/"previous" walk the
// round-robin cmd_index, anything else matches a declared rule id.
func (s *Server) resolve(idStr string) []*rule {
	switch idStr {
	case "next":
		if r := s.plugin.FindNext(); r != nil {
			return []*rule{r}
		}
		return nil
	case "previous":
		if r := s.plugin.FindPrevious(); r != nil {
			return []*rule{r}
		}
		return nil
	default:
		if r := s.plugin.FindByID(idStr); r != nil {
			return []*rule{r}
		}
		return nil
	}
}
