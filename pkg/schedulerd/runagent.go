package schedulerd

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/cfengined/cfengined/pkg/config"
	"github.com/cfengined/cfengined/pkg/engine"
	"github.com/rs/zerolog"
)

// runagentSocket listens on a UNIX-domain stream socket and, for each
// connection, runs one convergence run and streams the result back as
// a line of JSON. Grounded on cf-execd's HandleRequestsOrSleep and
// GetRunagentSocketInfo/SetupRunagentSocket.
type runagentSocket struct {
	ln            net.Listener
	path          string
	logger        zerolog.Logger
	allowedUsers  map[string]bool
	runFn         func(context.Context) (*engine.Run, error)
}

// newRunagentSocket binds the socket at cfg.RunagentSocketDir/runagent.socket.
// The parent directory is created mode 0750; existing ACL enforcement is
// peer-credential based (see checkPeerAllowed) rather than filesystem ACLs,
// since the socket itself must remain connectable for the accept() to see
// the connecting credentials at all.
func newRunagentSocket(cfg *config.DaemonConfig, logger zerolog.Logger, runFn func(context.Context) (*engine.Run, error)) (*runagentSocket, error) {
	if err := os.MkdirAll(cfg.RunagentSocketDir, 0o750); err != nil {
		return nil, err
	}
	sockPath := filepath.Join(cfg.RunagentSocketDir, "runagent.socket")
	_ = os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(cfg.RunagentAllowedUsers))
	for _, u := range cfg.RunagentAllowedUsers {
		allowed[u] = true
	}

	return &runagentSocket{
		ln:           ln,
		path:         sockPath,
		logger:       logger.With().Str("component", "runagent").Logger(),
		allowedUsers: allowed,
		runFn:        runFn,
	}, nil
}

// serve accepts connections until ctx is cancelled or the listener closes.
func (s *runagentSocket) serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("runagent accept failed")
			return
		}
		go s.handle(ctx, conn)
	}
}

// close unlinks the socket path.
func (s *runagentSocket) close() {
	s.ln.Close()
	os.Remove(s.path)
}

// handle services one connection: read a newline-terminated request line,
// check the peer's credentials against the allowed user set, run one
// convergence run, and write the result back as a line of JSON.
func (s *runagentSocket) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if len(s.allowedUsers) > 0 {
		if !checkPeerAllowed(conn, s.allowedUsers) {
			s.logger.Warn().Msg("rejected runagent connection: peer not in allowed user set")
			return
		}
	}

	reader := bufio.NewReader(conn)
	request, err := reader.ReadString('\n')
	if err != nil && request == "" {
		return
	}
	request = strings.TrimSpace(request)
	s.logger.Info().Str("request", request).Msg("runagent request")

	run, err := s.runFn(ctx)
	resp := struct {
		Run   *engine.Run `json:"run,omitempty"`
		Error string      `json:"error,omitempty"`
	}{Run: run}
	if err != nil {
		resp.Error = err.Error()
	}

	enc := json.NewEncoder(conn)
	_ = enc.Encode(resp)
}
