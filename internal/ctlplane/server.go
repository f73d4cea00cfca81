package ctlplane

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"time"

	"fathom/internal/config"
	"fathom/internal/errkind"
	"fathom/internal/flow"
	"fathom/internal/health"
	"fathom/internal/inventory"
	"fathom/internal/logging"
	"fathom/internal/registry"
	"fathom/internal/routeprog"
	"fathom/internal/store"
)

// submitTimeout bounds how long a mutating RPC method waits for the
// Health SM's serial queue to process its command before giving up.
const submitTimeout = 30 * time.Second

// Reloader is implemented by main's wiring code: it knows how to reload
// the HCL document from disk and apply the diff (new/removed uplinks,
// changed probe parameters, reinstalled filter program). Kept as an
// interface so ctlplane does not need to import cmd/fathomd.
type Reloader interface {
	Reload(ctx context.Context, path string) (*config.LoadResult, error)
}

// Server is the Control API's net/rpc receiver. Every mutating method
// funnels through Machine.SubmitAdmin so it shares the Health SM's single
// serialized queue; read methods snapshot the registry behind its reader
// lock and never block on that queue (spec.md §4.7).
type Server struct {
	reg      *registry.Registry
	machine  *health.Machine
	route    *routeprog.Programmer
	sticky   *flow.StickyTable
	inv      *inventory.Inventory
	hist     *store.Store
	reloader Reloader
	logger   *logging.Logger

	probeTarget string
	socketPath  string
	listener    net.Listener
}

// New returns a Server ready to Start.
func New(reg *registry.Registry, machine *health.Machine, route *routeprog.Programmer, sticky *flow.StickyTable, inv *inventory.Inventory, hist *store.Store, reloader Reloader, socketPath, probeTarget string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Server{
		reg:         reg,
		machine:     machine,
		route:       route,
		sticky:      sticky,
		inv:         inv,
		hist:        hist,
		reloader:    reloader,
		logger:      logger.WithComponent("ctlplane"),
		probeTarget: probeTarget,
		socketPath:  socketPath,
	}
}

// Start removes any stale socket, listens on s.socketPath, and serves RPC
// connections in the background. The Unix socket's filesystem permissions
// are the access boundary; no authentication is layered on top (spec.md §6).
func (s *Server) Start() error {
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errkind.New(errkind.Host, fmt.Errorf("listen on %s: %w", s.socketPath, err))
	}
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		listener.Close()
		return errkind.New(errkind.Host, fmt.Errorf("chmod %s: %w", s.socketPath, err))
	}
	return s.StartWithListener(listener)
}

// StartWithListener registers the RPC service against an already-open
// listener and accepts connections until it is closed.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.listener = listener

	if err := rpc.Register(s); err != nil {
		return errkind.New(errkind.Host, fmt.Errorf("register rpc service: %w", err))
	}

	s.logger.Info("control api listening", "socket", listener.Addr())

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return // listener closed on shutdown
			}
			go func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("rpc connection handler panicked", "recover", r)
					}
				}()
				rpc.ServeConn(conn)
			}()
		}
	}()

	return nil
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
