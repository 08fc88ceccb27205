package manager

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/blockvisor/internal/properties"
)

// Registry is the fixed set of servers found at boot. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	servers   []*ManagedServer
	byName    map[string]*ManagedServer
	byChannel map[string]*ManagedServer
}

// NewRegistry wraps already constructed servers, keeping their order.
func NewRegistry(servers ...*ManagedServer) *Registry {
	r := &Registry{
		servers:   append([]*ManagedServer(nil), servers...),
		byName:    make(map[string]*ManagedServer, len(servers)),
		byChannel: make(map[string]*ManagedServer, len(servers)),
	}
	for _, s := range servers {
		r.byName[s.Name()] = s
		r.byChannel[s.Channel().Name()] = s
	}
	return r
}

// Discover scans baseDir for immediate subdirectories holding a
// server.properties file; each becomes one stopped ManagedServer named after
// its directory. An unreadable baseDir is an error.
func Discover(baseDir string, opts Options) (*Registry, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("scan server directory: %w", err)
	}
	var servers []*ManagedServer
	for _, e := range entries {
		dir := filepath.Join(baseDir, e.Name())
		// Stat follows symlinked server directories
		fi, err := os.Stat(dir)
		if err != nil || !fi.IsDir() {
			continue
		}
		pf, err := os.Stat(filepath.Join(dir, properties.FileName))
		if err != nil || !pf.Mode().IsRegular() {
			continue
		}
		servers = append(servers, NewManagedServer(e.Name(), dir, opts))
	}
	return NewRegistry(servers...), nil
}

// List returns the servers in discovery order.
func (r *Registry) List() []*ManagedServer {
	return append([]*ManagedServer(nil), r.servers...)
}

func (r *Registry) Len() int { return len(r.servers) }

// Get looks a server up by name.
func (r *Registry) Get(name string) (*ManagedServer, error) {
	if s, ok := r.byName[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%q: %w", name, ErrUnknownServer)
}

// GetByChannel looks a server up by its channel name.
func (r *Registry) GetByChannel(channel string) (*ManagedServer, bool) {
	s, ok := r.byChannel[channel]
	return s, ok
}

// Strip projects every server to the aggregate list form.
func (r *Registry) Strip() []Summary { return Strip(r.servers) }

// Drain stops every server from accepting new starts.
func (r *Registry) Drain() {
	for _, s := range r.servers {
		s.Drain()
	}
}
