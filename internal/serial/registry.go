package serial

import (
	"errors"
	"os"
	"time"

	"go.bug.st/serial/enumerator"

	"github.com/MarkusPolo/consoled/internal/model"
)

// Registry computes the derived state of every configured port on demand.
// Nothing here is persisted; clients poll and get a fresh snapshot.
type Registry struct {
	count        int
	defaultBaud  int
	probeTimeout time.Duration
	pathFor      func(id int) string
	opener       Opener
	mgr          *Manager

	// enumerate is swappable in tests; defaults to the USB/ACM enumerator.
	enumerate func() ([]string, error)
}

func NewRegistry(count, defaultBaud int, probeTimeout time.Duration, pathFor func(id int) string, opener Opener, mgr *Manager) *Registry {
	return &Registry{
		count:        count,
		defaultBaud:  defaultBaud,
		probeTimeout: probeTimeout,
		pathFor:      pathFor,
		opener:       opener,
		mgr:          mgr,
		enumerate:    enumerateDevices,
	}
}

// Statuses returns every configured port with its computed state. bauds
// overrides the default baud per port id. Busy ports are never probed so a
// live interactive session is not disturbed.
func (r *Registry) Statuses(bauds map[int]int) []model.PortStatus {
	detected := map[string]bool{}
	if names, err := r.enumerate(); err == nil {
		for _, n := range names {
			detected[n] = true
		}
	}

	out := make([]model.PortStatus, 0, r.count)
	for id := 1; id <= r.count; id++ {
		path := r.pathFor(id)
		baud := r.defaultBaud
		if b, ok := bauds[id]; ok && b > 0 {
			baud = b
		}
		ps := model.PortStatus{
			Port: model.Port{ID: id, Path: path, Baud: baud},
		}
		if _, err := os.Stat(path); err == nil {
			ps.Connected = true
		} else if detected[path] {
			ps.Connected = true
		}
		if !ps.Connected {
			out = append(out, ps)
			continue
		}
		if r.mgr.Busy(path) {
			ps.Busy = true
			out = append(out, ps)
			continue
		}
		ps.Locked, ps.Responding = r.probe(path, baud)
		out = append(out, ps)
	}
	return out
}

// probe opens the idle port, sends a newline, and watches briefly for any
// reply. An exclusivity failure means another process holds the port.
func (r *Registry) probe(path string, baud int) (locked, responding bool) {
	conn, err := r.opener.Open(path, baud)
	if err != nil {
		if errors.Is(err, ErrPortBusy) {
			return true, false
		}
		return false, false
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("\r\n")); err != nil {
		return false, false
	}
	_ = conn.SetReadTimeout(r.probeTimeout)
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		return false, false
	}
	return false, n > 0
}

func enumerateDevices() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		names = append(names, p.Name)
	}
	return names, nil
}
