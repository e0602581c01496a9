package supervisor

import (
	"context"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/executor"
	"github.com/yllada/wirevault/tunnel"
)

// resolveHostnames resolves the peers whose endpoint is a host name.
func (s *Supervisor) resolveHostnames(ctx context.Context, cfg *tunnel.Config) map[string]string {
	out := map[string]string{}
	for _, p := range cfg.Peers {
		if !tunnel.IsHostname(p.Endpoint) {
			continue
		}
		addr, err := s.opts.Resolver(ctx, p.Endpoint)
		if err != nil {
			continue
		}
		out[p.PublicKey] = addr.String()
	}
	return out
}

// RefreshEndpoints re-resolves host name endpoints of running tunnels and
// pushes an update only for peers whose address changed.
func (s *Supervisor) RefreshEndpoints(ctx context.Context) {
	type job struct {
		id   string
		h    *executor.Handle
		cfg  *tunnel.Config
		last map[string]string
	}
	var jobs []job
	s.mu.RLock()
	for id, e := range s.entries {
		if e.state.Status != tunnel.StatusRunning || e.handle == nil || e.cfg == nil {
			continue
		}
		last := make(map[string]string, len(e.resolved))
		for k, v := range e.resolved {
			last[k] = v
		}
		jobs = append(jobs, job{id: id, h: e.handle, cfg: e.cfg, last: last})
	}
	s.mu.RUnlock()

	for _, j := range jobs {
		for _, p := range j.cfg.Peers {
			if !tunnel.IsHostname(p.Endpoint) {
				continue
			}
			addr, err := s.opts.Resolver(ctx, p.Endpoint)
			if err != nil {
				common.LogWarn("Supervisor: cannot re-resolve %s for %s: %v", p.Endpoint, j.id, err)
				continue
			}
			if j.last[p.PublicKey] == addr.String() {
				continue
			}
			if err := s.exec.UpdateEndpoint(ctx, j.h, p.PublicKey, addr); err != nil {
				common.LogWarn("Supervisor: endpoint update for %s failed: %v", j.id, err)
				continue
			}
			common.LogInfo("Supervisor: %s peer endpoint %s moved to %s", j.id, p.Endpoint, addr)

			s.mu.Lock()
			if e, ok := s.entries[j.id]; ok && e.handle == j.h {
				if e.resolved == nil {
					e.resolved = map[string]string{}
				}
				e.resolved[p.PublicKey] = addr.String()
			}
			s.mu.Unlock()
		}
	}
}
