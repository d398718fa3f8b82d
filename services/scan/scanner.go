// services/scan/scanner.go
//
// Package scan discovers bench instruments. It enumerates candidate
// device nodes, matches them against a registry of driver factories,
// probes whatever matches, and hands adopted devices to the session
// manager. Rescans leave paths with live sessions untouched so a probe
// never talks over an active poll loop.
package scan

import (
	"context"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"

	"benchlab-go/drivers"
	"benchlab-go/drivers/sim"
	"benchlab-go/services/session"
	"benchlab-go/types"
	"benchlab-go/x/clockx"
)

// DefaultGlobs are the device node patterns a stock Linux box exposes
// for USB-TMC instruments and USB serial bridges.
var DefaultGlobs = []string{"/dev/usbtmc*", "/dev/ttyUSB*", "/dev/ttyACM*"}

// Deps carries the scanner's collaborators. Globs and SysRoot exist so
// tests can point the scanner at a fixture tree.
type Deps struct {
	Sessions *session.Manager
	Registry *Registry
	Clock    clockx.Clock
	Log      *log.Entry
	Cfg      types.ScanConfig
	Serial   types.SerialConfig

	Globs   []string
	SysRoot string
}

// Scanner periodically reconciles attached instruments into sessions.
type Scanner struct {
	log      *log.Entry
	clk      clockx.Clock
	cfg      types.ScanConfig
	serial   types.SerialConfig
	sessions *session.Manager
	registry *Registry
	globs    []string
	sysRoot  string

	// pathID remembers which device a path produced last time, so a
	// rescan can skip ports that belong to a connected session.
	pathID map[string]string
}

func New(deps Deps) *Scanner {
	if deps.Clock == nil {
		deps.Clock = clockx.System()
	}
	if deps.Log == nil {
		deps.Log = log.NewEntry(log.StandardLogger())
	}
	if deps.Registry == nil {
		deps.Registry = DefaultRegistry()
	}
	if len(deps.Globs) == 0 {
		deps.Globs = DefaultGlobs
	}
	if deps.SysRoot == "" {
		deps.SysRoot = "/sys"
	}
	return &Scanner{
		log:      deps.Log,
		clk:      deps.Clock,
		cfg:      deps.Cfg,
		serial:   deps.Serial,
		sessions: deps.Sessions,
		registry: deps.Registry,
		globs:    deps.Globs,
		sysRoot:  deps.SysRoot,
		pathID:   make(map[string]string),
	}
}

// Run scans once immediately, then on every tick until ctx ends. A
// non-positive interval disables rescans after the initial pass.
func (s *Scanner) Run(ctx context.Context) error {
	s.ScanOnce(ctx)
	if s.cfg.Interval() <= 0 {
		<-ctx.Done()
		return nil
	}
	tick := s.clk.NewTicker(s.cfg.Interval())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C():
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce runs one discovery pass and returns how many devices were
// handed to the session manager.
func (s *Scanner) ScanOnce(ctx context.Context) int {
	var found []session.Candidate
	if s.cfg.Sim {
		found = s.simCandidates(ctx)
	} else {
		found = s.probeNodes(ctx)
	}
	if len(found) > 0 {
		s.sessions.SyncDevices(found)
		for _, c := range found {
			s.log.WithFields(log.Fields{
				"device": c.Info.ID,
				"model":  c.Info.Model,
			}).Info("device adopted")
		}
	}
	return len(found)
}

func (s *Scanner) probeNodes(ctx context.Context) []session.Candidate {
	var found []session.Candidate
	for _, n := range s.enumerate() {
		if id, ok := s.pathID[n.path]; ok && s.sessions.Has(id) && !s.sessions.IsDisconnected(id) {
			continue // a live session owns this port
		}
		reg, ok := s.registry.lookup(n)
		if !ok {
			continue
		}
		ent := s.log.WithFields(log.Fields{"path": n.path, "driver": reg.name})

		drv, err := reg.factory(n.path, s.serial)
		if err != nil {
			ent.WithError(err).Debug("transport open failed")
			continue
		}
		info, err := drv.Probe(ctx)
		if err != nil {
			if pe, ok := drivers.AsProbeError(err); ok && pe.Reason == drivers.ProbeWrongDevice {
				ent.Debug("not this kind of instrument")
			} else {
				ent.WithError(err).Debug("probe failed")
			}
			drv.Disconnect()
			continue
		}
		if err := drv.Connect(ctx); err != nil {
			ent.WithError(err).Warn("probed but failed to connect")
			drv.Disconnect()
			continue
		}
		s.pathID[n.path] = info.ID
		found = append(found, session.Candidate{
			Info:         info,
			Capabilities: drv.Capabilities(),
			Driver:       drv,
		})
	}
	return found
}

// enumerate lists matching device nodes with their USB identity, in
// stable path order.
func (s *Scanner) enumerate() []node {
	var out []node
	for _, g := range s.globs {
		paths, err := filepath.Glob(g)
		if err != nil {
			s.log.WithError(err).WithField("glob", g).Warn("bad device glob")
			continue
		}
		for _, p := range paths {
			v, pid, _ := usbIdentity(s.sysRoot, p)
			out = append(out, node{path: p, vendor: v, product: pid})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// simCandidates stands in for hardware discovery under -sim: one
// supply and one load with fixed serials, adopted once and then left
// alone while their sessions stay connected.
func (s *Scanner) simCandidates(ctx context.Context) []session.Candidate {
	cfgs := []sim.Config{
		{Kind: types.KindPowerSupply, Serial: "SIM0001", Seed: 1},
		{Kind: types.KindElectronicLoad, Serial: "SIM0002", Seed: 2},
	}
	var found []session.Candidate
	for _, cfg := range cfgs {
		drv := sim.New(cfg)
		info, err := drv.Probe(ctx)
		if err != nil {
			continue
		}
		if s.sessions.Has(info.ID) && !s.sessions.IsDisconnected(info.ID) {
			continue
		}
		if err := drv.Connect(ctx); err != nil {
			continue
		}
		found = append(found, session.Candidate{
			Info:         info,
			Capabilities: drv.Capabilities(),
			Driver:       drv,
		})
	}
	return found
}
