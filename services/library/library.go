// services/library/library.go
//
// Package library persists sequence definitions, trigger scripts and
// device aliases as JSON documents under a data directory and serves
// them from an in-memory index. Writes go through a temp file and an
// atomic rename; an fsnotify watcher picks up edits made behind the
// daemon's back (scp'd files, hand edits) and reloads the index after
// a short debounce.
package library

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"benchlab-go/errcode"
	"benchlab-go/types"
	"benchlab-go/x/clockx"
	"benchlab-go/x/timex"
)

const (
	// MaxSequences caps the number of stored sequence definitions.
	MaxSequences = 1000
	// MaxScripts caps the number of stored trigger scripts.
	MaxScripts = 100

	seqDir    = "sequences"
	trigDir   = "triggers"
	aliasFile = "aliases.json"

	// reloadDelay batches bursts of fsnotify events (editors write,
	// rename and chmod in quick succession) into one reload.
	reloadDelay = 250 * time.Millisecond
)

// Deps carries the store's collaborators. Zero values get defaults.
type Deps struct {
	Clock clockx.Clock
	Log   *log.Entry
}

// Store is the on-disk library with an in-memory index.
type Store struct {
	log *log.Entry
	clk clockx.Clock
	dir string

	mu        sync.RWMutex
	sequences map[string]types.SequenceDefinition
	scripts   map[string]types.TriggerScript
	aliases   map[string]string
	reload    clockx.Timer

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open creates the layout under dir if needed, loads everything into
// memory and starts the change watcher.
func Open(dir string, deps Deps) (*Store, error) {
	if deps.Clock == nil {
		deps.Clock = clockx.System()
	}
	if deps.Log == nil {
		deps.Log = log.NewEntry(log.StandardLogger())
	}
	dirs := []string{dir, filepath.Join(dir, seqDir), filepath.Join(dir, trigDir)}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("library: %w", err)
		}
	}

	s := &Store{
		log:  deps.Log,
		clk:  deps.Clock,
		dir:  dir,
		done: make(chan struct{}),
	}
	s.Reload()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("library: %w", err)
	}
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			return nil, fmt.Errorf("library: watch %s: %w", d, err)
		}
	}
	s.watcher = w
	s.wg.Add(1)
	go s.watch()
	return s, nil
}

// Close stops the watcher. The index stays readable. Idempotent.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
		s.mu.Lock()
		if s.reload != nil {
			s.reload.Stop()
			s.reload = nil
		}
		s.mu.Unlock()
	})
	return err
}

// ---- sequences ----

// Sequences lists all stored definitions, sorted by name.
func (s *Store) Sequences() []types.SequenceDefinition {
	s.mu.RLock()
	out := make([]types.SequenceDefinition, 0, len(s.sequences))
	for _, d := range s.sequences {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Sequence returns the definition with the given id.
func (s *Store) Sequence(id string) (types.SequenceDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.sequences[id]
	return d, ok
}

// SaveSequence validates and persists a definition. An empty ID
// creates a new entry; a known ID updates it in place, keeping its
// creation stamp. The stored form is returned.
func (s *Store) SaveSequence(def types.SequenceDefinition) (types.SequenceDefinition, error) {
	const op = "library.saveSequence"
	if err := def.Validate(); err != nil {
		return types.SequenceDefinition{}, err
	}
	if err := checkID(def.ID, op); err != nil {
		return types.SequenceDefinition{}, err
	}
	now := timex.ToMs(s.clk.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if def.ID == "" {
		if len(s.sequences) >= MaxSequences {
			return types.SequenceDefinition{}, &errcode.E{C: errcode.LibraryFull, Op: op,
				Msg: fmt.Sprintf("library already holds %d sequences", MaxSequences)}
		}
		def.ID = uuid.NewString()
		def.CreatedAt = now
	} else {
		prev, ok := s.sequences[def.ID]
		if !ok {
			return types.SequenceDefinition{}, &errcode.E{C: errcode.SequenceNotFound, Op: op,
				Msg: "unknown sequence " + def.ID}
		}
		def.CreatedAt = prev.CreatedAt
	}
	def.UpdatedAt = now

	if err := s.writeDoc(filepath.Join(s.dir, seqDir, def.ID+".json"), def); err != nil {
		return types.SequenceDefinition{}, err
	}
	s.sequences[def.ID] = def
	s.log.WithFields(log.Fields{"sequence": def.ID, "name": def.Name}).Info("sequence saved")
	return def, nil
}

// DeleteSequence removes a definition from disk and the index.
func (s *Store) DeleteSequence(id string) error {
	const op = "library.deleteSequence"
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sequences[id]; !ok {
		return &errcode.E{C: errcode.SequenceNotFound, Op: op, Msg: "unknown sequence " + id}
	}
	if err := os.Remove(filepath.Join(s.dir, seqDir, id+".json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	delete(s.sequences, id)
	s.log.WithField("sequence", id).Info("sequence deleted")
	return nil
}

// ---- trigger scripts ----

// TriggerScripts lists all stored scripts, sorted by name.
func (s *Store) TriggerScripts() []types.TriggerScript {
	s.mu.RLock()
	out := make([]types.TriggerScript, 0, len(s.scripts))
	for _, sc := range s.scripts {
		out = append(out, sc)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TriggerScript returns the script with the given id.
func (s *Store) TriggerScript(id string) (types.TriggerScript, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scripts[id]
	return sc, ok
}

// SaveTriggerScript validates and persists a script, mirroring
// SaveSequence's create/update split.
func (s *Store) SaveTriggerScript(sc types.TriggerScript) (types.TriggerScript, error) {
	const op = "library.saveTriggerScript"
	if err := sc.Validate(); err != nil {
		return types.TriggerScript{}, err
	}
	if err := checkID(sc.ID, op); err != nil {
		return types.TriggerScript{}, err
	}
	now := timex.ToMs(s.clk.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == "" {
		if len(s.scripts) >= MaxScripts {
			return types.TriggerScript{}, &errcode.E{C: errcode.LibraryFull, Op: op,
				Msg: fmt.Sprintf("library already holds %d trigger scripts", MaxScripts)}
		}
		sc.ID = uuid.NewString()
		sc.CreatedAt = now
	} else {
		prev, ok := s.scripts[sc.ID]
		if !ok {
			return types.TriggerScript{}, &errcode.E{C: errcode.ScriptNotFound, Op: op,
				Msg: "unknown trigger script " + sc.ID}
		}
		sc.CreatedAt = prev.CreatedAt
	}
	sc.UpdatedAt = now

	if err := s.writeDoc(filepath.Join(s.dir, trigDir, sc.ID+".json"), sc); err != nil {
		return types.TriggerScript{}, err
	}
	s.scripts[sc.ID] = sc
	s.log.WithFields(log.Fields{"script": sc.ID, "name": sc.Name}).Info("trigger script saved")
	return sc, nil
}

// DeleteTriggerScript removes a script from disk and the index.
func (s *Store) DeleteTriggerScript(id string) error {
	const op = "library.deleteTriggerScript"
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scripts[id]; !ok {
		return &errcode.E{C: errcode.ScriptNotFound, Op: op, Msg: "unknown trigger script " + id}
	}
	if err := os.Remove(filepath.Join(s.dir, trigDir, id+".json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	delete(s.scripts, id)
	s.log.WithField("script", id).Info("trigger script deleted")
	return nil
}

// ---- aliases ----

// Aliases returns a copy of the device alias table.
func (s *Store) Aliases() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.aliases))
	for k, v := range s.aliases {
		out[k] = v
	}
	return out
}

// Alias returns the display alias for a device id, if one is set.
func (s *Store) Alias(deviceID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aliases[deviceID]
	return a, ok
}

// SetAliases replaces the whole alias table.
func (s *Store) SetAliases(aliases map[string]string) error {
	const op = "library.setAliases"
	for id, name := range aliases {
		if id == "" {
			return &errcode.E{C: errcode.BadRequest, Op: op, Msg: "empty device id"}
		}
		if name == "" || len(name) > types.MaxNameLen {
			return &errcode.E{C: errcode.BadRequest, Op: op,
				Msg: fmt.Sprintf("alias for %s must be 1..%d chars", id, types.MaxNameLen)}
		}
	}
	clone := make(map[string]string, len(aliases))
	for k, v := range aliases {
		clone[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeDoc(filepath.Join(s.dir, aliasFile), clone); err != nil {
		return err
	}
	s.aliases = clone
	s.log.WithField("count", len(clone)).Info("aliases updated")
	return nil
}

// ---- loading and watching ----

// Reload rebuilds the whole index from disk. Unparseable files are
// skipped with a warning so one bad edit cannot take the library down.
func (s *Store) Reload() {
	seqs := loadDocs(filepath.Join(s.dir, seqDir), s.log,
		func(d types.SequenceDefinition) string { return d.ID })
	scripts := loadDocs(filepath.Join(s.dir, trigDir), s.log,
		func(sc types.TriggerScript) string { return sc.ID })
	aliases := s.loadAliases()

	s.mu.Lock()
	s.sequences = seqs
	s.scripts = scripts
	s.aliases = aliases
	s.mu.Unlock()
	s.log.WithFields(log.Fields{
		"sequences": len(seqs),
		"scripts":   len(scripts),
		"aliases":   len(aliases),
	}).Debug("library loaded")
}

func (s *Store) loadAliases() map[string]string {
	out := map[string]string{}
	b, err := os.ReadFile(filepath.Join(s.dir, aliasFile))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WithError(err).Warn("alias file unreadable")
		}
		return out
	}
	if err := json.Unmarshal(b, &out); err != nil {
		s.log.WithError(err).Warn("alias file unparseable, ignoring")
		return map[string]string{}
	}
	return out
}

func loadDocs[T any](dir string, ent *log.Entry, id func(T) string) map[string]T {
	out := map[string]T{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			ent.WithError(err).WithField("dir", dir).Warn("library dir unreadable")
		}
		return out
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			ent.WithError(err).WithField("file", e.Name()).Warn("library file unreadable")
			continue
		}
		var doc T
		if err := json.Unmarshal(b, &doc); err != nil {
			ent.WithError(err).WithField("file", e.Name()).Warn("skipping unparseable library file")
			continue
		}
		key := id(doc)
		if key == "" {
			ent.WithField("file", e.Name()).Warn("skipping library file without id")
			continue
		}
		out[key] = doc
	}
	return out
}

// watch forwards fsnotify events into a debounced Reload. The store's
// own writes land here too; reloading what we just wrote is a no-op.
func (s *Store) watch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if strings.HasSuffix(ev.Name, ".tmp") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.scheduleReload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.WithError(err).Warn("library watcher error")
		}
	}
}

func (s *Store) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reload != nil {
		s.reload.Stop()
	}
	s.reload = s.clk.AfterFunc(reloadDelay, s.Reload)
}

// ---- helpers ----

// writeDoc lands v at path via a temp file and rename so readers and
// the watcher never see a half-written document.
func (s *Store) writeDoc(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("library: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("library: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("library: %w", err)
	}
	return nil
}

// checkID rejects ids that could escape the library directory. IDs we
// mint are UUIDs; this only matters for caller-supplied ones.
func checkID(id, op string) error {
	if id == "" {
		return nil
	}
	if strings.ContainsAny(id, "/\\") || strings.HasPrefix(id, ".") {
		return &errcode.E{C: errcode.BadRequest, Op: op, Msg: "invalid id " + id}
	}
	return nil
}
