// Package selection keeps the set of selected athros and their confidence
// levels convergent across instances. Changes arrive from the shared store,
// from focus-time diffs of the upstream onboarding keys, and from the relay.
package selection

import (
	"bytes"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/ashureev/study-federation/internal/domain"
	"github.com/ashureev/study-federation/internal/events"
	"github.com/ashureev/study-federation/internal/kv"
	"github.com/ashureev/study-federation/internal/relay"
)

// Publisher sends events to remote instances.
type Publisher interface {
	PublishEvent(ctx context.Context, p events.Payload)
}

// Emitter notifies local subscribers.
type Emitter interface {
	Emit(p events.Payload)
}

// Subscriber delivers inbound remote events.
type Subscriber interface {
	Subscribe(name events.Name, handler relay.Handler) func()
}

// Options configures a Synchronizer. Relay and Local may be nil.
type Options struct {
	Store  kv.Store
	Relay  Publisher
	Local  Emitter
	Logger *slog.Logger
}

// Synchronizer owns selectedAthros and confidenceLevels for one instance.
type Synchronizer struct {
	store  kv.Store
	relay  Publisher
	local  Emitter
	logger *slog.Logger

	mu             sync.Mutex
	ctx            context.Context
	selected       map[string]struct{}
	confidence     map[string]domain.ConfidenceLevel
	upstreamSel    []byte
	upstreamLevels []byte
	unsubs         []func()
}

// New creates a synchronizer seeded from the store: its own keys first,
// then a union with the upstream keys.
func New(opts Options) *Synchronizer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Synchronizer{
		store:      opts.Store,
		relay:      opts.Relay,
		local:      opts.Local,
		logger:     opts.Logger,
		ctx:        context.Background(),
		selected:   make(map[string]struct{}),
		confidence: make(map[string]domain.ConfidenceLevel),
	}
	s.load()
	return s
}

func (s *Synchronizer) load() {
	if raw, ok, err := s.store.Get(kv.SelectedAthrosKey); err == nil && ok {
		ids, err := parseIDs(raw)
		if err != nil {
			s.logger.Warn("ignoring unreadable selections", "error", err)
		}
		for _, id := range ids {
			if id = domain.CanonicalAthroID(id); id != "" {
				s.selected[id] = struct{}{}
			}
		}
	}
	if raw, ok, err := s.store.Get(kv.ConfidenceLevelsKey); err == nil && ok {
		levels, err := parseLevels(raw)
		if err != nil {
			s.logger.Warn("ignoring unreadable confidence levels", "error", err)
		}
		maps.Copy(s.confidence, levels)
	}
	// Nobody is signed in yet, so seeding never reaches the relay.
	s.refreshUpstream(false)
}

// Start begins watching the store and, when sub is non-nil, the relay.
// Storage-triggered writes run under ctx.
func (s *Synchronizer) Start(ctx context.Context, sub Subscriber) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	unsubs := []func(){s.store.Watch(s.handleChange)}
	if sub != nil {
		unsubs = append(unsubs,
			sub.Subscribe(events.AthroSelectionsUpdated, s.handleRemoteSelections),
			sub.Subscribe(events.AthroConfidenceUpdated, s.handleRemoteConfidence),
		)
	}

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubs...)
	s.mu.Unlock()
}

// Close removes every watcher and subscription.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// SelectedAthros returns the selected ids, sorted.
func (s *Synchronizer) SelectedAthros() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.selected))
}

// ConfidenceLevels returns a copy of the confidence map.
func (s *Synchronizer) ConfidenceLevels() map[string]domain.ConfidenceLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.confidence)
}

// Selections returns one entry per athro that is selected or has a
// confidence level, sorted by id.
func (s *Synchronizer) Selections() []domain.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]struct{}, len(s.selected)+len(s.confidence))
	for id := range s.selected {
		ids[id] = struct{}{}
	}
	for id := range s.confidence {
		ids[id] = struct{}{}
	}
	out := make([]domain.Selection, 0, len(ids))
	for _, id := range slices.Sorted(maps.Keys(ids)) {
		_, selected := s.selected[id]
		out = append(out, domain.Selection{AthroID: id, ConfidenceLevel: s.confidence[id], Selected: selected})
	}
	return out
}

// SetSelectedAthros replaces the selection with ids. An empty list is an
// explicit clear. broadcast must be false when the change came from the
// relay.
func (s *Synchronizer) SetSelectedAthros(ctx context.Context, ids []string, broadcast bool) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = domain.CanonicalAthroID(id); id != "" {
			next[id] = struct{}{}
		}
	}

	s.mu.Lock()
	changed := !maps.Equal(s.selected, next)
	s.selected = next
	sorted := slices.Sorted(maps.Keys(next))
	s.mu.Unlock()

	if !changed {
		return
	}

	if err := kv.SetJSON(s.store, kv.SelectedAthrosKey, sorted); err != nil {
		s.logger.Error("failed to persist selections", "error", err)
	}

	p := &events.SelectionsUpdatedPayload{AthroIDs: sorted, Cleared: len(sorted) == 0}
	if s.local != nil {
		s.local.Emit(p)
	}
	if broadcast && s.relay != nil {
		s.relay.PublishEvent(ctx, p)
	}
	s.logger.Debug("selections updated", "count", len(sorted), "broadcast", broadcast)
}

// UpdateConfidence sets the level for one athro. An unset level removes it.
func (s *Synchronizer) UpdateConfidence(ctx context.Context, athroID string, level domain.ConfidenceLevel, broadcast bool) {
	id := domain.CanonicalAthroID(athroID)
	if id == "" {
		s.logger.Warn("ignoring confidence for empty athro id", "athro_id", athroID)
		return
	}

	s.mu.Lock()
	prev := s.confidence[id]
	if level == domain.ConfidenceUnset {
		delete(s.confidence, id)
	} else {
		s.confidence[id] = level
	}
	changed := prev != level
	snapshot := maps.Clone(s.confidence)
	s.mu.Unlock()

	if !changed {
		return
	}

	if err := kv.SetJSON(s.store, kv.ConfidenceLevelsKey, snapshot); err != nil {
		s.logger.Error("failed to persist confidence levels", "error", err)
	}

	p := &events.ConfidenceUpdatedPayload{AthroID: id, Level: level}
	if s.local != nil {
		s.local.Emit(p)
	}
	if broadcast && s.relay != nil {
		s.relay.PublishEvent(ctx, p)
	}
	s.logger.Debug("confidence updated", "athro_id", id, "level", string(level), "broadcast", broadcast)
}

// Reset forgets everything for the previous user when another user signs
// in. Upstream keys already in the store belong to that previous user and
// are treated as seen.
func (s *Synchronizer) Reset() {
	sel, _, _ := s.store.Get(kv.UpstreamSelectionsKey)
	levels, _, _ := s.store.Get(kv.UpstreamConfidenceKey)

	s.mu.Lock()
	s.selected = make(map[string]struct{})
	s.confidence = make(map[string]domain.ConfidenceLevel)
	s.upstreamSel = sel
	s.upstreamLevels = levels
	s.mu.Unlock()

	for _, key := range []string{kv.SelectedAthrosKey, kv.ConfidenceLevelsKey} {
		if err := s.store.Delete(key); err != nil {
			s.logger.Warn("failed to clear selection state", "key", key, "error", err)
		}
	}
	if s.local != nil {
		s.local.Emit(&events.SelectionsUpdatedPayload{Cleared: true})
	}
	s.logger.Info("selection state reset")
}

// OnFocus diffs the upstream keys against what was last seen. Writes made
// through this instance's own handle never fire a change notification, so
// focus is the only point they are noticed.
func (s *Synchronizer) OnFocus() {
	s.refreshUpstream(true)
}

func (s *Synchronizer) refreshUpstream(broadcast bool) {
	sel, _, err := s.store.Get(kv.UpstreamSelectionsKey)
	if err != nil {
		s.logger.Warn("failed to read upstream selections", "error", err)
	}
	levels, _, err := s.store.Get(kv.UpstreamConfidenceKey)
	if err != nil {
		s.logger.Warn("failed to read upstream confidence levels", "error", err)
	}

	s.mu.Lock()
	oldSel, oldLevels := s.upstreamSel, s.upstreamLevels
	s.upstreamSel, s.upstreamLevels = sel, levels
	s.mu.Unlock()

	if !bytes.Equal(oldSel, sel) {
		s.mergeSelections(oldSel, sel, broadcast)
	}
	if !bytes.Equal(oldLevels, levels) {
		s.mergeLevels(oldLevels, levels, broadcast)
	}
}

func (s *Synchronizer) handleChange(c kv.Change) {
	switch c.Key {
	case kv.SelectedAthrosKey:
		s.mergeSelections(c.OldValue, c.NewValue, false)
	case kv.ConfidenceLevelsKey:
		s.mergeLevels(c.OldValue, c.NewValue, false)
	case kv.UpstreamSelectionsKey:
		s.mu.Lock()
		s.upstreamSel = c.NewValue
		s.mu.Unlock()
		s.mergeSelections(c.OldValue, c.NewValue, true)
	case kv.UpstreamConfidenceKey:
		s.mu.Lock()
		s.upstreamLevels = c.NewValue
		s.mu.Unlock()
		s.mergeLevels(c.OldValue, c.NewValue, true)
	}
}

// mergeSelections unions the ids in newRaw into the selection. Ids are only
// removed when the source explicitly cleared: oldRaw listed ids and newRaw
// lists none.
func (s *Synchronizer) mergeSelections(oldRaw, newRaw []byte, broadcast bool) {
	oldIDs, err := parseIDs(oldRaw)
	if err != nil {
		oldIDs = nil
	}
	newIDs, err := parseIDs(newRaw)
	if err != nil {
		s.logger.Warn("ignoring malformed selection change", "error", err)
		return
	}

	current := s.SelectedAthros()
	next := make(map[string]struct{}, len(current)+len(newIDs))
	for _, id := range current {
		next[id] = struct{}{}
	}

	if len(newIDs) == 0 && len(oldIDs) > 0 {
		for _, id := range oldIDs {
			delete(next, domain.CanonicalAthroID(id))
		}
	} else {
		for _, id := range newIDs {
			if id = domain.CanonicalAthroID(id); id != "" {
				next[id] = struct{}{}
			}
		}
	}

	s.SetSelectedAthros(s.context(), slices.Collect(maps.Keys(next)), broadcast)
}

// mergeLevels applies newRaw last-writer-wins per id. An id present in
// oldRaw but missing from newRaw was explicitly unset.
func (s *Synchronizer) mergeLevels(oldRaw, newRaw []byte, broadcast bool) {
	oldLevels, err := parseLevels(oldRaw)
	if err != nil {
		oldLevels = nil
	}
	newLevels, err := parseLevels(newRaw)
	if err != nil {
		s.logger.Warn("ignoring malformed confidence change", "error", err)
		return
	}

	ctx := s.context()
	for _, id := range slices.Sorted(maps.Keys(oldLevels)) {
		if _, still := newLevels[id]; !still {
			s.UpdateConfidence(ctx, id, domain.ConfidenceUnset, broadcast)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(newLevels)) {
		s.UpdateConfidence(ctx, id, newLevels[id], broadcast)
	}
}

func (s *Synchronizer) handleRemoteSelections(p events.Payload) {
	sel, ok := p.(*events.SelectionsUpdatedPayload)
	if !ok {
		return
	}
	if sel.Cleared {
		s.SetSelectedAthros(s.context(), nil, false)
		return
	}
	merged := append(s.SelectedAthros(), sel.AthroIDs...)
	s.SetSelectedAthros(s.context(), merged, false)
}

func (s *Synchronizer) handleRemoteConfidence(p events.Payload) {
	conf, ok := p.(*events.ConfidenceUpdatedPayload)
	if !ok {
		return
	}
	s.UpdateConfidence(s.context(), conf.AthroID, conf.Level, false)
}

func (s *Synchronizer) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}
