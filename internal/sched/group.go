package sched

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Group is a set of related tasks placed together. Its preferred cluster
// is recorded as the cluster's first cpu so it survives topology rebuilds,
// -1 for none.
//
// Lock order: task, registry, group, run-queue.
type Group struct {
	ID int

	mu         sync.Mutex
	tasks      map[int]*Task
	preferred  atomic.Int32
	lastUpdate atomic.Int64

	// retiredAt is the registry epoch in which the group was unlinked.
	retiredAt uint64
	destroyed atomic.Bool
}

func newGroup(id int) *Group {
	g := &Group{ID: id, tasks: make(map[int]*Task)}
	g.preferred.Store(-1)
	return g
}

// groupRegistry owns the live groups. An emptied group is unlinked at
// once but only destroyed after every online cpu has passed a scheduling
// point, since lockless readers may still hold it through a task.
type groupRegistry struct {
	mu     sync.RWMutex
	groups map[int]*Group

	epoch     atomic.Uint64
	retiredMu sync.Mutex
	retired   []*Group
	reclaimed atomic.Uint64
}

func (r *groupRegistry) init() {
	r.groups = make(map[int]*Group)
	r.epoch.Store(1)
}

// retire queues g for destruction. r.mu is held.
func (r *groupRegistry) retire(g *Group) {
	delete(r.groups, g.ID)
	r.retiredMu.Lock()
	g.retiredAt = r.epoch.Add(1)
	r.retired = append(r.retired, g)
	r.retiredMu.Unlock()
}

// quiesce records that rq's cpu holds no group references from before the
// current epoch and destroys what no cpu can still see.
func (r *groupRegistry) quiesce(rq *RunQueue) {
	rq.quiescentEpoch.Store(r.epoch.Load())

	r.retiredMu.Lock()
	defer r.retiredMu.Unlock()
	if len(r.retired) == 0 {
		return
	}
	safe := r.epoch.Load()
	for _, other := range rq.s.rqs {
		if !other.online.Load() {
			continue
		}
		safe = min(safe, other.quiescentEpoch.Load())
	}
	kept := r.retired[:0]
	for _, g := range r.retired {
		if g.retiredAt > safe {
			kept = append(kept, g)
			continue
		}
		g.destroyed.Store(true)
		r.reclaimed.Add(1)
	}
	for i := len(kept); i < len(r.retired); i++ {
		r.retired[i] = nil
	}
	r.retired = kept
}

// GroupStats describes the group registry.
type GroupStats struct {
	Live      int
	Retired   int
	Reclaimed uint64
	Epoch     uint64
}

func (s *Scheduler) GroupStats() GroupStats {
	s.groups.mu.RLock()
	live := len(s.groups.groups)
	s.groups.mu.RUnlock()
	s.groups.retiredMu.Lock()
	retired := len(s.groups.retired)
	s.groups.retiredMu.Unlock()
	return GroupStats{
		Live:      live,
		Retired:   retired,
		Reclaimed: s.groups.reclaimed.Load(),
		Epoch:     s.groups.epoch.Load(),
	}
}

// GroupInfo is a copy of one group's state.
type GroupInfo struct {
	ID               int
	Tasks            []int
	PreferredCluster string
	CombinedDemand   int64
}

// Group returns the state of a live group.
func (s *Scheduler) Group(id int) (GroupInfo, error) {
	s.groups.mu.RLock()
	g, ok := s.groups.groups[id]
	s.groups.mu.RUnlock()
	if !ok {
		return GroupInfo{}, fmt.Errorf("%w: group %d", ErrNotFound, id)
	}
	g.mu.Lock()
	info := GroupInfo{ID: g.ID}
	for id, p := range g.tasks {
		info.Tasks = append(info.Tasks, id)
		info.CombinedDemand += p.Demand()
	}
	g.mu.Unlock()
	sort.Ints(info.Tasks)
	if c := preferredClusterOf(s.topo.Load(), g); c != nil {
		info.PreferredCluster = c.Name
	}
	return info, nil
}

// SetGroup moves p into group id, creating the group on first use. Id 0
// removes p from its group; a group left empty is destroyed.
func (s *Scheduler) SetGroup(p *Task, id int) error {
	if id < 0 {
		return fmt.Errorf("%w: group id %d", ErrInvalidPolicy, id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.grp.Load()
	if p.kstate.Load()&taskDead != 0 || (cur == nil && id == 0) || (cur != nil && cur.ID == id) {
		return nil
	}

	s.groups.mu.Lock()
	defer s.groups.mu.Unlock()
	if cur != nil {
		s.removeTaskFromGroup(p, cur)
	}
	if id == 0 {
		return nil
	}
	g, ok := s.groups.groups[id]
	if !ok {
		g = newGroup(id)
		s.groups.groups[id] = g
		s.schedLogger.WithField("group", id).Debug("Group created")
	}
	s.addTaskToGroup(p, g)
	return nil
}

// removeTaskFromGroup unlinks p from g. p.mu and the registry lock are
// held.
func (s *Scheduler) removeTaskFromGroup(p *Task, g *Group) {
	g.mu.Lock()
	rq := s.lockTaskRQ(p)
	delete(g.tasks, p.ID)
	p.grp.Store(nil)
	rq.unlock()

	empty := len(g.tasks) == 0
	if !empty {
		s.setPreferredClusterLocked(g)
	}
	g.mu.Unlock()

	if empty {
		s.groups.retire(g)
		s.schedLogger.WithField("group", g.ID).Debug("Group retired")
	}
}

func (s *Scheduler) addTaskToGroup(p *Task, g *Group) {
	g.mu.Lock()
	rq := s.lockTaskRQ(p)
	p.grp.Store(g)
	g.tasks[p.ID] = p
	rq.unlock()
	s.setPreferredClusterLocked(g)
	g.mu.Unlock()
}

// updatePreferredCluster reports whether g's preference is due for a
// recompute: p's demand moved by more than a quarter window since
// oldLoad, or the preference is older than a window.
func (s *Scheduler) updatePreferredCluster(g *Group, p *Task, oldLoad int64) bool {
	window := s.tun().window()
	delta := p.Demand() - oldLoad
	if delta < 0 {
		delta = -delta
	}
	return delta > window/4 || s.clock.Now()-g.lastUpdate.Load() > window
}

func (s *Scheduler) setPreferredCluster(g *Group) {
	g.mu.Lock()
	s.setPreferredClusterLocked(g)
	g.mu.Unlock()
}

// setPreferredClusterLocked places g's combined demand on the cheapest
// cluster it fits. Recomputes are rate limited to one per tenth of a
// window. g.mu is held.
func (s *Scheduler) setPreferredClusterLocked(g *Group) {
	t := s.tun()
	now := s.clock.Now()
	if !t.Colocation {
		g.lastUpdate.Store(now)
		g.preferred.Store(-1)
		return
	}
	if now-g.lastUpdate.Load() < t.window()/10 {
		return
	}

	var combined int64
	for _, p := range g.tasks {
		combined += p.Demand()
	}
	snap := s.topo.Load()
	old := preferredClusterOf(snap, g)
	best := snap.BestCluster(old, combined, s.fitParams())
	if best == nil {
		g.preferred.Store(-1)
	} else {
		g.preferred.Store(int32(best.FirstCPU()))
	}
	g.lastUpdate.Store(now)

	if best != old {
		fields := logrus.Fields{"group": g.ID, "demand": combined, "tasks": len(g.tasks)}
		if best != nil {
			fields["cluster"] = best.Name
		}
		s.schedLogger.WithFields(fields).Debug("Group preferred cluster changed")
	}
}
