package registry

import (
	"errors"
	"sort"
	"sync"
)

// ErrUnknownSession is returned when a group operation names a session that
// is not registered.
var ErrUnknownSession = errors.New("registry: unknown session")

// Session is a live connection that can be closed.
type Session interface {
	ID() string
	Close() error
}

// Observer is a dashboard-side session that receives pushed events.
// Send must not block; it returns false when the event was dropped.
type Observer interface {
	Session
	Send(event string, data any) bool
}

// Registry tracks bound robot sessions and dashboard observers with their
// group memberships. One registry is owned per process.
type Registry struct {
	mu sync.RWMutex

	robots      map[string]Session
	observers   map[string]Observer
	groups      map[string]map[string]struct{}
	memberships map[string]map[string]struct{}
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		robots:      make(map[string]Session),
		observers:   make(map[string]Observer),
		groups:      make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
	}
}

// BindRobot binds robotID to session and returns the session it replaced, if any.
func (r *Registry) BindRobot(robotID string, session Session) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.robots[robotID]
	r.robots[robotID] = session
	if previous != nil && previous.ID() == session.ID() {
		return nil
	}
	return previous
}

// ReleaseRobot unbinds robotID if it is still bound to session.
func (r *Registry) ReleaseRobot(robotID string, session Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.robots[robotID]
	if !ok || current.ID() != session.ID() {
		return false
	}
	delete(r.robots, robotID)
	return true
}

// RobotCount returns the number of bound robots.
func (r *Registry) RobotCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.robots)
}

// ConnectedRobots returns the ids of bound robots in ascending order.
func (r *Registry) ConnectedRobots() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.robots))
	for id := range r.robots {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// AddObserver registers an observer without group memberships.
func (r *Registry) AddObserver(observer Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[observer.ID()] = observer
	if _, ok := r.memberships[observer.ID()]; !ok {
		r.memberships[observer.ID()] = make(map[string]struct{})
	}
}

// RemoveObserver drops an observer and all of its memberships.
func (r *Registry) RemoveObserver(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for group := range r.memberships[id] {
		r.leave(id, group)
	}
	delete(r.memberships, id)
	delete(r.observers, id)
}

// ObserverCount returns the number of registered observers.
func (r *Registry) ObserverCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// Subscribe adds observer id to group. It reports whether membership changed;
// subscribing twice is the same as subscribing once.
func (r *Registry) Subscribe(id, group string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.observers[id]; !ok {
		return false, ErrUnknownSession
	}
	if _, ok := r.memberships[id][group]; ok {
		return false, nil
	}
	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]struct{})
		r.groups[group] = members
	}
	members[id] = struct{}{}
	r.memberships[id][group] = struct{}{}
	return true, nil
}

// Unsubscribe removes observer id from group. Leaving a group the observer
// never joined is a no-op.
func (r *Registry) Unsubscribe(id, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.memberships[id][group]; !ok {
		return false
	}
	r.leave(id, group)
	return true
}

func (r *Registry) leave(id, group string) {
	delete(r.memberships[id], group)
	members := r.groups[group]
	delete(members, id)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

// Members returns a snapshot of the observers in group.
func (r *Registry) Members(group string) []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.groups[group]
	result := make([]Observer, 0, len(members))
	for id := range members {
		if observer, ok := r.observers[id]; ok {
			result = append(result, observer)
		}
	}
	return result
}

// Groups returns the groups observer id belongs to, in ascending order.
func (r *Registry) Groups(id string) []string {
	r.mu.RLock()
	groups := make([]string, 0, len(r.memberships[id]))
	for group := range r.memberships[id] {
		groups = append(groups, group)
	}
	r.mu.RUnlock()
	sort.Strings(groups)
	return groups
}

// CloseAll closes every session and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	robots := r.robots
	observers := r.observers
	r.robots = make(map[string]Session)
	r.observers = make(map[string]Observer)
	r.groups = make(map[string]map[string]struct{})
	r.memberships = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, session := range robots {
		_ = session.Close()
	}
	for _, observer := range observers {
		_ = observer.Close()
	}
}
