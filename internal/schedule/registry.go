// Package schedule holds the task registry, the cron trigger and next-run planning.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Harsh-BH/tradeguard/internal/domain"
)

// ErrAsymmetricCompatibility is returned when one task declares another compatible but
// not the other way round.
var ErrAsymmetricCompatibility = errors.New("schedule: compatibility must be declared on both sides")

// Parser accepts standard five-field expressions and descriptors such as @hourly.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Definition describes one schedulable task.
type Definition struct {
	Task    domain.Task
	Cron    string
	LockTTL time.Duration

	// Compatible lists the resources that may hold their own lock while this task runs.
	// It may name non-schedulable resources such as domain.TaskTradeExecution.
	Compatible []domain.Task
}

type entry struct {
	def      Definition
	schedule cron.Schedule
}

// Registry is the closed set of schedulable tasks.
type Registry struct {
	entries  map[domain.Task]entry
	location *time.Location
}

// NewRegistry validates the definitions. Every cron expression must parse, every TTL must
// be positive and compatibility between two scheduled tasks must be declared on both sides.
func NewRegistry(defs []Definition, location *time.Location) (*Registry, error) {
	if location == nil {
		location = time.UTC
	}
	r := &Registry{entries: make(map[domain.Task]entry, len(defs)), location: location}

	for _, def := range defs {
		if !def.Task.IsScheduled() {
			return nil, fmt.Errorf("schedule: %w: %q", domain.ErrUnknownTask, def.Task)
		}
		if def.LockTTL <= 0 {
			return nil, fmt.Errorf("schedule: %s: lock ttl must be positive", def.Task)
		}
		sched, err := Parser.Parse(def.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule: %s: parse cron %q: %w", def.Task, def.Cron, err)
		}
		r.entries[def.Task] = entry{def: def, schedule: sched}
	}

	for task, e := range r.entries {
		for _, other := range e.def.Compatible {
			peer, ok := r.entries[other]
			if !ok {
				continue
			}
			if !contains(peer.def.Compatible, task) {
				return nil, fmt.Errorf("%w: %s lists %s", ErrAsymmetricCompatibility, task, other)
			}
		}
	}
	return r, nil
}

func contains(tasks []domain.Task, t domain.Task) bool {
	for _, x := range tasks {
		if x == t {
			return true
		}
	}
	return false
}

// Lookup returns the definition of a task.
func (r *Registry) Lookup(task domain.Task) (Definition, error) {
	e, ok := r.entries[task]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", domain.ErrUnknownTask, task)
	}
	return e.def, nil
}

// Tasks returns the registered tasks sorted by name.
func (r *Registry) Tasks() []domain.Task {
	tasks := make([]domain.Task, 0, len(r.entries))
	for t := range r.entries {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i] < tasks[j] })
	return tasks
}

// Namespace returns every lock resource name coordinated with the registered tasks,
// including the trade execution right.
func (r *Registry) Namespace() []string {
	tasks := r.Tasks()
	names := make([]string, 0, len(tasks)+1)
	for _, t := range tasks {
		names = append(names, t.String())
	}
	return append(names, domain.TaskTradeExecution.String())
}

// CompatibleNames returns the declared compatible resources of task as lock names.
func (r *Registry) CompatibleNames(task domain.Task) []string {
	e, ok := r.entries[task]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(e.def.Compatible))
	for _, c := range e.def.Compatible {
		names = append(names, c.String())
	}
	return names
}

// TradeExecutionCompatible returns the tasks that declared themselves compatible with trade
// execution, so the trade lock declares the same pairs from its side.
func (r *Registry) TradeExecutionCompatible() []string {
	var names []string
	for _, t := range r.Tasks() {
		if contains(r.entries[t].def.Compatible, domain.TaskTradeExecution) {
			names = append(names, t.String())
		}
	}
	return names
}

// Location is the timezone cron expressions are evaluated in.
func (r *Registry) Location() *time.Location {
	return r.location
}

// Plan returns the next time the task fires strictly after now.
func (r *Registry) Plan(task domain.Task, now time.Time) (domain.SchedulePlanResponse, error) {
	e, ok := r.entries[task]
	if !ok {
		return domain.SchedulePlanResponse{}, fmt.Errorf("%w: %q", domain.ErrUnknownTask, task)
	}
	next := e.schedule.Next(now.In(r.location))
	if next.IsZero() {
		return domain.SchedulePlanResponse{}, fmt.Errorf("schedule: %s: cron %q never fires", task, e.def.Cron)
	}
	return domain.SchedulePlanResponse{
		Task:           task,
		CronExpression: e.def.Cron,
		Timezone:       r.location.String(),
		RunAt:          next,
	}, nil
}
