// Package daemons supervises long-running plugin services: dependency
// ordered start and stop, periodic health polling, and a restart or
// degrade policy when a daemon keeps failing its checks.
package daemons

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
)

const (
	defaultHealthInterval = 30 * time.Second
	defaultStopTimeout    = 10 * time.Second
	defaultErrorThreshold = 3
	restartBackoffBase    = time.Second
	restartBackoffCap     = time.Minute
)

type daemonEntry struct {
	spec     interfaces.DaemonSpec
	pluginID string

	running  bool
	degraded bool
	health   interfaces.Health
	// consecutiveErrors counts failed health checks since the last
	// healthy one; crossing the threshold triggers the restart policy.
	consecutiveErrors int
	restarts          int
	// restarting marks a daemon waiting out its restart backoff; the
	// health poll skips it until the restart resolves.
	restarting bool
}

// Registry implements the DaemonRegistry interface.
type Registry struct {
	bus    interfaces.MessageBus
	logger arbor.ILogger

	healthInterval time.Duration
	stopTimeout    time.Duration
	errorThreshold int

	mu      sync.Mutex
	entries map[string]*daemonEntry
	// startOrder records the order StartAll used so StopAll can reverse
	// it.
	startOrder []string

	pollStop chan struct{}
	wg       sync.WaitGroup
	polling  bool
}

// NewRegistry creates the daemon registry
func NewRegistry(config *common.DaemonConfig, busService interfaces.MessageBus, logger arbor.ILogger) *Registry {
	threshold := config.ErrorThreshold
	if threshold <= 0 {
		threshold = defaultErrorThreshold
	}
	return &Registry{
		bus:            busService,
		logger:         logger,
		healthInterval: common.ParseDuration(config.HealthInterval, defaultHealthInterval),
		stopTimeout:    common.ParseDuration(config.StopTimeout, defaultStopTimeout),
		errorThreshold: threshold,
		entries:        make(map[string]*daemonEntry),
	}
}

// Register adds a daemon. Dependencies are validated at StartAll, when
// the full set is known.
func (r *Registry) Register(pluginID string, spec interfaces.DaemonSpec) error {
	if spec.ID == "" {
		return kernelerr.Validation("daemon ID is required", nil)
	}
	if spec.Daemon == nil {
		return kernelerr.Validation(fmt.Sprintf("daemon %q has no implementation", spec.ID), nil)
	}
	if spec.Policy == "" {
		spec.Policy = interfaces.RestartWithBackoff
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[spec.ID]; exists {
		return kernelerr.Conflict(fmt.Sprintf("daemon %q already registered", spec.ID), nil)
	}
	r.entries[spec.ID] = &daemonEntry{spec: spec, pluginID: pluginID}

	r.logger.Debug().
		Str("daemon", spec.ID).
		Str("plugin", pluginID).
		Msg("Daemon registered")
	return nil
}

// StartAll starts every registered daemon in dependency order and
// launches the health poll loop. A daemon that fails to start is
// marked degraded and reported; the remaining daemons still start.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	order, err := r.resolveOrder()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.startOrder = order
	r.mu.Unlock()

	for _, id := range order {
		r.mu.Lock()
		entry := r.entries[id]
		r.mu.Unlock()

		if err := entry.spec.Daemon.Start(ctx); err != nil {
			r.logger.Error().Err(err).Str("daemon", id).Msg("Daemon failed to start")
			r.degrade(entry, fmt.Sprintf("start failed: %v", err))
			continue
		}
		r.mu.Lock()
		entry.running = true
		entry.health = interfaces.Health{Status: interfaces.HealthHealthy, LastCheck: time.Now()}
		r.mu.Unlock()

		r.logger.Info().Str("daemon", id).Msg("Daemon started")
	}

	r.mu.Lock()
	if !r.polling {
		r.pollStop = make(chan struct{})
		r.polling = true
		r.wg.Add(1)
		go r.pollLoop()
	}
	r.mu.Unlock()
	return nil
}

// StopAll stops daemons in reverse start order. A daemon that exceeds
// the stop timeout is abandoned and the shutdown continues.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	if r.polling {
		close(r.pollStop)
		r.polling = false
	}
	order := make([]string, len(r.startOrder))
	copy(order, r.startOrder)
	r.mu.Unlock()
	r.wg.Wait()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		r.mu.Lock()
		entry, ok := r.entries[id]
		running := ok && entry.running
		r.mu.Unlock()
		if !running {
			continue
		}

		if err := r.stopDaemon(ctx, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetHealth returns the latest polled health for a daemon.
func (r *Registry) GetHealth(daemonID string) (interfaces.Health, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[daemonID]
	if !ok {
		return interfaces.Health{}, kernelerr.NotFound(fmt.Sprintf("daemon not registered: %s", daemonID), nil)
	}
	return entry.health, nil
}

// ReleasePlugin stops and removes every daemon the plugin registered.
func (r *Registry) ReleasePlugin(ctx context.Context, pluginID string) error {
	r.mu.Lock()
	var owned []*daemonEntry
	for _, entry := range r.entries {
		if entry.pluginID == pluginID {
			owned = append(owned, entry)
		}
	}
	r.mu.Unlock()

	var firstErr error
	for _, entry := range owned {
		if entry.running {
			if err := r.stopDaemon(ctx, entry); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		r.mu.Lock()
		delete(r.entries, entry.spec.ID)
		for i, id := range r.startOrder {
			if id == entry.spec.ID {
				r.startOrder = append(r.startOrder[:i], r.startOrder[i+1:]...)
				break
			}
		}
		r.mu.Unlock()

		r.logger.Debug().
			Str("daemon", entry.spec.ID).
			Str("plugin", pluginID).
			Msg("Daemon released")
	}
	return firstErr
}

// stopDaemon stops one daemon within the stop timeout.
func (r *Registry) stopDaemon(ctx context.Context, entry *daemonEntry) error {
	stopCtx, cancel := context.WithTimeout(ctx, r.stopTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- entry.spec.Daemon.Stop(stopCtx) }()

	var err error
	select {
	case err = <-done:
	case <-stopCtx.Done():
		err = kernelerr.Timeout(
			fmt.Sprintf("daemon %q did not stop within %s", entry.spec.ID, r.stopTimeout), stopCtx.Err())
	}

	r.mu.Lock()
	entry.running = false
	r.mu.Unlock()

	if err != nil {
		r.logger.Error().Err(err).Str("daemon", entry.spec.ID).Msg("Daemon stop failed")
		return err
	}
	r.logger.Info().Str("daemon", entry.spec.ID).Msg("Daemon stopped")
	return nil
}

// resolveOrder topologically sorts daemons by their dependencies.
// Callers hold r.mu.
func (r *Registry) resolveOrder() ([]string, error) {
	indegree := make(map[string]int, len(r.entries))
	dependents := make(map[string][]string)

	for id, entry := range r.entries {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range entry.spec.Dependencies {
			if _, ok := r.entries[dep]; !ok {
				return nil, kernelerr.Dependency(
					fmt.Sprintf("daemon %q depends on unregistered daemon %q", id, dep), nil)
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, degree := range indegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
	}

	if len(order) != len(r.entries) {
		return nil, kernelerr.Dependency("daemon dependency cycle detected", nil)
	}
	return order, nil
}

// pollLoop runs periodic health checks for all running daemons.
func (r *Registry) pollLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.pollStop:
			return
		case <-ticker.C:
			r.checkAll()
		}
	}
}

func (r *Registry) checkAll() {
	r.mu.Lock()
	var running []*daemonEntry
	for _, entry := range r.entries {
		if entry.running && !entry.restarting {
			running = append(running, entry)
		}
	}
	r.mu.Unlock()

	for _, entry := range running {
		r.checkOne(entry)
	}
}

// checkOne performs one health check and applies the restart policy
// when the consecutive-error threshold is crossed.
func (r *Registry) checkOne(entry *daemonEntry) {
	health := entry.spec.Daemon.HealthCheck(context.Background())
	health.LastCheck = time.Now()

	r.mu.Lock()
	entry.health = health
	if health.Status == interfaces.HealthError {
		entry.consecutiveErrors++
	} else {
		entry.consecutiveErrors = 0
		entry.restarts = 0
	}
	exceeded := entry.consecutiveErrors >= r.errorThreshold
	r.mu.Unlock()

	if health.Status != interfaces.HealthHealthy {
		r.logger.Warn().
			Str("daemon", entry.spec.ID).
			Str("status", string(health.Status)).
			Str("message", health.Message).
			Msg("Daemon health check not healthy")
	}
	if !exceeded {
		return
	}

	switch entry.spec.Policy {
	case interfaces.MarkDegraded:
		r.degrade(entry, health.Message)
	default:
		r.restart(entry)
	}
}

// degrade stops the daemon, marks it degraded, and emits
// daemon:degraded.
func (r *Registry) degrade(entry *daemonEntry, reason string) {
	r.mu.Lock()
	running := entry.running
	r.mu.Unlock()
	if running {
		if err := r.stopDaemon(context.Background(), entry); err != nil {
			r.logger.Warn().Err(err).Str("daemon", entry.spec.ID).Msg("Stop during degrade failed")
		}
	}

	r.mu.Lock()
	entry.degraded = true
	entry.consecutiveErrors = 0
	entry.health = interfaces.Health{
		Status:    interfaces.HealthError,
		Message:   "degraded: " + reason,
		LastCheck: time.Now(),
	}
	r.mu.Unlock()

	r.logger.Error().
		Str("daemon", entry.spec.ID).
		Str("reason", reason).
		Msg("Daemon marked degraded")
	r.bus.Publish(models.TopicDaemonDegraded, &models.DaemonEvent{
		DaemonID: entry.spec.ID,
		Reason:   reason,
	}, "daemons")
}

// restart stops and restarts a failing daemon with exponential backoff.
// The backoff wait runs off the poll goroutine so the other daemons
// keep their health checks on schedule. A failed restart degrades the
// daemon instead of looping forever.
func (r *Registry) restart(entry *daemonEntry) {
	r.mu.Lock()
	if entry.restarting {
		r.mu.Unlock()
		return
	}
	entry.restarting = true
	backoff := restartBackoffBase
	for i := 0; i < entry.restarts; i++ {
		backoff *= 2
		if backoff >= restartBackoffCap {
			backoff = restartBackoffCap
			break
		}
	}
	entry.restarts++
	stop := r.pollStop
	r.mu.Unlock()

	if err := r.stopDaemon(context.Background(), entry); err != nil {
		r.logger.Warn().Err(err).Str("daemon", entry.spec.ID).Msg("Stop during restart failed")
	}

	r.logger.Warn().
		Str("daemon", entry.spec.ID).
		Dur("backoff", backoff).
		Msg("Restarting unhealthy daemon")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			entry.restarting = false
			r.mu.Unlock()
		}()

		select {
		case <-time.After(backoff):
		case <-stop:
			return
		}

		if err := entry.spec.Daemon.Start(context.Background()); err != nil {
			r.logger.Error().Err(err).Str("daemon", entry.spec.ID).Msg("Daemon restart failed")
			r.degrade(entry, fmt.Sprintf("restart failed: %v", err))
			return
		}

		r.mu.Lock()
		entry.running = true
		entry.consecutiveErrors = 0
		entry.health = interfaces.Health{Status: interfaces.HealthHealthy, LastCheck: time.Now()}
		r.mu.Unlock()
	}()
}
