package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/homegate/internal/device"
	"github.com/nerrad567/homegate/internal/events"
	"github.com/nerrad567/homegate/internal/infrastructure/mqtt"
	"github.com/nerrad567/homegate/internal/topic"
)

// commandQoS is the QoS every automation command is published at.
const commandQoS = 1

// defaultOutcomeTimeout bounds how long an execution waits for broker acks.
const defaultOutcomeTimeout = 15 * time.Second

// DefaultMaxExecutionsPerMinute caps how often one automation may fire.
const DefaultMaxExecutionsPerMinute = 10

const rateWindow = time.Minute

// StateReader looks up an entity's current state. *device.Registry implements it.
type StateReader interface {
	Entity(id topic.Identity) (*device.Entity, bool)
}

// Publisher sends commands to the broker. *mqtt.Manager implements it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) *mqtt.Outcome
}

// Counter is notified of firings and failures. Metrics implement it.
type Counter interface {
	AutomationFired()
	ActionFailed()
	ConfigError()
}

// EngineConfig holds engine settings.
type EngineConfig struct {
	// Codec builds command topics.
	Codec topic.Codec

	// Location is the site timezone for time triggers. Default: UTC.
	Location *time.Location

	// OutcomeTimeout bounds the wait for publish outcomes. Default: 15s.
	OutcomeTimeout time.Duration

	// Site holds the coordinates for sun triggers. Without it every sun
	// trigger is a configuration error.
	Site *Site

	// MaxExecutionsPerMinute caps firings of one automation in any
	// 60-second window. Default: 10.
	MaxExecutionsPerMinute int
}

// runtimeState is the per-automation edge-trigger memory.
type runtimeState struct {
	mu           sync.Mutex
	wasSatisfied bool
	lastFired    time.Time
	recent       []time.Time // firings inside the rate window, oldest first
}

// allow reports whether another firing at now stays within limit, and
// records it if so.
func (rs *runtimeState) allow(now time.Time, limit int) bool {
	cutoff := now.Add(-rateWindow)
	kept := rs.recent[:0]
	for _, t := range rs.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rs.recent = kept
	if len(rs.recent) >= limit {
		return false
	}
	rs.recent = append(rs.recent, now)
	return true
}

type delayedAction struct {
	automationID string
	index        int
	action       Action
	due          time.Time
}

// TickResult summarises a Tick.
type TickResult struct {
	Evaluated  int `json:"evaluated"`
	Fired      int `json:"fired"`
	Dispatched int `json:"dispatched"`
}

// Engine evaluates automations against entity state and publishes their
// actions when their triggers become satisfied.
//
// Firing is edge-triggered: an automation fires when its combined trigger
// result goes from false to true, and not again until it has been false in
// between. Evaluation of one automation is serialised by its own mutex;
// different automations never block each other.
//
// A failing, misconfigured, or panicking automation or action is logged
// and skipped; the rest still run.
type Engine struct {
	registry  *Registry
	states    StateReader
	publisher Publisher
	codec     topic.Codec
	location  *time.Location
	site      *Site
	timeout   time.Duration
	maxPerMin int
	counter   Counter
	logger    Logger
	now       func() time.Time

	runtimeMu sync.Mutex
	runtime   map[string]*runtimeState

	pendingMu sync.Mutex
	pending   []delayedAction

	wg sync.WaitGroup
}

// NewEngine creates an automation engine.
//
// Parameters:
//   - registry: Automation definitions
//   - states: Current entity state for trigger evaluation and action targets
//   - publisher: Broker publisher for commands
//   - cfg: Codec, timezone, site coordinates, timeouts and rate limit
func NewEngine(registry *Registry, states StateReader, publisher Publisher, cfg EngineConfig) *Engine {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	timeout := cfg.OutcomeTimeout
	if timeout <= 0 {
		timeout = defaultOutcomeTimeout
	}
	maxPerMin := cfg.MaxExecutionsPerMinute
	if maxPerMin <= 0 {
		maxPerMin = DefaultMaxExecutionsPerMinute
	}
	return &Engine{
		registry:  registry,
		states:    states,
		publisher: publisher,
		codec:     cfg.Codec,
		location:  loc,
		site:      cfg.Site,
		timeout:   timeout,
		maxPerMin: maxPerMin,
		logger:    noopLogger{},
		now:       time.Now,
		runtime:   make(map[string]*runtimeState),
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	e.logger = logger
}

// SetCounter installs a counter.
func (e *Engine) SetCounter(c Counter) {
	e.counter = c
}

// SetClock replaces the clock used for change-driven evaluation.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// HandleChange evaluates every enabled automation with a state trigger on
// the changed entity. It implements events.Handler.
func (e *Engine) HandleChange(ctx context.Context, ev events.ChangeEvent) {
	if !ev.IsEntity() {
		return
	}
	now := e.now()
	cause := "entity:" + ev.Identity.String()
	for _, a := range e.registry.ForEntity(ev.Identity) {
		e.evaluateSafely(ctx, &a, now, cause)
	}
}

// Tick dispatches delayed actions that are due and evaluates automations
// with time or sun triggers. Safe to call at any cadence; calling it at least once
// a minute keeps time triggers from being missed.
func (e *Engine) Tick(ctx context.Context, now time.Time) TickResult {
	var res TickResult
	res.Dispatched = e.dispatchDue(ctx, now)

	for _, a := range e.registry.Timed() {
		res.Evaluated++
		if e.evaluateSafely(ctx, &a, now, "tick") {
			res.Fired++
		}
	}
	return res
}

// SetEnabled enables or disables an automation. Enabling clears its edge
// state so a condition that already holds fires on the next evaluation.
// Disabling drops its pending delayed actions.
func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool) error {
	changed, err := e.registry.SetEnabled(ctx, id, enabled)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if enabled {
		e.resetState(id)
	} else {
		e.dropPending(id)
	}
	return nil
}

// Pending returns the number of delayed actions waiting for a Tick.
func (e *Engine) Pending() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

// Wait blocks until background outcome tracking has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) stateFor(id string) *runtimeState {
	e.runtimeMu.Lock()
	defer e.runtimeMu.Unlock()

	rs, ok := e.runtime[id]
	if !ok {
		rs = &runtimeState{}
		e.runtime[id] = rs
	}
	return rs
}

func (e *Engine) resetState(id string) {
	rs := e.stateFor(id)
	rs.mu.Lock()
	rs.wasSatisfied = false
	rs.mu.Unlock()
}

// evaluateSafely isolates one automation's evaluation from the rest.
func (e *Engine) evaluateSafely(ctx context.Context, a *Automation, now time.Time, cause string) (fired bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic evaluating automation",
				"automation_id", a.ID,
				"panic", fmt.Sprint(r),
			)
			fired = false
		}
	}()
	return e.evaluate(ctx, a, now, cause)
}

func (e *Engine) evaluate(ctx context.Context, a *Automation, now time.Time, cause string) bool {
	rs := e.stateFor(a.ID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	satisfied := e.conditionsMet(a, now)
	rising := satisfied && !rs.wasSatisfied
	rs.wasSatisfied = satisfied
	if !rising {
		return false
	}

	if cd := a.Cooldown(); cd > 0 && !rs.lastFired.IsZero() && now.Sub(rs.lastFired) < cd {
		e.logger.Debug("automation in cooldown",
			"automation_id", a.ID,
			"remaining", (cd - now.Sub(rs.lastFired)).String(),
		)
		return false
	}
	if !rs.allow(now, e.maxPerMin) {
		e.logger.Warn("automation rate limited",
			"automation_id", a.ID,
			"max_per_minute", e.maxPerMin,
		)
		return false
	}
	rs.lastFired = now

	e.fire(ctx, a, now, cause)
	return true
}

// conditionsMet combines trigger results with the automation's logic.
// A trigger that errors counts as not holding.
func (e *Engine) conditionsMet(a *Automation, now time.Time) bool {
	or := a.EffectiveLogic() == LogicOr
	for i, t := range a.Triggers {
		ok, err := e.triggerHolds(t, now)
		if err != nil {
			if e.counter != nil {
				e.counter.ConfigError()
			}
			e.logger.Warn("automation trigger misconfigured",
				"automation_id", a.ID,
				"trigger", i,
				"error", err,
			)
			ok = false
		}
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	return !or
}

func (e *Engine) triggerHolds(t Trigger, now time.Time) (bool, error) {
	switch t.EffectiveKind() {
	case TriggerState:
		id, err := topic.ParseRef(t.Entity)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		ent, ok := e.states.Entity(id)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
		}
		actual, present := ent.State[t.EffectiveAttribute()]
		if !present {
			return false, nil
		}
		return Compare(actual, t.Operator, t.Value)

	case TriggerTime:
		c, err := parseClock(t.At)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		days, err := parseDays(t.Days)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		local := now.In(e.location)
		if days != nil && !days[local.Weekday()] {
			return false, nil
		}
		return local.Hour() == c.hour && local.Minute() == c.minute, nil

	case TriggerSun:
		if e.site == nil {
			return false, fmt.Errorf("%w: sun trigger needs site coordinates", ErrConfiguration)
		}
		days, err := parseDays(t.Days)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		local := now.In(e.location)
		if days != nil && !days[local.Weekday()] {
			return false, nil
		}
		ok, err := sunMinute(*e.site, t.Event, t.OffsetMinutes, local)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		return ok, nil

	default:
		return false, fmt.Errorf("%w: trigger kind %q", ErrConfiguration, t.Kind)
	}
}

type sentAction struct {
	automationID string
	index        int
	entity       string
	outcome      *mqtt.Outcome
}

// fire publishes immediate actions, queues delayed ones, and records the
// execution once every immediate outcome is known.
func (e *Engine) fire(ctx context.Context, a *Automation, now time.Time, cause string) {
	if e.counter != nil {
		e.counter.AutomationFired()
	}
	e.logger.Info("automation fired",
		"automation_id", a.ID,
		"name", a.Name,
		"cause", cause,
	)

	exec := &Execution{
		ID:           GenerateID(),
		AutomationID: a.ID,
		FiredAt:      now.UTC(),
		Cause:        cause,
	}
	if len(a.Actions) == 0 {
		e.logger.Warn("automation has no actions", "automation_id", a.ID)
	}

	var sent []sentAction
	var errs []error
	for i, act := range a.Actions {
		if act.DelaySeconds > 0 {
			e.schedule(delayedAction{
				automationID: a.ID,
				index:        i,
				action:       act,
				due:          now.Add(time.Duration(act.DelaySeconds) * time.Second),
			})
			continue
		}

		s, failed := e.send(a.ID, i, act)
		sent = append(sent, s...)
		exec.ActionsFailed += len(failed)
		errs = append(errs, failed...)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.complete(context.WithoutCancel(ctx), exec, sent, errs)
	}()
}

// send publishes one action, expanding a scene into its commands in
// order. It returns what was handed to the broker and one error per
// command that could not be sent.
func (e *Engine) send(automationID string, index int, act Action) ([]sentAction, []error) {
	cmds := []Action{act}
	if act.Scene != "" {
		scene, ok := e.registry.Scene(act.Scene)
		if !ok {
			err := fmt.Errorf("%w: %s", ErrSceneNotFound, act.Scene)
			e.skip(automationID, index, act, err)
			return nil, []error{fmt.Errorf("action %d: %w", index, err)}
		}
		cmds = scene.Actions
	}

	var sent []sentAction
	var errs []error
	for _, cmd := range cmds {
		out, err := e.dispatch(automationID, index, cmd)
		if err != nil {
			errs = append(errs, fmt.Errorf("action %d: %w", index, err))
			continue
		}
		sent = append(sent, sentAction{automationID: automationID, index: index, entity: cmd.Entity, outcome: out})
	}
	return sent, errs
}

// skip counts and logs an action that was not sent.
func (e *Engine) skip(automationID string, index int, act Action, err error) {
	if e.counter != nil {
		e.counter.ActionFailed()
		if errors.Is(err, ErrConfiguration) {
			e.counter.ConfigError()
		}
	}
	e.logger.Warn("automation action skipped",
		"automation_id", automationID,
		"action", index,
		"entity", act.Entity,
		"scene", act.Scene,
		"error", err,
	)
}

// dispatch publishes one entity command. Errors are configuration errors
// found before anything was sent; publish failures arrive on the outcome.
func (e *Engine) dispatch(automationID string, index int, act Action) (*mqtt.Outcome, error) {
	fail := func(err error) (*mqtt.Outcome, error) {
		e.skip(automationID, index, act, err)
		return nil, err
	}

	id, err := topic.ParseRef(act.Entity)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrConfiguration, err))
	}
	if _, ok := e.states.Entity(id); !ok {
		return fail(fmt.Errorf("%w: %s", ErrEntityNotFound, id))
	}
	t, err := e.codec.CommandTopic(id)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrConfiguration, err))
	}
	payload, err := EncodeCommand(act.Command)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrConfiguration, err))
	}

	e.logger.Debug("automation action published",
		"automation_id", automationID,
		"action", index,
		"topic", t,
	)
	return e.publisher.Publish(t, payload, commandQoS, false), nil
}

// complete waits for publish outcomes and writes the execution record.
func (e *Engine) complete(ctx context.Context, exec *Execution, sent []sentAction, errs []error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic recording automation execution",
				"automation_id", exec.AutomationID,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	for _, s := range sent {
		if err := s.outcome.Wait(waitCtx); err != nil {
			exec.ActionsFailed++
			errs = append(errs, fmt.Errorf("action %d: %w", s.index, err))
			if e.counter != nil {
				e.counter.ActionFailed()
			}
			e.logger.Warn("automation action failed",
				"automation_id", exec.AutomationID,
				"action", s.index,
				"entity", s.entity,
				"error", err,
			)
			continue
		}
		exec.ActionsOK++
	}
	if len(errs) > 0 {
		exec.Error = errors.Join(errs...).Error()
	}

	if err := e.registry.RecordExecution(ctx, exec); err != nil {
		e.logger.Error("failed to record automation execution",
			"automation_id", exec.AutomationID,
			"error", err,
		)
	}
}

func (e *Engine) schedule(d delayedAction) {
	e.pendingMu.Lock()
	e.pending = append(e.pending, d)
	sort.SliceStable(e.pending, func(i, j int) bool { return e.pending[i].due.Before(e.pending[j].due) })
	e.pendingMu.Unlock()

	e.logger.Debug("automation action delayed",
		"automation_id", d.automationID,
		"action", d.index,
		"due", d.due,
	)
}

func (e *Engine) dropPending(automationID string) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	kept := e.pending[:0]
	for _, d := range e.pending {
		if d.automationID != automationID {
			kept = append(kept, d)
		}
	}
	e.pending = kept
}

// dispatchDue sends delayed actions whose time has come, oldest first.
func (e *Engine) dispatchDue(ctx context.Context, now time.Time) int {
	e.pendingMu.Lock()
	n := 0
	for n < len(e.pending) && !e.pending[n].due.After(now) {
		n++
	}
	due := append([]delayedAction(nil), e.pending[:n]...)
	e.pending = append(e.pending[:0], e.pending[n:]...)
	e.pendingMu.Unlock()

	var sent []sentAction
	for _, d := range due {
		s, _ := e.send(d.automationID, d.index, d.action)
		sent = append(sent, s...)
	}
	if len(sent) > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.awaitDelayed(context.WithoutCancel(ctx), sent)
		}()
	}
	return len(due)
}

// awaitDelayed logs failed delayed publishes.
func (e *Engine) awaitDelayed(ctx context.Context, sent []sentAction) {
	waitCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	for _, s := range sent {
		if err := s.outcome.Wait(waitCtx); err != nil {
			if e.counter != nil {
				e.counter.ActionFailed()
			}
			e.logger.Warn("delayed automation action failed",
				"automation_id", s.automationID,
				"action", s.index,
				"entity", s.entity,
				"error", err,
			)
		}
	}
}

// EncodeCommand renders an action command as a JSON object payload.
// Objects are sent as-is, raw JSON objects keeping their key order; a bare
// scalar becomes {"value": v}.
func EncodeCommand(cmd any) ([]byte, error) {
	switch v := cmd.(type) {
	case nil:
		return nil, errors.New("empty command")
	case json.RawMessage:
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, fmt.Errorf("encoding command: %w", err)
		}
		b := buf.Bytes()
		if len(b) == 0 || b[0] != '{' {
			return nil, errors.New("command must be a JSON object")
		}
		if bytes.Equal(b, []byte("{}")) {
			return nil, errors.New("empty command")
		}
		return b, nil
	case map[string]any:
		if len(v) == 0 {
			return nil, errors.New("empty command")
		}
	default:
		cmd = map[string]any{device.ValueKey: v}
	}

	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}
	return b, nil
}
