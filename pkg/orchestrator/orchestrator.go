// Package orchestrator implements the distinguished agent that turns a
// natural-language request into coordinated work across
// capability-registered agents.
//
// An orchestration is an event-driven state machine:
//
//	NEW → PLANNING → DISPATCHING ⇄ COLLECTING → SYNTHESIZING → DONE
//	              ↘ FAILED
//
// Planning asks the LLM for a dependency-ordered task plan and falls back
// to a keyword router when the model is unavailable. Ready tasks are
// dispatched as task-request events with derived correlation IDs and
// per-task timeouts; responses unlock dependents. Synthesis produces the
// final answer from the accumulated structured results, again with a
// rule-based fallback, so an orchestration always publishes a response —
// success, partial, or a categorized error — and never hangs past the
// overall timeout.
package orchestrator

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xaviercallens/amcp-go/pkg/broker"
	"github.com/xaviercallens/amcp-go/pkg/correlate"
	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/event"
	"github.com/xaviercallens/amcp-go/pkg/fallback"
	"github.com/xaviercallens/amcp-go/pkg/id"
	"github.com/xaviercallens/amcp-go/pkg/llm"
	"github.com/xaviercallens/amcp-go/pkg/registry"
	"github.com/xaviercallens/amcp-go/pkg/runtime"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/xaviercallens/amcp-go/pkg/orchestrator"

// Topics the orchestrator speaks on.
const (
	RequestPattern     = "orchestration.request.**"
	ResponsePrefix     = "orchestration.response."
	TaskRequestPrefix  = "task.request."
	TaskResponsePrefix = "task.response."
)

// Orchestration response statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Error response categories.
const (
	CategoryNoAgent        = "no-agent"
	CategoryAllTimeouts    = "all-timeouts"
	CategoryLLMUnavailable = "llm-unavailable"
)

// MetaSource marks how the response text was produced: "llm" or
// "fallback".
const MetaSource = "source"

// Task audit statuses.
const (
	auditSuccess   = "success"
	auditFailed    = "failed"
	auditNoAgent   = "no-agent"
	auditTimeout   = "timeout"
	auditCancelled = "cancelled"
)

// TaskAudit is one entry of the per-task audit trail attached to every
// orchestration response.
type TaskAudit struct {
	Capability string `json:"capability"`
	AgentID    string `json:"agentId,omitempty"`
	Status     string `json:"status"`
	LatencyMs  int64  `json:"latencyMs"`
}

// Config tunes the orchestrator.
type Config struct {
	// Model is the model id used for planning and synthesis.
	Model string

	// TaskTimeout bounds each dispatched task (default 10s).
	TaskTimeout time.Duration

	// OverallTimeout bounds a whole orchestration (default 30s).
	OverallTimeout time.Duration

	// Logger receives orchestration diagnostics. Nil uses slog.Default.
	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Second
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Orchestrator is the distinguished agent driving orchestrations. Its
// collaborators are explicit constructor dependencies; there is no
// ambient global state.
type Orchestrator struct {
	agentID  id.AgentID
	llm      llm.Connector
	registry registry.Registry
	tracker  *correlate.Tracker
	fallback *fallback.Engine
	cfg      Config
	tracer   trace.Tracer
	logger   *slog.Logger

	mu     sync.Mutex
	handle *runtime.Handle
	active map[id.CorrelationID]*orchestration
}

// Compile-time interface compliance checks.
var (
	_ runtime.Agent                = (*Orchestrator)(nil)
	_ runtime.Activatable          = (*Orchestrator)(nil)
	_ runtime.CapabilityAdvertiser = (*Orchestrator)(nil)
)

// New creates an orchestrator agent. The fallback engine may be nil;
// error responses then carry a fixed message instead of a rule-based one.
func New(agentID id.AgentID, connector llm.Connector, reg registry.Registry, tracker *correlate.Tracker, fb *fallback.Engine, cfg Config) *Orchestrator {
	cfg.withDefaults()
	return &Orchestrator{
		agentID:  agentID,
		llm:      connector,
		registry: reg,
		tracker:  tracker,
		fallback: fb,
		cfg:      cfg,
		tracer:   otel.Tracer(tracerName),
		logger:   cfg.Logger,
		active:   make(map[id.CorrelationID]*orchestration),
	}
}

// ID implements runtime.Agent.
func (o *Orchestrator) ID() id.AgentID { return o.agentID }

// Type implements runtime.Agent.
func (o *Orchestrator) Type() string { return "orchestrator" }

// Capabilities implements runtime.CapabilityAdvertiser.
func (o *Orchestrator) Capabilities() []string { return []string{"orchestration"} }

// OnActivate subscribes to orchestration requests and task responses.
func (o *Orchestrator) OnActivate(ctx context.Context, h *runtime.Handle) error {
	o.mu.Lock()
	o.handle = h
	o.mu.Unlock()

	if err := h.Subscribe(ctx, RequestPattern, broker.SubscribeOptions{
		Delivery: event.DeliveryOptions{Reliability: event.AtLeastOnce},
	}); err != nil {
		return err
	}
	return h.Subscribe(ctx, TaskResponsePrefix+"**", broker.SubscribeOptions{})
}

// OnDeactivate cancels every active orchestration.
func (o *Orchestrator) OnDeactivate(ctx context.Context) error {
	o.mu.Lock()
	orchs := make([]*orchestration, 0, len(o.active))
	for _, orch := range o.active {
		orchs = append(orchs, orch)
	}
	o.mu.Unlock()

	for _, orch := range orchs {
		orch.cancel(ctx, "orchestrator deactivating")
	}
	return nil
}

// OnEvent routes incoming events: task responses resolve the correlation
// tracker, orchestration requests start a new orchestration.
func (o *Orchestrator) OnEvent(ctx context.Context, e *event.Event) error {
	switch {
	case strings.HasPrefix(e.Topic(), TaskResponsePrefix):
		o.tracker.Resolve(ctx, e)
		return nil
	case strings.HasPrefix(e.Topic(), "orchestration.request"):
		return o.startOrchestration(ctx, e)
	default:
		return nil
	}
}

// Cancel aborts an active orchestration: outstanding correlation entries
// are cancelled along with every not-yet-dispatched task, and a response
// is published: partial when some task had already succeeded, error
// otherwise.
func (o *Orchestrator) Cancel(ctx context.Context, correlationID id.CorrelationID) bool {
	o.mu.Lock()
	orch, ok := o.active[correlationID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	orch.cancel(ctx, "cancelled by caller")
	return true
}

// Active returns the number of in-flight orchestrations.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// startOrchestration validates the request and runs the state machine on
// its own goroutine so long planning calls never stall the agent's event
// dispatcher.
func (o *Orchestrator) startOrchestration(ctx context.Context, e *event.Event) error {
	payload, _ := e.Payload().(map[string]any)
	query, _ := payload["query"].(string)
	if strings.TrimSpace(query) == "" {
		return amcperr.New(amcperr.CodeValidation,
			"orchestrator: request carries no query")
	}
	correlationID := e.CorrelationID()
	if correlationID == "" {
		if c, ok := payload["correlationId"].(string); ok {
			correlationID = id.CorrelationID(c)
		} else {
			correlationID = id.NewCorrelationID()
		}
	}
	userContext, _ := payload["userContext"].(map[string]any)

	orchCtx, span := o.tracer.Start(context.WithoutCancel(ctx), "orchestration",
		trace.WithAttributes(
			attribute.String("orchestration.correlation_id", correlationID.String()),
		),
	)

	orch := &orchestration{
		o:             o,
		query:         query,
		userContext:   userContext,
		correlationID: correlationID,
		state:         stateNew,
		span:          span,
		traceID:       span.SpanContext().TraceID().String(),
		spanID:        span.SpanContext().SpanID().String(),
	}

	o.mu.Lock()
	if _, dup := o.active[correlationID]; dup {
		o.mu.Unlock()
		span.End()
		// At-least-once delivery: a redelivered request is already running.
		return nil
	}
	o.active[correlationID] = orch
	o.mu.Unlock()

	orch.overallTimer = time.AfterFunc(o.cfg.OverallTimeout, func() {
		orch.expire(orchCtx)
	})

	go orch.run(orchCtx)
	return nil
}

// =========================================================================
// Orchestration state machine
// =========================================================================

type orchState string

const (
	stateNew          orchState = "NEW"
	statePlanning     orchState = "PLANNING"
	stateDispatching  orchState = "DISPATCHING"
	stateCollecting   orchState = "COLLECTING"
	stateSynthesizing orchState = "SYNTHESIZING"
	stateDone         orchState = "DONE"
	stateFailed       orchState = "FAILED"
)

type taskStatus string

const (
	taskPending    taskStatus = "pending"
	taskDispatched taskStatus = "dispatched"
	taskSucceeded  taskStatus = "succeeded"
	taskFailed     taskStatus = "failed"
	taskCancelled  taskStatus = "cancelled"
)

// task is one node of the dependency graph.
type task struct {
	index        int
	capability   string
	parameters   map[string]any
	dependsOn    []int
	status       taskStatus
	failCategory string // auditNoAgent | auditTimeout | auditFailed
	agentID      id.AgentID
	correlation  id.CorrelationID
	dispatchedAt time.Time
	latency      time.Duration
	result       map[string]any
}

func (t *task) terminal() bool {
	switch t.status {
	case taskSucceeded, taskFailed, taskCancelled:
		return true
	default:
		return false
	}
}

// orchestration is one in-flight request.
type orchestration struct {
	o             *Orchestrator
	query         string
	userContext   map[string]any
	correlationID id.CorrelationID
	span          trace.Span
	traceID       string
	spanID        string

	mu           sync.Mutex
	state        orchState
	tasks        []*task
	finished     bool
	llmPlanned   bool
	overallTimer *time.Timer
}

// run drives planning and the initial dispatch wave.
func (orch *orchestration) run(ctx context.Context) {
	orch.setState(statePlanning)

	planned := orch.plan(ctx)
	now := time.Now().UTC()

	orch.mu.Lock()
	for i, pt := range planned {
		orch.tasks = append(orch.tasks, &task{
			index:      i,
			capability: pt.Capability,
			parameters: normalizeParameters(pt.Parameters, now),
			dependsOn:  pt.DependsOn,
			status:     taskPending,
		})
	}
	orch.state = stateDispatching
	orch.mu.Unlock()

	orch.dispatchReady(ctx)
	orch.maybeFinish(ctx)
}

// plan produces the task list: LLM first, keyword router on failure.
func (orch *orchestration) plan(ctx context.Context) []planTask {
	o := orch.o
	catalog := orch.capabilityCatalog(ctx)

	raw, err := o.llm.Generate(ctx, planningPrompt(catalog, orch.query), o.cfg.Model, llm.Params{})
	if err == nil {
		if tasks, perr := parsePlan(raw); perr == nil {
			orch.mu.Lock()
			orch.llmPlanned = true
			orch.mu.Unlock()
			return tasks
		}
		o.logger.WarnContext(ctx, "orchestrator: planner output unusable, using keyword router",
			"correlation_id", orch.correlationID.String(),
		)
	} else {
		o.logger.WarnContext(ctx, "orchestrator: planner unavailable, using keyword router",
			"correlation_id", orch.correlationID.String(),
			"error", err,
		)
	}
	return keywordPlan(orch.query)
}

// capabilityCatalog lists the currently advertised capabilities for the
// planning prompt.
func (orch *orchestration) capabilityCatalog(ctx context.Context) []string {
	records, err := orch.o.registry.FindByAllCapabilities(ctx, nil)
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, rec := range records {
		for _, c := range rec.Capabilities {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// dispatchReady publishes a task-request for every pending task whose
// dependencies have succeeded, and fails tasks whose dependencies are
// dead.
func (orch *orchestration) dispatchReady(ctx context.Context) {
	o := orch.o

	orch.mu.Lock()
	var ready, doomed []*task
	for _, t := range orch.tasks {
		if t.status != taskPending {
			continue
		}
		ok, dead := true, false
		for _, dep := range t.dependsOn {
			switch orch.tasks[dep].status {
			case taskSucceeded:
			case taskFailed, taskCancelled:
				dead = true
			default:
				ok = false
			}
		}
		switch {
		case dead:
			t.status = taskCancelled
			t.failCategory = auditCancelled
			doomed = append(doomed, t)
		case ok:
			t.status = taskDispatched
			t.dispatchedAt = time.Now()
			ready = append(ready, t)
		}
	}
	orch.mu.Unlock()

	for _, t := range doomed {
		o.logger.InfoContext(ctx, "orchestrator: task cancelled, dependency failed",
			"correlation_id", orch.correlationID.String(),
			"capability", t.capability,
		)
	}
	for _, t := range ready {
		orch.dispatchTask(ctx, t)
	}
}

// dispatchTask selects an agent and publishes one task-request event.
func (orch *orchestration) dispatchTask(ctx context.Context, t *task) {
	o := orch.o

	_, taskSpan := o.tracer.Start(ctx, "orchestration.task",
		trace.WithAttributes(
			attribute.String("task.capability", t.capability),
		),
	)
	defer taskSpan.End()

	records, err := o.registry.FindByCapability(ctx, t.capability)
	if err != nil || len(records) == 0 {
		orch.failTask(ctx, t, auditNoAgent)
		return
	}
	t.agentID = records[0].AgentID
	t.correlation = orch.correlationID.Derive(t.capability)

	deadline := time.Now().Add(o.cfg.TaskTimeout)
	err = o.tracker.Register(t.correlation, deadline,
		func(resp *event.Event) { orch.completeTask(ctx, t, resp) },
		func() { orch.timeoutTask(ctx, t) },
	)
	if err != nil {
		orch.failTask(ctx, t, auditFailed)
		return
	}

	payload := map[string]any{
		"query":       orch.query,
		"parameters":  t.parameters,
		"userContext": orch.userContext,
		"targetAgent": t.agentID.String(),
	}
	e, err := event.New(TaskRequestPrefix+t.capability, payload,
		event.WithCorrelationID(t.correlation),
		event.WithMeta(event.ExtTraceID, orch.traceID),
		event.WithMeta(event.ExtSpanID, taskSpan.SpanContext().SpanID().String()),
	)
	if err == nil {
		err = orch.publish(ctx, e)
	}
	if err != nil {
		o.tracker.Cancel(t.correlation)
		orch.failTask(ctx, t, auditFailed)
		return
	}

	o.logger.InfoContext(ctx, "orchestrator: task dispatched",
		"correlation_id", t.correlation.String(),
		"capability", t.capability,
		"agent_id", t.agentID.String(),
	)
}

// completeTask stores a task's response and advances the graph.
func (orch *orchestration) completeTask(ctx context.Context, t *task, resp *event.Event) {
	orch.mu.Lock()
	if t.terminal() {
		orch.mu.Unlock()
		return
	}
	t.status = taskSucceeded
	t.latency = time.Since(t.dispatchedAt)
	if result, ok := resp.Payload().(map[string]any); ok {
		t.result = result
	} else {
		t.result = map[string]any{"value": resp.Payload()}
	}
	orch.state = stateCollecting
	orch.mu.Unlock()

	orch.dispatchReady(ctx)
	orch.maybeFinish(ctx)
}

// timeoutTask marks a task failed on correlation expiry.
func (orch *orchestration) timeoutTask(ctx context.Context, t *task) {
	orch.o.logger.WarnContext(ctx, "orchestrator: task timed out",
		"correlation_id", t.correlation.String(),
		"capability", t.capability,
	)
	orch.failTask(ctx, t, auditTimeout)
}

// failTask marks a task failed and advances the graph (cancelling
// dependents, finishing if everything is terminal).
func (orch *orchestration) failTask(ctx context.Context, t *task, category string) {
	orch.mu.Lock()
	if t.terminal() {
		orch.mu.Unlock()
		return
	}
	t.status = taskFailed
	t.failCategory = category
	if !t.dispatchedAt.IsZero() {
		t.latency = time.Since(t.dispatchedAt)
	}
	orch.mu.Unlock()

	orch.dispatchReady(ctx)
	orch.maybeFinish(ctx)
}

// maybeFinish synthesizes and replies once every task is terminal.
func (orch *orchestration) maybeFinish(ctx context.Context) {
	orch.mu.Lock()
	if orch.finished {
		orch.mu.Unlock()
		return
	}
	for _, t := range orch.tasks {
		if !t.terminal() {
			orch.mu.Unlock()
			return
		}
	}
	orch.finished = true
	orch.state = stateSynthesizing
	orch.mu.Unlock()

	if orch.overallTimer != nil {
		orch.overallTimer.Stop()
	}
	// Synthesis may block on the model; never run it on a tracker or
	// dispatcher callback frame.
	go orch.synthesize(ctx)
}

// expire fires on the overall orchestration timeout: outstanding tasks
// fail and synthesis proceeds with whatever arrived.
func (orch *orchestration) expire(ctx context.Context) {
	orch.mu.Lock()
	if orch.finished {
		orch.mu.Unlock()
		return
	}
	var open []*task
	for _, t := range orch.tasks {
		if !t.terminal() {
			open = append(open, t)
		}
	}
	orch.mu.Unlock()

	orch.o.logger.WarnContext(ctx, "orchestrator: orchestration timed out",
		"correlation_id", orch.correlationID.String(),
		"open_tasks", len(open),
	)
	for _, t := range open {
		orch.o.tracker.Cancel(t.correlation)
		orch.failTask(ctx, t, auditTimeout)
	}
	orch.maybeFinish(ctx)
}

// cancel aborts the orchestration and replies with a partial response when
// some task had already succeeded, an error response otherwise.
func (orch *orchestration) cancel(ctx context.Context, reason string) {
	orch.mu.Lock()
	if orch.finished {
		orch.mu.Unlock()
		return
	}
	var open []*task
	for _, t := range orch.tasks {
		if !t.terminal() {
			t.status = taskCancelled
			t.failCategory = auditCancelled
			open = append(open, t)
		}
	}
	orch.finished = true
	orch.state = stateFailed
	orch.mu.Unlock()

	if orch.overallTimer != nil {
		orch.overallTimer.Stop()
	}
	for _, t := range open {
		if t.correlation != "" {
			orch.o.tracker.Cancel(t.correlation)
		}
	}
	orch.o.logger.InfoContext(ctx, "orchestrator: orchestration cancelled",
		"correlation_id", orch.correlationID.String(),
		"reason", reason,
	)
	go orch.synthesize(ctx)
}

// synthesize produces the final answer and publishes the response event.
func (orch *orchestration) synthesize(ctx context.Context) {
	o := orch.o
	defer orch.teardown()

	orch.mu.Lock()
	var succeeded, failed int
	results := make([]map[string]any, 0, len(orch.tasks))
	audit := make([]TaskAudit, 0, len(orch.tasks))
	timeouts, noAgents := 0, 0
	for _, t := range orch.tasks {
		entry := TaskAudit{
			Capability: t.capability,
			AgentID:    t.agentID.String(),
			LatencyMs:  t.latency.Milliseconds(),
		}
		switch t.status {
		case taskSucceeded:
			succeeded++
			entry.Status = auditSuccess
			results = append(results, map[string]any{
				"capability": t.capability,
				"data":       t.result,
			})
		case taskCancelled:
			failed++
			entry.Status = auditCancelled
		default:
			failed++
			entry.Status = t.failCategory
			if entry.Status == "" {
				entry.Status = auditFailed
			}
			switch t.failCategory {
			case auditTimeout:
				timeouts++
			case auditNoAgent:
				noAgents++
			}
			results = append(results, map[string]any{
				"capability": t.capability,
				"error":      entry.Status,
			})
		}
		audit = append(audit, entry)
	}
	total := len(orch.tasks)
	query := orch.query
	llmPlanned := orch.llmPlanned
	orch.mu.Unlock()

	status := StatusSuccess
	switch {
	case succeeded == 0:
		status = StatusError
	case failed > 0:
		status = StatusPartial
	}

	var text, source, category string
	switch status {
	case StatusError:
		category = CategoryLLMUnavailable
		if timeouts == failed && failed > 0 {
			category = CategoryAllTimeouts
		} else if noAgents > 0 {
			category = CategoryNoAgent
		}
		text, source = orch.errorMessage(ctx, category)
	default:
		text, source = orch.synthesizeText(ctx, query, results)
	}

	payload := map[string]any{
		"response":          text,
		"formattedResponse": text,
		"status":            status,
		"audit":             audit,
		"traceId":           orch.traceID,
	}
	if category != "" {
		payload["category"] = category
	}

	respTopic := ResponsePrefix + topicSegment(orch.correlationID.String())
	e, err := event.New(respTopic, payload,
		event.WithSender(o.agentID),
		event.WithCorrelationID(orch.correlationID),
		event.WithMeta(event.ExtTraceID, orch.traceID),
		event.WithMeta(event.ExtSpanID, orch.spanID),
		event.WithMeta(MetaSource, source),
	)
	if err != nil {
		o.logger.ErrorContext(ctx, "orchestrator: response event construction failed",
			"correlation_id", orch.correlationID.String(),
			"error", err,
		)
		return
	}
	if err := orch.publish(ctx, e); err != nil {
		o.logger.ErrorContext(ctx, "orchestrator: response publish failed",
			"correlation_id", orch.correlationID.String(),
			"error", err,
		)
		return
	}

	o.logger.InfoContext(ctx, "orchestrator: orchestration complete",
		"correlation_id", orch.correlationID.String(),
		"status", status,
		"tasks", total,
		"succeeded", succeeded,
		"llm_planned", llmPlanned,
		"source", source,
	)
}

// synthesizeText asks the model to compose the answer, falling back to a
// deterministic summary over the specialists' formattedResponse fields.
func (orch *orchestration) synthesizeText(ctx context.Context, query string, results []map[string]any) (string, string) {
	o := orch.o
	raw, err := o.llm.Generate(ctx, synthesisPrompt(query, results), o.cfg.Model, llm.Params{})
	if err == nil && strings.TrimSpace(raw) != "" {
		return raw, "llm"
	}
	if err != nil {
		o.logger.WarnContext(ctx, "orchestrator: synthesis model unavailable, using rule-based summary",
			"correlation_id", orch.correlationID.String(),
			"error", err,
		)
	}

	var sb strings.Builder
	for _, r := range results {
		capability, _ := r["capability"].(string)
		if errStatus, failed := r["error"].(string); failed {
			sb.WriteString("The " + capability + " lookup did not complete (" +
				humanFailure(errStatus) + "). ")
			continue
		}
		data, _ := r["data"].(map[string]any)
		if formatted, ok := data["formattedResponse"].(string); ok && formatted != "" {
			sb.WriteString(formatted)
			sb.WriteString(" ")
			continue
		}
		sb.WriteString("The " + capability + " task completed. ")
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		if o.fallback != nil {
			if answer, ok := o.fallback.Respond(ctx, query); ok {
				return answer, "fallback"
			}
		}
		text = "No results are available for this request right now."
	}
	return text, "fallback"
}

// errorMessage produces the user-facing message of a total failure.
func (orch *orchestration) errorMessage(ctx context.Context, category string) (string, string) {
	if orch.o.fallback != nil {
		if answer, ok := orch.o.fallback.Respond(ctx, orch.query); ok {
			return answer, "fallback"
		}
	}
	switch category {
	case CategoryNoAgent:
		return "No agent is currently available for this request. Please try again later.", "fallback"
	case CategoryAllTimeouts:
		return "The specialists did not respond in time. Please try again later.", "fallback"
	default:
		return "The request could not be completed right now. Please try again later.", "fallback"
	}
}

// publish sends an event through the agent handle.
func (orch *orchestration) publish(ctx context.Context, e *event.Event) error {
	orch.o.mu.Lock()
	h := orch.o.handle
	orch.o.mu.Unlock()
	if h == nil {
		return amcperr.New(amcperr.CodeLifecycle, "orchestrator: agent is not activated")
	}
	return h.Publish(ctx, e)
}

// teardown removes the orchestration from the active table and ends its
// span.
func (orch *orchestration) teardown() {
	orch.o.mu.Lock()
	delete(orch.o.active, orch.correlationID)
	orch.o.mu.Unlock()

	orch.mu.Lock()
	if orch.state != stateFailed {
		orch.state = stateDone
	}
	orch.mu.Unlock()
	orch.span.End()
}

// setState applies a state transition under the orchestration lock.
func (orch *orchestration) setState(s orchState) {
	orch.mu.Lock()
	orch.state = s
	orch.mu.Unlock()
}

// humanFailure renders an audit status for the user.
func humanFailure(status string) string {
	switch status {
	case auditNoAgent:
		return "no agent was available"
	case auditTimeout:
		return "it timed out"
	case auditCancelled:
		return "a prerequisite failed"
	default:
		return "it failed"
	}
}

// invalidSegmentChars sanitizes correlation IDs into a single topic
// segment for the response topic.
var invalidSegmentChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func topicSegment(s string) string {
	out := invalidSegmentChars.ReplaceAllString(s, "-")
	out = strings.Trim(out, "-")
	if out == "" {
		return "unroutable"
	}
	return out
}
