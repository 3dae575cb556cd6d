// Package scheduler implements the central router: the node that owns
// gates, modules, tasks, and the waiting-request table, and drives them
// all forward on each call to Tick in the order the original runtime
// uses — cleanup, run gates, run messages, check timeouts, run tasks,
// check close.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"go.nodegrid.dev/nodegrid/internal/cmdmap"
	"go.nodegrid.dev/nodegrid/internal/gate"
	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/metrics"
	"go.nodegrid.dev/nodegrid/internal/module"
	"go.nodegrid.dev/nodegrid/internal/registry"
	"go.nodegrid.dev/nodegrid/internal/reqhandler"
	"go.nodegrid.dev/nodegrid/internal/task"
	"go.nodegrid.dev/nodegrid/internal/trace"
	"go.nodegrid.dev/nodegrid/internal/warning"
)

// Status is the scheduler's own lifecycle, independent of any task's.
type Status int

const (
	StatusCreated Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// taskHandle is what the scheduler needs from a registered task; *task.Task
// satisfies it directly.
type taskHandle interface {
	Name() string
	Init()
	Run() int
	RequestStop()
	NeedsRun() bool
	Status() task.Status
	SetScheduler(task.Scheduler)
	AcceptsMessage(command string, params *gridaddr.ParamNode) bool
	HandleMessage(env gridaddr.Envelope, resp *gridaddr.ParamNode) gridaddr.StatusCode
	HandleResponse(env gridaddr.Envelope)
}

// Scheduler is one grid node: it dispatches inbound messages to tasks and
// modules, routes outbound envelopes through gates, and tracks requests
// awaiting a response.
type Scheduler struct {
	name      string
	directory *NodeDirectory

	mu     sync.Mutex
	status Status

	inbox []gridaddr.Envelope

	outputGates map[string]gate.Gate // protocol -> gate; "" is the default

	modules   []module.Module
	tasks     map[string]taskHandle
	taskOrder []string

	waiting map[gridaddr.RequestID]*reqhandler.WaitingItem

	registry *registry.Registry
	cmdMap   *cmdmap.CommandMap

	nextRequestID uint64

	dispatcher gridaddr.Address // forwarding target for unresolved addresses

	trace *trace.Recorder  // optional; nil means tracing is disabled
	warn  warning.Service  // optional; nil means registry warnings are dropped
}

// SetTraceRecorder attaches r so every envelope queued into this
// scheduler's inbox (PostEnvelopeForThis) is recorded for later operator
// inspection. Passing nil disables tracing.
func (s *Scheduler) SetTraceRecorder(r *trace.Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = r
}

// SetWarningService attaches w so registry entries that expire without a
// refresh (a node or queue that stopped renewing its registration) are
// reported as operator-visible warnings. Passing nil disables reporting.
func (s *Scheduler) SetWarningService(w warning.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warn = w
}

// New creates a scheduler named name, registered into directory so other
// schedulers' output gates can find it by name.
func New(name string, directory *NodeDirectory, reg *registry.Registry, cmdMap *cmdmap.CommandMap) *Scheduler {
	s := &Scheduler{
		name:        name,
		directory:   directory,
		status:      StatusCreated,
		outputGates: make(map[string]gate.Gate),
		tasks:       make(map[string]taskHandle),
		waiting:     make(map[gridaddr.RequestID]*reqhandler.WaitingItem),
		registry:    reg,
		cmdMap:      cmdMap,
	}
	directory.Register(s)
	s.status = StatusRunning
	return s
}

// Name implements gate.Node.
func (s *Scheduler) Name() string { return s.name }

// AddOutputGate registers g as the output gate for protocol ("" is the
// default/in-process protocol), replacing any gate already registered
// under that protocol.
func (s *Scheduler) AddOutputGate(protocol string, g gate.Gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputGates[protocol] = g
}

// SetDispatcher sets the forwarding target address used when a message's
// destination cannot be resolved locally.
func (s *Scheduler) SetDispatcher(addr gridaddr.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = addr
}

// OwnAddress returns this scheduler's address for protocol (empty string
// selects the default/in-process protocol).
func (s *Scheduler) OwnAddress(protocol string) gridaddr.Address {
	return gridaddr.Address{Protocol: protocol, Node: s.name}
}

// NextRequestID hands out a fresh request id, unique within this scheduler.
func (s *Scheduler) NextRequestID() gridaddr.RequestID {
	return gridaddr.RequestID(atomic.AddUint64(&s.nextRequestID, 1))
}

// AddModule registers m; modules are scanned in registration order.
func (s *Scheduler) AddModule(m module.Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules = append(s.modules, m)
}

// AddTask registers t, calling Init so it transitions Created->Starting.
// An empty or already-used name is logged as a collision and kept as is;
// no name is generated.
func (s *Scheduler) AddTask(t taskHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addTaskLocked(t)
}

func (s *Scheduler) addTaskLocked(t taskHandle) {
	name := t.Name()
	if name == "" || s.taskExistsLocked(name) {
		// names are assigned by concrete task constructors in this port;
		// a collision here means the caller reused a name on purpose, so
		// just log it rather than silently renaming out from under them.
		log.Warn().Str("name", name).Msg("scheduler: task name collision on add")
	}
	t.SetScheduler(s)
	t.Init()
	s.tasks[name] = t
	s.taskOrder = append(s.taskOrder, name)
}

func (s *Scheduler) taskExistsLocked(name string) bool {
	_, ok := s.tasks[name]
	return ok
}

// DeleteTask removes the named task, implementing task.Scheduler.
func (s *Scheduler) DeleteTask(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, name)
	for i, n := range s.taskOrder {
		if n == name {
			s.taskOrder = append(s.taskOrder[:i], s.taskOrder[i+1:]...)
			break
		}
	}
}

// TaskCount reports how many tasks are currently registered.
func (s *Scheduler) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// TaskNames reports the registration-order names of every currently
// registered task, for status reporting.
func (s *Scheduler) TaskNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.taskOrder...)
}

// RegistrySnapshot exposes the underlying node registry's full contents
// for status reporting.
func (s *Scheduler) RegistrySnapshot() map[string][]registry.Entry {
	return s.registry.Snapshot()
}

// TraceSnapshot returns the currently recorded trace entries, or nil if
// no trace recorder is attached.
func (s *Scheduler) TraceSnapshot() []trace.Entry {
	s.mu.Lock()
	rec := s.trace
	s.mu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.Snapshot()
}

// RegisterCommandMap adds a command-map routing rule.
func (s *Scheduler) RegisterCommandMap(pattern string, target gridaddr.Address, priority int) {
	s.cmdMap.Register(pattern, target, priority)
}

// RegisterNodeAs registers target under the name/role/path described by
// source (empty source auto-generates a role name) and returns the
// generated name when one was assigned.
func (s *Scheduler) RegisterNodeAs(source string, target gridaddr.Address, public, directMode bool, shareTime time.Duration) (newName string) {
	feat := registry.Features{Public: public, DirectMode: directMode}

	if source == "" {
		newName = genNodeName(target)
		s.registry.RegisterAs(newName, target, feat, shareTime)
		return newName
	}

	srcAddr := gridaddr.ParseAddress(source)
	key := registrationKey(srcAddr, source)
	s.registry.RegisterAs(key, target, feat, shareTime)
	return ""
}

func registrationKey(addr gridaddr.Address, raw string) string {
	switch {
	case addr.IsRole():
		return addr.Role
	case addr.IsVirtualPath():
		return addr.Path
	default:
		return raw
	}
}

var nodeNameSeq uint64

func genNodeName(target gridaddr.Address) string {
	n := atomic.AddUint64(&nodeNameSeq, 1)
	return fmt.Sprintf("R%d", n)
}

// HasNodeInRegistry reports whether source has at least one registry
// entry.
func (s *Scheduler) HasNodeInRegistry(source string) bool {
	return s.registry.HasNode(source)
}

// RegistryEntriesForRole returns the registry entries for role, optionally
// restricted to entries marked Public. Used by the core module's advertise
// handler to answer directory-style lookups with every known candidate
// rather than the single pick EvaluateAddress makes.
func (s *Scheduler) RegistryEntriesForRole(role string, publicOnly bool) []registry.Entry {
	all := s.registry.Lookup(role)
	if !publicOnly {
		return all
	}
	out := make([]registry.Entry, 0, len(all))
	for _, e := range all {
		if e.Features.Public {
			out = append(out, e)
		}
	}
	return out
}

// EvaluateAddress resolves a role/virtual-path address down to a concrete
// one using the node registry; concrete addresses pass through unchanged.
func (s *Scheduler) EvaluateAddress(addr gridaddr.Address) (gridaddr.Address, bool) {
	if addr.IsEmpty() {
		return gridaddr.Address{}, false
	}
	if addr.IsConcrete() {
		return addr, true
	}

	var key string
	switch {
	case addr.IsRole():
		key = addr.Role
	case addr.IsVirtualPath():
		key = addr.Path
	default:
		return addr, true
	}

	resolved, ok := s.registry.Resolve(key)
	if !ok {
		return gridaddr.Address{}, false
	}
	resolved.Task = addr.Task
	return resolved, true
}

// PostMessage is the external entry point for sending a command: it
// resolves address (falling back to the command map when address is
// empty), wires up the waiting-table entry if requestID is non-zero, and
// routes the resulting envelope.
func (s *Scheduler) PostMessage(address string, command string, params *gridaddr.ParamNode, requestID gridaddr.RequestID, handler reqhandler.Handler) error {
	realAddress := address
	if realAddress == "" {
		if target, ok := s.cmdMap.Resolve(command); ok {
			realAddress = target.String()
		}
	}

	addr := gridaddr.ParseAddress(realAddress)
	resolved, ok := s.EvaluateAddress(addr)
	if !ok {
		if s.forwardMessage(realAddress, command, params, requestID, handler) {
			return nil
		}
		return fmt.Errorf("unknown receiver: [%s]", address)
	}

	if requestID != 0 && handler == nil {
		return errors.New("no handler provided for request handling")
	}

	s.postMessageForAddress(resolved, command, params, requestID, handler)
	return nil
}

func (s *Scheduler) postMessageForAddress(addr gridaddr.Address, command string, params *gridaddr.ParamNode, requestID gridaddr.RequestID, handler reqhandler.Handler) {
	own := s.OwnAddress(addr.Protocol)
	env := gridaddr.Envelope{
		Sender:    own,
		Receiver:  addr,
		Event:     gridaddr.NewMessage(requestID, command, params),
		CreatedAt: time.Now(),
	}

	if handler != nil {
		handler.BeforeReqQueued(env)
	}
	if requestID != 0 {
		s.registerWaiting(requestID, env, handler)
	}

	s.routeEnvelope(env)
}

// forwardMessage wraps command as a core.forward request addressed to the
// configured dispatcher (or, absent one, this scheduler's own address),
// returning false when neither is set, meaning the caller should treat
// the original address as genuinely unresolvable.
func (s *Scheduler) forwardMessage(address, command string, params *gridaddr.ParamNode, requestID gridaddr.RequestID, handler reqhandler.Handler) bool {
	target := s.dispatcher
	if target.IsEmpty() {
		target = s.OwnAddress("")
	}
	if target.IsEmpty() {
		return false
	}

	fwdParams := gridaddr.NewMap()
	fwdParams.Set("address", gridaddr.NewString(address))
	fwdParams.Set("fwd_command", gridaddr.NewString(command))
	if params != nil {
		fwdParams.Set("fwd_params", params)
	}

	_ = s.PostMessage(target.String(), "core.forward", fwdParams, requestID, handler)
	return true
}

// PostEnvelope delivers an already-addressed envelope, setting its sender
// if absent, registering a waiting-table entry for message envelopes that
// carry a request id, and then routing it.
func (s *Scheduler) PostEnvelope(env gridaddr.Envelope, handler reqhandler.Handler) error {
	if env.Sender.IsEmpty() || env.Sender.Protocol != env.Receiver.Protocol {
		env.Sender = s.OwnAddress(env.Receiver.Protocol)
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now()
	}

	requestID := env.Event.RequestID
	if handler != nil {
		if requestID == 0 {
			return errors.New("request id required for handler")
		}
		handler.BeforeReqQueued(env)
	}

	if requestID != 0 && env.Event.Kind != gridaddr.EventResponse {
		s.registerWaiting(requestID, env, handler)
	}

	s.routeEnvelope(env)
	return nil
}

func (s *Scheduler) registerWaiting(requestID gridaddr.RequestID, env gridaddr.Envelope, handler reqhandler.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting[requestID] = &reqhandler.WaitingItem{Envelope: env, Handler: handler, StartedAt: time.Now()}
}

// CancelRequest removes requestID from the waiting table, reporting
// whether an entry was actually found (and thus canceled).
func (s *Scheduler) CancelRequest(requestID gridaddr.RequestID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waiting[requestID]; ok {
		delete(s.waiting, requestID)
		return true
	}
	return false
}

func (s *Scheduler) isOwnAddress(addr gridaddr.Address) bool {
	return addr.Node == "" || addr.Node == s.name
}

// routeEnvelope delivers env to this scheduler's own inbox when it
// targets this node, or to the output gate registered for its protocol
// otherwise; an unroutable protocol is reported back to the sender as an
// unknown-node error when the envelope isn't itself a response.
func (s *Scheduler) routeEnvelope(env gridaddr.Envelope) {
	if s.isOwnAddress(env.Receiver) {
		s.PostEnvelopeForThis(env)
		return
	}

	s.mu.Lock()
	g, ok := s.outputGates[env.Receiver.Protocol]
	if !ok {
		g, ok = s.outputGates[""]
	}
	s.mu.Unlock()

	if !ok {
		log.Error().Str("protocol", env.Receiver.Protocol).Msg("scheduler: no output gate for protocol")
		if env.Event.Kind != gridaddr.EventResponse {
			s.PostEnvelopeForThis(s.errorResponseFor(env, gridaddr.StatusUnknownNode, "no gate found for protocol: ["+env.Receiver.Protocol+"]"))
		}
		return
	}
	g.Send(env)
}

// PostEnvelopeForThis implements gate.Node: it queues env for this tick's
// runMessages step, the Go analogue of pushing onto the input gate.
func (s *Scheduler) PostEnvelopeForThis(env gridaddr.Envelope) {
	s.recordTrace(env)
	s.mu.Lock()
	s.inbox = append(s.inbox, env)
	s.mu.Unlock()
}

func (s *Scheduler) recordTrace(env gridaddr.Envelope) {
	s.mu.Lock()
	rec := s.trace
	s.mu.Unlock()
	if rec != nil {
		rec.Record(env)
	}
}

func (s *Scheduler) errorResponseFor(src gridaddr.Envelope, status gridaddr.StatusCode, msg string) gridaddr.Envelope {
	return gridaddr.Envelope{
		Sender:    src.Receiver,
		Receiver:  src.Sender,
		CreatedAt: time.Now(),
		Event:     gridaddr.NewResponse(src.Event.RequestID, status, nil, gridaddr.NewString(msg)),
	}
}

// FlushEvents processes every message currently sitting in the inbox
// without waiting for the next Tick, letting callers drive synchronous
// request/response round trips inline.
func (s *Scheduler) FlushEvents() {
	s.runMessages()
}

// Tick advances the scheduler by exactly one step of its six-stage loop:
// cleanup, run gates, run messages, check timeouts, run tasks, check
// close. Gates/messages/timeouts/tasks only run while Running or
// Stopping; checkClose always runs so a draining scheduler can finish
// transitioning to Stopped once its last task exits.
func (s *Scheduler) Tick() {
	metrics.SchedulerTicksTotal.Inc()
	status := s.Status()
	if status == StatusRunning || status == StatusStopping {
		s.cleanup()
		s.runGates()
		s.runMessages()
		s.checkTimeouts()
		s.runTasks()
	}
	s.checkClose()
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) setStatus(v Status) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *Scheduler) cleanup() {
	removed := s.registry.GC(time.Now())
	if removed == 0 {
		return
	}
	s.mu.Lock()
	warn := s.warn
	s.mu.Unlock()
	if warn != nil {
		warn.AddWarning("registry", "warning",
			fmt.Sprintf("%d registry entries expired without renewal", removed),
			s.name)
	}
}

func (s *Scheduler) runGates() {
	s.mu.Lock()
	gates := make([]gate.Gate, 0, len(s.outputGates))
	for _, g := range s.outputGates {
		gates = append(gates, g)
	}
	s.mu.Unlock()

	for _, g := range gates {
		g.Run()
	}
}

// NeedsRun reports whether this scheduler still has pending inbox or task
// work, used by a host loop deciding whether to keep ticking quickly or
// fall back to an idle sleep.
func (s *Scheduler) NeedsRun() bool {
	s.mu.Lock()
	inboxEmpty := len(s.inbox) == 0
	tasks := make([]taskHandle, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	if !inboxEmpty {
		return true
	}
	for _, t := range tasks {
		if t.NeedsRun() {
			return true
		}
	}
	return false
}

func (s *Scheduler) runMessages() {
	s.mu.Lock()
	pending := s.inbox
	s.inbox = nil
	s.mu.Unlock()

	for _, env := range pending {
		if env.Event.Kind == gridaddr.EventResponse {
			s.handleResponse(env)
		} else {
			s.dispatchMessage(env)
		}
	}
}

func (s *Scheduler) dispatchMessage(env gridaddr.Envelope) gridaddr.StatusCode {
	status := s.dispatchForTasks(env)
	if status == gridaddr.StatusPass || status == gridaddr.StatusUnknownMsg {
		status = s.dispatchForModules(env)
	}
	if status != gridaddr.StatusOK && status != gridaddr.StatusPass && status != gridaddr.StatusForwarded {
		s.handleDispatchError(status, env)
	}
	return status
}

func (s *Scheduler) handleDispatchError(status gridaddr.StatusCode, env gridaddr.Envelope) {
	if env.Event.Kind == gridaddr.EventResponse {
		log.Error().Str("receiver", env.Receiver.String()).Msg("scheduler: dispatch error for a response envelope")
		return
	}
	msg := fmt.Sprintf("dispatch error for: %s, status: %d", env.Event.Command(), status)
	s.PostEnvelopeForThis(s.errorResponseFor(env, status, msg))
}

func (s *Scheduler) dispatchForTasks(env gridaddr.Envelope) gridaddr.StatusCode {
	if env.Receiver.Task == "" {
		return gridaddr.StatusUnknownMsg
	}

	s.mu.Lock()
	t, ok := s.tasks[env.Receiver.Task]
	s.mu.Unlock()
	if !ok {
		return gridaddr.StatusUnknownTask
	}

	resp := gridaddr.NewMap()
	status := t.HandleMessage(env, resp)
	if status == gridaddr.StatusOK && env.Event.RequestID != 0 {
		s.postResponse(env, status, resp, nil)
	}
	return status
}

func (s *Scheduler) dispatchForModules(env gridaddr.Envelope) gridaddr.StatusCode {
	status := gridaddr.StatusUnknownMsg
	if env.Event.Interface != "" {
		status = s.dispatchForModulesByInterface(env)
	}
	if status == gridaddr.StatusPass || status == gridaddr.StatusUnknownMsg {
		status = s.dispatchForModulesDirect(env)
	}
	return status
}

func (s *Scheduler) dispatchForModulesByInterface(env gridaddr.Envelope) gridaddr.StatusCode {
	s.mu.Lock()
	mods := append([]module.Module(nil), s.modules...)
	s.mu.Unlock()

	status := gridaddr.StatusUnknownMsg
	for _, m := range mods {
		if !m.SupportsInterface(env.Event.Interface) {
			continue
		}
		hndRes := s.handleMessageByModule(m, env)
		if hndRes != gridaddr.StatusPass && hndRes != gridaddr.StatusUnknownMsg {
			status = hndRes
			break
		}
	}
	return status
}

func (s *Scheduler) dispatchForModulesDirect(env gridaddr.Envelope) gridaddr.StatusCode {
	s.mu.Lock()
	mods := append([]module.Module(nil), s.modules...)
	s.mu.Unlock()

	status := gridaddr.StatusUnknownMsg
	for _, m := range mods {
		hndRes := s.handleMessageByModule(m, env)
		if hndRes != gridaddr.StatusPass && hndRes != gridaddr.StatusUnknownMsg {
			status = hndRes
			break
		}
	}
	return status
}

func (s *Scheduler) handleMessageByModule(m module.Module, env gridaddr.Envelope) gridaddr.StatusCode {
	resp := &module.Response{}
	m.HandleMessage(env, resp)

	if resp.Status == gridaddr.StatusTaskRequired {
		if newTask, ok := m.PrepareTaskForMessage(env); ok {
			if th, ok2 := newTask.(taskHandle); ok2 {
				s.AddTask(th)
				resp.Status = gridaddr.StatusOK
			}
		}
	}

	if resp.Status == gridaddr.StatusOK && env.Event.RequestID != 0 {
		s.postResponse(env, resp.Status, resp.Result, resp.Error)
	}
	return resp.Status
}

func (s *Scheduler) postResponse(orgEnv gridaddr.Envelope, status gridaddr.StatusCode, result, errPayload *gridaddr.ParamNode) {
	resp := gridaddr.Envelope{
		Sender:    orgEnv.Receiver,
		Receiver:  orgEnv.Sender,
		CreatedAt: time.Now(),
		Event:     gridaddr.NewResponse(orgEnv.Event.RequestID, status, result, errPayload),
	}
	s.routeEnvelope(resp)
}

func (s *Scheduler) handleResponse(env gridaddr.Envelope) {
	s.mu.Lock()
	item, ok := s.waiting[env.Event.RequestID]
	if ok {
		delete(s.waiting, env.Event.RequestID)
	}
	s.mu.Unlock()

	if !ok {
		s.handleUnknownResponse(env)
		return
	}

	s.mu.Lock()
	t, hasTask := s.tasks[env.Receiver.Task]
	s.mu.Unlock()

	switch {
	case env.Receiver.Task != "" && hasTask:
		t.HandleResponse(env)
	case item.Handler != nil:
		if env.Event.Status.IsError() {
			item.Handler.HandleReqError(item.Envelope.Event, env.Event)
		} else {
			item.Handler.HandleReqResult(item.Envelope.Event, env.Event)
		}
	default:
		s.handleUnknownResponse(env)
	}
}

func (s *Scheduler) handleUnknownResponse(env gridaddr.Envelope) {
	log.Warn().
		Int64("requestId", int64(env.Event.RequestID)).
		Int("status", int(env.Event.Status)).
		Msg("scheduler: unknown response, no matching request")
}

func (s *Scheduler) checkTimeouts() {
	now := time.Now()

	s.mu.Lock()
	var expired []gridaddr.RequestID
	for reqID, item := range s.waiting {
		if item.Envelope.Expired(now) {
			expired = append(expired, reqID)
		}
	}
	for _, reqID := range expired {
		delete(s.waiting, reqID)
	}
	s.mu.Unlock()

	for _, reqID := range expired {
		s.PostEnvelopeForThis(gridaddr.Envelope{
			CreatedAt: now,
			Event:     gridaddr.NewResponse(reqID, gridaddr.StatusTimeout, nil, gridaddr.NewString(fmt.Sprintf("timeout for message [%d]", reqID))),
		})
	}
}

func (s *Scheduler) runTasks() {
	s.mu.Lock()
	order := append([]string(nil), s.taskOrder...)
	metrics.SchedulerTasksRunning.Set(float64(len(s.tasks)))
	s.mu.Unlock()

	// tasks can disappear mid-loop (closeTask -> DeleteTask), so resolve
	// each by name right before running it rather than holding a stale
	// pointer snapshot.
	for _, name := range order {
		s.mu.Lock()
		t, ok := s.tasks[name]
		s.mu.Unlock()
		if !ok {
			continue
		}
		start := time.Now()
		t.Run()
		metrics.SchedulerTaskStepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// RequestStop transitions Running/Created -> Stopping and asks every
// registered task to stop too; if there are no tasks left it finishes the
// transition to Stopped immediately.
func (s *Scheduler) RequestStop() {
	s.mu.Lock()
	curr := s.status
	if curr != StatusRunning && curr != StatusCreated {
		s.mu.Unlock()
		return
	}
	s.status = StatusStopping
	tasks := make([]taskHandle, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	noTasks := len(s.tasks) == 0
	s.mu.Unlock()

	for _, t := range tasks {
		t.RequestStop()
	}
	if noTasks {
		s.setStatus(StatusStopped)
	}
}

func (s *Scheduler) checkClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusStopping && len(s.tasks) == 0 {
		s.status = StatusStopped
	}
}
