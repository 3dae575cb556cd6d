package squeue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/keepalive"
	"go.nodegrid.dev/nodegrid/internal/module"
	"go.nodegrid.dev/nodegrid/internal/warning"
)

const interfaceName = "squeue"

// Module implements the squeue.* command surface: init/listen/listen_at/
// close/clear/get_status/list_readers/mark_alive/keep_alive. It owns the
// directory of queue names -> ManagerTask so command handlers can look a
// queue up by name without going through the scheduler's own task table.
type Module struct {
	module.BaseModule
	scheduler Scheduler
	warn      warning.Service

	mu     sync.Mutex
	queues map[string]*ManagerTask
}

// NewModule builds the squeue module bound to scheduler.
func NewModule(scheduler Scheduler) *Module {
	return &Module{scheduler: scheduler, queues: make(map[string]*ManagerTask)}
}

func (m *Module) Name() string { return "squeue" }

func (m *Module) SupportsInterface(iface string) bool { return iface == interfaceName }

// SetWarningService attaches w so every queue this module creates from
// now on reports bookkeeping-map growth and exhausted-retry failures
// through it.
func (m *Module) SetWarningService(w warning.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warn = w
}

func (m *Module) lookup(name string) (*ManagerTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	return q, ok
}

// HandleMessage dispatches on the message's core sub-command.
func (m *Module) HandleMessage(env gridaddr.Envelope, resp *module.Response) {
	switch env.Event.Core {
	case "init":
		m.handleInit(env, resp)
	case "listen":
		m.handleListen(env, resp)
	case "listen_at":
		m.handleListenAt(env, resp)
	case "close":
		m.handleClose(env, resp)
	case "clear":
		m.handleClear(env, resp)
	case "get_status":
		m.handleGetStatus(env, resp)
	case "list_readers":
		m.handleListReaders(env, resp)
	case "mark_alive":
		m.handleMarkAlive(env, resp)
	case "keep_alive":
		m.handleKeepAlive(env, resp)
	default:
		resp.Status = gridaddr.StatusPass
	}
}

// PrepareTaskForMessage builds the ManagerTask for a fresh squeue.init,
// or the keep-alive task for squeue.keep_alive. squeue.listen never
// reaches here: a reader is a plain collaborator object attached to its
// manager synchronously, not a task the scheduler needs to run.
func (m *Module) PrepareTaskForMessage(env gridaddr.Envelope) (interface{}, bool) {
	switch env.Event.Core {
	case "init":
		return m.prepareManager(env)
	case "keep_alive":
		return m.prepareKeepAlive(env)
	default:
		return nil, false
	}
}

// handleInit answers squeue.init: OK if the named queue already exists,
// else TaskRequired to trigger prepareManager.
func (m *Module) handleInit(env gridaddr.Envelope, resp *module.Response) {
	name := env.Event.Params.Get("name").GetString()
	if name == "" {
		resp.SetError(gridaddr.StatusWrongParams, "squeue.init: missing name")
		return
	}
	if _, exists := m.lookup(name); exists {
		resp.SetOK(gridaddr.NewNull())
		return
	}
	resp.Status = gridaddr.StatusTaskRequired
	resp.NewTaskName = name
}

func (m *Module) prepareManager(env gridaddr.Envelope) (interface{}, bool) {
	params := env.Event.Params
	name := params.Get("name").GetString()
	if name == "" {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queues[name]; exists {
		return nil, false
	}

	cfg := DefaultConfig()
	if t := params.Get("type"); t != nil && t.GetString() != "" {
		cfg.Type = Type(t.GetString())
	}
	cfg.AllowSenderAsReader = params.Get("duplex").GetBool()
	if v := params.Get("retry_limit"); v != nil {
		cfg.RetryLimit = int(v.GetInt())
	}
	if v := params.Get("retry_delay"); v != nil {
		cfg.RetryDelay = time.Duration(v.GetInt()) * time.Millisecond
	}
	if v := params.Get("contact_timeout"); v != nil {
		cfg.ContactTimeout = time.Duration(v.GetInt()) * time.Millisecond
	}
	if v := params.Get("result_timeout"); v != nil {
		cfg.ResultTimeout = time.Duration(v.GetInt()) * time.Millisecond
	}
	if v := params.Get("store_timeout"); v != nil {
		cfg.StoreTimeout = time.Duration(v.GetInt()) * time.Millisecond
	}
	if cfg.Type == TypeForward {
		cfg.ForwardTo = gridaddr.ParseAddress(params.Get("forward_to").GetString())
	}

	mt := NewManagerTask(name, m.scheduler, cfg)
	mt.SetWarningService(m.warn)
	if cfg.Type == TypeForward {
		reader := NewReader(name+":reader:forward", m.scheduler, mt, cfg.ForwardTo, 0, cfg.AllowSenderAsReader)
		mt.AddReader(reader)
	}
	m.queues[name] = mt
	return mt, true
}

// handleListen answers squeue.listen: it validates the target queue
// exists, then either answers OK immediately (the reader already exists)
// or attaches a brand-new Reader synchronously, since a Reader needs no
// scheduler-level task registration of its own.
func (m *Module) handleListen(env gridaddr.Envelope, resp *module.Response) {
	params := env.Event.Params
	queueName := params.Get("queue_name").GetString()
	queue, ok := m.lookup(queueName)
	if !ok {
		resp.SetError(gridaddr.StatusWrongParams, "squeue.listen: unknown queue "+queueName)
		return
	}

	addr := gridaddr.ParseAddress(params.Get("addr").GetString())
	if addr.IsEmpty() {
		resp.SetError(gridaddr.StatusWrongParams, "squeue.listen: missing addr")
		return
	}
	if queue.HasReader(addr) {
		resp.SetOK(gridaddr.NewNull())
		return
	}

	limit := 1
	if v := params.Get("limit"); v != nil {
		limit = int(v.GetInt())
	}
	skipSender := queue.cfg.AllowSenderAsReader
	if v := params.Get("skip_sender"); v != nil {
		skipSender = !v.GetBool()
	}

	name := queueName + ":reader:" + uuid.NewString()[:8]
	reader := NewReader(name, m.scheduler, queue, addr, limit, skipSender)
	queue.AddReader(reader)
	resp.SetOK(gridaddr.NewNull())
}

// handleListenAt implements the cross-node variant: it asks the remote
// scheduler named by exec_at_addr to start forwarding its queue back to
// addr (defaulting to this message's own sender when addr is omitted).
func (m *Module) handleListenAt(env gridaddr.Envelope, resp *module.Response) {
	params := env.Event.Params
	execAt := params.Get("exec_at_addr").GetString()
	if execAt == "" {
		resp.SetError(gridaddr.StatusWrongParams, "squeue.listen_at: missing exec_at_addr")
		return
	}

	addrStr := params.Get("addr").GetString()
	if addrStr == "" {
		own := env.Sender
		if own.IsEmpty() {
			own = m.scheduler.OwnAddress("")
		}
		addrStr = own.String()
	}

	fwdParams := gridaddr.NewMap()
	fwdParams.Set("queue_name", params.Get("queue_name"))
	fwdParams.Set("addr", gridaddr.NewString(addrStr))
	if lim := params.Get("limit"); lim != nil {
		fwdParams.Set("limit", lim)
	}

	if err := m.scheduler.PostMessage(execAt, "squeue.listen", fwdParams, 0, nil); err != nil {
		resp.SetError(gridaddr.StatusUnknownNode, err.Error())
		return
	}
	resp.Status = gridaddr.StatusForwarded
}

func (m *Module) handleClose(env gridaddr.Envelope, resp *module.Response) {
	name := env.Event.Params.Get("name").GetString()
	m.mu.Lock()
	queue, ok := m.queues[name]
	if ok {
		delete(m.queues, name)
	}
	m.mu.Unlock()
	if !ok {
		resp.SetError(gridaddr.StatusWrongParams, "squeue.close: unknown queue "+name)
		return
	}

	for _, r := range queue.Readers() {
		r.CancelAll()
	}
	queue.RequestStop()
	resp.SetOK(gridaddr.NewNull())
}

func (m *Module) handleClear(env gridaddr.Envelope, resp *module.Response) {
	name := env.Event.Params.Get("name").GetString()
	queue, ok := m.lookup(name)
	if !ok {
		resp.SetError(gridaddr.StatusWrongParams, "squeue.clear: unknown queue "+name)
		return
	}
	queue.ClearQueue()
	resp.SetOK(gridaddr.NewNull())
}

func (m *Module) handleGetStatus(env gridaddr.Envelope, resp *module.Response) {
	name := env.Event.Params.Get("name").GetString()
	queue, ok := m.lookup(name)
	if !ok {
		resp.SetError(gridaddr.StatusWrongParams, "squeue.get_status: unknown queue "+name)
		return
	}
	resp.SetOK(queue.Status())
}

func (m *Module) handleListReaders(env gridaddr.Envelope, resp *module.Response) {
	name := env.Event.Params.Get("queue_name").GetString()
	queue, ok := m.lookup(name)
	if !ok {
		resp.SetError(gridaddr.StatusWrongParams, "squeue.list_readers: unknown queue "+name)
		return
	}
	resp.SetOK(queue.ListReaders())
}

// handleMarkAlive resets a reader's contact clock, either locally or (if
// exec_at_addr is set) by relaying the command to the remote node that
// actually hosts the queue.
func (m *Module) handleMarkAlive(env gridaddr.Envelope, resp *module.Response) {
	params := env.Event.Params
	if execAt := params.Get("exec_at_addr").GetString(); execAt != "" {
		if err := m.scheduler.PostMessage(execAt, "squeue.mark_alive", params, 0, nil); err != nil {
			resp.SetError(gridaddr.StatusUnknownNode, err.Error())
			return
		}
		resp.Status = gridaddr.StatusForwarded
		return
	}

	queueName := params.Get("queue_name").GetString()
	queue, ok := m.lookup(queueName)
	if !ok {
		resp.SetError(gridaddr.StatusWrongParams, "squeue.mark_alive: unknown queue "+queueName)
		return
	}
	addr := gridaddr.ParseAddress(params.Get("source_name").GetString())
	if !queue.MarkReaderAlive(addr) {
		resp.SetError(gridaddr.StatusWrongParams, "squeue.mark_alive: unknown reader")
		return
	}
	resp.SetOK(gridaddr.NewNull())
}

// handleKeepAlive answers squeue.keep_alive: TaskRequired to trigger
// prepareKeepAlive, after validating the one required field.
func (m *Module) handleKeepAlive(env gridaddr.Envelope, resp *module.Response) {
	if env.Event.Params.Get("address").GetString() == "" {
		resp.SetError(gridaddr.StatusWrongParams, "squeue.keep_alive: missing address")
		return
	}
	resp.Status = gridaddr.StatusTaskRequired
}

func (m *Module) prepareKeepAlive(env gridaddr.Envelope) (interface{}, bool) {
	params := env.Event.Params

	cfg := keepalive.DefaultJobConfig()
	cfg.QueueName = params.Get("queue_name").GetString()
	cfg.SourceName = params.Get("source_name").GetString()
	cfg.Address = gridaddr.ParseAddress(params.Get("address").GetString())
	if cfg.Address.IsEmpty() {
		return nil, false
	}
	if v := params.Get("delay"); v != nil {
		cfg.Delay = time.Duration(v.GetInt()) * time.Millisecond
	}
	if v := params.Get("message_limit"); v != nil {
		cfg.MessageLimit = int(v.GetInt())
	}
	if v := params.Get("error_limit"); v != nil {
		cfg.ErrorLimit = int(v.GetInt())
	}
	if v := params.Get("error_delay"); v != nil {
		cfg.ErrorDelay = time.Duration(v.GetInt()) * time.Millisecond
	}
	if v := params.Get("retry_listen"); v != nil {
		cfg.RetryListen = v.GetBool()
	}

	name := "squeue:keepalive:" + uuid.NewString()[:8]
	kt := keepalive.NewTask(name, m.scheduler)
	kt.AddJob(cfg)
	return kt, true
}
