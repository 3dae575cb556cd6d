// Package coremodule implements the "core" built-in module every
// scheduler registers by default: forward, reg_node, reg_node_at,
// advertise, flush_events, and echo. These are the commands the
// scheduler itself emits when forwarding through a dispatcher or
// registering with a directory, so every node needs to understand them
// on the receiving end too.
package coremodule

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/module"
	"go.nodegrid.dev/nodegrid/internal/registry"
	"go.nodegrid.dev/nodegrid/internal/reqhandler"
)

const interfaceName = "core"

// Scheduler is the subset of scheduler behavior the core module needs.
type Scheduler interface {
	PostMessage(address, command string, params *gridaddr.ParamNode, requestID gridaddr.RequestID, handler reqhandler.Handler) error
	RegisterNodeAs(source string, target gridaddr.Address, public, directMode bool, shareTime time.Duration) string
	FlushEvents()
	RegistryEntriesForRole(role string, publicOnly bool) []registry.Entry
}

// Module is the core module. JWTSecret, when non-empty, is required on
// reg_node_at requests: the module validates a registration token's
// signature before accepting the registration, the one place this
// runtime authenticates anything — registration identity, never
// per-message traffic.
type Module struct {
	module.BaseModule
	scheduler Scheduler
	jwtSecret []byte
}

// New builds the core module bound to scheduler. jwtSecret may be nil,
// in which case reg_node_at skips token verification entirely.
func New(scheduler Scheduler, jwtSecret []byte) *Module {
	return &Module{scheduler: scheduler, jwtSecret: jwtSecret}
}

func (m *Module) Name() string { return "core" }

func (m *Module) SupportsInterface(iface string) bool { return iface == interfaceName }

// HandleMessage dispatches on the message's core sub-command.
func (m *Module) HandleMessage(env gridaddr.Envelope, resp *module.Response) {
	switch env.Event.Core {
	case "forward":
		m.handleForward(env, resp)
	case "reg_node":
		m.handleRegNode(env, resp, false)
	case "reg_node_at":
		m.handleRegNode(env, resp, true)
	case "advertise":
		m.handleAdvertise(env, resp)
	case "flush_events":
		m.handleFlushEvents(resp)
	case "echo":
		m.handleEcho(env, resp)
	default:
		resp.Status = gridaddr.StatusPass
	}
}

// handleForward implements core.forward: it resubmits fwd_command to
// fwd_address as a fire-and-forget message and reports the original
// request as Forwarded rather than OK, since no synchronous result is
// available — the scheduler's dispatch loop treats Forwarded the same
// as a handled message, so no spurious error response is sent back.
func (m *Module) handleForward(env gridaddr.Envelope, resp *module.Response) {
	params := env.Event.Params
	address := params.Get("address").GetString()
	command := params.Get("fwd_command").GetString()
	fwdParams := params.Get("fwd_params")

	if err := m.scheduler.PostMessage(address, command, fwdParams, 0, nil); err != nil {
		resp.SetError(gridaddr.StatusUnknownNode, err.Error())
		return
	}
	resp.Status = gridaddr.StatusForwarded
}

func (m *Module) handleRegNode(env gridaddr.Envelope, resp *module.Response, requireToken bool) {
	params := env.Event.Params

	if requireToken && len(m.jwtSecret) > 0 {
		token := params.Get("token").GetString()
		if !m.verifyToken(token) {
			resp.SetError(gridaddr.StatusWrongParams, "invalid registration token")
			return
		}
	}

	source := params.Get("source").GetString()
	target := gridaddr.ParseAddress(params.Get("target").GetString())
	public := params.Get("public").GetBool()
	direct := params.Get("direct_contact").GetBool()
	shareTimeMS := params.Get("share_time").GetInt()

	newName := m.scheduler.RegisterNodeAs(source, target, public, direct, time.Duration(shareTimeMS)*time.Millisecond)

	result := gridaddr.NewMap()
	result.Set("new_name", gridaddr.NewString(newName))
	resp.SetOK(result)
}

func (m *Module) verifyToken(token string) bool {
	if token == "" {
		return false
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return m.jwtSecret, nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("core module: reg_node_at token verification failed")
		return false
	}
	return true
}

// handleAdvertise answers a directory-style lookup: which concrete
// addresses are registered for a given role, used by resolve-handler
// style callers that pick one candidate (often at random) from the
// returned list.
func (m *Module) handleAdvertise(env gridaddr.Envelope, resp *module.Response) {
	params := env.Event.Params
	role := params.Get("role").GetString()
	publicOnly := true
	if pub := params.Get("public_only"); pub != nil {
		publicOnly = pub.GetBool()
	}

	entries := m.scheduler.RegistryEntriesForRole(role, publicOnly)
	list := make([]*gridaddr.ParamNode, 0, len(entries))
	for _, e := range entries {
		item := gridaddr.NewMap()
		item.Set("address", gridaddr.NewString(e.Target.String()))
		item.Set("share_time", gridaddr.NewInt(e.ShareTime.Milliseconds()))
		list = append(list, item)
	}
	resp.SetOK(gridaddr.NewList(list...))
}

func (m *Module) handleFlushEvents(resp *module.Response) {
	m.scheduler.FlushEvents()
	resp.SetOK(gridaddr.NewNull())
}

func (m *Module) handleEcho(env gridaddr.Envelope, resp *module.Response) {
	resp.SetOK(env.Event.Params)
}
