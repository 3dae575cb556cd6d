// gridctl is a thin command-line client for submitting one request to a
// grid node and printing its response, embedding squeue.Client the same
// way an in-process caller would rather than speaking a separate wire
// protocol: it stands up a minimal local scheduler of its own, wired with
// the same gates a real node uses, submits through that, and exits.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.nodegrid.dev/nodegrid/internal/cmdmap"
	"go.nodegrid.dev/nodegrid/internal/gate"
	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/mediator"
	"go.nodegrid.dev/nodegrid/internal/registry"
	"go.nodegrid.dev/nodegrid/internal/scheduler"
	"go.nodegrid.dev/nodegrid/internal/squeue"
)

func main() {
	address := flag.String("address", "", "target grid address, e.g. https://host/task or @role")
	command := flag.String("command", "", "command to send, e.g. squeue.get_status")
	paramsJSON := flag.String("params", "{}", "JSON object of command parameters")
	timeout := flag.Duration("timeout", 10*time.Second, "how long to wait for a response")
	flag.Parse()

	if *address == "" || *command == "" {
		fmt.Fprintln(os.Stderr, "gridctl: -address and -command are required")
		os.Exit(2)
	}

	params, err := parseParams(*paramsJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gridctl: invalid -params: %v\n", err)
		os.Exit(2)
	}

	directory := scheduler.NewNodeDirectory()
	sched := scheduler.New("gridctl", directory, registry.New(), cmdmap.New())

	inprocGate := gate.NewInProcGate("gridctl", directory)
	sched.AddOutputGate("", inprocGate)
	sched.AddOutputGate("inproc", inprocGate)

	httpGate := gate.NewHTTPGate("gridctl", directory, mediator.DefaultConfig())
	sched.AddOutputGate("http", httpGate)
	sched.AddOutputGate("https", httpGate)

	go func() {
		for {
			sched.Tick()
			time.Sleep(5 * time.Millisecond)
		}
	}()

	client := squeue.New(sched, sched.OwnAddress(""))
	req := client.NewRequest(gridaddr.ParseAddress(*address))
	req.SetCommand(*command)
	req.SetParams(params)

	status, err := req.Execute(*timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gridctl: %v\n", err)
		os.Exit(1)
	}

	out := map[string]interface{}{"status": int(status)}
	if result := req.Result(); result != nil {
		out["result"] = paramToJSON(result)
	}
	if errPayload := req.Error(); errPayload != nil {
		out["error"] = paramToJSON(errPayload)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)

	if status != gridaddr.StatusOK {
		os.Exit(1)
	}
}

func parseParams(raw string) (*gridaddr.ParamNode, error) {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	node := gridaddr.NewMap()
	for k, v := range m {
		node.Set(k, paramFromJSON(v))
	}
	return node, nil
}

func paramFromJSON(v interface{}) *gridaddr.ParamNode {
	switch x := v.(type) {
	case nil:
		return gridaddr.NewNull()
	case bool:
		return gridaddr.NewBool(x)
	case float64:
		return gridaddr.NewFloat(x)
	case string:
		return gridaddr.NewString(x)
	case []interface{}:
		items := make([]*gridaddr.ParamNode, len(x))
		for i, it := range x {
			items[i] = paramFromJSON(it)
		}
		return gridaddr.NewList(items...)
	case map[string]interface{}:
		node := gridaddr.NewMap()
		for k, v := range x {
			node.Set(k, paramFromJSON(v))
		}
		return node
	default:
		return gridaddr.NewNull()
	}
}

func paramToJSON(p *gridaddr.ParamNode) interface{} {
	if p == nil {
		return nil
	}
	switch p.Kind {
	case gridaddr.KindString:
		return p.StringVal
	case gridaddr.KindInt:
		return p.IntVal
	case gridaddr.KindUint:
		return p.UintVal
	case gridaddr.KindBool:
		return p.BoolVal
	case gridaddr.KindFloat:
		return p.FloatVal
	case gridaddr.KindBinary:
		return p.BinaryVal
	case gridaddr.KindDateTime:
		return p.DateTimeVal
	case gridaddr.KindList:
		out := make([]interface{}, len(p.List))
		for i, item := range p.List {
			out[i] = paramToJSON(item)
		}
		return out
	case gridaddr.KindMap:
		out := make(map[string]interface{}, len(p.Map))
		for k, v := range p.Map {
			out[k] = paramToJSON(v)
		}
		return out
	default:
		return nil
	}
}
