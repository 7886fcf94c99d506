package graph

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/me/dwiprep/pkg/model"
)

// DAG holds the result of dependency analysis.
type DAG struct {
	// Deps maps each stage to the stages it depends on (upstream).
	Deps map[string][]string
	// Order is a topological sort of the stages (execution order).
	Order []string
}

// ValidateOptions controls optional validation checks.
type ValidateOptions struct {
	// CheckBinaries verifies that every executable required by an adapter
	// can be found with LookPath.
	CheckBinaries bool
	// LookPath resolves executables (default exec.LookPath).
	LookPath func(string) (string, error)
}

// Validate checks the graph and returns its topological order. All problems
// are collected into a single *model.ConfigError: duplicate names, edges to
// unknown stages or ports, input ports without exactly one source, dangling
// outputs, cycles, and (optionally) missing executables.
func (w *Workflow) Validate(opts ValidateOptions) (*DAG, error) {
	errs := w.structuralErrors("")
	dag, cycleErr := w.buildDAG()
	if cycleErr != nil {
		errs = append(errs, model.FieldError{Field: w.name, Message: cycleErr.Error()})
	}
	if opts.CheckBinaries {
		lookPath := opts.LookPath
		if lookPath == nil {
			lookPath = exec.LookPath
		}
		for _, bin := range w.Binaries() {
			if _, err := lookPath(bin); err != nil {
				errs = append(errs, model.FieldError{
					Field:   bin,
					Message: fmt.Sprintf("required binary %q not found in PATH", bin),
				})
			}
		}
	}
	if len(errs) > 0 {
		return nil, model.NewConfigError(fmt.Sprintf("workflow %s is invalid", w.name), errs...)
	}
	return dag, nil
}

// Binaries returns every executable required by the workflow's adapters,
// including those inside composite stages, sorted and de-duplicated.
func (w *Workflow) Binaries() []string {
	seen := make(map[string]bool)
	for _, s := range w.Stages() {
		if br, ok := s.adapter.(BinaryRequirer); ok {
			for _, b := range br.Binaries() {
				seen[b] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// structuralErrors checks names, ports and bindings. prefix qualifies field
// names for nested workflows.
func (w *Workflow) structuralErrors(prefix string) []model.FieldError {
	var errs []model.FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, model.FieldError{Field: prefix + field, Message: fmt.Sprintf(format, args...)})
	}
	for _, e := range w.buildErrs {
		errs = append(errs, model.FieldError{Field: prefix + e.Field, Message: e.Message})
	}

	sources := make(map[string]int) // "stage.port" -> number of bindings
	for _, e := range w.edges {
		dst, ok := w.stages[e.To]
		if !ok {
			add(e.String(), "unknown destination stage %q", e.To)
			continue
		}
		if !hasPort(dst.adapter.Inputs(), e.ToPort) {
			add(e.String(), "stage %s has no input port %q", e.To, e.ToPort)
			continue
		}
		if e.From == "" {
			if !w.inputSet[e.FromPort] {
				add(e.String(), "unknown workflow input %q", e.FromPort)
				continue
			}
		} else {
			src, ok := w.stages[e.From]
			if !ok {
				add(e.String(), "unknown source stage %q", e.From)
				continue
			}
			if !hasPort(src.adapter.Outputs(), e.FromPort) {
				add(e.String(), "stage %s has no output port %q", e.From, e.FromPort)
				continue
			}
		}
		sources[e.To+"."+e.ToPort]++
	}

	for _, s := range w.Stages() {
		for port := range s.params {
			if !hasPort(s.adapter.Inputs(), port) {
				add(s.name+"."+port, "parameter set on unknown input port")
				continue
			}
			sources[s.name+"."+port]++
		}
		for _, port := range s.scatter {
			if !hasPort(s.adapter.Inputs(), port) {
				add(s.name+"."+port, "scatter over unknown input port")
			}
		}
		for _, port := range s.adapter.Inputs() {
			switch n := sources[s.name+"."+port]; {
			case n == 0:
				add(s.name+"."+port, "input port is not bound")
			case n > 1:
				add(s.name+"."+port, "input port is bound %d times", n)
			}
		}
		if c, ok := s.adapter.(*Composite); ok {
			errs = append(errs, c.wf.structuralErrors(prefix+s.name+"/")...)
			if _, err := c.wf.buildDAG(); err != nil {
				add(s.name, "%v", err)
			}
		}
	}

	for _, name := range w.outputOrder {
		ref := w.outputs[name]
		if ref.Stage == "" {
			if !w.inputSet[ref.Port] {
				add("outputs."+name, "unknown workflow input %q", ref.Port)
			}
			continue
		}
		src, ok := w.stages[ref.Stage]
		if !ok {
			add("outputs."+name, "unknown source stage %q", ref.Stage)
			continue
		}
		if !hasPort(src.adapter.Outputs(), ref.Port) {
			add("outputs."+name, "stage %s has no output port %q", ref.Stage, ref.Port)
		}
	}
	return errs
}

// buildDAG derives stage dependencies from edges and sorts them with Kahn's
// algorithm. Ties are broken by stage name so the order is deterministic.
func (w *Workflow) buildDAG() (*DAG, error) {
	forward := make(map[string][]string, len(w.stages))
	deps := make(map[string][]string, len(w.stages))
	inDegree := make(map[string]int, len(w.stages))
	for name := range w.stages {
		inDegree[name] = 0
	}

	seen := make(map[[2]string]bool)
	for _, e := range w.edges {
		if e.From == "" {
			continue
		}
		if _, ok := w.stages[e.From]; !ok {
			continue
		}
		if _, ok := w.stages[e.To]; !ok {
			continue
		}
		if e.From == e.To {
			return nil, fmt.Errorf("workflow contains a cycle involving stages: %s", e.From)
		}
		key := [2]string{e.From, e.To}
		if seen[key] {
			continue
		}
		seen[key] = true
		forward[e.From] = append(forward[e.From], e.To)
		deps[e.To] = append(deps[e.To], e.From)
		inDegree[e.To]++
	}
	for name := range deps {
		sort.Strings(deps[name])
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(w.stages))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		successors := forward[node]
		sort.Strings(successors)
		for _, succ := range successors {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Strings(queue)
	}

	if len(order) != len(w.stages) {
		var cycle []string
		for name, deg := range inDegree {
			if deg > 0 {
				cycle = append(cycle, name)
			}
		}
		sort.Strings(cycle)
		return nil, fmt.Errorf("workflow contains a cycle involving stages: %s", strings.Join(cycle, ", "))
	}
	return &DAG{Deps: deps, Order: order}, nil
}

func hasPort(ports []string, name string) bool {
	for _, p := range ports {
		if p == name {
			return true
		}
	}
	return false
}
