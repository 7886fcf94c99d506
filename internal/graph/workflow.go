package graph

import (
	"fmt"

	"github.com/me/dwiprep/pkg/model"
)

// Edge binds a source port to a stage input port. An empty From denotes a
// workflow input named FromPort.
type Edge struct {
	From     string `json:"from,omitempty" yaml:"from,omitempty"`
	FromPort string `json:"from_port" yaml:"from_port"`
	To       string `json:"to" yaml:"to"`
	ToPort   string `json:"to_port" yaml:"to_port"`
}

func (e Edge) String() string {
	if e.From == "" {
		return fmt.Sprintf("inputs.%s -> %s.%s", e.FromPort, e.To, e.ToPort)
	}
	return fmt.Sprintf("%s.%s -> %s.%s", e.From, e.FromPort, e.To, e.ToPort)
}

// PortRef points at a stage output, or at a workflow input when Stage is "".
type PortRef struct {
	Stage string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Port  string `json:"port" yaml:"port"`
}

// Workflow is a named directed acyclic graph of stages. Build it with Add,
// Connect, Input and Output, then Validate before running.
type Workflow struct {
	name        string
	inputs      []string
	inputSet    map[string]bool
	stages      map[string]*Stage
	stageOrder  []string
	edges       []Edge
	outputs     map[string]PortRef
	outputOrder []string
	buildErrs   []model.FieldError
}

// New creates an empty workflow with the given boundary input ports.
func New(name string, inputs ...string) *Workflow {
	w := &Workflow{
		name:     name,
		inputSet: make(map[string]bool, len(inputs)),
		stages:   make(map[string]*Stage),
		outputs:  make(map[string]PortRef),
	}
	for _, in := range inputs {
		if w.inputSet[in] {
			w.buildError("inputs."+in, "duplicate workflow input")
			continue
		}
		w.inputSet[in] = true
		w.inputs = append(w.inputs, in)
	}
	return w
}

func (w *Workflow) buildError(field, format string, args ...any) {
	w.buildErrs = append(w.buildErrs, model.FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Inputs returns the boundary input port names.
func (w *Workflow) Inputs() []string { return append([]string(nil), w.inputs...) }

// Outputs returns the boundary output port names in declaration order.
func (w *Workflow) Outputs() []string { return append([]string(nil), w.outputOrder...) }

// OutputSource returns where boundary output name is read from.
func (w *Workflow) OutputSource(name string) (PortRef, bool) {
	ref, ok := w.outputs[name]
	return ref, ok
}

// Stage returns the stage with the given name.
func (w *Workflow) Stage(name string) (*Stage, bool) {
	s, ok := w.stages[name]
	return s, ok
}

// Stages returns the stages in insertion order.
func (w *Workflow) Stages() []*Stage {
	out := make([]*Stage, len(w.stageOrder))
	for i, name := range w.stageOrder {
		out[i] = w.stages[name]
	}
	return out
}

// Edges returns all edges in insertion order.
func (w *Workflow) Edges() []Edge { return append([]Edge(nil), w.edges...) }

// Add registers stages. Stage names must be unique within the workflow.
func (w *Workflow) Add(stages ...*Stage) *Workflow {
	for _, s := range stages {
		if _, dup := w.stages[s.name]; dup {
			w.buildError(s.name, "duplicate stage name")
			continue
		}
		w.stages[s.name] = s
		w.stageOrder = append(w.stageOrder, s.name)
	}
	return w
}

// Connect wires from.fromPort to to.toPort.
func (w *Workflow) Connect(from, fromPort, to, toPort string) *Workflow {
	w.edges = append(w.edges, Edge{From: from, FromPort: fromPort, To: to, ToPort: toPort})
	return w
}

// Input wires workflow input name to to.toPort.
func (w *Workflow) Input(name, to, toPort string) *Workflow {
	return w.Connect("", name, to, toPort)
}

// Output exposes from.fromPort as workflow output name. Use an empty from
// to pass a workflow input through.
func (w *Workflow) Output(name, from, fromPort string) *Workflow {
	if _, dup := w.outputs[name]; dup {
		w.buildError("outputs."+name, "duplicate workflow output")
		return w
	}
	w.outputs[name] = PortRef{Stage: from, Port: fromPort}
	w.outputOrder = append(w.outputOrder, name)
	return w
}
