package graph

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Description is a serializable view of a workflow graph.
type Description struct {
	Name    string             `json:"name" yaml:"name"`
	Inputs  []string           `json:"inputs" yaml:"inputs"`
	Outputs map[string]PortRef `json:"outputs" yaml:"outputs"`
	Order   []string           `json:"order,omitempty" yaml:"order,omitempty"`
	Stages  []StageDescription `json:"stages" yaml:"stages"`
	Edges   []Edge             `json:"edges" yaml:"edges"`
}

// StageDescription describes one stage.
type StageDescription struct {
	Name     string         `json:"name" yaml:"name"`
	Tool     string         `json:"tool" yaml:"tool"`
	Inputs   []string       `json:"inputs" yaml:"inputs"`
	Outputs  []string       `json:"outputs" yaml:"outputs"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Scatter  []string       `json:"scatter,omitempty" yaml:"scatter,omitempty"`
	Binaries []string       `json:"binaries,omitempty" yaml:"binaries,omitempty"`
	Workflow *Description   `json:"workflow,omitempty" yaml:"workflow,omitempty"`
}

// Describe returns a description of w, recursing into composite stages.
// Order is filled in when the graph is acyclic.
func (w *Workflow) Describe() *Description {
	d := &Description{
		Name:    w.name,
		Inputs:  w.Inputs(),
		Outputs: make(map[string]PortRef, len(w.outputs)),
		Edges:   w.Edges(),
	}
	for name, ref := range w.outputs {
		d.Outputs[name] = ref
	}
	if dag, err := w.buildDAG(); err == nil {
		d.Order = dag.Order
	}
	for _, s := range w.Stages() {
		sd := StageDescription{
			Name:    s.name,
			Tool:    s.adapter.Name(),
			Inputs:  s.adapter.Inputs(),
			Outputs: s.adapter.Outputs(),
			Scatter: s.ScatterPorts(),
		}
		if len(s.params) > 0 {
			sd.Params = map[string]any(s.Params())
		}
		if c, ok := s.adapter.(*Composite); ok {
			sd.Workflow = c.wf.Describe()
		} else if br, ok := s.adapter.(BinaryRequirer); ok {
			sd.Binaries = br.Binaries()
		}
		d.Stages = append(d.Stages, sd)
	}
	return d
}

// WriteDOT renders w in Graphviz dot syntax. Composite stages become
// clusters.
func (w *Workflow) WriteDOT(out io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", w.name)
	b.WriteString("  rankdir=TB;\n  node [shape=box];\n")
	writeDOTBody(&b, w, "", "  ")
	b.WriteString("}\n")
	_, err := io.WriteString(out, b.String())
	return err
}

func writeDOTBody(b *strings.Builder, w *Workflow, prefix, indent string) {
	inputs := w.Inputs()
	sort.Strings(inputs)
	for _, in := range inputs {
		fmt.Fprintf(b, "%s%q [shape=ellipse];\n", indent, prefix+"inputs."+in)
	}
	for _, s := range w.Stages() {
		id := prefix + s.name
		if c, ok := s.adapter.(*Composite); ok {
			fmt.Fprintf(b, "%ssubgraph %q {\n", indent, "cluster_"+id)
			fmt.Fprintf(b, "%s  label=%q;\n", indent, s.name)
			fmt.Fprintf(b, "%s  %q [shape=point];\n", indent, id)
			writeDOTBody(b, c.wf, id+"/", indent+"  ")
			fmt.Fprintf(b, "%s}\n", indent)
			continue
		}
		fmt.Fprintf(b, "%s%q [label=%q];\n", indent, id, s.name+"\\n"+s.adapter.Name())
	}
	for _, e := range w.edges {
		from := prefix + e.From
		if e.From == "" {
			from = prefix + "inputs." + e.FromPort
		}
		fmt.Fprintf(b, "%s%q -> %q [label=%q];\n", indent, from, prefix+e.To, e.ToPort)
	}
}
