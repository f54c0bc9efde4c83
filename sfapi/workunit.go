package sfapi

import (
	"time"
)

// Variant names the kind of executable unit a process is bound to.
type Variant string

const (
	VariantRemoteRPC       Variant = "remote-rpc"
	VariantInlineFunction  Variant = "inline-function"
	VariantNamedFunction   Variant = "named-function"
	VariantExecutable      Variant = "executable"
	VariantURLTemplate     Variant = "url-template"
	VariantCommandTemplate Variant = "command-template"
	VariantXPath           Variant = "xpath"
	VariantXQuery          Variant = "xquery"
	VariantPostRequest     Variant = "post-request"
	VariantNestedWorkflow  Variant = "nested-workflow"
	VariantMapOverQueue    Variant = "map-over-queue"
	VariantSingleOverQueue Variant = "single-over-queue"
	VariantConversion      Variant = "conversion"
)

// Endpoint carries the out-of-band parts of a binding.
// Only the fields the variant uses are set.
type Endpoint struct {
	URL     string      `json:"url,omitempty"`
	Method  string      `json:"method,omitempty"`
	Headers [][2]string `json:"headers,omitempty"`
	Queue   string      `json:"queue,omitempty"`
	Async   bool        `json:"async,omitempty"`
	// Mode distinguishes sub-forms of one variant, such as "rest" and "template" url bindings.
	Mode string `json:"mode,omitempty"`
}

// Ref is an unresolved reference to the output of an earlier unit.
type Ref struct {
	SourceConfigID string `json:"source_config_id"`
	OutputIndex    *int   `json:"output_index,omitempty"`
	RewriteFile    string `json:"rewrite_file,omitempty"`
	FromPostExec   bool   `json:"from_post_exec,omitempty"`
	PostExecIndex  int    `json:"post_exec_index,omitempty"`
}

// DocumentArg is an XML fragment whose slot elements are filled in at dispatch.
// Slots are the elements whose text starts with "@#", in document order.
type DocumentArg struct {
	Template string `json:"template"`
	Slots    []Arg  `json:"slots"`
}

// Arg is one positional argument. Exactly one of the fields is meaningful;
// when Ref and Document are both nil, Literal is the value (nil is a valid value).
type Arg struct {
	Literal  interface{}  `json:"literal,omitempty"`
	Ref      *Ref         `json:"ref,omitempty"`
	Document *DocumentArg `json:"document,omitempty"`
}

func LiteralArg(v interface{}) Arg {
	return Arg{Literal: v}
}

func RefArg(r Ref) Arg {
	return Arg{Ref: &r}
}

// IsConcrete reports whether no reference remains in the argument.
func (a Arg) IsConcrete() bool {
	if a.Ref != nil {
		return false
	}
	if a.Document != nil {
		for _, s := range a.Document.Slots {
			if !s.IsConcrete() {
				return false
			}
		}
	}
	return true
}

// Refs lists every reference held by the argument, including document slots.
func (a Arg) Refs() []Ref {
	if a.Ref != nil {
		return []Ref{*a.Ref}
	}
	var out []Ref
	if a.Document != nil {
		for _, s := range a.Document.Slots {
			out = append(out, s.Refs()...)
		}
	}
	return out
}

// Port is a declared input or output of a process.
type Port struct {
	Tag  string `json:"tag"`
	Type string `json:"type"`
}

type StageFile struct {
	Source string `json:"source"`
	Bundle bool   `json:"bundle,omitempty"`
}

// PostExecStep converts one element of a unit's result after the operator returns.
// A nil OutputIndex selects the whole result.
type PostExecStep struct {
	OutputIndex *int   `json:"output_index,omitempty"`
	Key         string `json:"key"`
	// From and To are the declared types the step converts between.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// Fingerprint identifies what the step computes, for caching its result.
func (s PostExecStep) Fingerprint() string {
	if s.To == "" {
		return s.Key
	}
	return s.Key + "->" + s.To
}

// WorkUnitConfig is the resolved, executable description of one process.
type WorkUnitConfig struct {
	ConfigID     string         `json:"config_id"`
	ProcessIndex int            `json:"process_index"`
	ProcessID    string         `json:"process_id"`
	Owner        string         `json:"owner,omitempty"`
	Variant      Variant        `json:"variant"`
	Call         string         `json:"call"`
	Endpoint     Endpoint       `json:"endpoint,omitempty"`
	Args         []Arg          `json:"args"`
	ArgNames     []string       `json:"arg_names,omitempty"`
	Inputs       []Port         `json:"inputs,omitempty"`
	Outputs      []Port         `json:"outputs,omitempty"`
	StageFiles   []StageFile    `json:"stage_files,omitempty"`
	PostExec     []PostExecStep `json:"post_exec_steps,omitempty"`
	Implicit     bool           `json:"implicit,omitempty"`
	Retries      int            `json:"retries,omitempty"`
	Timeout      time.Duration  `json:"timeout,omitempty"`
}

// Dependencies returns the distinct config ids this unit reads from, in argument order.
func (c WorkUnitConfig) Dependencies() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, a := range c.Args {
		for _, r := range a.Refs() {
			if _, ok := seen[r.SourceConfigID]; ok {
				continue
			}
			seen[r.SourceConfigID] = struct{}{}
			out = append(out, r.SourceConfigID)
		}
	}
	return out
}

// IsReady reports whether every argument is concrete.
func (c WorkUnitConfig) IsReady() bool {
	for _, a := range c.Args {
		if !a.IsConcrete() {
			return false
		}
	}
	return true
}

// OutputWiring binds one global output to the unit that produces it.
type OutputWiring struct {
	Tag            string `json:"tag"`
	Type           string `json:"type"`
	SourceConfigID string `json:"source_config_id"`
	Ref            Ref    `json:"ref"`
	// Literal is set when the output is wired straight to a global input.
	Literal interface{} `json:"literal,omitempty"`
	Static  bool        `json:"static,omitempty"`
}

// Resolution is everything the executor needs to run a workflow.
type Resolution struct {
	WorkflowName string           `json:"workflow_name"`
	Description  string           `json:"description,omitempty"`
	Units        []WorkUnitConfig `json:"units"`
	Outputs      []OutputWiring   `json:"outputs"`
	Inputs       []Port           `json:"inputs,omitempty"`
	Args         interface{}      `json:"args,omitempty"`
}
