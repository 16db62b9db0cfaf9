// Command sqlflow is the pipeline compiler and runner's CLI entry point. The
// full command surface (profile management, interactive debugging, UDF
// plugins) is out of core scope (spec.md §1); this wires just enough of the
// core together to compile and run a `.sf` file end to end.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/sqlflow-dev/sqlflow"
	"github.com/sqlflow-dev/sqlflow/cache"
	"github.com/sqlflow-dev/sqlflow/connector"
	"github.com/sqlflow-dev/sqlflow/engine"
	"github.com/sqlflow-dev/sqlflow/exec"
	"github.com/sqlflow-dev/sqlflow/parser"
	"github.com/sqlflow-dev/sqlflow/plan"
	"github.com/sqlflow-dev/sqlflow/resolver"
	"github.com/sqlflow-dev/sqlflow/validate"
	"github.com/sqlflow-dev/sqlflow/variables"
	"github.com/sqlflow-dev/sqlflow/watermark"

	_ "github.com/sqlflow-dev/sqlflow/connectors"
)

// validationCache holds validate.Report results keyed by pipeline source +
// variable bindings + registry signature, shared across subcommands within
// one process (spec.md §4.15).
var validationCache = cache.New()

// CLI is the top-level command tree.
var CLI struct {
	Config string `help:"Path to a YAML configuration file." default:"sqlflow.yaml"`
	Vars   string `help:"JSON object of CLI-supplied variable overrides." default:"{}"`
	Quiet  bool   `help:"Suppress non-error output."`

	Run      RunCmd      `cmd:"" help:"Validate, plan, and execute a pipeline file."`
	Validate ValidateCmd `cmd:"" help:"Validate a pipeline file without executing it."`
	Explain  ExplainCmd  `cmd:"" help:"Print the planned operation DAG as XML."`
	Version  VersionCmd  `cmd:"" help:"Print version information."`
}

// Context carries flags shared across every subcommand's Run method.
type Context struct {
	Config string
	Vars   map[string]string
	Quiet  bool
}

func main() {
	parser := kong.Parse(&CLI, kong.Name("sqlflow"), kong.Description("SQL-first ELT pipeline compiler and runner."))

	var vars map[string]string
	if err := json.Unmarshal([]byte(CLI.Vars), &vars); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: invalid --vars JSON: %v", err))
		os.Exit(4)
	}

	ctx := &Context{Config: CLI.Config, Vars: vars, Quiet: CLI.Quiet}

	err := parser.Run(ctx)
	parser.FatalIfErrorf(err)
}

// compile runs lex → parse → resolve → validate → plan over path, printing
// a grouped diagnostic report and exiting with code 1 on any failure
// (spec.md §6 exit codes).
func compile(ctx *Context, path string) (*plan.Plan, *resolver.Pipeline, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	prog, err := parser.Parse(string(src))
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	scope := variables.NewScope(ctx.Vars, nil)

	res := resolver.New(scope, includeLoader)

	pipeline, err := res.Resolve(prog)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	key := cache.Compute(src, ctx.Vars, cache.RegistrySignature(connector.Default.Types()))

	cached, err := validationCache.GetOrCompute(key, func() (any, error) {
		return validate.Validate(pipeline, connector.Default), nil
	})
	if err != nil {
		return nil, nil, err
	}

	report := cached.(*validate.Report)

	printLegacySpellingNotices(report)

	if !report.Empty() {
		printReport(report)
		os.Exit(1)
	}

	p, err := plan.Build(pipeline)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	return p, pipeline, nil
}

func includeLoader(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func printError(err error) {
	fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
}

func printReport(report *validate.Report) {
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	for kind, diags := range report.ByKind() {
		if kind == sqlflow.KindLegacySpelling {
			continue
		}

		red.Fprintf(os.Stderr, "%s (%d)\n", kind, len(diags))

		for _, d := range diags {
			fmt.Fprintf(os.Stderr, "  line %d: %s\n", d.Line, d.Message)

			for _, s := range d.Suggestions {
				yellow.Fprintf(os.Stderr, "    suggestion: %s\n", s)
			}
		}
	}
}

// printLegacySpellingNotices surfaces KindLegacySpelling diagnostics as
// non-blocking informational notices, separate from the grouped error
// report: they never fail validation (spec.md §9 open question #2).
func printLegacySpellingNotices(report *validate.Report) {
	yellow := color.New(color.FgYellow)

	for _, d := range report.ByKind()[sqlflow.KindLegacySpelling] {
		yellow.Fprintf(os.Stderr, "notice: line %d: %s\n", d.Line, d.Message)

		for _, s := range d.Suggestions {
			yellow.Fprintf(os.Stderr, "  suggestion: %s\n", s)
		}
	}
}

// RunCmd validates, plans, and executes a pipeline end to end.
type RunCmd struct {
	File string `arg:"" help:"Path to the .sf pipeline file."`
}

func (c *RunCmd) Run(ctx *Context) error {
	p, _, err := compile(ctx, c.File)
	if err != nil {
		return err
	}

	cfg, err := sqlflow.LoadConfig(ctx.Config)
	if err != nil {
		cfg = &sqlflow.Config{}
	}

	eng, err := engine.Open(cfg.Engine)
	if err != nil {
		return err
	}

	defer eng.Close()

	store, err := watermark.Open(cfg.Watermark.Path)
	if err != nil {
		return err
	}

	defer store.Close()

	pipelineID := pipelineIDFor(c.File)

	runner := exec.NewRunner(eng, connector.Default, store, pipelineID)
	runner.Presets = cfg.Resilience

	if err := runner.Execute(context.Background(), p); err != nil {
		printError(err)
		os.Exit(2)
	}

	if !ctx.Quiet {
		color.Green("pipeline %s completed", pipelineID)
	}

	return nil
}

func pipelineIDFor(path string) string {
	name := path
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}

	return strings.TrimSuffix(name, ".sf")
}

// ValidateCmd runs compile-time checks only.
type ValidateCmd struct {
	File string `arg:"" help:"Path to the .sf pipeline file."`
}

func (c *ValidateCmd) Run(ctx *Context) error {
	_, _, err := compile(ctx, c.File)
	if err != nil {
		return err
	}

	if !ctx.Quiet {
		color.Green("pipeline is valid")
	}

	return nil
}

// ExplainCmd prints the planned DAG as XML without executing it.
type ExplainCmd struct {
	File string `arg:"" help:"Path to the .sf pipeline file."`
}

func (c *ExplainCmd) Run(ctx *Context) error {
	p, _, err := compile(ctx, c.File)
	if err != nil {
		return err
	}

	xml, err := plan.ExplainXML(p)
	if err != nil {
		return err
	}

	fmt.Println(xml)

	return nil
}

// VersionCmd prints build version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(ctx *Context) error {
	fmt.Println("sqlflow (development build)")
	return nil
}
