package helpgen

import (
	"fmt"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/urfave/cli/v2"
)

// docnl is heredoc dedenting without the trailing linebreak.
func docnl(s string) string {
	s = heredoc.Doc(s)
	return s[:len(s)-1]
}

var usageTemplate = docnl(`
	{{if .UsageText}}{{indent 4 (trim .UsageText)}}{{else}}    {{.HelpName}}{{if .VisibleFlags}} [options]{{end}} {{if .ArgsUsage}}{{.ArgsUsage}}{{else}}[arguments...]{{end}}{{end}}
`)

var visibleCommandTemplate = docnl(`
	{{- range .VisibleCommands}}
	    {{join .Names ", "}}{{"\t"}}{{.Usage}}
	{{- end}}
`)

var visibleFlagTemplate = docnl(`
	{{- range $i, $e := .VisibleFlags}}
	    {{$e.String}}
	{{- end}}
`)

func init() {
	cli.AppHelpTemplate = appHelpTemplate
	cli.CommandHelpTemplate = commandHelpTemplate
	cli.SubcommandHelpTemplate = commandHelpTemplate
}

var appHelpTemplate = heredoc.Doc(`
	{{.Name}}{{if .Usage}} - {{.Usage}}{{end}}

	USAGE:
	    {{.HelpName}} [global options] command [options] [arguments...]
	{{- if .Version}}{{if not .HideVersion}}

	VERSION:
	    {{.Version}}
	{{- end}}{{end}}
	{{- if .Description}}

	DESCRIPTION:
	{{indent 4 (trim .Description)}}
	{{- end}}
	{{- if .VisibleCommands}}

	COMMANDS:
	{{- template "visibleCommandTemplate" .}}
	{{- end}}
	{{- if .VisibleFlags}}

	GLOBAL OPTIONS:
	{{- template "visibleFlagTemplate" .}}
	{{- end}}
`)

var commandHelpTemplate = heredoc.Doc(`
	{{.HelpName}}{{if .Usage}} - {{.Usage}}{{end}}

	USAGE:
	{{template "usageTemplate" .}}
	{{- if .Description}}

	DESCRIPTION:
	{{indent 4 (trim .Description)}}
	{{- end}}
	{{- if .VisibleCommands}}

	COMMANDS:
	{{- template "visibleCommandTemplate" .}}
	{{- end}}
	{{- if .VisibleFlags}}

	OPTIONS:
	{{- template "visibleFlagTemplate" .}}
	{{- end}}
`)

func init() {
	cli.FlagStringer = flagStringer
}

// flagStringer renders one flag as "--name=<PLACEHOLDER>  usage (default: x) [$ENV]".
func flagStringer(f cli.Flag) string {
	df := f.(cli.DocGenerationFlag)

	placeholder, usage := unquoteUsage(df.GetUsage())
	if df.TakesValue() && placeholder == "" {
		placeholder = "VALUE"
	}
	if bf, ok := f.(*cli.BoolFlag); !ok || !bf.DisableDefaultText {
		if s := df.GetDefaultText(); s != "" {
			usage = fmt.Sprintf("%s (default: %s)", usage, s)
		}
	}
	if env := df.GetEnvVars(); len(env) > 0 {
		usage = fmt.Sprintf("%s [$%s]", usage, strings.Join(env, ", $"))
	}
	return fmt.Sprintf("%s\t%s", prefixedNames(df.Names(), placeholder), strings.TrimSpace(usage))
}

// unquoteUsage returns the placeholder, if any, and the unquoted usage string.
// A placeholder is the first backquoted word of the usage.
func unquoteUsage(usage string) (string, string) {
	start := strings.IndexByte(usage, '`')
	if start < 0 {
		return "", usage
	}
	end := strings.IndexByte(usage[start+1:], '`')
	if end < 0 {
		return "", usage
	}
	name := usage[start+1 : start+1+end]
	return name, usage[:start] + name + usage[start+2+end:]
}

func prefixedNames(names []string, placeholder string) string {
	var parts []string
	for _, name := range names {
		if name == "" {
			continue
		}
		prefix := "--"
		if len(name) == 1 {
			prefix = "-"
		}
		if placeholder != "" {
			parts = append(parts, prefix+name+"=<"+placeholder+">")
		} else {
			parts = append(parts, prefix+name)
		}
	}
	return strings.Join(parts, ", ")
}
