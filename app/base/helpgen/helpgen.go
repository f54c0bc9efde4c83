/*
This package replaces the help text templates of `urfave/cli` with our own,
and wires them in at package init time.

The only hooks `urfave/cli` offers for help customization are package-scope vars,
so importing this package has that side effect on every app in the process.
*/
package helpgen

import (
	"io"
	"strings"
	"text/tabwriter"
	"text/template"

	"github.com/urfave/cli/v2"
)

/*
	How the docs strings of a cli.Command are used in our help:

	- Usage -- a one-liner, shown in the parent command's list of children.
	- UsageText -- a synopsis, with example invocations.  May be multi-line.
	- Description -- freetext prose; may be multi-line.  Shows up in the `-h` for that command.
	- ArgsUsage -- the positional arguments, used when there is no UsageText.
*/

// printHelpCustom is the entrypoint for `urfave/cli`'s customization.
func printHelpCustom(out io.Writer, tmpl string, data interface{}, customFuncs map[string]interface{}) {
	funcMap := template.FuncMap{
		"join":   strings.Join,
		"indent": indent,
		"trim":   strings.TrimSpace,
	}
	for key, value := range customFuncs {
		funcMap[key] = value
	}

	w := tabwriter.NewWriter(out, 1, 8, 4, ' ', 0)
	t := template.Must(template.New("help").Funcs(funcMap).Parse(tmpl))
	template.Must(t.New("usageTemplate").Parse(usageTemplate))
	template.Must(t.New("visibleCommandTemplate").Parse(visibleCommandTemplate))
	template.Must(t.New("visibleFlagTemplate").Parse(visibleFlagTemplate))

	if err := t.Execute(w, data); err != nil {
		panic(err)
	}
	_ = w.Flush()
}

func indent(spaces int, v string) string {
	pad := strings.Repeat(" ", spaces)
	return pad + strings.Replace(v, "\n", "\n"+pad, -1)
}

func init() {
	cli.HelpPrinterCustom = printHelpCustom
}
