package workunit

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/warptools/sciflo/pkg/logging"
)

const LOG_TAG_OUTPUT = "│ output"

// commandLine is a parsed program invocation without any shell involvement.
type commandLine struct {
	Argv []string
	// Stdout names a file that receives standard output, from a "> file" fragment.
	Stdout string
	// OutFile names the file the program writes its result to, from a "-out file" fragment.
	OutFile string
}

var forbiddenTokens = map[string]bool{"|": true, "||": true, "&&": true, ";": true, "&": true, "<": true, ">>": true}

// parseCommandLine splits a command line into words, honouring single and double quotes
// and backslash escapes, and extracts output redirection.
func parseCommandLine(line string) (commandLine, error) {
	words, err := splitWords(line)
	if err != nil {
		return commandLine{}, err
	}
	var cl commandLine
	for i := 0; i < len(words); i++ {
		w := words[i]
		switch {
		case forbiddenTokens[w.text] && !w.quoted:
			return commandLine{}, fmt.Errorf("shell operator %q is not allowed in command lines", w.text)
		case w.text == ">" && !w.quoted:
			if i+1 >= len(words) {
				return commandLine{}, fmt.Errorf("'>' with no target file")
			}
			cl.Stdout = words[i+1].text
			i++
		case strings.HasPrefix(w.text, ">") && !w.quoted:
			cl.Stdout = w.text[1:]
		case w.text == "-out" && !w.quoted:
			if i+1 >= len(words) {
				return commandLine{}, fmt.Errorf("'-out' with no target file")
			}
			cl.OutFile = words[i+1].text
			cl.Argv = append(cl.Argv, w.text, words[i+1].text)
			i++
		case !w.quoted && strings.ContainsAny(w.text, "|;&`"):
			return commandLine{}, fmt.Errorf("shell syntax in %q is not allowed in command lines", w.text)
		default:
			cl.Argv = append(cl.Argv, w.text)
		}
	}
	if len(cl.Argv) == 0 {
		return commandLine{}, fmt.Errorf("empty command line")
	}
	return cl, nil
}

type word struct {
	text   string
	quoted bool
}

func splitWords(line string) ([]word, error) {
	var (
		out     []word
		cur     strings.Builder
		inWord  bool
		quoted  bool
		quoteCh rune
		escaped bool
	)
	flush := func() {
		if inWord {
			out = append(out, word{text: cur.String(), quoted: quoted})
		}
		cur.Reset()
		inWord, quoted = false, false
	}
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quoteCh != 0:
			if r == quoteCh {
				quoteCh = 0
			} else if r == '\\' && quoteCh == '"' {
				escaped = true
			} else {
				cur.WriteRune(r)
			}
		case r == '\\':
			escaped, inWord = true, true
		case r == '\'' || r == '"':
			quoteCh, inWord, quoted = r, true, true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quoteCh != 0 {
		return nil, fmt.Errorf("unterminated quote in command line")
	}
	flush()
	return out, nil
}

// searchPath is the unit working directory, then the packages directory, then $PATH.
func searchPath(req Request) []string {
	dirs := []string{req.WorkingDir}
	if req.PackagesDir != "" {
		dirs = append(dirs, filepath.Join(req.PackagesDir, "bin"), req.PackagesDir)
	}
	return append(dirs, filepath.SplitList(os.Getenv("PATH"))...)
}

// resolveProgram finds name along dirs and returns the argv prefix that runs it.
// Files without execute permission are accepted only if they start with an interpreter line.
func resolveProgram(name string, dirs []string) ([]string, error) {
	var candidates []string
	if strings.ContainsRune(name, '/') {
		candidates = []string{name}
	} else {
		for _, d := range dirs {
			if d != "" {
				candidates = append(candidates, filepath.Join(d, name))
			}
		}
	}
	var lastErr error = fmt.Errorf("%q not found in PATH", name)
	for _, c := range candidates {
		abs, err := filepath.Abs(c)
		if err != nil {
			continue
		}
		fi, err := os.Stat(abs)
		if err != nil || fi.IsDir() {
			continue
		}
		if fi.Mode().Perm()&0111 != 0 {
			return []string{abs}, nil
		}
		interp, err := interpreterLine(abs)
		if err != nil {
			lastErr = err
			continue
		}
		return append(interp, abs), nil
	}
	return nil, lastErr
}

func interpreterLine(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	if !strings.HasPrefix(line, "#!") {
		return nil, fmt.Errorf("%s is not executable and has no interpreter line", path)
	}
	fields := strings.Fields(strings.TrimPrefix(line, "#!"))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%s has an empty interpreter line", path)
	}
	if _, err := exec.LookPath(fields[0]); err != nil {
		return nil, fmt.Errorf("%s names interpreter %q: %w", path, fields[0], err)
	}
	return fields, nil
}

func runExecutable(ctx context.Context, req Request, out io.Writer) (interface{}, error) {
	line := req.Config.Call
	for _, a := range req.Args {
		line += " " + shellQuote(argString(a))
	}
	return runCommand(ctx, req, line, out)
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.-]*)\}`)

func runCommandTemplate(ctx context.Context, req Request, out io.Writer) (interface{}, error) {
	line, err := interpolate(req.Config.Call, req.Named(), shellQuote)
	if err != nil {
		return nil, err
	}
	return runCommand(ctx, req, line, out)
}

// interpolate replaces {name} placeholders with the named arguments.
func interpolate(template string, named map[string]interface{}, quote func(string) string) (string, error) {
	var missing []string
	res := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := named[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return quote(argString(v))
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("no argument for placeholder(s) %s", strings.Join(missing, ", "))
	}
	return res, nil
}

func runCommand(ctx context.Context, req Request, line string, out io.Writer) (interface{}, error) {
	log := logging.Ctx(ctx)
	cl, err := parseCommandLine(line)
	if err != nil {
		return nil, err
	}
	prefix, err := resolveProgram(cl.Argv[0], searchPath(req))
	if err != nil {
		return nil, err
	}
	argv := append(prefix, cl.Argv[1:]...)
	log.Debug(LOG_TAG, "invoking %q", argv)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Env = append(programEnv(), "PATH="+strings.Join(searchPath(req), string(os.PathListSeparator)))
	var stdoutBuf, stderrBuf bytes.Buffer
	logWriter := log.InfoWriter(LOG_TAG_OUTPUT)
	cmd.Stderr = io.MultiWriter(&stderrBuf, out, logWriter)
	var stdoutFile *os.File
	if cl.Stdout != "" {
		stdoutFile, err = os.Create(inDir(req.WorkingDir, cl.Stdout))
		if err != nil {
			return nil, err
		}
		defer stdoutFile.Close()
		cmd.Stdout = io.MultiWriter(stdoutFile, out)
	} else {
		cmd.Stdout = io.MultiWriter(&stdoutBuf, out, logWriter)
	}
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderrBuf.String())
		if msg == "" {
			return nil, fmt.Errorf("%s: %w", argv[0], err)
		}
		return nil, fmt.Errorf("%s: %w: %s", argv[0], err, msg)
	}
	switch {
	case cl.Stdout != "":
		return inDir(req.WorkingDir, cl.Stdout), nil
	case cl.OutFile != "":
		return inDir(req.WorkingDir, cl.OutFile), nil
	}
	return strings.TrimRight(stdoutBuf.String(), "\n"), nil
}

// programEnv is the child's environment without the work-unit marker or PATH.
func programEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, EnvChild+"=") || strings.HasPrefix(kv, "PATH=") {
			continue
		}
		env = append(env, kv)
	}
	return env
}

func inDir(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

// argString renders an argument as a single command line word.
func argString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case []interface{}:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = argString(e)
		}
		return strings.Join(parts, " ")
	}
	return fmt.Sprint(v)
}

// shellQuote quotes s so that splitWords yields it back as one word.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\|;&<>`") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
