// Package taskspec parses the directive stream a repository's CI script
// prints into a list of tasks.
//
// Directive lines look like
//
//	#-guppy:v0.task:require_distro debian ==9
//
// and every other line inside a begin/end block is a shell command of the
// open task. Parsing is all-or-nothing.
package taskspec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/guppybot/guppybot/internal/spec"
)

const marker = "#-guppy:"

// ErrSyntax is matched by every error Parse returns for malformed input.
var ErrSyntax = errors.New("taskspec syntax error")

// Error reports the offending line.
type Error struct {
	Line int
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("taskspec line %d: %s", e.Line, e.Msg) }

func (e *Error) Is(target error) bool { return target == ErrSyntax }

type builder struct {
	task      spec.TaskSpec
	hasDistro bool
}

type parser struct {
	tasks []spec.TaskSpec
	open  *builder
	line  int
}

// Parse reads the whole stream. On any error no tasks are returned.
func Parse(r io.Reader) ([]spec.TaskSpec, error) {
	p := &parser{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		p.line++
		if err := p.feed(strings.TrimSuffix(sc.Text(), "\r")); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read taskspec: %w", err)
	}
	if p.open != nil {
		return nil, p.errorf("unterminated task block")
	}
	if p.tasks == nil {
		p.tasks = []spec.TaskSpec{}
	}
	return p.tasks, nil
}

func (p *parser) errorf(format string, args ...any) error {
	return &Error{Line: p.line, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) feed(line string) error {
	rest, ok := strings.CutPrefix(line, marker)
	if !ok {
		if p.open == nil {
			return p.errorf("shell line outside of a task block")
		}
		p.open.task.Lines = append(p.open.task.Lines, line)
		return nil
	}

	group, args, ok := strings.Cut(rest, ":")
	if !ok {
		return p.errorf("malformed directive %q", rest)
	}
	switch group {
	case "v0.task":
		return p.task(args)
	case "task":
		return p.errorf("directive must specify a version")
	default:
		return p.errorf("unsupported directive group %q", group)
	}
}

func (p *parser) task(args string) error {
	toks := strings.Fields(args)
	if len(toks) == 0 {
		return p.errorf("empty task directive")
	}
	directive := toks[0]

	switch directive {
	case "begin":
		if p.open != nil {
			return p.errorf("begin inside an open task block")
		}
		p.open = &builder{}
		return nil
	case "end":
		if p.open == nil {
			return p.errorf("end without begin")
		}
		if !p.open.hasDistro {
			return p.errorf("task %q is missing require_distro", p.open.task.Name)
		}
		p.tasks = append(p.tasks, p.open.task)
		p.open = nil
		return nil
	}

	if p.open == nil {
		return p.errorf("%s outside of a task block", directive)
	}
	if len(toks) < 2 {
		return p.errorf("%s takes an argument", directive)
	}
	t := &p.open.task

	switch directive {
	case "name":
		// The name is everything after the directive word, inner
		// whitespace included.
		t.Name = strings.TrimLeft(strings.TrimPrefix(strings.TrimLeft(args, " \t"), directive), " \t")
	case "toolchain":
		tc, err := spec.ParseToolchain(toks[1])
		if err != nil {
			return p.errorf("%v", err)
		}
		t.Toolchain = tc
	case "require_docker":
		return p.boolArg(toks, &t.RequireDocker)
	case "require_nvidia_docker":
		return p.boolArg(toks, &t.RequireNvidiaDocker)
	case "allow_errors":
		return p.boolArg(toks, &t.AllowErrors)
	case "mutable":
		return p.boolArg(toks, &t.Mutable)
	case "require_distro":
		return p.requireDistro(toks[1:])
	case "require_cuda":
		return p.requireCuda(toks[1])
	case "require_gpu_arch":
		if toks[1] != "*" {
			return p.errorf("require_gpu_arch only supports *")
		}
	default:
		return p.errorf("unknown task directive %q", directive)
	}
	return nil
}

func (p *parser) boolArg(toks []string, dst *bool) error {
	switch toks[1] {
	case "true":
		*dst = true
	case "false":
		*dst = false
	default:
		return p.errorf("%s takes a boolean argument, got %q", toks[0], toks[1])
	}
	return nil
}

func splitCmp(s string) (spec.VersionCmp, string) {
	if v, ok := strings.CutPrefix(s, "=="); ok {
		return spec.Exact, v
	}
	if v, ok := strings.CutPrefix(s, ">="); ok {
		return spec.AtLeast, v
	}
	return spec.Exact, s
}

// requireDistro accepts "debian ==9", "debian 9" and "debian==9".
func (p *parser) requireDistro(args []string) error {
	var id, version string
	switch {
	case len(args) >= 2:
		id, version = args[0], args[1]
	case strings.Contains(args[0], "=="):
		id, version, _ = strings.Cut(args[0], "==")
		version = "==" + version
	case strings.Contains(args[0], ">="):
		id, version, _ = strings.Cut(args[0], ">=")
		version = ">=" + version
	default:
		return p.errorf("require_distro takes a distro and a version")
	}
	distro, err := spec.ParseDistroID(id)
	if err != nil {
		return p.errorf("%v", err)
	}
	cmp, v := splitCmp(version)
	codename, err := spec.LookupRelease(distro, v)
	if err != nil {
		return p.errorf("%v", err)
	}
	p.open.task.Distro = spec.DistroConstraint{Cmp: cmp, Codename: codename}
	p.open.hasDistro = true
	return nil
}

func (p *parser) requireCuda(arg string) error {
	if arg == "*" {
		p.open.task.Cuda = &spec.CudaConstraint{Cmp: spec.Any}
		return nil
	}
	cmp, v := splitCmp(arg)
	version, err := spec.ParseCudaVersion(v)
	if err != nil {
		return p.errorf("%v", err)
	}
	p.open.task.Cuda = &spec.CudaConstraint{Cmp: cmp, Version: version}
	return nil
}
