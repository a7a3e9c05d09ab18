// Package git produces the working copies CI runs execute against.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Checkout is a working copy of URL in Dir. A checkout created by Clone
// owns its directory and removes it on Close; one created by Local does
// not.
type Checkout struct {
	URL   string
	Dir   string
	owned bool
}

// Local wraps an existing directory.
func Local(dir string) *Checkout {
	return &Checkout{URL: dir, Dir: dir}
}

// Clone clones url into a fresh directory under scratchDir.
func Clone(ctx context.Context, url, scratchDir string) (*Checkout, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	dir, err := os.MkdirTemp(scratchDir, "checkout-")
	if err != nil {
		return nil, fmt.Errorf("create checkout dir: %w", err)
	}
	c := &Checkout{URL: url, Dir: dir, owned: true}
	if _, err := run(ctx, "", "clone", "--recursive", "--quiet", url, dir); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Checkout moves the working copy to rev and updates submodules.
func (c *Checkout) Checkout(ctx context.Context, rev string) error {
	if _, err := run(ctx, c.Dir, "checkout", "--quiet", rev); err != nil {
		return err
	}
	_, err := run(ctx, c.Dir, "submodule", "update", "--init", "--recursive")
	return err
}

// Head returns the commit hash currently checked out.
func (c *Checkout) Head(ctx context.Context) (string, error) {
	out, err := run(ctx, c.Dir, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

func (c *Checkout) Owned() bool { return c.owned }

func (c *Checkout) Close() error {
	if !c.owned {
		return nil
	}
	return os.RemoveAll(c.Dir)
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := args
	if dir != "" {
		fullArgs = append([]string{"-C", dir}, args...)
	}
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	command.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
