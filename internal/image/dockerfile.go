package image

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/guppybot/guppybot/internal/spec"
)

// templatePath finds the Dockerfile template for img, preferring a
// distro-specific one over the toolchain default.
func templatePath(dockerDir string, img spec.ImageSpec) (string, error) {
	toolchainDir := filepath.Join(dockerDir, img.Toolchain.Dir())
	candidates := []string{
		filepath.Join(toolchainDir, string(img.DistroCodename), "Dockerfile.template"),
		filepath.Join(toolchainDir, "Dockerfile.default_template"),
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no Dockerfile template for toolchain %s on %s", img.Toolchain.Dir(), img.DistroCodename)
}

// writeBuildContext synthesizes images/<toolchain>/<digest>/Dockerfile.
func writeBuildContext(imagesDir, dockerDir string, img spec.ImageSpec, digest spec.Digest, base string) (string, error) {
	tmplPath, err := templatePath(dockerDir, img)
	if err != nil {
		return "", err
	}
	tmpl, err := os.ReadFile(tmplPath)
	if err != nil {
		return "", fmt.Errorf("read template: %w", err)
	}

	dir := filepath.Join(imagesDir, img.Toolchain.Dir(), digest.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create build context: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# automatically generated for: %s\n", digest.Tag())
	fmt.Fprintf(&buf, "FROM %s\n", base)
	buf.Write(tmpl)
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write Dockerfile: %w", err)
	}
	return dir, nil
}
