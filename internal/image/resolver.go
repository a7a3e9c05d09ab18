package image

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/guppybot/guppybot/internal/spec"
	"github.com/guppybot/guppybot/internal/state"
)

// Builder builds a docker image from a build context directory.
type Builder interface {
	Build(ctx context.Context, tag, dir string) error
}

// Puller fetches an upstream image ahead of a build.
type Puller interface {
	PullImage(ctx context.Context, ref string) error
}

// Handle is a resolved, locally available image.
type Handle struct {
	Spec   spec.ImageSpec
	Digest spec.Digest
}

func (h Handle) Tag() string { return h.Digest.Tag() }

// Resolver hands out images, building them on first use. Resolutions are
// serialized so the manifest has a single writer.
type Resolver struct {
	mu       sync.Mutex
	sysroot  state.Sysroot
	key      [32]byte
	manifest *Manifest
	builder  Builder
	puller   Puller
	log      zerolog.Logger
}

// NewResolver loads the manifest. A manifest that fails verification is
// discarded and logged, never fatal.
func NewResolver(sysroot state.Sysroot, key [32]byte, builder Builder, puller Puller, log zerolog.Logger) *Resolver {
	m, err := LoadManifest(sysroot.ManifestPath(), key)
	if err != nil {
		log.Warn().Err(err).Msg("discarding image manifest")
	}
	return &Resolver{
		sysroot:  sysroot,
		key:      key,
		manifest: m,
		builder:  builder,
		puller:   puller,
		log:      log,
	}
}

// Resolve returns the image for img, building it if the manifest does not
// list it yet. The manifest is only extended after a successful build.
func (r *Resolver) Resolve(ctx context.Context, img spec.ImageSpec) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := Handle{Spec: img, Digest: img.Digest(r.key)}
	if r.manifest.Contains(img) {
		return h, nil
	}

	base, err := img.BaseImage()
	if err != nil {
		return Handle{}, fmt.Errorf("resolve %s: %w", img.Description(), err)
	}
	dir, err := writeBuildContext(r.sysroot.ImagesDir(), r.sysroot.DockerDir(), img, h.Digest, base)
	if err != nil {
		return Handle{}, err
	}

	if r.puller != nil {
		if err := r.puller.PullImage(ctx, base); err != nil {
			r.log.Warn().Err(err).Str("base", base).Msg("pull failed, leaving it to docker build")
		}
	}

	r.log.Info().Str("tag", h.Tag()).Str("base", base).Msg("building image")
	if err := r.builder.Build(ctx, h.Tag(), dir); err != nil {
		return Handle{}, fmt.Errorf("build %s: %w", h.Tag(), err)
	}

	r.manifest.Append(img)
	if err := r.manifest.Save(r.sysroot.ManifestPath(), r.key); err != nil {
		// The image exists, so hand it out; the next build rewrites the file.
		r.log.Error().Err(err).Msg("could not save image manifest")
	}
	return h, nil
}

// Images lists the cached image specs.
func (r *Resolver) Images() []spec.ImageSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifest.Images()
}
