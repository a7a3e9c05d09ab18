package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/registry"
	"github.com/moby/moby/client"
	"github.com/rs/zerolog"
)

// Client talks to the Docker Engine API for the housekeeping the CLI
// runtime does not cover: pulling base images and clearing stale task
// containers.
type Client struct {
	cli  *client.Client
	auth RegistryAuth
	log  zerolog.Logger
}

// RegistryAuth holds optional credentials for pulling base images.
type RegistryAuth struct {
	Username string
	Password string
}

// NewClient creates a client configured from the environment.
func NewClient(auth RegistryAuth, log zerolog.Logger) (*Client, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}
	return &Client{cli: cli, auth: auth, log: log}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// PullImage pulls ref and waits for the pull to finish.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	authStr, err := getAuthString(c.auth.Username, c.auth.Password)
	if err != nil {
		return fmt.Errorf("could not get auth string: %w", err)
	}
	reader, err := c.cli.ImagePull(ctx, ref, client.ImagePullOptions{RegistryAuth: authStr})
	if err != nil {
		return fmt.Errorf("could not pull image '%s': %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pulling image '%s': %w", ref, err)
	}
	c.log.Debug().Str("image", ref).Msg("pulled base image")
	return nil
}

func getAuthString(username, password string) (string, error) {
	if username == "" && password == "" {
		return "", nil
	}
	authConfig := registry.AuthConfig{
		Username: username,
		Password: password,
	}
	encodedJSON, err := json.Marshal(authConfig)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(encodedJSON), nil
}

// RemoveContainer force-removes a container left over from an earlier
// daemon run. A missing container is not an error.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	_, err := c.cli.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	c.log.Info().Str("container", name).Msg("removing stale task container")
	_, err = c.cli.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: true, RemoveVolumes: false})
	return err
}
