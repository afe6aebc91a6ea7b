package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// StopContainer sends a graceful stop with the given timeout, letting
// the container's own shutdown handling run before the engine sends
// SIGKILL.
func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	secs := int(timeout.Seconds())
	if err := c.inner.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// Inspect returns the raw inspect result for a container, used to read
// its health status and resolve the image it was built from.
func (c *Client) Inspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	info, err := c.inner.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return types.ContainerJSON{}, ErrNotFound
		}
		return types.ContainerJSON{}, fmt.Errorf("inspect container: %w", err)
	}
	return info, nil
}

// HealthStatus reports the engine-level health check status of a
// container, or "" if the image defines no HEALTHCHECK.
func (c *Client) HealthStatus(ctx context.Context, id string) (string, error) {
	info, err := c.Inspect(ctx, id)
	if err != nil {
		return "", err
	}
	if info.State == nil || info.State.Health == nil {
		return "", nil
	}
	return info.State.Health.Status, nil
}

// ListContainersByName returns IDs of containers (running or stopped)
// whose name matches exactly, used when a destroy job arrives without
// a container_id and must fall back to name-based lookup.
func (c *Client) ListContainersByName(ctx context.Context, name string) ([]string, error) {
	name = strings.TrimPrefix(name, "/")
	f := filters.NewArgs()
	f.Add("name", "^/"+name+"$")
	list, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("list containers by name: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, item := range list {
		ids = append(ids, item.ID)
	}
	return ids, nil
}

// ManagedContainer is one container carrying the previewctl.managed
// label, along with the PR number it was started for.
type ManagedContainer struct {
	ID string
	PR string
}

// ListManagedContainers returns every container previewctl started,
// regardless of its own deployment-record state, used by the sweeper
// to find containers orphaned by a crash between container start and
// the store write that would have recorded them.
func (c *Client) ListManagedContainers(ctx context.Context) ([]ManagedContainer, error) {
	f := filters.NewArgs()
	f.Add("label", "previewctl.managed=true")
	list, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("list managed containers: %w", err)
	}
	out := make([]ManagedContainer, 0, len(list))
	for _, item := range list {
		out = append(out, ManagedContainer{ID: item.ID, PR: item.Labels["previewctl.pr"]})
	}
	return out, nil
}

// RemoveImage force-deletes an image reference, tolerating "not found"
// as non-fatal (best-effort cleanup); any other engine error is returned.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image ref cannot be empty")
	}
	_, err := c.inner.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove image %s: %w", ref, err)
	}
	return nil
}

// ListImagesByPrefix returns repo:tag references of images whose
// repository:tag starts with prefix, used to sweep every
// preview-pr-<N>:* build tag on destroy.
func (c *Client) ListImagesByPrefix(ctx context.Context, prefix string) ([]string, error) {
	images, err := c.inner.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	var refs []string
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if strings.HasPrefix(tag, prefix) {
				refs = append(refs, tag)
			}
		}
	}
	return refs, nil
}

// ContainerMetrics is a trimmed view of the engine's resource-usage
// stats for one sample, used by the build executor's optional runtime
// monitor goroutine.
type ContainerMetrics struct {
	CPUPercent    float64
	MemoryUsedMB  float64
	MemoryLimitMB float64
}

// SampleMetrics takes a single non-streaming stats snapshot.
func (c *Client) SampleMetrics(ctx context.Context, id string) (ContainerMetrics, error) {
	resp, err := c.inner.ContainerStats(ctx, id, false)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerMetrics{}, ErrNotFound
		}
		return ContainerMetrics{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return ContainerMetrics{}, fmt.Errorf("decode container stats: %w", err)
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
	var cpuPercent float64
	if systemDelta > 0 && cpuDelta > 0 {
		cpuPercent = (cpuDelta / systemDelta) * float64(len(stats.CPUStats.CPUUsage.PercpuUsage)) * 100
	}

	const mb = 1024 * 1024
	return ContainerMetrics{
		CPUPercent:    cpuPercent,
		MemoryUsedMB:  float64(stats.MemoryStats.Usage) / mb,
		MemoryLimitMB: float64(stats.MemoryStats.Limit) / mb,
	}, nil
}
