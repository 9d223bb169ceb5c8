package swarm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/archive"
)

// LogSink receives human-readable build/push progress lines.
type LogSink func(line string)

// BuildImage builds the image at contextDir/dockerfile and tags it. Progress
// lines stream into sink as they arrive from the engine.
func (d *Driver) BuildImage(ctx context.Context, contextDir, dockerfile, tag string, sink LogSink) error {
	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return containerErr("build", err)
	}
	defer buildCtx.Close()

	resp, err := d.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return containerErr("build", err)
	}
	defer resp.Body.Close()

	return drainJSONStream("build", resp.Body, sink)
}

// PushImage pushes a built tag to the configured registry.
func (d *Driver) PushImage(ctx context.Context, tag string, sink LogSink) error {
	resp, err := d.cli.ImagePush(ctx, tag, image.PushOptions{
		RegistryAuth: d.registryAuth,
	})
	if err != nil {
		return containerErr("push", err)
	}
	defer resp.Close()

	return drainJSONStream("push", resp, sink)
}

// TagImage aliases an already-built tag under another name. Image keys that
// share a build definition are tagged, not rebuilt.
func (d *Driver) TagImage(ctx context.Context, source, target string) error {
	return containerErr("tag", d.cli.ImageTag(ctx, source, target))
}

// PullImage pulls a pinned image so service creation does not race the
// registry.
func (d *Driver) PullImage(ctx context.Context, ref string, sink LogSink) error {
	resp, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return containerErr("pull", err)
	}
	defer resp.Close()

	return drainJSONStream("pull", resp, sink)
}

// PruneImages removes dangling images. Called from the daily maintenance
// cron to cap disk growth.
func (d *Driver) PruneImages(ctx context.Context) error {
	_, err := d.cli.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	return containerErr("image prune", err)
}

// PruneBuilder drops the build cache.
func (d *Driver) PruneBuilder(ctx context.Context) error {
	_, err := d.cli.BuildCachePrune(ctx, build.CachePruneOptions{})
	return containerErr("builder prune", err)
}

// streamLine is the engine's JSON progress framing: one object per line with
// either a stream chunk or an error.
type streamLine struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	ErrorDetail *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"errorDetail"`
	Error string `json:"error"`
}

func drainJSONStream(op string, r io.Reader, sink LogSink) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line streamLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			// Non-JSON noise in the stream is passed through verbatim.
			emit(sink, scanner.Text())
			continue
		}
		if line.Error != "" {
			emit(sink, line.Error)
			exitCode := 1
			if line.ErrorDetail != nil && line.ErrorDetail.Code != 0 {
				exitCode = line.ErrorDetail.Code
			}
			return &ContainerError{Op: op, Message: line.Error, ExitCode: exitCode}
		}
		if line.Stream != "" {
			emit(sink, line.Stream)
		} else if line.Status != "" {
			emit(sink, line.Status)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s stream: %w", op, err)
	}
	return nil
}

func emit(sink LogSink, chunk string) {
	if sink == nil {
		return
	}
	for _, line := range strings.Split(chunk, "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			sink(line)
		}
	}
}
