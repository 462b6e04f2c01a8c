package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/comfyflow/internal/gateway"
	"github.com/seantiz/comfyflow/internal/workflow"
)

// maxConcurrentFetches bounds parallel downloads from one engine.
const maxConcurrentFetches = 4

// opPersist names sink writes in errors.
const opPersist = "persist"

// Image is a downloaded artifact.
type Image struct {
	NodeID     string
	Descriptor gateway.ArtifactDescriptor
	Data       []byte
}

// Sink stores downloaded images. Implementations key the destination by
// img.Descriptor.Filename alone, so two artifacts with the same filename in
// different subfolders or types land on the same destination.
type Sink interface {
	Persist(ctx context.Context, img Image) error
}

// Fetch downloads every artifact of res. Images come back in NodeIDs order
// and engine order within a node. The first failure cancels the remaining
// downloads.
func (o *Orchestrator) Fetch(ctx context.Context, res *Result) ([]Image, error) {
	var images []Image
	for _, nodeID := range res.NodeIDs() {
		for _, a := range res.Outputs[nodeID] {
			images = append(images, Image{NodeID: nodeID, Descriptor: a.Descriptor})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for i := range images {
		g.Go(func() error {
			data, err := o.gw.FetchArtifact(gctx, images[i].Descriptor)
			if err != nil {
				return fmt.Errorf("fetch %s of node %s: %w",
					images[i].Descriptor.Filename, images[i].NodeID,
					gateway.Wrap(gateway.ErrArtifactFetch, gateway.OpView, err))
			}
			images[i].Data = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

// Save hands images to sink one at a time. The first failure stops the loop;
// images already persisted stay where they are.
func Save(ctx context.Context, sink Sink, images []Image) error {
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.Persist(ctx, img); err != nil {
			return fmt.Errorf("save %s: %w", img.Descriptor.Filename,
				gateway.Wrap(gateway.ErrPersistence, opPersist, err))
		}
	}
	return nil
}

// Collect executes graph and saves every produced image to sink. A failed
// download or write fails the whole call and no result is returned.
func (o *Orchestrator) Collect(ctx context.Context, graph workflow.Graph, sink Sink) (*Result, error) {
	res, err := o.Execute(ctx, graph)
	if err != nil {
		return nil, err
	}
	images, err := o.Fetch(ctx, res)
	if err != nil {
		return nil, err
	}
	if err := Save(ctx, sink, images); err != nil {
		return nil, err
	}
	return res, nil
}

// DirSink writes images into a single directory under their filename.
type DirSink struct {
	Dir string
}

// Persist writes img to Dir/<filename> through a temporary file and rename,
// so a reader never observes a partially written image.
func (s DirSink) Persist(_ context.Context, img Image) error {
	name := filepath.Base(img.Descriptor.Filename)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return fmt.Errorf("invalid filename %q", img.Descriptor.Filename)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(img.Data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.Dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
