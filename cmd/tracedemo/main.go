package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/justinsb/ktrace/pkg/blobs"
	"github.com/justinsb/ktrace/pkg/irproto"
	"github.com/justinsb/ktrace/pkg/ops"
	"github.com/justinsb/ktrace/pkg/tensor"
	"github.com/justinsb/ktrace/pkg/tracer"
	"github.com/justinsb/ktrace/pkg/weights"
	"k8s.io/klog/v2"
)

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

type options struct {
	OutputDir     string
	Name          string
	FormatVersion int
	DeferWeights  bool
	Bucket        string
}

func run(ctx context.Context) error {
	opt := options{
		OutputDir:     os.Getenv("TRACE_OUTPUT_DIR"),
		Name:          "demo",
		FormatVersion: irproto.MaxFormatVersion,
		Bucket:        os.Getenv("WEIGHTS_BUCKET"),
	}
	if opt.OutputDir == "" {
		opt.OutputDir = "out"
	}
	if s := os.Getenv("FORMAT_VERSION"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("parsing FORMAT_VERSION %q: %w", s, err)
		}
		opt.FormatVersion = v
	}

	flag.StringVar(&opt.OutputDir, "out", opt.OutputDir, "directory to write the exported model to")
	flag.StringVar(&opt.Name, "name", opt.Name, "model name")
	flag.IntVar(&opt.FormatVersion, "format-version", opt.FormatVersion, "graph format version")
	flag.BoolVar(&opt.DeferWeights, "defer-weights", opt.DeferWeights, "write each weight to its own file")
	flag.StringVar(&opt.Bucket, "bucket", opt.Bucket, "if set, publish weights to this GCS bucket (gs://<bucketName>[/<prefix>])")
	klog.InitFlags(nil)
	flag.Parse()

	return opt.Run(ctx)
}

func (o *options) Run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	tc := tracer.NewTraceContext(tracer.WithLogger(log))

	x := tensor.Vector(1, 2, 3)
	w := tensor.Vector(0.5, 0.5, 0.5)
	b := tensor.Vector(1, 1, 1)

	s, err := traceLayer(tc, x, w, b)
	if err != nil {
		return err
	}
	log.Info("traced graph", "state", s.GoString(), "nodes", len(s.Graph().Nodes()))
	fmt.Print(s.String())

	exporter := tracer.NewExporter(&irproto.Encoder{ProducerName: "tracedemo"})
	graph, exportMap, err := exporter.Export(s, []tracer.Tensor{w, b}, o.FormatVersion, o.DeferWeights)
	if err != nil {
		return fmt.Errorf("exporting trace: %w", err)
	}

	m, err := weights.Write(ctx, o.OutputDir, o.Name, graph, exportMap, o.DeferWeights, weights.WithTypes(weights.InputTypes(s.Graph())))
	if err != nil {
		return fmt.Errorf("writing model: %w", err)
	}

	if o.Bucket == "" {
		return nil
	}
	if !strings.HasPrefix(o.Bucket, "gs://") {
		return fmt.Errorf("bucket must be a GCS bucket URL (gs://<bucketName>), got %q", o.Bucket)
	}
	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(o.Bucket, "gs://"), "/")
	store := &blobs.GCSBlobstore{Bucket: bucket, Prefix: prefix}
	if err := weights.Publish(ctx, store, o.OutputDir, m); err != nil {
		return fmt.Errorf("publishing model: %w", err)
	}
	return nil
}

// traceLayer records rms_norm(x*w + b) with w and b as the trailing inputs, so they bind to initializers.
func traceLayer(tc *tracer.TraceContext, x, w, b *tensor.Tensor) (*tracer.TracingState, error) {
	s, err := tc.Enter([]tracer.Variable{x, w, b}, 0)
	if err != nil {
		return nil, fmt.Errorf("entering trace: %w", err)
	}

	if err := s.PushScope("layer1"); err != nil {
		return nil, err
	}
	y, err := ops.Mul(tc, x, w)
	if err != nil {
		return nil, err
	}
	z, err := ops.Add(tc, y, b)
	if err != nil {
		return nil, err
	}
	if err := s.PushScope("norm"); err != nil {
		return nil, err
	}
	out, err := ops.RMSNorm(tc, z, 0)
	if err != nil {
		return nil, err
	}
	if err := s.PopScope(); err != nil {
		return nil, err
	}
	if err := s.PopScope(); err != nil {
		return nil, err
	}

	if err := tc.Exit([]tracer.Variable{out}); err != nil {
		return nil, fmt.Errorf("exiting trace: %w", err)
	}
	return s, nil
}
