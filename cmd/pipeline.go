package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/internal/export"
	"firestige.xyz/dissect/internal/filter"
	"firestige.xyz/dissect/internal/log"
	"firestige.xyz/dissect/plugins"
)

// outputOptions are the flags shared by read and live.
type outputOptions struct {
	Format    string
	Verbose   bool
	Redissect bool
	Count     int
}

var errCountReached = errors.New("frame count reached")

// newWriter builds the writer for format on out, teed into Kafka when the
// configuration names brokers.
func newWriter(ctx context.Context, cfg *config.GlobalConfig, format string, out io.Writer) (export.Writer, error) {
	if format == "" {
		format = cfg.Export.Format
	}
	w, err := export.New(format, out)
	if err != nil {
		return nil, err
	}
	if !cfg.Export.Kafka.Enabled() {
		return w, nil
	}
	k, err := export.NewKafkaWriter(ctx, cfg.Export.Kafka)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return export.Tee{w, k}, nil
}

// openSession builds an engine with every plugin and opens src on it.
func openSession(cfg *config.GlobalConfig, src engine.FrameSource) (*engine.Session, error) {
	e, err := engine.New(cfg, plugins.Registrars()...)
	if err != nil {
		return nil, err
	}
	return e.Open(src)
}

// dissect runs the session to the end and writes every frame. With Redissect
// the first pass stays silent and every frame is written from a revisit, so
// state learnt later in the capture shows up on earlier frames too.
func dissect(ctx context.Context, s *engine.Session, w export.Writer, opts outputOptions) error {
	written := 0
	err := s.Run(ctx, func(r *engine.Result) error {
		if opts.Count > 0 && int(r.Frame.Number) > opts.Count {
			return errCountReached
		}
		if opts.Redissect {
			return nil
		}
		written++
		return w.Write(export.NewRecord(r, opts.Verbose))
	})
	switch {
	case errors.Is(err, errCountReached), errors.Is(err, context.Canceled):
	case err != nil:
		return err
	}

	if opts.Redissect {
		total := s.Frames()
		if opts.Count > 0 && opts.Count < total {
			total = opts.Count
		}
		for n := 1; n <= total; n++ {
			r, err := s.Redissect(uint32(n))
			if err != nil {
				return fmt.Errorf("redissect frame %d: %w", n, err)
			}
			err = w.Write(export.NewRecord(r, true))
			r.Release()
			if err != nil {
				return err
			}
			written++
		}
	}

	fields := logrus.Fields{
		"frames":        s.Frames(),
		"written":       written,
		"conversations": len(s.Conversations()),
		"transactions":  len(s.Transactions()),
	}
	log.WithComponent("cli").WithFields(fields).Info("capture dissected")
	return nil
}

// dropped reports how many frames src's capture filter rejected.
func dropped(src engine.FrameSource) uint64 {
	if fs, ok := src.(*filter.Source); ok {
		return fs.Dropped()
	}
	return 0
}
