package pipeline

import (
	"context"
	"errors"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/kafka"
)

type WorkerConfig struct {
	Count int `mapstructure:"count"`
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{Count: 4}
}

// Workers runs background ingestion: Count readers sharing one consumer
// group, each feeding the pipeline.
type Workers struct {
	pipeline  *Pipeline
	consumers []*kafka.Consumer
	logger    ectologger.Logger
}

func NewWorkers(p *Pipeline, config WorkerConfig, consumer kafka.ConsumerConfig, logger ectologger.Logger) *Workers {
	w := &Workers{pipeline: p, logger: logger}
	for range max(config.Count, 1) {
		w.consumers = append(w.consumers, kafka.NewConsumer(consumer, logger, w.Handle))
	}
	return w
}

// Handle decodes one raw record message and processes it
func (w *Workers) Handle(ctx context.Context, msg *kafka.IncomingMessage) error {
	raw, err := msg.RawRecord()
	if err != nil {
		return err
	}
	res, err := w.pipeline.Process(ctx, raw)
	if err != nil {
		return err
	}
	if res.Duplicate {
		w.logger.WithContext(ctx).WithFields(map[string]any{
			"raw_fact_id": res.RawFact.ID,
			"partition":   msg.Partition,
			"offset":      msg.Offset,
		}).Debug("Skipped duplicate record")
	}
	return nil
}

func (w *Workers) Start(ctx context.Context) error {
	for _, c := range w.consumers {
		if err := c.Start(ctx); err != nil {
			return errors.Join(err, w.Stop())
		}
	}
	w.logger.WithContext(ctx).WithFields(map[string]any{"workers": len(w.consumers)}).Info("Ingestion workers started")
	return nil
}

func (w *Workers) Stop() error {
	var errs []error
	for _, c := range w.consumers {
		errs = append(errs, c.Stop())
	}
	return errors.Join(errs...)
}
