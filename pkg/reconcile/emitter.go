package reconcile

import (
	"context"
	"fmt"

	"github.com/Sumatoshi-tech/tabrecon/pkg/export"
	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
)

// emitRecord is one classified row on its way to the export writer.
type emitRecord struct {
	cat export.Category
	key string
	row []string
}

// emitter decouples classification from chunk writing through a bounded
// channel. A slow disk fills the channel and blocks the producer, bounding
// memory. The consumer also captures the first SampleCap key values per
// category in emission order.
type emitter struct {
	ch        chan emitRecord
	done      chan struct{}
	writer    *export.Writer
	samples   map[export.Category][]string
	sampleCap int
	err       error
}

func newEmitter(writer *export.Writer, sampleCap, depth int) *emitter {
	e := &emitter{
		ch:        make(chan emitRecord, depth),
		done:      make(chan struct{}),
		writer:    writer,
		samples:   make(map[export.Category][]string, len(export.Categories)),
		sampleCap: sampleCap,
	}

	go e.consume()

	return e
}

// send queues one record, blocking while the writer catches up. Cancellation
// unblocks a full queue.
func (e *emitter) send(ctx context.Context, cat export.Category, key string, row []string) error {
	select {
	case e.ch <- emitRecord{cat: cat, key: key, row: row}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", runerr.ErrCancelled, ctx.Err())
	case <-e.done:
		return e.err
	}
}

// finish closes the queue, waits for the consumer to drain, and returns the
// first write error.
func (e *emitter) finish() error {
	close(e.ch)
	<-e.done

	return e.err
}

func (e *emitter) consume() {
	defer close(e.done)

	for rec := range e.ch {
		if len(e.samples[rec.cat]) < e.sampleCap {
			e.samples[rec.cat] = append(e.samples[rec.cat], keycodec.Display(rec.key))
		}

		if e.err != nil {
			// Keep draining so the producer never blocks on a dead consumer.
			continue
		}

		record := append(keycodec.Fields(rec.key), rec.row...)

		e.err = e.writer.Append(rec.cat, record)
	}
}
