package collyfetcher

import (
	"context"
	"io"

	"github.com/jobtrail/discovery/internal/pipeline"
)

// streamItem carries either a record or a mid-stream error.
type streamItem struct {
	rec pipeline.CandidateRecord
	err error
}

// recordStream adapts a producer goroutine's channel to pipeline.RecordStream.
type recordStream struct {
	ch     <-chan streamItem
	cancel context.CancelFunc
}

func newRecordStream(ch <-chan streamItem, cancel context.CancelFunc) *recordStream {
	return &recordStream{ch: ch, cancel: cancel}
}

// Next returns the next record, io.EOF at end of stream, or the producer's
// error.
func (s *recordStream) Next(ctx context.Context) (pipeline.CandidateRecord, error) {
	select {
	case <-ctx.Done():
		return pipeline.CandidateRecord{}, ctx.Err()
	case item, ok := <-s.ch:
		if !ok {
			return pipeline.CandidateRecord{}, io.EOF
		}
		if item.err != nil {
			return pipeline.CandidateRecord{}, item.err
		}
		return item.rec, nil
	}
}

// Close stops the producer. Safe to call more than once.
func (s *recordStream) Close() error {
	s.cancel()
	return nil
}
