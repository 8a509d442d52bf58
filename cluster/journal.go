package cluster

import (
	"context"
	"time"

	"github.com/golang/glog"
)

const (
	journalWriteTimeout = 3 * time.Second
	journalMaxAttempts  = 3

	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

// overridden by tests.
var backoffMinInterval = 1 * time.Second

// Journal mirrors routed messages to kafka for downstream consumers.
// It is write only: the hub never reads it back, and a record that can not be written
// after journalMaxAttempts is dropped.
type Journal struct {
	writer   IKafkaWriter
	maxBytes int
	recC     chan *Record
}

func NewJournal(writer IKafkaWriter, queueSize, maxBytes int) *Journal {
	return &Journal{
		writer:   writer,
		maxBytes: maxBytes,
		recC:     make(chan *Record, queueSize),
	}
}

// Publish implements `IJournal.Publish`. Records are dropped when the queue is full.
func (j *Journal) Publish(rec *Record) {
	select {
	case j.recC <- rec:
	default:
		glog.Errorf("journal: queue full, drop %s record", rec.Kind)
	}
}

// run writes queued records until ctx is done, then closes the writer.
func (j *Journal) run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Info("journal: ready")

	for {
		select {
		case <-ctx.Done():
			glog.Info("journal: stopping")
			if err := j.writer.Close(); err != nil {
				glog.Errorf("journal: close kafka writer error: %v", err)
			}
			glog.Info("journal: stopped")
			stopDoneNotifyC <- struct{}{}
			return
		case rec := <-j.recC:
			j.write(ctx, rec)
		}
	}
}

func (j *Journal) write(ctx context.Context, rec *Record) bool {
	msg, err := encodeRecord(rec, j.maxBytes)
	if err != nil {
		glog.Errorf("journal: %v", err)
		return false
	}

	var sleep time.Duration
	for attempt := 1; ; attempt++ {
		ctx2, cancel := context.WithTimeout(ctx, journalWriteTimeout)
		err := j.writer.WriteMessages(ctx2, msg)
		cancel()
		if err == nil {
			glog.V(5).Infof("journal: wrote %s record", rec.Kind)
			return true
		}

		glog.Errorf("journal: write to kafka err: %v, attempt: %d", err, attempt)
		if ctx.Err() != nil || attempt >= journalMaxAttempts {
			return false
		}
		backoff(&sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return false
		}
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = backoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = backoffMinInterval
		}
	}
}
