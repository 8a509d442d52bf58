package cluster

import (
	"context"

	"github.com/segmentio/kafka-go"
)

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type ICluster interface {
	Run(ctx context.Context, stopNotifyCh chan<- struct{})
}

// IHub provides interfaces of local Hub.
type IHub interface {
	Run(context.Context, chan<- struct{})
	Online()
	Offline()
}

// IJournal receives every routed message. Publish must not block.
type IJournal interface {
	Publish(rec *Record)
}
