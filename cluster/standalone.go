package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 5 * time.Second

type Conf struct {
	Addr string
	Hub  IHub
	Mux  *http.ServeMux

	// Journal is optional.
	Journal *Journal
}

// Standalone runs the hub on one node. HTTP, websocket and the gRPC health service
// share one port through h2c.
type Standalone struct {
	ICluster

	conf       *Conf
	lis        net.Listener
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
}

func NewStandalone(conf *Conf) *Standalone {
	s := &Standalone{
		conf:       conf,
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.httpServer = &http.Server{Handler: h2c.NewHandler(s, &http2.Server{})}
	return s
}

// Listen binds conf.Addr.
func (s *Standalone) Listen() error {
	lis, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		return fmt.Errorf("listen %s error: %w", s.conf.Addr, err)
	}
	s.lis = lis
	return nil
}

// Addr returns the bound address, valid after Listen.
func (s *Standalone) Addr() string {
	return s.lis.Addr().String()
}

// Run serves until ctx is done. Listen must be called first.
func (s *Standalone) Run(ctx context.Context, stopNotifyCh chan<- struct{}) {
	glog.Infof("standalone is starting")

	go func() {
		glog.Infof("http server is listening %v", s.Addr())
		if err := s.httpServer.Serve(s.lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			glog.Errorf("error serve http mux server: %v", err)
		}
	}()

	journalStopDoneC := make(chan struct{})
	hubStopDoneC := make(chan struct{})

	defer func() {
		s.health.Shutdown()

		ctx2, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx2)
		glog.Infof("standalone: http server shutdown done")

		func() {
			defer func() {
				if err := recover(); err != nil {
					glog.Errorf("grpc server Stop panic: %v, recovered", err)
				}
			}()
			s.grpcServer.Stop()
		}()

		<-hubStopDoneC
		close(hubStopDoneC)
		glog.Infof("standalone: hub stopped")

		if s.conf.Journal != nil {
			<-journalStopDoneC
		}
		close(journalStopDoneC)

		glog.Infof("standalone: stopped")
		stopNotifyCh <- struct{}{}
	}()

	if s.conf.Journal != nil {
		go s.conf.Journal.run(ctx, journalStopDoneC)
	}
	go s.conf.Hub.Run(ctx, hubStopDoneC)
	s.conf.Hub.Online()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	glog.Infof("standalone is running")

	<-ctx.Done()
	s.conf.Hub.Offline()
	glog.Infof("standalone is stopping")
}

func (s *Standalone) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("content-type"), "application/grpc") {
		s.grpcServer.ServeHTTP(w, r)
	} else {
		s.conf.Mux.ServeHTTP(w, r)
	}
}
