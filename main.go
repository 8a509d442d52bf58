package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/presencehub/auth"
	"github.com/mqy/presencehub/cluster"
	"github.com/mqy/presencehub/store"
	"github.com/mqy/presencehub/ws"
)

const (
	journalQueueSize = 1024
	minSecretLen     = 16
)

var (
	flagAddr      = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile   = flag.String("pid-file", "presencehub.pid", "pid file")
	flagJwtSecret = flag.String("jwt-secret", "", "HS256 secret to sign and verify tokens, at least 16 bytes")
	flagTokenTTL  = flag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens issued by /login")

	flagReadLimit = flag.Int64("read-limit", ws.DefaultReadLimit, "websocket max message size to read, in bytes")
	flagSendQueue = flag.Int("send-queue", ws.DefaultSendQueue, "per session outbound queue size; a session whose queue is full is closed")

	flagKafkaBrokers    = flag.String("kafka-brokers", "", "comma separated kafka brokers to journal routed messages to, empty to disable")
	flagKafkaTopic      = flag.String("kafka-topic", "presencehub-messages", "kafka topic of the message journal")
	flagJournalMaxBytes = flag.Int("journal-max-bytes", 8192, "max bytes of a journal record")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")

	flagEnableDemo    = flag.Bool("enable-demo", false, "enable demo: /login, /register and static pages under /demo/")
	flagDemoStaticDir = flag.String("demo-static-dir", "dev/demo/static", "demo static dir")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	glog.Info("presencehub server is starting")

	secret := []byte(*flagJwtSecret)

	hubConf := ws.Conf{
		ReadLimit: *flagReadLimit,
		SendQueue: *flagSendQueue,
	}
	if !*flagDisableMetrics {
		hubConf.Registerer = prometheus.DefaultRegisterer
	}

	// Keep a nil *Journal out of the interface.
	var journal *cluster.Journal
	if *flagKafkaBrokers != "" {
		w := kafka.NewWriter(kafka.WriterConfig{
			Brokers:  strings.Split(*flagKafkaBrokers, ","),
			Topic:    *flagKafkaTopic,
			Balancer: &kafka.Hash{},
			Dialer: &kafka.Dialer{
				Timeout:   10 * time.Second,
				DualStack: true,
			},
		})
		journal = cluster.NewJournal(w, journalQueueSize, *flagJournalMaxBytes)
		hubConf.Journal = journal
	}

	hub := ws.NewHub(auth.NewJWTClient(secret), ws.Stores{
		Presence: store.NewPresenceRegistry(),
		Groups:   store.NewGroupLog(),
		History:  store.NewHistoryStore(),
	}, hubConf)

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)
	if *flagEnableDemo {
		login := auth.LoginHandler(auth.NewIssuer(secret, *flagTokenTTL))
		mux.Handle("/login", login)
		mux.Handle("/register", login)

		const demoRootPath = "/demo/"
		fs := http.FileServer(http.Dir(*flagDemoStaticDir))
		mux.Handle(demoRootPath, http.StripPrefix(demoRootPath, fs))
	}

	standalone := cluster.NewStandalone(&cluster.Conf{
		Addr:    *flagAddr,
		Hub:     hub,
		Mux:     mux,
		Journal: journal,
	})
	if err := standalone.Listen(); err != nil {
		return errorf("%v", err)
	}

	stopNotifyChan := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go standalone.Run(ctx, stopNotifyChan)

	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			dumpGoroutines(pprofDir)
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir)
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("presencehub server is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s` stopping", sig.String())
			go func() {
				if prof != nil {
					prof.Stop()
				}
				cancel()
				<-stopNotifyChan
				close(stopNotifyChan)
				signal.Stop(sigCh)
				close(sigCh)
			}()
		}
	}

	glog.Info("presencehub server exited")
	return 0
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	if len(*flagJwtSecret) < minSecretLen {
		return errorf("--jwt-secret is required, at least %d bytes", minSecretLen)
	}
	if *flagTokenTTL <= 0 {
		return errorf("--token-ttl must be positive")
	}

	if *flagReadLimit <= 0 {
		return errorf("--read-limit must be positive")
	}
	if *flagSendQueue <= 0 {
		return errorf("--send-queue must be positive")
	}

	if *flagKafkaBrokers != "" {
		if *flagKafkaTopic == "" {
			return errorf("--kafka-topic is required")
		}
		if *flagJournalMaxBytes <= 0 {
			return errorf("--journal-max-bytes must be positive")
		}
	}

	if *flagEnableDemo {
		if *flagDemoStaticDir == "" {
			return errorf("--demo-static-dir is required.")
		}
		if _, err := os.Stat(*flagDemoStaticDir); err != nil {
			return errorf("error stat demo static dir `%s`: %v", *flagDemoStaticDir, err)
		}
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified() {
		return fmt.Errorf("`%s` is not loopback, private or unspecified address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := ioutil.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			} else {
				glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := ioutil.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
