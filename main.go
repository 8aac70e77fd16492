package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kafka "github.com/segmentio/kafka-go"

	"github.com/taskvine/convo/auth"
	"github.com/taskvine/convo/pipeline"
	"github.com/taskvine/convo/store"
	"github.com/taskvine/convo/ws"
)

const (
	kafkaGroupId           = "convod"
	kafkaTopic             = "convod-messages"
	messagePayloadMaxBytes = 4096

	kafkaReadTimeout  = 10 * time.Second
	kafkaWriteTimeout = 10 * time.Second

	minTTLDays = 7
	maxTTLDays = 365
)

var (
	flagAddr     = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile  = flag.String("pid-file", "convod.pid", "pid file")
	flagStore    = flag.String("store", "bolt", "message store backend: bolt or mysql")
	flagMysqlDsn = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/convod?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn")
	flagBoltPath = flag.String("bolt-path", "convod.db", "bolt store file path")
	flagAssetDir = flag.String("asset-dir", "assets", "dir to save uploaded image assets")

	flagMessageTTLDays = flag.Uint("message-ttldays", 90, "message TTL in days")
	flagCleanMessages  = flag.Bool("clean-messages", true, "enable deleting outdated messages")

	flagEnableKafka  = flag.Bool("enable-kafka", false, "route sends through the kafka pipeline")
	flagKafkaBrokers = flag.String("kafka-brokers", "127.0.0.1:9092", "comma separated kafka brokers")

	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
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

	if err := os.MkdirAll(*flagAssetDir, 0750); err != nil {
		return errorf("--asset-dir: error create dir `%s`: %v", *flagAssetDir, err)
	}

	glog.Info("convod server is starting")

	var messageStore store.IMessageStore
	switch *flagStore {
	case "mysql":
		db, err := sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}
		defer db.Close()

		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)

		messageStore = store.NewMysqlStore(db)
	case "bolt":
		bs, err := store.NewBoltStore(*flagBoltPath)
		if err != nil {
			return errorf("bolt open error, path: %s, err: %v", *flagBoltPath, err)
		}
		defer bs.Close()

		messageStore = bs
	}

	authClient := newAuthClient()
	hub := ws.NewHub(authClient)
	api := ws.NewMessageAPI(messageStore, hub, authClient, *flagAssetDir)

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)
	api.Register(mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var feedStopDoneC chan struct{}

	if *flagEnableKafka {
		kafkaBrokers := strings.Split(*flagKafkaBrokers, ",")
		kafkaReader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: kafkaBrokers,
			GroupID: kafkaGroupId,
			Topic:   kafkaTopic,
			Dialer: &kafka.Dialer{
				Timeout:   kafkaReadTimeout,
				DualStack: true,
			},
		})
		kafkaWriter := kafka.NewWriter(kafka.WriterConfig{
			Brokers:  kafkaBrokers,
			Topic:    kafkaTopic,
			Balancer: &kafka.Hash{},
			Dialer: &kafka.Dialer{
				Timeout:   kafkaWriteTimeout,
				DualStack: true,
			},
		})
		defer kafkaWriter.Close()

		api.SetPublisher(pipeline.NewProducer(kafkaWriter, messagePayloadMaxBytes))

		feed := pipeline.NewFeed(messageStore, kafkaReader, hub,
			*flagCleanMessages, int32(*flagMessageTTLDays), messagePayloadMaxBytes)
		feedStopDoneC = make(chan struct{})
		go feed.Run(ctx, feedStopDoneC)
	}

	lis, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		return errorf("listen %s error: %v", *flagAddr, err)
	}

	httpServer := &http.Server{Handler: mux}
	serveErrC := make(chan error, 1)
	go func() {
		glog.Infof("http server is listening %v", *flagAddr)
		if err := httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			serveErrC <- err
		}
	}()

	glog.Infof("`CTRL+c` or `kill %d` to graceful stop", pid)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-serveErrC:
		return errorf("error serve http mux server: %v", err)
	case sig := <-sigCh:
		glog.Infof("received signal `%s`, stopping", sig.String())
	}

	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	glog.Infof("http server shutdown done")

	hub.Shutdown()

	cancel()
	if feedStopDoneC != nil {
		<-feedStopDoneC
		glog.Infof("pipeline feed stopped")
	}

	glog.Info("convod server exited")
	return 0
}

func newAuthClient() auth.Client {
	// TODO: hook into the platform auth API.
	return &auth.MockClient{}
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
	if *flagAssetDir == "" {
		return errorf("--asset-dir is required")
	}

	switch *flagStore {
	case "mysql":
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required")
		}
	case "bolt":
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required")
		}
	default:
		return errorf("--store must be `bolt` or `mysql`")
	}

	if *flagCleanMessages {
		if *flagMessageTTLDays < minTTLDays || *flagMessageTTLDays > maxTTLDays {
			return errorf("invalid --message-ttldays, expect in range [%d, %d]", minTTLDays, maxTTLDays)
		}
	}

	if *flagEnableKafka && len(*flagKafkaBrokers) == 0 {
		return errorf("--kafka-brokers is required")
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
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
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
		content, err := os.ReadFile(name)
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
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
