package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/config"
	"github.com/mqy/minichat/controller"
	"github.com/mqy/minichat/export"
	"github.com/mqy/minichat/rest"
	"github.com/mqy/minichat/ws"
)

var (
	flagConfig  = flag.String("config", "minichat.yaml", "yaml config file, skipped when missing")
	flagEnvFile = flag.String("env-file", ".env", "env file with MINICHAT_* overrides, skipped when missing")

	flagServer       = flag.String("server", "", "chat server base url, http(s)://host:port")
	flagUser         = flag.String("user", "", "user id")
	flagTokenFile    = flag.String("token-file", "", "bbolt file holding the credential pair")
	flagMetricsAddr  = flag.String("metrics-addr", "", "serve prometheus /metrics on this address")
	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers; mirrors received messages when set")
	flagKafkaTopic   = flag.String("kafka-topic", "", "kafka topic of mirrored messages")

	flagAccessToken  = flag.String("access-token", "", "store this access token before starting")
	flagRefreshToken = flag.String("refresh-token", "", "store this refresh token before starting")
	flagConversation = flag.String("conversation", "", "conversation to enter on start")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	conf, err := config.Load(*flagConfig)
	if err != nil {
		return errorf("%v", err)
	}
	if err := conf.LoadEnv(*flagEnvFile); err != nil {
		return errorf("%v", err)
	}
	applyFlags(conf)
	if err := conf.Validate(); err != nil {
		return errorf("%v", err)
	}

	store, err := auth.OpenBoltStore(conf.TokenFile)
	if err != nil {
		return errorf("token file: %v", err)
	}
	defer store.Close()

	if *flagAccessToken != "" || *flagRefreshToken != "" {
		if err := store.Save(&auth.Pair{AccessToken: *flagAccessToken, RefreshToken: *flagRefreshToken}); err != nil {
			return errorf("token file: %v", err)
		}
	}

	provider, err := auth.NewRestProvider(conf.BaseURL(), store, nil)
	if err != nil {
		return errorf("credentials: %v", err)
	}
	fetcher := rest.NewClient(conf.BaseURL(), &http.Client{
		Transport: &auth.Transport{Provider: provider},
		Timeout:   30 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var exporter controller.IExporter
	if len(conf.Kafka.Brokers) > 0 {
		sink := export.NewSink(export.Config{
			Brokers:      conf.Kafka.Brokers,
			Topic:        conf.Kafka.Topic,
			MaxBytes:     conf.Kafka.MaxBytes,
			WriteTimeout: conf.Kafka.WriteTimeout,
		})
		defer sink.Close()
		exporter = sink
		glog.Infof("mirror messages to kafka topic %s", conf.Kafka.Topic)
	}

	if conf.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
		srv := &http.Server{Addr: conf.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				glog.Errorf("metrics server error: %v", err)
			}
		}()
		defer srv.Close()
	}

	registry := controller.NewRegistry(newFactory(ctx, conf, provider, fetcher, exporter))
	defer registry.Leave()

	sh := newShell(os.Stdout, registry)
	defer sh.stopWatch()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			glog.Infof("received signal `%s` stopping", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if *flagConversation != "" {
		sh.exec(ctx, "/join "+*flagConversation)
	}

	glog.Infof("minichat %s is started, server: %s", conf.UserID, conf.BaseURL())
	if err := sh.run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		return errorf("%v", err)
	}

	glog.Info("minichat exited")
	return 0
}

func newFactory(ctx context.Context, conf *config.Config, provider auth.Provider, fetcher *rest.Client,
	exporter controller.IExporter) controller.Factory {
	sc := conf.Session
	return func(conversationID string) (*controller.Controller, error) {
		conv, err := fetcher.GetConversation(ctx, conversationID, conf.UserID)
		if err != nil {
			return nil, err
		}
		glog.V(5).Infof("enter conversation %s (%s), %d members", conv.ID, conv.Name, len(conv.MemberIDs))

		transport := ws.NewSession(ws.Config{
			URL:            conf.WSURL(),
			ConnectTimeout: sc.ConnectTimeout,
			SendTimeout:    sc.SendTimeout,
			PingPeriod:     sc.PingPeriod,
			PongWait:       sc.PongWait,
			ReadLimit:      sc.ReadLimit,
			OnState: func(st ws.ConnState) {
				glog.V(5).Infof("conversation %s: connection %s", conversationID, st)
			},
		}, provider)

		return controller.New(conversationID, transport, fetcher, controller.Config{
			SenderID:           conf.UserID,
			MaxConnectAttempts: sc.MaxConnectAttempts,
			BackoffMin:         sc.BackoffMin,
			BackoffMax:         sc.BackoffMax,
			AutoReconnect:      sc.AutoReconnect,
			SendTimeout:        sc.SendTimeout,
			Optimistic:         sc.Optimistic,
			SendRate:           sc.SendRate,
			SendBurst:          sc.SendBurst,
			Exporter:           exporter,
		}), nil
	}
}

// applyFlags overrides conf with the flags set on the command line.
func applyFlags(conf *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			conf.Server = *flagServer
		case "user":
			conf.UserID = *flagUser
		case "token-file":
			conf.TokenFile = *flagTokenFile
		case "metrics-addr":
			conf.MetricsAddr = *flagMetricsAddr
		case "kafka-brokers":
			conf.Kafka.Brokers = nil
			if *flagKafkaBrokers != "" {
				conf.Kafka.Brokers = strings.Split(*flagKafkaBrokers, ",")
			}
		case "kafka-topic":
			conf.Kafka.Topic = *flagKafkaTopic
		}
	})
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}
