package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	adactor "github.com/berfenger/winet2mqtt/internal/adapter/actor"
	adtransport "github.com/berfenger/winet2mqtt/internal/adapter/transport"
	"github.com/berfenger/winet2mqtt/internal/config"
	"github.com/berfenger/winet2mqtt/internal/core/actor"
	"github.com/berfenger/winet2mqtt/internal/core/domain"
	"github.com/berfenger/winet2mqtt/internal/core/port"
	"github.com/berfenger/winet2mqtt/internal/core/service"
	"github.com/berfenger/winet2mqtt/internal/server"
	"github.com/berfenger/winet2mqtt/internal/util/actorutil"
	"github.com/berfenger/winet2mqtt/pkg/isolarcloud"
	"github.com/berfenger/winet2mqtt/pkg/sungrow_modbus"
	"github.com/berfenger/winet2mqtt/pkg/winet_http"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func gracefulShutdown(apiServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		os.Exit(1)
	}
	safePrintConfig(*cfg)

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())
	defer logger.Sync()

	logger.Info("winet2mqtt starting", zap.String("version", versioninfo.Short()), zap.Strings("chain", cfg.Acquisition.Chain))

	// metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(registry)

	// fallback chain
	chain, timeouts, err := buildChain(cfg, metrics, logger)
	if err != nil {
		logger.Fatal("could not build transports", zap.Error(err))
	}
	coordinator, err := service.NewCoordinator(chain, service.Options{
		EscalationThreshold: cfg.Acquisition.EscalationThreshold,
		RetryPrimaryEvery:   cfg.Acquisition.RetryPrimaryEvery,
		LocalInterval:       cfg.Acquisition.LocalInterval(),
		CloudInterval:       cfg.Acquisition.CloudInterval(),
		Timeouts:            timeouts,
	}, metrics, logger.With(zap.String("component", "coordinator")))
	if err != nil {
		logger.Fatal("could not create coordinator", zap.Error(err))
	}

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	var maxTimeout time.Duration
	for _, d := range timeouts {
		maxTimeout = max(maxTimeout, d)
	}

	var mqttProvider actor.MQTTActorProvider
	if cfg.MQTT.Enable {
		mqttProvider = func(es *eventstream.EventStream) *adactor.MQTTActor {
			return adactor.NewMQTTActor(cfg, es, logger)
		}
	}
	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewMasterOfPuppetsActor(func(es *eventstream.EventStream) *actor.AcquisitionActor {
			return actor.NewAcquisitionActor(coordinator, es, maxTimeout, logger)
		}, mqttProvider, nil, logger)
	})
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	if err != nil {
		logger.Fatal("could not spawn master actor", zap.Error(err))
	}

	server := server.NewServer(*cfg, ctx, pid, coordinator, registry)
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(server, done)

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	if err := ctx.StopFuture(pid).Wait(); err != nil {
		logger.Warn("master did not stop cleanly", zap.Error(err))
	}
	as.Shutdown()
}

// buildChain creates one transport per chain entry, in order, and returns
// their call timeouts by identity.
func buildChain(cfg *config.Config, metrics *service.Metrics, logger *zap.Logger) ([]port.Transport, map[string]time.Duration, error) {
	var chain []port.Transport
	timeouts := map[string]time.Duration{}

	for _, name := range cfg.Acquisition.Chain {
		switch name {
		case config.TRANSPORT_MODBUS:
			instrument := sungrow_modbus.ModbusInstrument{RecordTime: metrics.ObserveModbusRead}
			client, err := sungrow_modbus.CreateClient(cfg.Modbus.Host, cfg.Modbus.Port, cfg.Modbus.SlaveId,
				cfg.Modbus.Timeout(), sungrow_modbus.BlockOptions{
					MaxGap:  cfg.Modbus.MaxBlockGap,
					MaxSize: cfg.Modbus.MaxBlockSize,
				}, logger.With(zap.String("component", "modbus")), &instrument)
			if err != nil {
				return nil, nil, fmt.Errorf("modbus transport: %w", err)
			}
			chain = append(chain, adtransport.NewModbusTransport(client))
			timeouts[adtransport.ID_MODBUS] = cfg.Modbus.Timeout()
		case config.TRANSPORT_HTTP:
			client := winet_http.NewClient(winet_http.Config{
				Host:     cfg.HTTP.Host,
				Port:     cfg.HTTP.Port,
				Path:     cfg.HTTP.Path,
				Username: cfg.HTTP.Username,
				Password: cfg.HTTP.Password,
			}, &http.Client{Timeout: cfg.HTTP.Timeout()}, logger.With(zap.String("component", "http")))
			chain = append(chain, adtransport.NewHTTPTransport(client))
			timeouts[adtransport.ID_HTTP] = cfg.HTTP.Timeout()
		case config.TRANSPORT_CLOUD:
			client, err := isolarcloud.NewClient(isolarcloud.Config{
				BaseURL: cfg.Cloud.BaseURL,
				Credentials: isolarcloud.Credentials{
					Username: cfg.Cloud.Username,
					Password: cfg.Cloud.Password,
					AppKey:   cfg.Cloud.AppKey,
					Secret:   cfg.Cloud.Secret,
				},
				DeviceSerial: cfg.Cloud.DeviceSN,
				TokenTTL:     cfg.Cloud.TokenTTL(),
				TokenSkew:    cfg.Cloud.TokenSkew(),
			}, &http.Client{Timeout: cfg.Cloud.Timeout()}, logger.With(zap.String("component", "cloud")))
			if err != nil {
				return nil, nil, fmt.Errorf("cloud transport: %w", err)
			}
			chain = append(chain, adtransport.NewCloudTransport(client))
			timeouts[adtransport.ID_CLOUD] = cfg.Cloud.Timeout()
		default:
			return nil, nil, fmt.Errorf("unknown transport %q", name)
		}
	}
	logger.Debug("transports ready", zap.Int("chain", len(chain)))
	return chain, timeouts, nil
}

func initConfig() (*config.Config, error) {

	// alias PORT => WINET_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("WINET_PORT", port)
	}

	setConfigDefaults()

	// nested keys from env, modbus.host => WINET_MODBUS_HOST
	viper.SetEnvPrefix("winet")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	chain, err := config.ParseChain(viper.GetStringSlice("acquisition.chain"))
	if err != nil {
		return nil, err
	}
	cfg.Acquisition.Chain = chain

	// check and fix base topic
	if cfg.MQTT.Enable {
		baseTopic, err := config.CheckMQTTTopic(cfg.MQTT.BaseTopic)
		if err != nil {
			return nil, errors.New("invalid base topic. can only contain letters, numbers and underscores")
		}
		cfg.MQTT.BaseTopic = baseTopic
	}

	// check bounds
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("port", 8080)
	viper.SetDefault("http_log", false)
	viper.SetDefault("acquisition.chain", []string{config.TRANSPORT_MODBUS, config.TRANSPORT_HTTP, config.TRANSPORT_CLOUD})
	viper.SetDefault("acquisition.escalation_threshold", service.DefaultEscalationThreshold)
	viper.SetDefault("acquisition.retry_primary_every", service.DefaultRetryPrimaryEvery)
	viper.SetDefault("acquisition.local_interval_millis", 30000)
	viper.SetDefault("acquisition.cloud_interval_millis", 300000)
	viper.SetDefault("modbus.host", "")
	viper.SetDefault("modbus.port", 502)
	viper.SetDefault("modbus.slave_id", 1)
	viper.SetDefault("modbus.timeout_millis", 10000)
	viper.SetDefault("modbus.max_block_gap", sungrow_modbus.DefaultMaxBlockGap)
	viper.SetDefault("modbus.max_block_size", sungrow_modbus.DefaultMaxBlockSize)
	viper.SetDefault("http.host", "")
	viper.SetDefault("http.port", winet_http.DefaultPort)
	viper.SetDefault("http.path", winet_http.DefaultPath)
	viper.SetDefault("http.username", "")
	viper.SetDefault("http.password", "")
	viper.SetDefault("http.timeout_millis", 10000)
	viper.SetDefault("cloud.base_url", isolarcloud.DefaultBaseURL)
	viper.SetDefault("cloud.username", "")
	viper.SetDefault("cloud.password", "")
	viper.SetDefault("cloud.app_key", "")
	viper.SetDefault("cloud.secret", "")
	viper.SetDefault("cloud.device_sn", "")
	viper.SetDefault("cloud.timeout_millis", 10000)
	viper.SetDefault("cloud.token_ttl_minutes", 1380)
	viper.SetDefault("cloud.token_skew_seconds", 60)
	viper.SetDefault("mqtt.enable", false)
	viper.SetDefault("mqtt.host", "localhost")
	viper.SetDefault("mqtt.port", 1883)
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.base_topic", "winet2mqtt")
}

func safePrintConfig(cfg config.Config) {
	slog.Info("Using", "config", cfg.Redacted())
}
