// Command wata-kline-stream runs the resilience core end to end against a
// single streaming WebSocket source: connect, stay alive, re-subscribe on
// every reconnect, beat a liveness file, watch for silence, and shut down
// cleanly on SIGINT/SIGTERM. It is the demo wiring for the resilience
// package, not a trading strategy.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"wataresilience/go_src/configuration"
	"wataresilience/go_src/database"
	"wataresilience/go_src/logging_helper"
	"wataresilience/go_src/resilience"
	"wataresilience/go_src/resilience/alerts"
	"wataresilience/go_src/resilience/breaker"
	"wataresilience/go_src/resilience/heartbeat"
	"wataresilience/go_src/resilience/shutdown"
	"wataresilience/go_src/resilience/tokenprovider"
	"wataresilience/go_src/resilience/watchdog"
	"wataresilience/go_src/resilience/wsmanager"
	"wataresilience/go_src/saxo_authen"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	appName           = "wata-kline-stream"
	configPathEnvVar  = "WATA_CONFIG_PATH"
	defaultConfigPath = "./config/config.json"
)

func main() {
	stdlog.Printf("Starting %s...", appName)

	configPath := os.Getenv(configPathEnvVar)
	if configPath == "" {
		stdlog.Printf("Environment variable %s not set, using default config path: %s", configPathEnvVar, defaultConfigPath)
		configPath = defaultConfigPath
	}
	cfg, err := configuration.LoadConfig(configPath)
	if err != nil {
		stdlog.Fatalf("Failed to load configuration from %s: %v", configPath, err)
	}
	if err := cfg.ValidateConfig(); err != nil {
		stdlog.Fatalf("Invalid configuration: %v", err)
	}

	if err := logging_helper.SetupLogging(cfg, appName); err != nil {
		stdlog.Fatalf("Failed to setup logging: %v", err)
	}

	rc := cfg.Resilience
	if rc.WebSocket.URL == "" {
		logrus.Fatal("resilience.websocket.url is not configured; nothing to stream")
	}

	clock := resilience.NewSystemClock()

	tradingDB, err := database.NewTradingDB(cfg, false)
	if err != nil {
		logrus.Fatalf("Failed to initialize TradingDB: %v", err)
	}
	defer tradingDB.Close()

	events := database.NewResilienceEventManager(tradingDB)
	if err := events.CreateSchemaResilienceEvents(); err != nil {
		logrus.Fatalf("Failed to create resilience_events schema: %v", err)
	}

	// --- Alerting ---
	var alertSink alerts.Sink = alerts.LogSink{}
	mqConn, err := dialRabbitMQ(cfg)
	if err != nil {
		logrus.Warnf("RabbitMQ unavailable, alerts will only be logged: %v", err)
	} else {
		defer mqConn.Close()
		mqSink, err := alerts.NewMQSink(mqConn, "wata_resilience_alerts_", clock)
		if err != nil {
			logrus.Warnf("Failed to build MQ alert sink, falling back to log sink: %v", err)
		} else {
			alertSink = mqSink
		}
	}

	// --- Token provider (optional: only wired if a Saxo app is configured) ---
	tokenProv := resolveTokenProvider(cfg, tradingDB)
	if tokenProv != nil {
		if tok, err := tokenProv.GetToken(); err != nil {
			logrus.Warnf("Initial token fetch failed, continuing without auth header: %v", err)
		} else if tok != "" {
			logrus.Info("Obtained initial stream auth token.")
		}
	}

	// --- Circuit breaker guarding dial attempts ---
	cb, err := breaker.New(appName, breaker.Config{
		MaxFailures:      rc.CircuitBreaker.MaxFailures,
		ResetTimeout:     time.Duration(rc.CircuitBreaker.ResetTimeoutSec) * time.Second,
		HalfOpenMaxCalls: rc.CircuitBreaker.HalfOpenMaxCalls,
	}, clock)
	if err != nil {
		logrus.Fatalf("Failed to build circuit breaker: %v", err)
	}

	// --- Shutdown coordinator ---
	sd, err := shutdown.New(shutdown.Config{
		GlobalTimeout: time.Duration(rc.Shutdown.GlobalTimeoutSec) * time.Second,
		ForceExitCode: rc.Shutdown.ForceExitCode,
	})
	if err != nil {
		logrus.Fatalf("Failed to build shutdown coordinator: %v", err)
	}
	sd.Install()
	defer sd.Uninstall()

	// --- WebSocket manager ---
	header := http.Header{}
	if tokenProv != nil {
		if tok, err := tokenProv.GetToken(); err == nil && tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	var proactiveTrigger *resilience.TimeTrigger
	if rc.WebSocket.ProactiveDisconnectEvery != "" {
		proactiveTrigger, err = resilience.NewTimeTrigger(rc.WebSocket.ProactiveDisconnectEvery, clock)
		if err != nil {
			logrus.Fatalf("Invalid resilience.websocket.proactive_disconnect_every: %v", err)
		}
	}

	mgr, err := wsmanager.New(wsmanager.Config{
		URL:                  rc.WebSocket.URL,
		Header:               header,
		ConnectionTimeout:    time.Duration(rc.WebSocket.ConnectionTimeoutSec) * time.Second,
		KeepaliveTimeout:     time.Duration(rc.WebSocket.KeepaliveTimeoutSec) * time.Second,
		ReconnectStrategy:    reconnectStrategyFromConfig(rc.WebSocket),
		MaxReconnectAttempts: rc.WebSocket.MaxReconnectAttempts,
		SendQueueSize:        rc.WebSocket.SendQueueSize,
		ProactiveTrigger:     proactiveTrigger,
		Breaker:              cb,
		Clock:                clock,
		OnStateChange: func(s wsmanager.ConnectionState) {
			logrus.Infof("wsmanager state -> %s", s)
			_ = events.RecordEvent("wsmanager", appName, "state_change", map[string]any{"state": s.String()}, time.Now())
		},
		OnDisconnect: func(r wsmanager.DisconnectReason) {
			logrus.Warnf("wsmanager disconnected: %s (%v)", r.Kind, r.Cause)
			_ = events.RecordEvent("wsmanager", appName, "disconnect", map[string]any{"kind": r.Kind.String()}, time.Now())
		},
		OnReconnectExhausted: func(err *resilience.ReconnectExhaustedError) {
			logrus.Errorf("wsmanager reconnect exhausted: %v", err)
			_ = alertSink.Alert("wsmanager", "reconnect attempts exhausted", map[string]any{"attempts": err.Attempts})
		},
	})
	if err != nil {
		logrus.Fatalf("Failed to build websocket manager: %v", err)
	}
	if err := mgr.Subscribe(wsmanager.Subscription{ID: "kline", Payload: []byte(`{"action":"subscribe","channel":"kline"}`)}); err != nil {
		logrus.Fatalf("Failed to register kline subscription: %v", err)
	}

	connectCtx, connectCancel := context.WithCancel(context.Background())
	defer connectCancel()
	if err := mgr.Connect(connectCtx); err != nil {
		logrus.Fatalf("Initial websocket connect failed: %v", err)
	}

	runID := uuid.NewString()
	logrus.Infof("%s stream started (run_id=%s)", appName, runID)

	stateFile := rc.Heartbeat.StateFile
	if stateFile == "" {
		stateFile = fmt.Sprintf("./run/%s.heartbeat.json", appName)
	}

	// restarting suppresses IsDead while the watchdog's own Kill+Connect
	// cycle is in flight, distinguishing "given up" from "deliberately
	// restarting" (the raw wsmanager.Manager.IsDead stays reachable
	// separately, for callers that want the unsuppressed signal).
	var restarting atomic.Bool

	// --- Heartbeat: liveness file + dead-target alert ---
	hb, err := heartbeat.New(heartbeat.Config{
		Interval:  time.Duration(rc.Heartbeat.IntervalSec) * time.Second,
		StateFile: stateFile,
		Target:    managerDeathTarget{mgr: mgr, restarting: &restarting},
		Metadata:  map[string]string{"run_id": runID, "component": "wsmanager"},
		OnTargetDead: func() {
			logrus.Error("heartbeat: websocket manager target reported dead")
		},
		OnAlert: func(channel, message string, context map[string]any) {
			_ = alertSink.Alert(channel, message, context)
		},
	}, clock)
	if err != nil {
		logrus.Fatalf("Failed to build heartbeat: %v", err)
	}
	hbCtx, hbCancel := context.WithCancel(context.Background())
	if err := hb.Start(hbCtx); err != nil {
		logrus.Fatalf("Failed to start heartbeat: %v", err)
	}

	// --- Watchdog: silence detection on incoming stream traffic ---
	wd, err := watchdog.New(appName, watchdog.Config{
		Timeout:        time.Duration(rc.Watchdog.TimeoutSec) * time.Second,
		RaiseOnTimeout: rc.Watchdog.RaiseOnTimeout,
		OnTimeout: func(err *resilience.WatchdogTimeoutError) {
			logrus.Errorf("watchdog: %v", err)
			_ = alertSink.Alert("watchdog", "stream silence exceeded timeout", map[string]any{"elapsed": err.Elapsed.String()})
			_ = events.RecordEvent("watchdog", appName, "timeout", map[string]any{"elapsed": err.Elapsed.String()}, time.Now())
			restarting.Store(true)
			mgr.Kill()
			go func() {
				defer restarting.Store(false)
				if err := mgr.Connect(context.Background()); err != nil {
					logrus.Errorf("watchdog-triggered reconnect failed: %v", err)
				}
			}()
		},
	}, clock)
	if err != nil {
		logrus.Fatalf("Failed to build watchdog: %v", err)
	}
	wdCtx, wdCancel := context.WithCancel(context.Background())
	if err := wd.Start(wdCtx); err != nil {
		logrus.Fatalf("Failed to start watchdog: %v", err)
	}

	// --- Register cleanup, highest priority first ---
	_ = sd.RegisterSync("stop-watchdog", 10, func() error {
		wd.Shutdown()
		wdCancel()
		return nil
	}, 0)
	_ = sd.RegisterSync("stop-heartbeat", 20, func() error {
		hb.Shutdown()
		hbCancel()
		return nil
	}, 0)
	_ = sd.Register("close-websocket", 30, func(context.Context) error {
		mgr.Shutdown()
		connectCancel()
		return nil
	}, 0)
	_ = sd.Register("close-database", 100, func(context.Context) error {
		return tradingDB.Close()
	}, 0)

	go consumeStream(mgr, wd)

	if err := sd.AwaitShutdown(context.Background()); err != nil {
		logrus.Errorf("shutdown wait error: %v", err)
	}
	logrus.Infof("%s stopped.", appName)
}

// consumeStream drains the manager's inbound channel, poking the watchdog
// on every message so silence (not just disconnects) is detected.
func consumeStream(mgr *wsmanager.Manager, wd *watchdog.Watchdog) {
	for msg := range mgr.Stream() {
		wd.Ping()
		logrus.Debugf("received %d bytes", len(msg))
	}
}

// managerDeathTarget adapts wsmanager.Manager to heartbeat.Target,
// suppressing a momentary IsDead while a deliberate watchdog-triggered
// restart is in flight. The raw signal stays available via
// wsmanager.Manager.IsDead directly.
type managerDeathTarget struct {
	mgr        *wsmanager.Manager
	restarting *atomic.Bool
}

func (t managerDeathTarget) IsDead() bool {
	if t.restarting.Load() {
		return false
	}
	return t.mgr.IsDead()
}

func reconnectStrategyFromConfig(ws configuration.WebSocketConfig) wsmanager.ReconnectStrategy {
	base := time.Duration(ws.ReconnectBaseDelaySec) * time.Second
	max := time.Duration(ws.ReconnectMaxDelaySec) * time.Second
	switch ws.ReconnectStrategy {
	case "immediate":
		return wsmanager.ImmediateStrategy{}
	case "fixed_delay":
		if base == 0 {
			base = time.Second
		}
		return wsmanager.FixedDelayStrategy{Delay: base}
	default:
		if base == 0 {
			base = time.Second
		}
		if max == 0 {
			max = 30 * time.Second
		}
		return wsmanager.ExponentialBackoffStrategy{Base: base, Max: max}
	}
}

func dialRabbitMQ(cfg *configuration.Config) (*amqp.Connection, error) {
	mq := cfg.GetRabbitMQConfig()
	if mq.Host == "" {
		return nil, fmt.Errorf("rabbitmq.host is not configured")
	}
	vhost := mq.VirtualHost
	if vhost == "" {
		vhost = "/"
	}
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s", mq.Username, mq.Password, mq.Host, mq.Port, vhost)
	return amqp.Dial(url)
}

// resolveTokenProvider wires a tokenprovider.Provider on top of SaxoAuth
// when a saxo_app_config entry exists, so the stream can authenticate;
// returns nil when no Saxo app is configured (the stream is then dialed
// without an Authorization header).
func resolveTokenProvider(cfg *configuration.Config, tdb *database.TradingDB) tokenprovider.Provider {
	appConfigsInterface, err := cfg.GetConfigValue("saxo_app_config")
	if err != nil {
		return nil
	}
	appConfigsMap, ok := appConfigsInterface.(map[string]interface{})
	if !ok || len(appConfigsMap) == 0 {
		return nil
	}

	var identifier string
	for key := range appConfigsMap {
		identifier = key
		break
	}

	raw, err := jsonRoundTrip(appConfigsMap[identifier])
	if err != nil {
		logrus.Warnf("Failed to decode saxo_app_config for %q: %v", identifier, err)
		return nil
	}

	basePath := cfg.Secrets.Paths.BasePath
	if basePath == "" {
		basePath = "./secrets"
	}
	tokenDir := cfg.Secrets.Paths.SaxoTokensPath
	if tokenDir == "" {
		tokenDir = basePath + "/saxo_tokens"
	}

	tokenMgr := database.NewTokenManager(tdb)
	auth, err := saxo_authen.NewSaxoAuth(raw, tokenDir, tokenMgr, nil)
	if err != nil {
		logrus.Warnf("Failed to initialize SaxoAuth for %q: %v", identifier, err)
		return nil
	}
	return tokenprovider.Adapt(auth.GetToken)
}

func jsonRoundTrip(v interface{}) (saxo_authen.SaxoAppConfig, error) {
	var out saxo_authen.SaxoAppConfig
	raw, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}
