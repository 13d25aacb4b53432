package main

import (
	"context"
	"database/sql"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"microgrid-ledger/internal/auth"
	"microgrid-ledger/internal/cycle"
	"microgrid-ledger/internal/ledger/infrastructure/sqlstore"
	"microgrid-ledger/internal/market"
	"microgrid-ledger/internal/meter"
	"microgrid-ledger/internal/observability/metrics"
	"microgrid-ledger/internal/participant"
	"microgrid-ledger/internal/settlement"
	"microgrid-ledger/internal/status"
	"microgrid-ledger/internal/telemetry"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	fleet, err := loadFleet(cfg.FleetPath)
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ethClient, err := ethclient.Dial(fleet.RPCURL)
	if err != nil {
		logger.Fatalf("rpc dial error: %v", err)
	}
	defer ethClient.Close()

	settler, err := settlement.NewClient(
		ethClient,
		big.NewInt(fleet.ChainID),
		common.HexToAddress(fleet.TokenAddress),
		common.HexToAddress(fleet.MarketAddress),
		logger,
	)
	if err != nil {
		logger.Fatalf("settlement client error: %v", err)
	}

	var sharedDB *sql.DB
	tables := map[string]string{}
	if cfg.DatabaseURL != "" {
		sharedDB, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer sharedDB.Close()
		if err := sharedDB.Ping(); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
	}

	var publisher cycle.Publisher
	if cfg.MQTTBrokerURL != "" {
		mqttPub, err := telemetry.NewMQTTPublisher(telemetry.MQTTConfig{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
		}, logger)
		if err != nil {
			logger.Fatalf("mqtt connect error: %v", err)
		}
		defer mqttPub.Close()
		publisher = mqttPub
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := market.NewSupplyPool()
	buses := map[string]*meter.ModbusReader{}
	defer func() {
		for _, bus := range buses {
			bus.Close()
		}
	}()

	var schedulers []*cycle.Scheduler
	var views []status.Participant
	for _, pc := range fleet.Participants {
		keyHex := os.Getenv(pc.PrivateKeyEnv)
		acct, err := participant.NewAccount(keyHex)
		if err != nil {
			logger.Fatalf("participant %s: key from %s: %v", pc.Name, pc.PrivateKeyEnv, err)
		}

		store, err := openStore(ctx, sharedDB, cfg, pc, tables)
		if err != nil {
			logger.Fatalf("participant %s: store: %v", pc.Name, err)
		}

		reader, genCh, conCh, err := openReader(pc, cfg.ModbusBaud, buses)
		if err != nil {
			logger.Fatalf("participant %s: meter: %v", pc.Name, err)
		}

		role, _ := participant.ParseRole(pc.Role)
		scheduler, err := cycle.NewScheduler(pc.Name, acct, role, reader, store, settler, logger,
			cycle.WithPool(pool),
			cycle.WithChannels(genCh, conCh),
			cycle.WithPrecision(pc.precision()),
			cycle.WithInterval(cfg.CycleInterval),
			cycle.WithReadDelay(cfg.ReadDelay),
			cycle.WithPublisher(publisher),
		)
		if err != nil {
			logger.Fatalf("participant %s: scheduler: %v", pc.Name, err)
		}
		schedulers = append(schedulers, scheduler)
		views = append(views, status.Participant{
			Name:     pc.Name,
			Address:  acct.Address,
			Provider: scheduler,
			History:  store,
		})
	}

	metrics.Init(sharedDB, tables, logger)

	statusOpts := []status.Option{status.WithChainReader(settler)}
	if operatorKey := os.Getenv("OPERATOR_PRIVATE_KEY"); operatorKey != "" {
		operator, err := participant.NewAccount(operatorKey)
		if err != nil {
			logger.Fatalf("operator key error: %v", err)
		}
		statusOpts = append(statusOpts, status.WithPriceSetter(settler, operator))
	}
	statusHandler, err := status.NewHandler(views, statusOpts...)
	if err != nil {
		logger.Fatalf("status handler error: %v", err)
	}

	var wg sync.WaitGroup
	for _, scheduler := range schedulers {
		wg.Add(1)
		go func(s *cycle.Scheduler) {
			defer wg.Done()
			if err := s.Run(ctx); err != nil {
				logger.Printf("scheduler exited: %v", err)
				stop()
			}
		}(scheduler)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/status", statusHandler)
	mux.Handle("/api/v1/price", statusHandler)
	mux.Handle("/api/v1/participants/", statusHandler)
	mux.Handle("/api/v1/exports/monthly.xlsx", statusHandler)
	mux.Handle("/api/v1/exports/monthly.pdf", statusHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	wg.Wait()
	logger.Printf("all schedulers stopped")
}

// openStore opens the participant's energy log: a table in the shared
// Postgres database when DATABASE_URL is set, otherwise a local SQLite file.
func openStore(ctx context.Context, sharedDB *sql.DB, cfg config, pc participantConfig, tables map[string]string) (*sqlstore.Store, error) {
	table, err := sqlstore.TableForParticipant(pc.Name)
	if err != nil {
		return nil, err
	}

	if sharedDB != nil {
		store, err := sqlstore.NewStore(sharedDB, table, sqlstore.DialectPostgres)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		tables[pc.Name] = table
		return store, nil
	}

	path := pc.DBPath
	if path == "" {
		path = table + ".db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store, err := sqlstore.NewStore(db, table, sqlstore.DialectSQLite)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// openReader builds the participant's meter reader. Modbus participants on
// the same serial port share one bus handle.
func openReader(pc participantConfig, defaultBaud int, buses map[string]*meter.ModbusReader) (meter.Reader, meter.Channel, meter.Channel, error) {
	genCh := meter.Channel{DeviceAddress: pc.Meter.Generation.DeviceAddress, Register: pc.Meter.Generation.Register}
	conCh := meter.Channel{DeviceAddress: pc.Meter.Consumption.DeviceAddress, Register: pc.Meter.Consumption.Register}
	if genCh == (meter.Channel{}) {
		genCh = meter.Channel{DeviceAddress: 11, Register: 0x0156}
	}
	if conCh == (meter.Channel{}) {
		conCh = meter.Channel{DeviceAddress: 13, Register: 0x0158}
	}

	if pc.Meter.Mode == meterModeModbus {
		baud := pc.Meter.BaudRate
		if baud <= 0 {
			baud = defaultBaud
		}
		bus, ok := buses[pc.Meter.Port]
		if !ok {
			var err error
			bus, err = meter.NewModbusReader(meter.ModbusConfig{
				Port:     pc.Meter.Port,
				BaudRate: baud,
			})
			if err != nil {
				return nil, genCh, conCh, err
			}
			buses[pc.Meter.Port] = bus
		}
		return bus, genCh, conCh, nil
	}

	sim := meter.NewSimulatedReader()
	sim.SetRamp(genCh, pc.Meter.Sim.Generation.Start, pc.Meter.Sim.Generation.Step)
	sim.SetRamp(conCh, pc.Meter.Sim.Consumption.Start, pc.Meter.Sim.Consumption.Step)
	return sim, genCh, conCh, nil
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
