package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"clearnode/internal/appsession"
	"clearnode/internal/auth"
	"clearnode/internal/channel"
	"clearnode/internal/clients"
	"clearnode/internal/config"
	"clearnode/internal/custody"
	"clearnode/internal/db"
	"clearnode/internal/events"
	"clearnode/internal/handlers"
	"clearnode/internal/ledger"
	"clearnode/internal/lock"
	"clearnode/internal/middleware"
	"clearnode/internal/notify"
	"clearnode/internal/repository"
	"clearnode/internal/router"
	"clearnode/internal/rpc"
	"clearnode/internal/services"
	"clearnode/internal/sign"
	"clearnode/internal/utils"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ServiceContainer owns every long-lived component of the clearnode
type ServiceContainer struct {
	Config *config.Config
	Logger *logrus.Logger

	// Storage
	DB    *gorm.DB
	Store repository.Store

	// Core services
	Broker      *sign.Signer
	Assets      *utils.AssetRegistry
	Auth        *auth.Service
	Ledger      *ledger.Service
	Channels    *channel.Service
	AppSessions *appsession.Service

	// RPC
	Hub       *rpc.Hub
	RPCRouter *rpc.Router
	RPCServer *rpc.Server

	// Events
	NATSClient   *clients.NATSClient
	CustodyRelay *events.CustodyRelay
	Watchers     []*custody.Watcher
	ethClients   map[string]*ethclient.Client

	Scheduler *services.SchedulerService
	Engine    *gin.Engine

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLogger configures logrus from the logging section
func NewLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// NewServiceContainer builds the clearnode from cfg. Nothing runs until Start.
func NewServiceContainer(cfg *config.Config, logger *logrus.Logger) (*ServiceContainer, error) {
	c := &ServiceContainer{Config: cfg, Logger: logger, ethClients: map[string]*ethclient.Client{}}
	logger.Info("🚀 Initializing Service Container...")

	if err := c.initStorage(); err != nil {
		return nil, err
	}
	if err := c.initCoreServices(); err != nil {
		c.Cleanup()
		return nil, err
	}
	if err := c.initEventServices(); err != nil {
		c.Cleanup()
		return nil, err
	}
	c.initHTTP()

	logger.Info("✅ Service Container initialized successfully")
	return c, nil
}

func (c *ServiceContainer) initStorage() error {
	switch c.Config.Database.Driver {
	case "postgres":
		database, err := db.InitDB(c.Config.Database)
		if err != nil {
			return err
		}
		c.DB = database
		c.Store = repository.NewStore(database)
	default:
		c.Logger.Warn("⚠️ Using in-memory store, state is lost on restart")
		c.Store = repository.NewMemoryStore()
	}
	return nil
}

func (c *ServiceContainer) initCoreServices() error {
	c.Logger.Info("🔧 Initializing Core Services...")
	broker, err := sign.NewSigner(c.Config.Broker.PrivateKey)
	if err != nil {
		return fmt.Errorf("invalid broker key: %w", err)
	}
	c.Broker = broker

	if c.Assets, err = utils.NewAssetRegistry(c.Config.Assets); err != nil {
		return err
	}

	c.Hub = rpc.NewHub(broker, c.Logger)
	var notifier notify.Notifier = c.Hub
	if c.Config.NATS.URL != "" {
		if c.NATSClient, err = clients.NewNATSClient(c.Config.NATS, c.Logger); err != nil {
			return err
		}
		if c.Config.NATS.Notifications {
			notifier = notify.Multi{c.Hub, events.NewNotificationPublisher(c.NATSClient, c.Logger)}
		}
	}

	if c.Auth, err = auth.NewService(c.Store, c.Config.Auth, c.Logger); err != nil {
		return err
	}
	locks := lock.NewKeyed()
	c.Ledger = ledger.NewService(c.Store, locks, c.Assets, notifier, c.Logger)
	c.Channels = channel.NewService(c.Store, locks, c.Assets, c.Config, broker, c.Ledger, notifier, c.Config.Channels, c.Logger)
	c.AppSessions = appsession.NewService(c.Store, locks, c.Assets, c.Ledger, notifier, c.Logger)

	c.RPCRouter = rpc.NewRouter(c.Config, c.Hub, broker, rpc.Services{
		Store:       c.Store,
		Assets:      c.Assets,
		Auth:        c.Auth,
		Ledger:      c.Ledger,
		Channels:    c.Channels,
		AppSessions: c.AppSessions,
	}, c.Logger)
	c.RPCServer = rpc.NewServer(c.RPCRouter, c.Hub, c.Config.RPC, c.Logger)

	c.Logger.WithField("broker", broker.Address().Hex()).Info("✅ Core Services initialized")
	return nil
}

// initEventServices selects where custody events come from: polling the
// chains directly or a scanner relaying logs over NATS.
func (c *ServiceContainer) initEventServices() error {
	c.Logger.WithField("scanner", c.Config.Scanner.Type).Info("📡 Initializing Event Services...")

	for name, network := range c.Config.Blockchain.Networks {
		if !network.Enabled || len(network.RPCEndpoints) == 0 {
			continue
		}
		if network.Name == "" {
			network.Name = name
		}
		client, err := ethclient.Dial(network.RPCEndpoints[0])
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", name, err)
		}
		c.ethClients[name] = client

		custodyClient, err := custody.NewClient(network, client, c.Broker, c.Logger)
		if err != nil {
			return fmt.Errorf("custody client for %s: %w", name, err)
		}
		c.Channels.SetChallenger(network.ChainID, custodyClient)

		if c.Config.Scanner.Type == "rpc" {
			watcher, err := custody.NewWatcher(network, client, c.Channels, c.Logger)
			if err != nil {
				return fmt.Errorf("custody watcher for %s: %w", name, err)
			}
			c.Watchers = append(c.Watchers, watcher)
		}
	}

	if c.Config.Scanner.Type == "nats" {
		if c.NATSClient == nil {
			return fmt.Errorf("scanner type nats needs nats.url")
		}
		c.CustodyRelay = events.NewCustodyRelay(c.NATSClient, c.Config.Blockchain.Networks, c.Channels, c.Logger)
	}

	balances := make(map[string]services.BalanceReader, len(c.ethClients))
	for name, client := range c.ethClients {
		balances[name] = client
	}
	c.Scheduler = services.NewSchedulerService(c.Auth, c.Channels, c.Store, services.SchedulerOptions{
		Interval:        c.Config.Channels.SweepEvery(),
		RecordRetention: c.Config.RPC.RecordLifetime(),
		Broker:          c.Broker.Address(),
		Balances:        balances,
	}, c.Logger)

	c.Logger.Info("✅ Event Services initialized")
	return nil
}

func (c *ServiceContainer) initHTTP() {
	checks := map[string]handlers.HealthCheck{}
	if c.DB != nil {
		checks["database"] = func(ctx context.Context) error {
			sqlDB, err := c.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}
	if c.NATSClient != nil {
		checks["nats"] = func(context.Context) error {
			if !c.NATSClient.Connected() {
				return fmt.Errorf("disconnected")
			}
			return nil
		}
	}

	c.Engine = router.SetupRouter(c.Config, router.Dependencies{
		WebSocket: c.RPCServer,
		Health:    handlers.NewHealthHandler(checks),
		API:       handlers.NewAPIHandler(c.Ledger, c.Channels, c.Logger),
		Auth:      middleware.NewAuthMiddleware(c.Auth, c.Logger),
		Logger:    c.Logger,
	})
}

// Start launches the watchers, the NATS relay and the control loop
func (c *ServiceContainer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	if c.CustodyRelay != nil {
		if err := c.CustodyRelay.Start(); err != nil {
			return err
		}
	}
	for _, w := range c.Watchers {
		c.wg.Add(1)
		go func(w *custody.Watcher) {
			defer c.wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				c.Logger.WithError(err).Error("❌ Custody watcher stopped")
			}
		}(w)
	}
	c.Scheduler.Start(ctx)
	return nil
}

// Cleanup stops background work and closes connections
func (c *ServiceContainer) Cleanup() {
	c.Logger.Info("🧹 Cleaning up Service Container...")
	if c.cancel != nil {
		c.cancel()
	}
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	c.wg.Wait()
	if c.CustodyRelay != nil {
		c.CustodyRelay.Stop()
	}
	if c.NATSClient != nil {
		c.NATSClient.Close()
	}
	for _, client := range c.ethClients {
		client.Close()
	}
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	c.Logger.Info("✅ Service Container cleaned up")
}
