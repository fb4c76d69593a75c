package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cardex-io/cardex/params"
	"github.com/cardex-io/cardex/pkg/api"
	"github.com/cardex-io/cardex/pkg/cards"
	"github.com/cardex-io/cardex/pkg/p2p"
	"github.com/cardex-io/cardex/pkg/storage"
	"github.com/cardex-io/cardex/pkg/trade"
	"github.com/cardex-io/cardex/pkg/trade/auction"
	"github.com/cardex-io/cardex/pkg/trade/ledger"
	"github.com/cardex-io/cardex/pkg/trade/listing"
	"github.com/cardex-io/cardex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logFile := cfg.Node.LogFile
	if logFile == "" {
		logFile = filepath.Join(cfg.Node.DataDir, "cardexd.log")
	}

	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	if !common.IsHexAddress(cfg.Engine.Admin) {
		sugar.Fatalw("invalid_admin_address", "addr", cfg.Engine.Admin)
	}
	if !common.IsHexAddress(cfg.Engine.Escrow) {
		sugar.Fatalw("invalid_escrow_address", "addr", cfg.Engine.Escrow)
	}
	admin := common.HexToAddress(cfg.Engine.Admin)
	escrow := common.HexToAddress(cfg.Engine.Escrow)

	// ---- Storage ----
	store, err := storage.Open(filepath.Join(cfg.Node.DataDir, "cardex.db"))
	if err != nil {
		sugar.Fatalw("storage_open_failed", "err", err)
	}
	defer store.Close()

	journal, err := storage.NewEventJournal(store)
	if err != nil {
		sugar.Fatalw("journal_init_failed", "err", err)
	}
	sugar.Infow("journal_ready", "events", journal.Len())

	// ---- Card custody ----
	// In-process registry; swap for a chain-backed custody in production.
	custody := cards.NewRegistry()

	// Devnet: pre-mint cards to the admin. SEED_CARDS=N mints ids 1..N.
	if v := os.Getenv("SEED_CARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			for id := uint64(1); id <= uint64(n); id++ {
				if err := custody.Mint(admin, id); err != nil {
					sugar.Warnw("seed_mint_failed", "card", id, "err", err)
				}
			}
			sugar.Infow("seed_cards_minted", "count", custody.Count(), "owner", admin.Hex())
		}
	}

	// ---- Engine ----
	led := ledger.New(store)
	listings := listing.NewRegistry(store)
	auctions := auction.NewRegistry(store)

	// Payouts leave the system here. Without an external payment rail we
	// log them; failures would roll the balance back into the ledger.
	dispatcher := trade.DispatcherFunc(func(to common.Address, amount int64) error {
		sugar.Infow("funds_dispatched", "to", to.Hex(), "amount", amount)
		return nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Gossip (optional) ----
	var announcer *p2p.Announcer
	if cfg.Node.GossipListen != "" {
		announcer, err = p2p.NewAnnouncer(ctx, p2p.AnnouncerConfig{
			ListenAddr: cfg.Node.GossipListen,
			Bootstrap:  cfg.Node.GossipBootstrap,
			Logger:     sugar,
		})
		if err != nil {
			sugar.Fatalw("gossip_init_failed", "err", err)
		}
		announcer.SetHandler(func(evt trade.Event) {
			sugar.Infow("peer_event", "type", evt.Type, "card", evt.CardID)
		})
	}

	// Event fanout: durable journal first, then live consumers.
	sinks := []trade.EventSink{
		trade.SinkFunc(func(evt trade.Event) {
			if _, err := journal.Append(evt); err != nil {
				sugar.Errorw("journal_append_failed", "event", evt.Type, "err", err)
			}
		}),
	}

	engineCfg := trade.Config{
		Admin:              admin,
		Escrow:             escrow,
		MinAuctionDuration: cfg.Engine.MinAuctionDuration,
		MaxAuctionDuration: cfg.Engine.MaxAuctionDuration,
		ExtensionWindow:    cfg.Engine.ExtensionWindow,
		IncrementBps:       cfg.Engine.IncrementBps,
	}

	// ---- API Server ----
	// Wiring order: the server needs the engine and the engine's sink needs
	// the server, so collect sinks first and build the engine last.
	var apiServer *api.Server
	sinks = append(sinks, trade.SinkFunc(func(evt trade.Event) {
		if apiServer != nil {
			apiServer.PublishEvent(evt)
		}
	}))
	if announcer != nil {
		sinks = append(sinks, trade.SinkFunc(func(evt trade.Event) {
			if err := announcer.Announce(ctx, evt); err != nil {
				sugar.Warnw("gossip_publish_failed", "event", evt.Type, "err", err)
			}
		}))
	}

	engine := trade.New(engineCfg, custody, dispatcher, led, listings, auctions,
		util.RealClock{}, sugar, trade.MultiSink(sinks...))

	apiServer = api.NewServer(engine, custody)
	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.Node.APIAddr)
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_started",
		"admin", admin.Hex(),
		"escrow", escrow.Hex(),
		"min_duration", cfg.Engine.MinAuctionDuration,
		"max_duration", cfg.Engine.MaxAuctionDuration,
		"extension_window", cfg.Engine.ExtensionWindow,
		"increment_bps", cfg.Engine.IncrementBps)

	<-ctx.Done()
	sugar.Info("shutting down")
}
