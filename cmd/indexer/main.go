// Command indexer is the process entry point: CLI argument parsing and
// top-level component wiring, grounded on the teacher's urfave/cli-based
// core/cmd structure.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/synfutures/oyster-indexer/internal/abiparser"
	"github.com/synfutures/oyster-indexer/internal/appstate"
	"github.com/synfutures/oyster-indexer/internal/blockcache"
	"github.com/synfutures/oyster-indexer/internal/chain"
	"github.com/synfutures/oyster-indexer/internal/chainmodel"
	"github.com/synfutures/oyster-indexer/internal/config"
	"github.com/synfutures/oyster-indexer/internal/ierrors"
	"github.com/synfutures/oyster-indexer/internal/ingest"
	"github.com/synfutures/oyster-indexer/internal/logfetcher"
	"github.com/synfutures/oyster-indexer/internal/logger"
	"github.com/synfutures/oyster-indexer/internal/logsubscriber"
	"github.com/synfutures/oyster-indexer/internal/mq"
	"github.com/synfutures/oyster-indexer/internal/reorg"
	"github.com/synfutures/oyster-indexer/internal/rpcserver"
	"github.com/synfutures/oyster-indexer/internal/service"
	"github.com/synfutures/oyster-indexer/internal/snapshot"
	"github.com/synfutures/oyster-indexer/internal/storage"
	"github.com/synfutures/oyster-indexer/internal/store"
)

func main() {
	app := cli.NewApp()
	app.Name = "indexer"
	app.Usage = "self-hosted indexing and snapshot service"
	app.Commands = []cli.Command{startCommand()}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func startCommand() cli.Command {
	return cli.Command{
		Name:  "start",
		Usage: "start the indexer for one chain",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "network, n", Required: true},
			cli.IntFlag{Name: "port, p", Value: config.DefaultPort},
			cli.StringFlag{Name: "host, h", Value: config.DefaultHost},
			cli.StringFlag{Name: "loglevel, l", Value: config.DefaultLogLevel},
			cli.BoolFlag{Name: "disable-websocket"},
			cli.BoolFlag{Name: "readonly"},
			cli.IntFlag{Name: "confirmation, m", Value: config.DefaultConfirmation},
			cli.Int64Flag{Name: "from-block, f"},
			cli.Int64Flag{Name: "interval, i", Value: config.DefaultInterval},
			cli.Int64Flag{Name: "outdated, o", Value: config.DefaultOutdated},
			cli.Int64Flag{Name: "chain-id", Required: true},
			cli.StringFlag{Name: "gate-address", Required: true},
			cli.StringFlag{Name: "config-address"},
			cli.StringFlag{Name: "gate-abi"},
			cli.StringFlag{Name: "config-abi"},
			cli.StringFlag{Name: "instrument-abi"},
		},
		Action: runStart,
	}
}

func runStart(c *cli.Context) error {
	cfg, err := config.Load(c.String("network"), config.Config{
		Port:             c.Int("port"),
		Host:             c.String("host"),
		LogLevel:         c.String("loglevel"),
		DisableWebsocket: c.Bool("disable-websocket"),
		ReadOnly:         c.Bool("readonly"),
		Confirmation:     c.Int("confirmation"),
		FromBlock:        c.Int64("from-block"),
		Interval:         c.Int64("interval"),
		Outdated:         c.Int64("outdated"),
	})
	if err != nil {
		return ierrors.ErrFatal
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trapSignals(cancel)

	chainID := c.Int64("chain-id")
	gateAddr := common.HexToAddress(c.String("gate-address"))
	configAddr := common.HexToAddress(c.String("config-address"))

	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return err
	}

	rpcClient, err := chain.Dial(cfg.RPCURL)
	if err != nil {
		return err
	}

	bc, err := blockcache.New(rpcClient, blockcache.DefaultCapacity)
	if err != nil {
		return err
	}

	fetcher := logfetcher.New(rpcClient, chainID, logfetcher.DefaultParallel)
	fetcher.AddSubscription(chain.FilterSpec{Address: gateAddr})

	var sub *logsubscriber.Subscriber
	if !cfg.DisableWebsocket && cfg.WSSURL != "" {
		sub = logsubscriber.New(cfg.WSSURL, chainID)
		sub.AddSubscription(chain.FilterSpec{Address: gateAddr})
	}

	eventStore := store.NewEventStore(db)
	snapshotStore := store.NewSnapshotStore(db)
	cache := store.NewCache(db)
	instrStore := store.NewInstrumentStore(db)

	if err := eventStore.Init(ctx, chainID); err != nil {
		return err
	}
	if err := snapshotStore.Init(ctx); err != nil {
		return err
	}
	if err := cache.Init(ctx); err != nil {
		return err
	}
	if err := instrStore.Init(ctx); err != nil {
		return err
	}

	parser := buildParser(c, gateAddr, configAddr)

	rehydrateInstruments(ctx, instrStore, chainID, fetcher, sub)

	processor := storage.New(db, chainID, eventStore, instrStore, cache, parser)

	factory := appstate.Factory{}
	driver := snapshot.New(chainID, db, eventStore, snapshotStore, cache, factory, uint64(cfg.Interval), uint64(cfg.Outdated))

	publisher := mq.New(cfg.AMQPURL, mq.DefaultExchange)

	rpcSrv := rpcserver.New(chainID, cfg.Host+":"+itoa(cfg.Port), driver, snapshotStore)

	detector := reorg.New(chainID, db, fetcher, eventStore, bc, parser, processor, driver)

	ingestor := ingest.New(ingest.Config{
		ChainID:      chainID,
		GateAddress:  gateAddr,
		InitialBlock: uint64(cfg.FromBlock),
		OnNewInstrument: func(addr common.Address) {
			_ = instrStore.Create(ctx, nil, store.Instrument{ChainID: chainID, Address: addr})
		},
		OnSynced: func() {
			logger.Infow("indexer: synced", "chainId", chainID)
			detector.MarkSynced()
		},
	}, fetcher, sub, eventStore)

	wireHooks(processor, driver, detector, rpcSrv, publisher, chainID)

	group := service.NewGroup()
	group.Add("ingestor", serviceFunc(ingestor.Run, func() error { return nil }))
	group.Add("storage", serviceFunc(func(ctx context.Context) error {
		return processor.Run(ctx, ingestor.Downstream())
	}, func() error { return nil }))
	group.Add("snapshot-driver", serviceFunc(func(ctx context.Context) error {
		driver.Worker(ctx)
		return nil
	}, func() error { return nil }))
	group.Add("rpcserver", serviceFunc(rpcSrv.ListenAndServe, func() error { return nil }))

	if sub != nil {
		group.Add("logsubscriber", serviceFunc(sub.Run, func() error { return nil }))
	}

	if err := driver.OnInit(ctx); err != nil {
		logger.Warnw("indexer: snapshot onInit failed", "err", err)
	}
	if err := publisher.Connect(ctx); err != nil {
		logger.Warnw("indexer: mq connect failed", "err", err)
	}

	if err := group.Start(ctx); err != nil {
		return err
	}
	err = group.Wait()
	closeErr := group.Close()
	_ = publisher.Close()
	rpcClient.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// wireHooks connects the hook fields exposed by each component so that a
// newly stored event reaches the snapshot driver and the message queue, a
// new stored block number reaches the reorg detector, and a detected reorg
// reaches the snapshot driver, the storage processor, and the RPC server's
// in-flight snapshot bookkeeping.
func wireHooks(processor *storage.Processor, driver *snapshot.Driver, detector *reorg.Detector, rpcSrv *rpcserver.Server, publisher *mq.Publisher, chainID int64) {
	detector.OnReorg = rpcSrv.OnReorg

	processor.OnNewParsedEvent = func(l chainmodel.Log, parsed chainmodel.ParsedLog, processed bool) {
		if processed {
			return
		}
		ctx := context.Background()
		if err := driver.OnNewParsedEvent(ctx, l, parsed); err != nil {
			logger.Warnw("indexer: snapshot apply failed", "err", err)
		}
		if err := publisher.Publish(ctx, parsed.Name, map[string]interface{}{
			"chainId":     chainID,
			"address":     l.Address.Hex(),
			"blockNumber": l.BlockNumber,
			"event":       parsed.Name,
			"args":        parsed.Args,
		}); err != nil {
			logger.Warnw("indexer: publish failed", "err", err)
		}
	}

	processor.OnNewStoredBlockNumber = func(n uint64) {
		detector.OnNewStoredBlockNumber(context.Background(), n, n)
	}
}

func buildParser(c *cli.Context, gateAddr, configAddr common.Address) *abiparser.Parser {
	gateABI := loadABI(c.String("gate-abi"))
	configABI := loadABI(c.String("config-abi"))
	instrumentABI := loadABI(c.String("instrument-abi"))
	return abiparser.New(gateABI, configABI, instrumentABI, gateAddr, configAddr)
}

func loadABI(path string) abi.ABI {
	if path == "" {
		return abi.ABI{}
	}
	f, err := os.Open(path)
	if err != nil {
		logger.Warnw("indexer: failed to open ABI file", "path", path, "err", err)
		return abi.ABI{}
	}
	defer f.Close()
	parsed, err := abi.JSON(f)
	if err != nil {
		logger.Warnw("indexer: failed to parse ABI file", "path", path, "err", err)
		return abi.ABI{}
	}
	return parsed
}

func rehydrateInstruments(ctx context.Context, instrStore *store.InstrumentStore, chainID int64, fetcher *logfetcher.LogFetcher, sub *logsubscriber.Subscriber) {
	rows, err := instrStore.All(ctx, chainID)
	if err != nil {
		logger.Warnw("indexer: failed to rehydrate instruments", "err", err)
		return
	}
	for _, row := range rows {
		spec := chain.FilterSpec{Address: row.Address}
		fetcher.AddSubscription(spec)
		if sub != nil {
			sub.AddSubscription(spec)
		}
	}
}

func trapSignals(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
}

type serviceFuncImpl struct {
	start func(ctx context.Context) error
	close func() error
}

func (s serviceFuncImpl) Start(ctx context.Context) error { return s.start(ctx) }
func (s serviceFuncImpl) Close() error                    { return s.close() }

func serviceFunc(start func(ctx context.Context) error, close func() error) service.Service {
	return serviceFuncImpl{start: start, close: close}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
