package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/lazybook/params"
	"github.com/uhyunpark/lazybook/pkg/api"
	"github.com/uhyunpark/lazybook/pkg/app/venue"
	"github.com/uhyunpark/lazybook/pkg/crypto"
	"github.com/uhyunpark/lazybook/pkg/events"
	"github.com/uhyunpark/lazybook/pkg/p2p"
	"github.com/uhyunpark/lazybook/pkg/sequencer"
	"github.com/uhyunpark/lazybook/pkg/storage"
	"github.com/uhyunpark/lazybook/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerFromPath(cfg.Node.LogFile, cfg.Node.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	sugar.Infow("node_starting",
		"role", cfg.Node.Role,
		"data_dir", cfg.Node.DataDir,
		"chain_id", cfg.Chain.ChainID,
		"block_time_ms", cfg.Node.MinBlockTime.Milliseconds())

	if cfg.Node.Role != params.RoleSequencer && cfg.Node.Role != params.RoleFollower {
		return fmt.Errorf("unknown NODE_ROLE %q", cfg.Node.Role)
	}

	// ---- Storage ----
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return err
	}
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "db"))
	if err != nil {
		return err
	}
	defer store.Close()

	wal, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "wal.log"))
	if err != nil {
		return err
	}
	defer wal.Close()

	// ---- Genesis ----
	genesis, err := venue.ParseGenesis(cfg.Chain.Genesis)
	if err != nil {
		return err
	}
	// Followers fund the dev keys too so their state hashes match.
	feederCfg := venue.DefaultFeederConfig()
	if cfg.Node.DevFeederTPS > 0 {
		feederCfg.TxPerSecond = cfg.Node.DevFeederTPS
		genesis = append(genesis, venue.DevGenesis(venue.DevKeys(feederCfg.NumAccounts), 1_000_000)...)
	}

	// ---- P2P ----
	lpn, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
		ListenAddr: cfg.P2P.Listen,
		Bootstrap:  cfg.P2P.Bootstrap,
		Blocks:     store,
		Logger:     sugar.Named("p2p"),
	})
	if err != nil {
		return err
	}
	defer lpn.Close()

	// ---- Event sinks ----
	// The WebSocket hub is appended once the API server exists; nothing is
	// published before the first block executes.
	sinks := &events.Fanout{events.LogSink{Logger: sugar.Named("events")}}

	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := events.DialKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, sugar.Named("kafka"))
		if err != nil {
			return err
		}
		kctx, kcancel := context.WithCancel(context.Background())
		go kafka.Run(kctx)
		defer func() {
			kcancel()
			if err := kafka.Close(); err != nil {
				sugar.Warnw("kafka_close_failed", "err", err)
			}
		}()
		*sinks = append(*sinks, kafka)
		sugar.Infow("kafka_sink_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// ---- App ----
	custody := common.HexToAddress(cfg.Chain.Custody)
	app, err := venue.New(venue.Config{
		Domain:  crypto.NewDomain(cfg.Chain.ChainID, custody),
		Custody: custody,
		Genesis: genesis,
	}, store, sugar.Named("app"), sinks)
	if err != nil {
		return err
	}

	apiServer := api.NewServer(app, lpn, cfg.API.CORSOrigins, sugar.Named("api"))
	*sinks = append(*sinks, apiServer.Hub())

	// ---- Sequencer ----
	blsSigner, pubkey, err := blockKeys(cfg.Node)
	if err != nil {
		return err
	}
	if blsSigner != nil {
		sugar.Infow("sequencer_pubkey", "pubkey", hexutil.Encode(blsSigner.PubkeyBytes()))
	}
	seq := sequencer.New(app, store, util.RealClock{}, sequencer.Config{
		MinBlockTime:  cfg.Node.MinBlockTime,
		MaxBlockBytes: cfg.Node.MaxBlockBytes,
		SkipEmpty:     cfg.Node.SkipEmptyBlocks,
	}, sugar.Named("sequencer"))
	seq.WAL = wal
	seq.Pubkey = pubkey
	if err := seq.Init(); err != nil {
		return err
	}
	if head, ok := seq.Head(); ok {
		app.SetHead(head.Height, head.Time)
	}

	// ---- P2P handlers ----
	handlers := p2p.Handlers{
		OnTx: func(raw []byte) {
			if _, err := app.SubmitTx(raw); err != nil {
				sugar.Debugw("gossip_tx_rejected", "code", venue.Code(err), "err", err)
			}
		},
	}
	fatal := make(chan error, 1)
	if cfg.Node.Role == params.RoleFollower {
		handlers.OnBlock = func(b sequencer.Block) {
			err := seq.Follow(ctx, b, lpn)
			switch {
			case err == nil:
			case errors.Is(err, sequencer.ErrAppHashMismatch):
				select {
				case fatal <- err:
				default:
				}
			default:
				sugar.Warnw("block_apply_failed", "height", b.Height, "err", err)
			}
		}
	}
	lpn.SetHandlers(handlers)

	// ---- Run ----
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := apiServer.Start(cfg.API.Addr); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return apiServer.Shutdown(sctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-fatal:
			return err
		}
	})

	if cfg.Node.Role == params.RoleSequencer {
		seq.Signer = blsSigner
		seq.Net = lpn

		if cfg.Node.DevFeederTPS > 0 {
			feeder := venue.NewFeeder(app, feederCfg, sugar.Named("feeder"))
			g.Go(func() error {
				feeder.Run(gctx)
				return nil
			})
			sugar.Infow("dev_feeder_enabled", "target_tps", feederCfg.TxPerSecond, "accounts", feederCfg.NumAccounts)
		}
		g.Go(func() error {
			if err := seq.Run(gctx); gctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// blockKeys returns the signing key on the sequencer and the key every block
// must verify against. Followers never hold the signing key.
func blockKeys(node params.Node) (*crypto.BLSSigner, *crypto.BLSPubKey, error) {
	var want *crypto.BLSPubKey
	if node.SequencerPubkey != "" {
		raw, err := hexutil.Decode(node.SequencerPubkey)
		if err != nil {
			return nil, nil, fmt.Errorf("SEQUENCER_PUBKEY: %w", err)
		}
		if want, err = crypto.ParseBLSPubkey(raw); err != nil {
			return nil, nil, fmt.Errorf("SEQUENCER_PUBKEY: %w", err)
		}
	}

	if node.Role != params.RoleSequencer {
		if want == nil {
			return nil, nil, errors.New("SEQUENCER_PUBKEY is required on followers")
		}
		return nil, want, nil
	}

	signer, err := crypto.NewBLSSignerFromSeed([]byte(node.BLSSeed))
	if err != nil {
		return nil, nil, err
	}
	if want != nil && !want.Equal(signer.Pubkey()) {
		return nil, nil, errors.New("SEQUENCER_PUBKEY does not match BLS_SEED")
	}
	return signer, signer.Pubkey(), nil
}
