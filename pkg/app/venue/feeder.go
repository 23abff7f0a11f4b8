package venue

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/lazybook/pkg/app/core/ledger"
	"github.com/uhyunpark/lazybook/pkg/app/core/orderbook"
	"github.com/uhyunpark/lazybook/pkg/app/core/pricing"
	"github.com/uhyunpark/lazybook/pkg/app/core/transaction"
	"github.com/uhyunpark/lazybook/pkg/crypto"
)

// Devnet pair traded by the feeder.
var (
	DevBase  = common.HexToAddress("0x000000000000000000000000000000000000ba5e")
	DevQuote = common.HexToAddress("0x0000000000000000000000000000000000000de0")
)

// DevKeys derives n deterministic traders. Never fund these outside a devnet.
func DevKeys(n int) []*crypto.Signer {
	keys := make([]*crypto.Signer, 0, n)
	for i := 0; i < n; i++ {
		seed := ethcrypto.Keccak256([]byte(fmt.Sprintf("lazybook-dev-%d", i)))
		s, err := crypto.FromPrivateKeyHex(common.Bytes2Hex(seed))
		if err != nil {
			panic(err)
		}
		keys = append(keys, s)
	}
	return keys
}

// DevGenesis funds every dev key with amount (whole tokens) of both assets.
func DevGenesis(keys []*crypto.Signer, amount uint64) []ledger.Balance {
	units := new(uint256.Int).Mul(uint256.NewInt(amount), pricing.Scale)
	var out []ledger.Balance
	for _, k := range keys {
		out = append(out,
			ledger.Balance{Token: DevBase, Holder: k.Address(), Amount: units},
			ledger.Balance{Token: DevQuote, Holder: k.Address(), Amount: units},
		)
	}
	return out
}

type FeederConfig struct {
	TxPerSecond int
	Interval    time.Duration
	NumAccounts int
}

func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		TxPerSecond: 20,
		Interval:    250 * time.Millisecond,
		NumAccounts: 8,
	}
}

// Feeder pushes signed devnet traffic into the app's mempool: Dutch-auction
// sells, rising buys, matches of crossed pairs and the odd cancel.
type Feeder struct {
	app    *App
	cfg    FeederConfig
	keys   []*crypto.Signer
	byAddr map[common.Address]*crypto.Signer
	nonces map[common.Address]uint64
	rng    *rand.Rand
	logger *zap.SugaredLogger
}

func NewFeeder(app *App, cfg FeederConfig, logger *zap.SugaredLogger) *Feeder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	keys := DevKeys(cfg.NumAccounts)
	f := &Feeder{
		app:    app,
		cfg:    cfg,
		keys:   keys,
		byAddr: make(map[common.Address]*crypto.Signer, len(keys)),
		nonces: make(map[common.Address]uint64, len(keys)),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger,
	}
	for _, k := range keys {
		f.byAddr[k.Address()] = k
		f.nonces[k.Address()] = app.Nonce(k.Address())
	}
	return f
}

// Run feeds until ctx is done.
func (f *Feeder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	perTick := f.cfg.TxPerSecond * int(f.cfg.Interval) / int(time.Second)
	if perTick < 1 {
		perTick = 1
	}
	start, total := time.Now(), 0
	f.logger.Infow("feeder_started", "tps", f.cfg.TxPerSecond, "accounts", len(f.keys))
	for {
		select {
		case <-ctx.Done():
			elapsed := time.Since(start)
			f.logger.Infow("feeder_stopped", "txs", total, "elapsed", elapsed.Round(time.Second).String())
			return
		case <-ticker.C:
			for _, raw := range f.Batch(perTick) {
				if _, err := f.app.SubmitTx(raw); err != nil {
					f.logger.Debugw("feeder_submit_failed", "err", err)
					continue
				}
				total++
			}
		}
	}
}

// Batch builds n signed transactions against the current book.
func (f *Feeder) Batch(n int) [][]byte {
	active := f.app.ActiveOrders()
	now := f.app.Status().BlockTime
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		var tx *transaction.SignedTransaction
		var key *crypto.Signer
		switch r := f.rng.Intn(100); {
		case r < 25:
			key, tx = f.match(active, now)
		case r < 35:
			key, tx = f.cancel(active)
		}
		if tx == nil {
			key, tx = f.create()
		}
		if err := f.app.verifier.Sign(key, tx); err != nil {
			f.logger.Warnw("feeder_sign_failed", "err", err)
			continue
		}
		raw, err := tx.Serialize()
		if err != nil {
			continue
		}
		out = append(out, raw)
	}
	return out
}

func (f *Feeder) nextNonce(addr common.Address) uint64 {
	f.nonces[addr]++
	return f.nonces[addr]
}

func (f *Feeder) create() (*crypto.Signer, *transaction.SignedTransaction) {
	key := f.keys[f.rng.Intn(len(f.keys))]
	// Around 1.0 quote per base, ±5%.
	bps := int64(9500 + f.rng.Intn(1001))
	price, _ := uint256.FromBig(new(big.Int).Div(new(big.Int).Mul(big.NewInt(bps), pricing.Scale.ToBig()), big.NewInt(10000)))
	amount := new(uint256.Int).Mul(uint256.NewInt(uint64(1+f.rng.Intn(20))), pricing.Scale)
	// 0.01% of the price per second, up for buys and down for sells.
	step := new(big.Int).Div(price.ToBig(), big.NewInt(10000))

	p := orderbook.OrderParams{StartPrice: price, Amount: amount}
	if f.rng.Intn(2) == 0 {
		p.IsBuy, p.TokenIn, p.TokenOut, p.Slope = true, DevQuote, DevBase, step
	} else {
		p.TokenIn, p.TokenOut, p.Slope = DevBase, DevQuote, step.Neg(step)
	}
	return key, transaction.NewCreate(key.Address(), p, f.nextNonce(key.Address()))
}

func (f *Feeder) match(active []*orderbook.Order, now uint64) (*crypto.Signer, *transaction.SignedTransaction) {
	var buys, sells []*orderbook.Order
	for _, o := range active {
		if o.IsBuy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}
	f.rng.Shuffle(len(buys), func(i, j int) { buys[i], buys[j] = buys[j], buys[i] })
	for _, buy := range buys {
		bp, err := pricing.PriceAt(buy.StartPrice, buy.Slope, buy.StartTime, now)
		if err != nil {
			continue
		}
		for _, sell := range sells {
			if sell.TokenIn != buy.TokenOut || sell.TokenOut != buy.TokenIn {
				continue
			}
			sp, err := pricing.PriceAt(sell.StartPrice, sell.Slope, sell.StartTime, now)
			if err != nil || bp.Lt(sp) {
				continue
			}
			taker := f.keys[f.rng.Intn(len(f.keys))]
			return taker, transaction.NewMatch(taker.Address(), buy.ID, sell.ID, f.nextNonce(taker.Address()))
		}
	}
	return nil, nil
}

func (f *Feeder) cancel(active []*orderbook.Order) (*crypto.Signer, *transaction.SignedTransaction) {
	if len(active) == 0 {
		return nil, nil
	}
	o := active[f.rng.Intn(len(active))]
	key, ok := f.byAddr[o.Owner]
	if !ok {
		return nil, nil
	}
	return key, transaction.NewCancel(key.Address(), o.ID, f.nextNonce(key.Address()))
}
