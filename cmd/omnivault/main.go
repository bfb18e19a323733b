package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"OmniVault/internal/bank"
	"OmniVault/internal/config"
	"OmniVault/internal/event"
	"OmniVault/internal/ingestion"
	"OmniVault/internal/observability"
	"OmniVault/internal/oracle"
	"OmniVault/internal/persistence"
	"OmniVault/internal/projection"
	"OmniVault/internal/protocol"
	"OmniVault/internal/query"
	"OmniVault/internal/router"
	"OmniVault/internal/server"
	"OmniVault/internal/vault"
	"OmniVault/internal/venue"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load(envOrDefault("OMNIVAULT_CONFIG", "omnivault.yaml"))
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Printf("WARN: unknown log level %q, using info", cfg.LogLevel)
		level = zerolog.InfoLevel
	}
	logger := observability.NewLoggerWithLevel("omnivault", level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("FATAL: open postgres: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: ping postgres: %v", err)
	}
	log.Println("INFO: Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Recovery: load snapshot ---
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Printf("WARN: failed to load snapshot: %v", err)
	}
	if snap != nil {
		log.Printf("INFO: loaded snapshot at sequence %d", snap.Sequence)
	} else {
		log.Println("INFO: no snapshot found, cold start")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// The persist channel blocks (backpressure); the projection and publish
	// channels drop when full since both are rebuildable downstream views.
	eventChan := make(chan event.Event, cfg.PersistChanSize)
	persistedChan := make(chan persistence.PersistedEvent, cfg.PersistChanSize)
	projChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
	rawChan := make(chan ingestion.RawEvent, 4096)

	// --- Core wiring: bank, oracle, router, vault ---
	assets := bank.NewInMemoryBank()
	prices := oracle.NewStaticConsumer(time.Duration(cfg.OracleMaxAgeMS) * time.Millisecond)
	pending := router.New(nil, cfg.SettledCapacity, logger)

	v, err := vault.New(vault.Config{
		Owner:       cfg.Vault.Owner,
		Master:      cfg.Vault.Master,
		Treasury:    cfg.Vault.Treasury,
		NativeToken: cfg.Vault.NativeToken,
		FeeBps:      cfg.Vault.FeeBps,
	}, assets, prices, pending, eventChan, metrics, logger)
	if err != nil {
		log.Fatalf("FATAL: build vault: %v", err)
	}
	pending.SetSink(v)

	// --- Venue adapters ---
	adapters := make(map[uint8]*venue.Adapter, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		timeout := time.Duration(vc.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		minFee, err := parseBigOrZero(vc.MinExecutionFee)
		if err != nil {
			log.Fatalf("FATAL: venue %q min_execution_fee: %v", vc.Name, err)
		}

		client := venue.NewHTTPClient(vc.BaseURL, vc.APIKey(), timeout, logger)
		adapter := venue.NewAdapter(vc.ID, vc.Name, assets, prices, v, client, pending, minFee, logger)

		for _, pc := range vc.Pools {
			if err := adapter.AddPool(venue.PoolConfig{
				ID:           pc.ID,
				Market:       pc.Market,
				IndexToken:   pc.IndexToken,
				LongToken:    pc.LongToken,
				ShortToken:   pc.ShortToken,
				ReceiptToken: pc.ReceiptToken,
			}); err != nil {
				log.Fatalf("FATAL: venue %q pool %d: %v", vc.Name, pc.ID, err)
			}
		}

		if err := v.AddPlugin(cfg.Vault.Owner, adapter); err != nil {
			log.Fatalf("FATAL: register venue %q: %v", vc.Name, err)
		}
		pending.AuthorizeHandler(vc.ID)
		adapters[vc.ID] = adapter
		log.Printf("INFO: venue %q registered (id=%d, pools=%d)", vc.Name, vc.ID, len(vc.Pools))
	}

	// --- State restore ---
	if snap != nil {
		state, err := stateFromSnapshot(snap)
		if err != nil {
			log.Fatalf("FATAL: decode snapshot: %v", err)
		}
		if err := v.RestoreState(state); err != nil {
			log.Fatalf("FATAL: restore state: %v", err)
		}
		if err := restoreBank(assets, snap.BankBalances); err != nil {
			log.Fatalf("FATAL: restore custody balances: %v", err)
		}
		if err := restoreAdapters(adapters, snap.Adapters); err != nil {
			log.Fatalf("FATAL: restore adapter state: %v", err)
		}
		pending.WarmSettled(snap.SettledKeys)
	} else {
		for _, tok := range cfg.Vault.Tokens {
			if err := v.AddAcceptedToken(cfg.Vault.Owner, tok.Symbol, tok.Decimals); err != nil {
				log.Fatalf("FATAL: accept token %q: %v", tok.Symbol, err)
			}
		}
	}

	// Configured tokens added since the snapshot was taken.
	if snap != nil {
		for _, tok := range cfg.Vault.Tokens {
			if v.IsAcceptedToken(tok.Symbol) {
				continue
			}
			if err := v.AddAcceptedToken(cfg.Vault.Owner, tok.Symbol, tok.Decimals); err != nil {
				log.Fatalf("FATAL: accept token %q: %v", tok.Symbol, err)
			}
		}
	}

	// --- Idempotency checker + replay-window warming ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	if recent, err := dbChecker.RecentSettledKeys(ctx, cfg.SettledCapacity); err != nil {
		log.Printf("WARN: warm settled keys from log: %v", err)
	} else if len(recent) > 0 {
		pending.WarmSettled(recent)
		log.Printf("INFO: warmed %d settled keys from the event log", len(recent))
	}

	// --- Persistence worker + hash chain resume ---
	persistWorker := persistence.NewPersistenceWorker(
		db, eventChan, persistedChan,
		cfg.PersistBatchSize, time.Duration(cfg.PersistFlushMS)*time.Millisecond,
		metrics,
	)

	logHead, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		log.Fatalf("FATAL: read event log head: %v", err)
	}
	if logHead > 0 {
		rows, err := snapMgr.LoadEventsFrom(ctx, logHead, 1)
		if err != nil || len(rows) == 0 {
			log.Fatalf("FATAL: load log head %d: %v", logHead, err)
		}
		var tip [32]byte
		copy(tip[:], rows[0].StateHash)
		persistWorker.RestoreChain(tip)

		snapSeq := int64(0)
		if snap != nil {
			snapSeq = snap.Sequence
		}
		if logHead > snapSeq {
			// Events past the snapshot cannot be re-applied to memory; the
			// durable log stays authoritative and projections can rebuild
			// from it. Take snapshots often enough that this stays small.
			log.Printf("WARN: event log head %d is ahead of restored state %d", logHead, snapSeq)
			v.RestoreSequence(logHead)
		}
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure callback streams: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}

	subscriber := ingestion.NewNATSSubscriber(js, rawChan)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}

	priceFeed := ingestion.NewPriceFeed(nc, prices)
	if err := priceFeed.Start(); err != nil {
		log.Fatalf("FATAL: price feed subscribe: %v", err)
	}

	dispatcher := ingestion.NewDispatcher(pending, rawChan, ingestion.DefaultSubjects(), metrics, logger)
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan)
	injectService := ingestion.NewInjectService(rawChan)

	// --- Projections + query ---
	projWorker := projection.NewProjectionWorker(db, projChan)
	rateHistory := projection.NewRateHistoryProjection(1024)
	queryService := query.NewQueryService(db)

	// --- Snapshot closure ---
	takeSnapshot := func(ctx context.Context) error {
		return saveSnapshot(ctx, v, pending, assets, adapters, snapMgr, metrics)
	}

	// --- HTTP server ---
	httpServer := server.NewHTTPServer(cfg.HTTPAddr, &server.ServerDeps{
		Vault:         v,
		Adapters:      adapters,
		QueryService:  queryService,
		RateHistory:   rateHistory,
		InjectService: injectService,
		IdemChecker:   dbChecker,
		SnapshotMgr:   snapMgr,
		TakeSnapshot:  takeSnapshot,
		HealthChecker: healthChecker,
		Metrics:       metrics,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	go func() {
		errChan <- dispatcher.Run(ctx)
	}()

	// Durable-event fanout: only committed events reach downstream views.
	go func() {
		bridgePersistedEvents(ctx, persistedChan, projChan, publishChan, rateHistory, metrics)
	}()

	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	go func() {
		runPeriodicSnapshots(ctx, v, cfg.SnapshotInterval, takeSnapshot)
	}()

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Printf("INFO: OmniVault ready (sequence=%d, http=%s, metrics=%s)",
		v.Sequence(), cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	cancel()

	subscriber.Stop()
	priceFeed.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// The persistence worker flushes its in-flight batch on cancellation;
	// give it a moment before snapshotting so the log head covers the
	// final events.
	time.Sleep(500 * time.Millisecond)

	if err := saveSnapshot(shutdownCtx, v, pending, assets, adapters, snapMgr, metrics); err != nil {
		log.Printf("ERROR: final snapshot failed: %v", err)
	} else {
		log.Println("INFO: final snapshot saved")
	}

	log.Println("INFO: OmniVault shutdown complete")
}

// bridgePersistedEvents fans committed events out to the projection worker,
// the outbound publisher, and the in-memory rate history. All sends are
// non-blocking: these views trail the durable log and can be rebuilt from it.
func bridgePersistedEvents(
	ctx context.Context,
	in <-chan persistence.PersistedEvent,
	projOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	rateHistory *projection.RateHistoryProjection,
	metrics *observability.Metrics,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case pe, ok := <-in:
			if !ok {
				return
			}

			select {
			case projOut <- projection.ProjectionOutput{
				Sequence:  pe.Sequence,
				EventType: pe.EventType,
				Payload:   pe.Payload,
				Timestamp: pe.Timestamp,
			}:
			default:
				if metrics != nil {
					metrics.PublishDrops.Inc()
				}
			}

			select {
			case publishOut <- ingestion.PublishableEvent{
				Sequence:       pe.Sequence,
				EventType:      pe.EventType,
				IdempotencyKey: pe.IdempotencyKey,
				PluginID:       pe.PluginID,
				Payload:        pe.Payload,
				StateHash:      pe.StateHash,
				Timestamp:      pe.Timestamp,
			}:
			default:
				if metrics != nil {
					metrics.PublishDrops.Inc()
				}
			}

			if pe.EventType == event.EventTypeRateUpdated.String() {
				if entry, err := projection.RateEntryFromPayload(pe.Sequence, pe.Payload, pe.Timestamp); err != nil {
					log.Printf("WARN: decode rate update seq=%d: %v", pe.Sequence, err)
				} else {
					rateHistory.AddEntry(entry)
				}
			}
		}
	}
}

// runPeriodicSnapshots snapshots the vault every interval events.
func runPeriodicSnapshots(ctx context.Context, v *vault.Vault, interval int, take func(context.Context) error) {
	if interval <= 0 {
		interval = 100_000
	}

	lastSnapshotSeq := v.Sequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := v.Sequence()
			if currentSeq-lastSnapshotSeq >= int64(interval) {
				if err := take(ctx); err != nil {
					log.Printf("WARN: periodic snapshot failed: %v", err)
				} else {
					lastSnapshotSeq = currentSeq
					log.Printf("INFO: periodic snapshot at sequence %d", currentSeq)
				}
			}
		}
	}
}

// saveSnapshot exports the vault state and persists it together with the
// hash chain position of its last event. The snapshot is only taken once
// that event has reached the durable log, so restore always resumes from a
// state the log can verify.
func saveSnapshot(
	ctx context.Context,
	v *vault.Vault,
	pending *router.Router,
	assets *bank.InMemoryBank,
	adapters map[uint8]*venue.Adapter,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	state := v.ExportState()

	var stateHash, prevHash []byte
	if state.Sequence > 0 {
		rows, err := snapMgr.LoadEventsFrom(ctx, state.Sequence, 1)
		if err != nil {
			return fmt.Errorf("load event %d: %w", state.Sequence, err)
		}
		if len(rows) == 0 || rows[0].Sequence != state.Sequence {
			return fmt.Errorf("event %d not yet persisted, retry later", state.Sequence)
		}
		stateHash = rows[0].StateHash
		prevHash = rows[0].PrevHash
	}

	snapData := snapshotFromState(state, pending.SettledKeys())
	snapData.StateHash = stateHash
	snapData.PrevHash = prevHash
	snapData.BankBalances = bankSnapshot(assets)
	snapData.Adapters = adapterSnapshots(adapters)

	if err := snapMgr.SaveSnapshot(ctx, snapData); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	// Exported from live state, so no replay verification is needed.
	if err := snapMgr.MarkVerified(ctx, snapData.Sequence); err != nil {
		log.Printf("WARN: mark snapshot verified failed: %v", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(snapData.Sequence))
	}

	return nil
}

// --- Snapshot conversions ---

// snapshotFromState converts live vault state to the persisted form.
func snapshotFromState(state vault.State, settledKeys []string) *persistence.SnapshotData {
	snap := &persistence.SnapshotData{
		Sequence:        state.Sequence,
		TotalShares:     state.TotalShares.String(),
		Rate:            state.Rate.String(),
		FeeReserve:      state.FeeReserve.String(),
		PendingDeposits: state.PendingDeposits.String(),
		Status:          int32(state.Status),
		ShareBalances:   make(map[string]string, len(state.ShareBalances)),
		PluginIDs:       state.PluginIDs,
		SettledKeys:     settledKeys,
		CreatedAt:       time.Now().UTC(),
	}

	for holder, bal := range state.ShareBalances {
		snap.ShareBalances[holder] = bal.String()
	}

	for _, tok := range state.Tokens {
		snap.AcceptedTokens = append(snap.AcceptedTokens, persistence.TokenSnapshot{
			Token:    tok.Symbol,
			Decimals: uint8(tok.Decimals),
		})
	}

	for _, req := range state.Requests {
		rs := persistence.RequestSnapshot{
			RequestID:   req.ID.String(),
			Category:    req.Category.String(),
			VenueKey:    string(req.Key),
			Holder:      req.Holder,
			Tokens:      req.Tokens,
			Value:       req.Value.String(),
			PayoutToken: req.PayoutToken,
			PluginID:    req.PluginID,
			PoolID:      req.PoolID,
			CreatedAt:   req.CreatedAt,
		}
		for _, a := range req.Amounts {
			rs.Amounts = append(rs.Amounts, a.String())
		}
		if req.Shares != nil {
			s := req.Shares.String()
			rs.Shares = &s
		}
		snap.PendingRequests = append(snap.PendingRequests, rs)
	}

	return snap
}

// bankSnapshot converts live custody balances to the persisted form.
func bankSnapshot(assets *bank.InMemoryBank) []persistence.BalanceSnapshot {
	rows := assets.ExportBalances()
	out := make([]persistence.BalanceSnapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, persistence.BalanceSnapshot{
			Token:   row.Token,
			Account: row.Account,
			Amount:  row.Amount.String(),
		})
	}
	return out
}

func restoreBank(assets *bank.InMemoryBank, rows []persistence.BalanceSnapshot) error {
	balances := make([]bank.Balance, 0, len(rows))
	for _, row := range rows {
		amount, err := parseBigOrZero(row.Amount)
		if err != nil {
			return fmt.Errorf("balance %s/%s: %w", row.Token, row.Account, err)
		}
		balances = append(balances, bank.Balance{Token: row.Token, Account: row.Account, Amount: amount})
	}
	return assets.RestoreBalances(balances)
}

// adapterSnapshots converts every adapter's receipt positions and in-flight
// records to the persisted form.
func adapterSnapshots(adapters map[uint8]*venue.Adapter) []persistence.AdapterSnapshot {
	ids := make([]uint8, 0, len(adapters))
	for id := range adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]persistence.AdapterSnapshot, 0, len(ids))
	for _, id := range ids {
		state := adapters[id].ExportState()
		as := persistence.AdapterSnapshot{
			PluginID:     id,
			ExecutionFee: state.ExecutionFee.String(),
		}
		for _, pb := range state.Pools {
			as.Pools = append(as.Pools, persistence.PoolBalanceSnapshot{
				PoolID:         pb.PoolID,
				ReceiptBalance: pb.ReceiptBalance.String(),
				PendingReceipt: pb.PendingReceipt.String(),
			})
		}
		for _, inf := range state.Inflights {
			is := persistence.InflightSnapshot{
				Category: inf.Category.String(),
				VenueKey: string(inf.Key),
				PoolID:   inf.PoolID,
				Tokens:   inf.Tokens,
			}
			for _, a := range inf.Amounts {
				is.Amounts = append(is.Amounts, a.String())
			}
			if inf.Receipt != nil {
				r := inf.Receipt.String()
				is.Receipt = &r
			}
			as.Inflights = append(as.Inflights, is)
		}
		out = append(out, as)
	}
	return out
}

func restoreAdapters(adapters map[uint8]*venue.Adapter, snaps []persistence.AdapterSnapshot) error {
	for _, as := range snaps {
		adapter, ok := adapters[as.PluginID]
		if !ok {
			return fmt.Errorf("snapshot references venue adapter %d which is not configured", as.PluginID)
		}

		state := venue.State{}
		var err error
		if state.ExecutionFee, err = parseBigOrZero(as.ExecutionFee); err != nil {
			return fmt.Errorf("adapter %d execution_fee: %w", as.PluginID, err)
		}

		for _, pb := range as.Pools {
			bal := venue.PoolBalance{PoolID: pb.PoolID}
			if bal.ReceiptBalance, err = parseBigOrZero(pb.ReceiptBalance); err != nil {
				return fmt.Errorf("adapter %d pool %d receipt_balance: %w", as.PluginID, pb.PoolID, err)
			}
			if bal.PendingReceipt, err = parseBigOrZero(pb.PendingReceipt); err != nil {
				return fmt.Errorf("adapter %d pool %d pending_receipt: %w", as.PluginID, pb.PoolID, err)
			}
			state.Pools = append(state.Pools, bal)
		}

		for _, is := range as.Inflights {
			category, err := parseCategoryName(is.Category)
			if err != nil {
				return fmt.Errorf("adapter %d in-flight %q: %w", as.PluginID, is.VenueKey, err)
			}
			inf := venue.Inflight{
				Category: category,
				Key:      protocol.RequestKey(is.VenueKey),
				PoolID:   is.PoolID,
				Tokens:   is.Tokens,
			}
			for _, a := range is.Amounts {
				amt, err := parseBigOrZero(a)
				if err != nil {
					return fmt.Errorf("adapter %d in-flight %q amount: %w", as.PluginID, is.VenueKey, err)
				}
				inf.Amounts = append(inf.Amounts, amt)
			}
			if is.Receipt != nil {
				if inf.Receipt, err = parseBigOrZero(*is.Receipt); err != nil {
					return fmt.Errorf("adapter %d in-flight %q receipt: %w", as.PluginID, is.VenueKey, err)
				}
			}
			state.Inflights = append(state.Inflights, inf)
		}

		if err := adapter.RestoreState(state); err != nil {
			return fmt.Errorf("adapter %d: %w", as.PluginID, err)
		}
	}
	return nil
}

// stateFromSnapshot converts a persisted snapshot back to live vault state.
func stateFromSnapshot(snap *persistence.SnapshotData) (vault.State, error) {
	state := vault.State{
		Sequence:      snap.Sequence,
		Status:        protocol.Status(snap.Status),
		ShareBalances: make(map[string]*big.Int, len(snap.ShareBalances)),
		PluginIDs:     snap.PluginIDs,
	}

	var err error
	if state.TotalShares, err = parseBigOrZero(snap.TotalShares); err != nil {
		return state, fmt.Errorf("total_shares: %w", err)
	}
	if state.Rate, err = parseBigOrZero(snap.Rate); err != nil {
		return state, fmt.Errorf("rate: %w", err)
	}
	if state.FeeReserve, err = parseBigOrZero(snap.FeeReserve); err != nil {
		return state, fmt.Errorf("fee_reserve: %w", err)
	}
	if state.PendingDeposits, err = parseBigOrZero(snap.PendingDeposits); err != nil {
		return state, fmt.Errorf("pending_deposits: %w", err)
	}

	for holder, bal := range snap.ShareBalances {
		b, err := parseBigOrZero(bal)
		if err != nil {
			return state, fmt.Errorf("share balance %q: %w", holder, err)
		}
		state.ShareBalances[holder] = b
	}

	for _, tok := range snap.AcceptedTokens {
		state.Tokens = append(state.Tokens, vault.Token{
			Symbol:   tok.Token,
			Decimals: int(tok.Decimals),
		})
	}

	for _, rs := range snap.PendingRequests {
		req, err := requestFromSnapshot(rs)
		if err != nil {
			return state, fmt.Errorf("request %s: %w", rs.RequestID, err)
		}
		state.Requests = append(state.Requests, req)
	}

	return state, nil
}

func requestFromSnapshot(rs persistence.RequestSnapshot) (vault.Request, error) {
	id, err := uuid.Parse(rs.RequestID)
	if err != nil {
		return vault.Request{}, fmt.Errorf("request_id: %w", err)
	}

	category, err := parseCategoryName(rs.Category)
	if err != nil {
		return vault.Request{}, err
	}

	req := vault.Request{
		ID:          id,
		Category:    category,
		Key:         protocol.RequestKey(rs.VenueKey),
		Holder:      rs.Holder,
		Tokens:      rs.Tokens,
		PayoutToken: rs.PayoutToken,
		PluginID:    rs.PluginID,
		PoolID:      rs.PoolID,
		State:       vault.RequestPending,
		CreatedAt:   rs.CreatedAt,
	}

	if req.Value, err = parseBigOrZero(rs.Value); err != nil {
		return req, fmt.Errorf("value: %w", err)
	}
	for i, a := range rs.Amounts {
		amt, err := parseBigOrZero(a)
		if err != nil {
			return req, fmt.Errorf("amount %d: %w", i, err)
		}
		req.Amounts = append(req.Amounts, amt)
	}
	if rs.Shares != nil {
		if req.Shares, err = parseBigOrZero(*rs.Shares); err != nil {
			return req, fmt.Errorf("shares: %w", err)
		}
	}

	return req, nil
}

// --- Helpers ---

func parseCategoryName(name string) (protocol.Category, error) {
	for _, c := range protocol.Categories() {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", name)
}

func parseBigOrZero(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not a decimal integer", s)
	}
	return v, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
