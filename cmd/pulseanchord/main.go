package main

import (
	"context"
	"errors"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"PulseAnchor-Chain/internal/api"
	"PulseAnchor-Chain/internal/broadcast"
	"PulseAnchor-Chain/internal/config"
	"PulseAnchor-Chain/internal/envelope"
	"PulseAnchor-Chain/internal/eventlog"
	"PulseAnchor-Chain/internal/identity"
	"PulseAnchor-Chain/internal/observability/alerting"
	"PulseAnchor-Chain/internal/payload"
	"PulseAnchor-Chain/internal/pulse"
	"PulseAnchor-Chain/internal/recorder"
	"PulseAnchor-Chain/internal/rollup"
	"PulseAnchor-Chain/internal/state"
	"PulseAnchor-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// main 是 pulseanchord 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("pulseanchord 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("PULSEANCHOR_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "pulseanchor.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	networks, err := config.LoadNetworkDefinitions(cfg.Networks)
	if err != nil {
		return err
	}

	// 私钥只经由环境变量进入进程,不出现在配置或产物里。
	// 单个身份的配置问题按身份隔离,不阻止其余身份启动。
	identities := buildIdentities(cfg, networks)
	if len(identities) == 0 {
		return errors.New("没有任何身份可用")
	}

	var stateStore state.Store
	switch cfg.State.Driver {
	case "file", "":
		store, err := state.NewFileStore(cfg.State.Path)
		if err != nil {
			return err
		}
		stateStore = store
	case "redis":
		store, err := state.NewRedisStore(state.RedisConfig{
			Address:  cfg.State.Redis.Address,
			Password: cfg.State.Redis.Password,
			DB:       cfg.State.Redis.DB,
			Key:      cfg.State.Redis.Key,
		})
		if err != nil {
			return err
		}
		stateStore = store
	}
	defer stateStore.Close()

	var index recorder.ArtifactIndex
	switch cfg.Index.Driver {
	case "memory", "":
		index = recorder.NewMemoryIndex()
	case "mysql":
		mysqlIndex, err := recorder.NewMySQLIndex(cfg.Index.DSN)
		if err != nil {
			return err
		}
		index = mysqlIndex
	}
	defer index.Close()

	rec, err := recorder.NewRecorder(dataDir, index)
	if err != nil {
		return err
	}

	aggregator, err := rollup.NewAggregator(cfg.Rollup.BatchCapacity, rec)
	if err != nil {
		return err
	}

	var trailOpts []eventlog.Option
	if cfg.Trail.AMQP.Enabled {
		mirror, err := eventlog.NewAMQPMirror(eventlog.AMQPConfig{
			URL:   cfg.Trail.AMQP.URL,
			Queue: cfg.Trail.AMQP.Queue,
		})
		if err != nil {
			return err
		}
		trailOpts = append(trailOpts, eventlog.WithMirror(mirror))
	}
	trail, err := eventlog.NewTrail(cfg.Trail.Path, trailOpts...)
	if err != nil {
		return err
	}
	defer trail.Close()

	var gate *broadcast.Gate
	if cfg.Broadcast.Enabled {
		submitters, err := attachBroadcast(ctx, cfg, networks, identities)
		if err != nil {
			return err
		}
		gate = broadcast.NewGate(true, cfg.Broadcast.Divisor, cfg.BroadcastTimeout(), submitters, trail,
			broadcast.WithRecorder(rec))
	}

	builderOpts := []payload.Option{}
	if cfg.Integrity.KeyEnv != "" {
		if key := os.Getenv(cfg.Integrity.KeyEnv); key != "" {
			builderOpts = append(builderOpts, payload.WithIntegrityKey([]byte(key)))
		} else {
			logger.L().Warn("完整性密钥环境变量为空,负载不携带 MAC", "env", cfg.Integrity.KeyEnv)
		}
	}

	orch, err := pulse.New(pulse.Options{
		Scheduler:  envelope.NewScheduler(cfg.Envelope.StepsPerCycle, cfg.CycleDuration()),
		Builder:    payload.NewBuilder(cfg.Envelope.AnchorTag, builderOpts...),
		Identities: identities,
		Recorder:   rec,
		Aggregator: aggregator,
		Gate:       gate,
		Store:      stateStore,
		Trail:      trail,
		Alerts:     alerting.NewFanout(),
		AnchorTag:  cfg.Envelope.AnchorTag,
		RunMode:    cfg.Envelope.RunMode,
	})
	if err != nil {
		return err
	}

	if cfg.Envelope.RunMode == pulse.ModeOnce {
		return orch.Run(ctx)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := orch.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("步骤循环异常退出", "error", err)
		}
		cancel()
	}()

	server := api.NewServer(cfg.Server.Address, orch)
	if err := server.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildIdentities 按配置构造签名身份。失败的身份被跳过并记日志。
func buildIdentities(cfg *config.Config, networks config.NetworkDefinitions) []identity.Signable {
	var identities []identity.Signable
	for _, ic := range cfg.Identities {
		secret := os.Getenv(ic.SecretEnv)
		if secret == "" {
			logger.L().Warn("身份私钥环境变量为空,跳过该身份", "identity", ic.Name, "env", ic.SecretEnv)
			continue
		}

		switch ic.Kind {
		case "evm":
			var chainID *big.Int
			if def, ok := networks.Lookup(ic.Network); ok && def.ChainID != 0 {
				chainID = big.NewInt(def.ChainID)
			}
			id, err := identity.NewEVMIdentity(ic.Name, secret, cfg.Envelope.AnchorTag, chainID, ic.TypedData)
			if err != nil {
				logger.L().Warn("EVM 身份初始化失败,跳过", "identity", ic.Name, "error", err)
				continue
			}
			identities = append(identities, id)
		case "btc":
			id, err := identity.NewBTCIdentity(ic.Name, secret)
			if err != nil {
				logger.L().Warn("BTC 身份初始化失败,跳过", "identity", ic.Name, "error", err)
				continue
			}
			identities = append(identities, id)
		default:
			logger.L().Warn("未知的身份类型,跳过", "identity", ic.Name, "kind", ic.Kind)
		}
	}
	return identities
}

// attachBroadcast 为目标网络上的 EVM 身份附加链上提交能力,
// 并返回可供闸门使用的提交者列表。
func attachBroadcast(ctx context.Context, cfg *config.Config, networks config.NetworkDefinitions, identities []identity.Signable) ([]broadcast.Submitter, error) {
	def, ok := networks.Lookup(cfg.Broadcast.Network)
	if !ok {
		return nil, errors.New("广播目标网络不在网络目录中: " + cfg.Broadcast.Network)
	}
	if def.Type != "evm" {
		return nil, errors.New("广播目前只支持 evm 类型网络: " + cfg.Broadcast.Network)
	}

	client, err := ethclient.DialContext(ctx, def.RPCURL)
	if err != nil {
		return nil, err
	}

	var to common.Address
	if cfg.Broadcast.AnchorContractHex != "" {
		to = common.HexToAddress(cfg.Broadcast.AnchorContractHex)
	}
	var fallbackGasPrice *big.Int
	if cfg.Broadcast.FallbackGasPrice > 0 {
		fallbackGasPrice = big.NewInt(cfg.Broadcast.FallbackGasPrice)
	}

	var submitters []broadcast.Submitter
	for _, id := range identities {
		evm, ok := id.(*identity.EVMIdentity)
		if !ok {
			continue
		}
		nonce, err := client.PendingNonceAt(ctx, common.HexToAddress(evm.Address()))
		if err != nil {
			logger.L().Warn("查询起始 nonce 失败,身份不参与广播", "identity", evm.Name(), "error", err)
			continue
		}
		evm.AttachBroadcast(client, to, fallbackGasPrice, cfg.Broadcast.FallbackGasLimit, nonce)
		submitters = append(submitters, broadcast.Submitter{Name: evm.Name(), Identity: evm})
	}
	if len(submitters) == 0 {
		logger.L().Warn("广播已开启但没有可用的提交身份")
	}
	return submitters, nil
}
