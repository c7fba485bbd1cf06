package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/signal24/dk-server-foundation/internal/config"
	"github.com/signal24/dk-server-foundation/internal/coordination/leader"
	"github.com/signal24/dk-server-foundation/internal/coordination/mesh"
	"github.com/signal24/dk-server-foundation/internal/coordination/redislock"
	"github.com/signal24/dk-server-foundation/internal/events"
	"github.com/signal24/dk-server-foundation/internal/redisutil"
	"github.com/signal24/dk-server-foundation/internal/srpc/arbiter"
	"github.com/signal24/dk-server-foundation/internal/srpc/server"
)

var (
	serveAddr    string
	serveWsPath  string
	serveMeshKey string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination and SRPC stack for this process",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8090", "address to listen on")
	serveCmd.Flags().StringVar(&serveWsPath, "ws-path", "/srpc", "path the SRPC server claims from the upgrade arbiter")
	serveCmd.Flags().StringVar(&serveMeshKey, "mesh-key", "foundationd", "mesh cluster key nodes join under")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := rootContext()
	defer cancel()

	redisClient := redisutil.NewClient(
		config.RedisHost(), config.RedisPort(),
		config.RedisSentinelMasterName(), config.RedisSentinelAddrs(),
	)
	runner := redislock.NewScriptRunner(redisClient)

	bus := events.NewBus(logger)

	leaderKey := serveMeshKey + ":cleanup"
	lead := leader.New(config.RedisPrefix(), leaderKey, runner, leader.Options{}, logger)
	lead.OnBecameLeader(func() error {
		bus.Dispatch(events.New(events.TypeBecameLeader, leaderKey, nil))
		return nil
	})
	lead.OnLostLeader(func() error {
		bus.Dispatch(events.New(events.TypeLostLeader, leaderKey, nil))
		return nil
	})
	lead.Start()
	defer lead.Stop()

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	subClient := redisutil.NewClient(
		config.RedisHost(), config.RedisPort(),
		config.RedisSentinelMasterName(), config.RedisSentinelAddrs(),
	)
	m := mesh.New(config.RedisPrefix(), serveMeshKey, host, runner, subClient, mesh.Options{}, logger)
	m.OnNodeCleanedUp(func(id int64) {
		bus.Dispatch(events.New(events.TypeMeshNodeCleanedUp, strconv.FormatInt(id, 10), nil))
	})
	instanceID, err := m.Start(ctx)
	if err != nil {
		return fmt.Errorf("start mesh: %w", err)
	}
	logger.Info("foundationd: mesh started", "instance_id", instanceID, "key", serveMeshKey)
	defer m.Stop(ctx)

	secret := config.SrpcAuthSecret()
	srv := server.New(
		func(cid string) (string, bool) { return secret, secret != "" },
		func(meta map[string]string) (map[string]string, bool) { return meta, true },
		server.Options{AuthClockDrift: config.SrpcAuthClockDriftMs()},
		logger,
	)
	srv.OnConnection(func(s *server.Stream) {
		bus.Dispatch(events.New(events.TypeSrpcClientConnected, s.ID(), nil))
	})

	arb := arbiter.New(0, logger)
	arb.RegisterPath(serveWsPath, srv.ServeHTTP)

	mux := http.NewServeMux()
	mux.Handle("/", arb)

	httpSrv := &http.Server{Addr: serveAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Close()
	}()

	logger.Info("foundationd: listening", "addr", serveAddr, "ws_path", serveWsPath)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
