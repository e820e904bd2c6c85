// Copyright 2024 The Quorumkv Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server assembles one quorumkv node: the storage environment, the cluster transport,
// and the client-facing gRPC listener. Shard-level wiring (creating a pkg/quorum.Context for a
// shard this node now replicates) is driven by the control-plane collaborator (pkg/controlplane)
// as placements arrive, not by Run itself — a freshly started node holds no shards until told to.
package server

import (
	"context"
	"fmt"
	"net"

	"github.com/davecgh/go-spew/spew"
	"github.com/logrange/linker"
	"github.com/quorumkv/quorumkv/golibs/logging"
	"github.com/quorumkv/quorumkv/golibs/transport"
	"github.com/quorumkv/quorumkv/pkg/cluster"
	"github.com/quorumkv/quorumkv/pkg/paxos"
	"github.com/quorumkv/quorumkv/pkg/storage/env"
	"github.com/quorumkv/quorumkv/pkg/storage/pagecache"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// envComponent adapts *env.Environment to linker's shutdown hook: opening is eager (env.Open
// already did the work before the component is registered), only closing needs to participate
// in the injector's reverse-of-registration shutdown order.
type envComponent struct {
	*env.Environment
}

func (e *envComponent) Shutdown() {
	if err := e.Environment.Close(); err != nil {
		logging.NewLogger("server").Warnf("closing storage environment: %v", err)
	}
}

// clusterComponent adapts *cluster.Transport the same way: NewTransport already started
// listening and dialing, so only Shutdown does anything.
type clusterComponent struct {
	*cluster.Transport
}

func (c *clusterComponent) Shutdown() {
	if err := c.Transport.Close(); err != nil {
		logging.NewLogger("server").Warnf("closing cluster transport: %v", err)
	}
}

// grpcComponent owns the client-facing gRPC listener's start/stop lifecycle: Init begins
// serving on its own goroutine, Shutdown gracefully drains in-flight RPCs.
type grpcComponent struct {
	server   *grpc.Server
	listener net.Listener
	logger   logging.Logger
}

func (g *grpcComponent) Init(ctx context.Context) error {
	go func() {
		if err := g.server.Serve(g.listener); err != nil {
			g.logger.Debugf("gRPC server stopped serving: %v", err)
		}
	}()
	return nil
}

func (g *grpcComponent) Shutdown() {
	g.server.GracefulStop()
}

// Run starts a node and blocks until ctx is canceled, then shuts every component down in
// reverse registration order: gRPC listener, cluster transport, storage environment.
func Run(ctx context.Context, cfg *Config) error {
	log := logging.NewLogger("server")
	log.Infof("starting quorumkv node, self=%d", cfg.Self)
	log.Infof(spew.Sprint(cfg))
	defer log.Infof("node is stopped")

	pageCacheSize := cfg.PageCacheSize
	if pageCacheSize <= 0 {
		pageCacheSize = 4096
	}
	pageCache, err := pagecache.New(pageCacheSize)
	if err != nil {
		return fmt.Errorf("server: creating page cache: %w", err)
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = env.DefaultChunkSize
	}
	environment, err := env.Open(env.Config{Dir: cfg.DataDir, ChunkSize: chunkSize, PageCache: pageCache, Logger: logging.NewLogger("env")})
	if err != nil {
		return fmt.Errorf("server: opening storage environment at %s: %w", cfg.DataDir, err)
	}

	peers := make(map[paxos.NodeID]transport.Config, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers[p.ID] = p.Transport
	}
	clusterTransport, err := cluster.NewTransport(cluster.Config{
		Self:   cfg.Self,
		Listen: *cfg.ClusterTransport,
		Peers:  peers,
	})
	if err != nil {
		_ = environment.Close()
		return fmt.Errorf("server: starting cluster transport: %w", err)
	}

	grpcListener, err := transport.NewServerListener(*cfg.GrpcTransport)
	if err != nil {
		_ = clusterTransport.Close()
		_ = environment.Close()
		return fmt.Errorf("server: starting gRPC listener on %s: %w", cfg.GrpcTransport.Addr(), err)
	}
	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, health.NewServer())

	inj := linker.New()
	inj.Register(linker.Component{Name: "env", Value: &envComponent{environment}})
	inj.Register(linker.Component{Name: "cluster", Value: &clusterComponent{clusterTransport}})
	inj.Register(linker.Component{Name: "grpc", Value: &grpcComponent{server: grpcServer, listener: grpcListener, logger: log}})

	inj.Init(ctx)
	<-ctx.Done()
	inj.Shutdown()
	return nil
}
