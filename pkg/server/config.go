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

package server

import (
	"encoding/json"
	"fmt"

	"github.com/quorumkv/quorumkv/golibs/config"
	"github.com/quorumkv/quorumkv/golibs/logging"
	"github.com/quorumkv/quorumkv/golibs/transport"
	"github.com/quorumkv/quorumkv/pkg/paxos"
)

type (
	// PeerConfig is one other node in the cluster this node keeps an outbound connection to.
	PeerConfig struct {
		ID        paxos.NodeID
		Transport transport.Config
	}

	// Config defines a quorumkv node's configuration.
	Config struct {
		// GrpcTransport specifies the client-facing gRPC listener configuration.
		GrpcTransport *transport.Config
		// ClusterTransport specifies the node-to-node pkg/cluster listener configuration.
		ClusterTransport *transport.Config
		// Self is this node's paxos.NodeID, used for every quorum it participates in.
		Self paxos.NodeID
		// Peers lists every other node in the cluster.
		Peers []PeerConfig
		// DataDir holds the storage environment's toc/, chunks/ and logs/ subdirectories.
		DataDir string
		// ChunkSize is the memo-chunk promotion threshold in bytes; 0 selects env.DefaultChunkSize.
		ChunkSize int64
		// PageCacheSize is the maximum number of file-chunk pages kept resident across all shards.
		PageCacheSize int
	}
)

// getDefaultConfig returns the default node config.
func getDefaultConfig() *Config {
	return &Config{
		GrpcTransport:    transport.GetDefaultGRPCConfig(),
		ClusterTransport: &transport.Config{Network: "tcp", Port: 7760},
		Self:             1,
		DataDir:          "data",
		PageCacheSize:    4096,
	}
}

// BuildConfig loads a Config from cfgFile, starting from the defaults and applying the
// QUORUMKV_-prefixed environment variables on top.
func BuildConfig(cfgFile string) (*Config, error) {
	log := logging.NewLogger("quorumkv.ConfigBuilder")
	log.Infof("building config, cfgFile=%s", cfgFile)

	e := config.NewEnricher(*getDefaultConfig())
	if cfgFile != "" {
		fe := config.NewEnricher(Config{})
		if err := fe.LoadFromFile(cfgFile); err != nil {
			return nil, fmt.Errorf("could not read config from %s: %w", cfgFile, err)
		}
		_ = e.ApplyOther(fe)
	}
	_ = e.ApplyEnvVariables("QUORUMKV", "_")
	cfg := e.Value()
	return &cfg, nil
}

// String implements fmt.Stringer in a pretty console form.
func (c *Config) String() string {
	b, _ := json.MarshalIndent(*c, "", "  ")
	return string(b)
}
