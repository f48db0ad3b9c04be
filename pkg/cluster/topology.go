// Copyright (c) 2026 The AReaL Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cluster describes the static hardware inventory a trial runs
// on. The topology is loaded once at startup and read-only afterwards.
package cluster

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	_defaultNNodes       = 32
	_defaultNGPUsPerNode = 8
	_defaultNodePrefix   = "NODE"
)

// Topology is the static description of the cluster: node and GPU
// counts plus the shared storage root used for checkpoints and
// recovery state.
type Topology struct {
	ClusterName    string `yaml:"cluster_name"`
	Fileroot       string `yaml:"fileroot"`
	NNodes         int    `yaml:"n_nodes"`
	NGPUsPerNode   int    `yaml:"n_gpus_per_node"`
	NodeNamePrefix string `yaml:"node_name_prefix"`
}

// Capacity returns the total number of GPUs in the cluster.
func (t *Topology) Capacity() int {
	return t.NNodes * t.NGPUsPerNode
}

// NodeName formats a node index into the cluster's hostname scheme,
// zero-padded so that all node names have the same width.
func (t *Topology) NodeName(node int) string {
	digits := len(fmt.Sprintf("%d", t.NNodes))
	return fmt.Sprintf("%s%0*d", t.NodeNamePrefix, digits, node)
}

// Load reads the cluster spec file. An empty path falls back to a
// single-node local topology with a per-user fileroot, so local trials
// run without any cluster configuration.
func Load(path string) (*Topology, error) {
	if path == "" {
		return localTopology()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read cluster spec %s", path)
	}

	topo := &Topology{
		NNodes:         _defaultNNodes,
		NGPUsPerNode:   _defaultNGPUsPerNode,
		NodeNamePrefix: _defaultNodePrefix,
	}
	if err := yaml.Unmarshal(data, topo); err != nil {
		return nil, errors.Wrapf(err, "failed to parse cluster spec %s", path)
	}
	if err := topo.validate(); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"cluster":         topo.ClusterName,
		"n_nodes":         topo.NNodes,
		"n_gpus_per_node": topo.NGPUsPerNode,
		"fileroot":        topo.Fileroot,
	}).Info("Loaded cluster topology")
	return topo, nil
}

func localTopology() (*Topology, error) {
	root, err := userTmp()
	if err != nil {
		return nil, err
	}
	log.WithField("fileroot", root).
		Warn("No cluster spec configured, using local single-node topology")
	return &Topology{
		ClusterName:    "local",
		Fileroot:       root,
		NNodes:         1,
		NGPUsPerNode:   _defaultNGPUsPerNode,
		NodeNamePrefix: _defaultNodePrefix,
	}, nil
}

func userTmp() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve current user")
	}
	root := filepath.Join(os.TempDir(), "areal", u.Username)
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create local fileroot %s", root)
	}
	return root, nil
}

func (t *Topology) validate() error {
	if t.NNodes <= 0 {
		return errors.Errorf("n_nodes must be positive, got %d", t.NNodes)
	}
	if t.NGPUsPerNode <= 0 {
		return errors.Errorf(
			"n_gpus_per_node must be positive, got %d", t.NGPUsPerNode)
	}
	if t.Fileroot == "" {
		return errors.New("fileroot must be set in the cluster spec")
	}
	return nil
}
