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

package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
)

type TopologyTestSuite struct {
	suite.Suite
	dir string
}

func TestTopology(t *testing.T) {
	suite.Run(t, new(TopologyTestSuite))
}

func (s *TopologyTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
}

func (s *TopologyTestSuite) writeSpec(content string) string {
	path := filepath.Join(s.dir, "cluster.yaml")
	s.NoError(os.WriteFile(path, []byte(content), 0644))
	return path
}

func (s *TopologyTestSuite) TestLoadSpec() {
	path := s.writeSpec(`
cluster_name: wx-cluster
fileroot: /data/areal
n_nodes: 16
n_gpus_per_node: 8
`)
	topo, err := Load(path)
	s.NoError(err)
	s.Equal("wx-cluster", topo.ClusterName)
	s.Equal(16, topo.NNodes)
	s.Equal(8, topo.NGPUsPerNode)
	s.Equal(128, topo.Capacity())
}

func (s *TopologyTestSuite) TestDefaults() {
	path := s.writeSpec(`
cluster_name: defaults
fileroot: /data/areal
`)
	topo, err := Load(path)
	s.NoError(err)
	s.Equal(32, topo.NNodes)
	s.Equal(8, topo.NGPUsPerNode)
	s.Equal("NODE", topo.NodeNamePrefix)
}

func (s *TopologyTestSuite) TestNodeNamePadding() {
	topo := &Topology{
		NNodes:         128,
		NGPUsPerNode:   8,
		NodeNamePrefix: "NODE",
	}
	s.Equal("NODE007", topo.NodeName(7))
	s.Equal("NODE115", topo.NodeName(115))

	small := &Topology{
		NNodes:         8,
		NGPUsPerNode:   8,
		NodeNamePrefix: "NODE",
	}
	s.Equal("NODE3", small.NodeName(3))
}

func (s *TopologyTestSuite) TestLocalFallback() {
	topo, err := Load("")
	s.NoError(err)
	s.Equal("local", topo.ClusterName)
	s.Equal(1, topo.NNodes)
	s.NotEmpty(topo.Fileroot)

	info, err := os.Stat(topo.Fileroot)
	s.NoError(err)
	s.True(info.IsDir())
}

func (s *TopologyTestSuite) TestInvalidSpec() {
	path := s.writeSpec(`
cluster_name: broken
fileroot: /data/areal
n_nodes: 0
`)
	_, err := Load(path)
	s.Error(err)

	path = s.writeSpec(`
cluster_name: no-root
n_nodes: 4
`)
	_, err = Load(path)
	s.Error(err)
}

func (s *TopologyTestSuite) TestMissingFile() {
	_, err := Load(filepath.Join(s.dir, "does-not-exist.yaml"))
	s.Error(err)
}
