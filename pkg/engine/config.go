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

package engine

// GenerationServerConfig is forwarded to the generation backend
// server process.
type GenerationServerConfig struct {
	MemFractionStatic  float64 `yaml:"mem_fraction_static"`
	DisableRadixCache  bool    `yaml:"disable_radix_cache"`
	MaxRunningRequests int     `yaml:"max_running_requests"`
	ContextLength      int     `yaml:"context_length"`
	EnableMetrics      bool    `yaml:"enable_metrics"`
}

// DecodeParams are the per-request decoding parameters.
type DecodeParams struct {
	MaxNewTokens      int     `yaml:"max_new_tokens"`
	MinNewTokens      int     `yaml:"min_new_tokens"`
	TopP              float64 `yaml:"top_p"`
	TopK              int     `yaml:"top_k"`
	Temperature       float64 `yaml:"temperature"`
	ForceNoLogitsMask bool    `yaml:"force_no_logits_mask"`
	UseCUDAGraph      bool    `yaml:"use_cuda_graph"`
}

// GenerationConfig bundles everything the generation backend needs.
type GenerationConfig struct {
	Server GenerationServerConfig `yaml:"server"`
	Decode DecodeParams           `yaml:"decode"`
}

// OptimizerConfig is forwarded to the training engine.
type OptimizerConfig struct {
	LR                    float64 `yaml:"lr"`
	LRSchedulerType       string  `yaml:"lr_scheduler_type"`
	Eps                   float64 `yaml:"eps"`
	WarmupStepsProportion float64 `yaml:"warmup_steps_proportion"`
	Hysteresis            int     `yaml:"hysteresis"`
	WeightDecay           float64 `yaml:"weight_decay"`
	Beta1                 float64 `yaml:"beta1"`
	Beta2                 float64 `yaml:"beta2"`
	GradientClipping      float64 `yaml:"gradient_clipping"`
	InitialLossScale      float64 `yaml:"initial_loss_scale"`
	MinLossScale          float64 `yaml:"min_loss_scale"`
	LossScaleWindow       int     `yaml:"loss_scale_window"`
}

// ParallelStrategyConfig carries the parallelism degrees and reduction
// options the training engine runs with. The degrees mirror the
// allocation token the role was placed from.
type ParallelStrategyConfig struct {
	DataParallelSize        int    `yaml:"data_parallel_size"`
	PipelineParallelSize    int    `yaml:"pipeline_parallel_size"`
	ModelParallelSize       int    `yaml:"model_parallel_size"`
	GradReducePrecision     string `yaml:"grad_reduce_precision"`
	UseDistributedOptimizer bool   `yaml:"use_distributed_optimizer"`
}

// TrainConfig bundles everything the training engine needs.
type TrainConfig struct {
	Optimizer OptimizerConfig        `yaml:"optimizer"`
	Parallel  ParallelStrategyConfig `yaml:"parallel"`

	// TorchCacheMysophobia forces aggressive memory-cache clearing
	// in the training engine after every step.
	TorchCacheMysophobia bool `yaml:"torch_cache_mysophobia"`
}
