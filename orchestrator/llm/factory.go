// Copyright 2025 FlowGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	"fmt"
	"os"
)

// Provider names accepted in LLM_PROVIDER.
const (
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// NewClientFromEnv selects and configures a provider from environment
// variables: LLM_PROVIDER (anthropic default), LLM_API_KEY, LLM_API_URL,
// LLM_MODEL, BEDROCK_REGION, BEDROCK_MODEL.
func NewClientFromEnv(ctx context.Context) (Client, error) {
	provider := os.Getenv("LLM_PROVIDER")
	if provider == "" {
		provider = ProviderAnthropic
	}

	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(AnthropicConfig{
			APIKey:  os.Getenv("LLM_API_KEY"),
			BaseURL: os.Getenv("LLM_API_URL"),
			Model:   os.Getenv("LLM_MODEL"),
		})
	case ProviderBedrock:
		return NewBedrockClient(ctx, os.Getenv("BEDROCK_REGION"), os.Getenv("BEDROCK_MODEL"))
	}
	return nil, fmt.Errorf("unknown LLM provider %q", provider)
}
