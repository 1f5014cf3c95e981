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
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// bedrockAnthropicVersion is the payload version Bedrock requires for
// Claude models.
const bedrockAnthropicVersion = "bedrock-2023-05-31"

// DefaultBedrockModel is the managed model id used when unconfigured.
const DefaultBedrockModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"

// bedrockInvoker is the slice of the Bedrock runtime API the client
// uses; tests substitute it.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockClient speaks the same messages contract through AWS Bedrock
// InvokeModel.
type BedrockClient struct {
	runtime bedrockInvoker
	modelID string
}

// NewBedrockClient loads AWS configuration for the region and returns
// a Bedrock-backed client.
func NewBedrockClient(ctx context.Context, region, modelID string) (*BedrockClient, error) {
	if region == "" {
		region = "us-east-1"
	}
	if modelID == "" {
		modelID = DefaultBedrockModel
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &BedrockClient{
		runtime: bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// bedrockRequest is the InvokeModel body: the messages request with the
// Bedrock version marker instead of a model field.
type bedrockRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	System           string    `json:"system,omitempty"`
	Messages         []Message `json:"messages"`
	Tools            []Tool    `json:"tools,omitempty"`
}

// Call invokes the managed model. The request's Model field is ignored;
// Bedrock models are addressed by the configured model id.
func (c *BedrockClient) Call(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}
	payload, err := json.Marshal(bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        maxTokens,
		System:           req.System,
		Messages:         req.Messages,
		Tools:            req.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("encode bedrock request: %w", err)
	}

	out, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock invoke failed: %w", err)
	}

	var decoded Response
	if err := json.Unmarshal(out.Body, &decoded); err != nil {
		return nil, fmt.Errorf("decode bedrock response: %w", err)
	}
	if decoded.Model == "" {
		decoded.Model = c.modelID
	}
	return &decoded, nil
}
