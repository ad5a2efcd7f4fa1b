package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
)

// BedrockInvoker invokes an AWS Bedrock agent.
type BedrockInvoker struct {
	client *bedrockagentruntime.Client
}

// NewBedrockInvoker builds an invoker from the default AWS credential chain.
func NewBedrockInvoker(ctx context.Context, region string) (*BedrockInvoker, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &BedrockInvoker{
		client: bedrockagentruntime.NewFromConfig(cfg),
	}, nil
}

// Invoke sends one InvokeAgent request and exposes the completion event
// stream as a chunked completion. The stream is drained lazily by the
// decoder and closed when iteration stops.
func (b *BedrockInvoker) Invoke(ctx context.Context, req InvokeRequest) (Completion, error) {
	out, err := b.client.InvokeAgent(ctx, &bedrockagentruntime.InvokeAgentInput{
		AgentId:      aws.String(req.AgentID),
		AgentAliasId: aws.String(req.AgentAliasID),
		SessionId:    aws.String(req.SessionID),
		InputText:    aws.String(req.InputText),
	})
	if err != nil {
		return Completion{}, fmt.Errorf("invoke agent: %w", err)
	}

	stream := out.GetStream()
	chunks := func(yield func([]byte, error) bool) {
		defer func() {
			if closeErr := stream.Close(); closeErr != nil {
				slog.Debug("failed to close agent event stream", "error", closeErr)
			}
		}()
		for event := range stream.Events() {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				// Trace and citation events carry no reply text.
				continue
			}
			if !yield(chunk.Value.Bytes, nil) {
				return
			}
		}
		if streamErr := stream.Err(); streamErr != nil {
			yield(nil, streamErr)
		}
	}
	return StreamCompletion(chunks), nil
}
