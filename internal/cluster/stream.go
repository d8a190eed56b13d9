package cluster

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
)

// CompletionRequest is the client-facing request for a streamed completion
// (§4.5.5).
type CompletionRequest struct {
	ClusterID   uuid.UUID
	LoraID      *uuid.UUID
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// completionChoice mirrors the OpenAI-compatible /v1/completions response
// shape vLLM emits per SSE event.
type completionChoice struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

// CompletionStream relays tokens from vLLM's SSE stream to onToken as they
// arrive, passing each choices[0].text unframed, and finishes by passing the
// literal "[DONE]". It writes no "data: ...\n\n" framing itself; any SSE
// framing is done by the onToken sink. Grounded on the teacher's
// internal/scheduler/vllm_proxy.go HandleStreaming/streamResponse shape:
// forward upstream, flush chunks as they're read, respect context
// cancellation from a disconnected client.
func (c *Controller) CompletionStream(ctx context.Context, req CompletionRequest, onToken func(token string) error) error {
	cluster, err := c.store.GetDeployCluster(ctx, req.ClusterID)
	if err != nil {
		return fmt.Errorf("get deploy cluster: %w", err)
	}
	if cluster.Status != models.ClusterStatusStarting {
		return &ValidationError{Message: "cluster is not Starting"}
	}

	model := "base_model"
	if req.LoraID != nil {
		lora, ok := cluster.FindLora(*req.LoraID)
		if !ok {
			return &ValidationError{Message: "lora does not belong to cluster"}
		}
		if lora.Status != models.LoraStatusStarting {
			return &ValidationError{Message: "lora is not installed"}
		}
		model = lora.ID.String()
	}

	machines, err := c.store.ListMachinesByIDs(ctx, cluster.MachineIDList)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}
	baseURL, err := masterBaseURL(machines)
	if err != nil {
		return fmt.Errorf("resolve master url: %w", err)
	}

	body, status, err := c.httpClient.PostStream(ctx, baseURL+"/v1/completions", map[string]interface{}{
		"model":       model,
		"prompt":      req.Prompt,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"stream":      true,
	})
	if err != nil {
		return fmt.Errorf("start completion stream: %w", err)
	}
	defer body.Close()
	if status/100 != 2 {
		return fmt.Errorf("completion stream returned status %d", status)
	}

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return onToken("[DONE]")
		}

		var chunk completionChoice
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if err := onToken(chunk.Choices[0].Text); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read completion stream: %w", err)
	}
	return onToken("[DONE]")
}
