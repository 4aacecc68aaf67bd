/**
 * Model Server Client - forgery classifier and gradient attribution
 *
 * Talks to a KServe v2 compatible inference server hosting the forgery
 * classifier. The worker never loads model weights itself:
 * - /v2/models/{model}/infer returns class probabilities for a patch
 * - /v2/models/{model}/explain returns activations and gradients at a layer
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/forensics-worker/internal/explain"
	"github.com/adverant/nexus/forensics-worker/internal/inference"
	"github.com/adverant/nexus/forensics-worker/internal/logging"
)

// ModelClient handles communication with the model server
type ModelClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *logging.Logger
}

// InferTensor is one named tensor in a v2 request or response
type InferTensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

// InferRequest is the v2 inference request body
type InferRequest struct {
	ID         string                 `json:"id"`
	Inputs     []InferTensor          `json:"inputs"`
	Outputs    []RequestedOutput      `json:"outputs,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// RequestedOutput names a tensor the caller wants back
type RequestedOutput struct {
	Name string `json:"name"`
}

// InferResponse is the v2 inference response body
type InferResponse struct {
	ModelName string        `json:"model_name"`
	ID        string        `json:"id"`
	Outputs   []InferTensor `json:"outputs"`
}

// Output names exchanged with the server
const (
	OutputProbabilities = "probabilities"
	OutputActivations   = "activations"
	OutputGradients     = "gradients"
	inputName           = "input"
)

// NewModelClient creates a new model server client
func NewModelClient(baseURL, model string) *ModelClient {
	return &ModelClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logging.NewLogger("ModelClient"),
	}
}

// Predict returns the class distribution for one input tensor
func (c *ModelClient) Predict(ctx context.Context, input *inference.Tensor) ([]float64, error) {
	req := &InferRequest{
		ID:      uuid.New().String(),
		Inputs:  []InferTensor{toInferTensor(input)},
		Outputs: []RequestedOutput{{Name: OutputProbabilities}},
	}

	resp, err := c.post(ctx, fmt.Sprintf("%s/v2/models/%s/infer", c.baseURL, c.model), req)
	if err != nil {
		return nil, err
	}

	out, err := findOutput(resp, OutputProbabilities)
	if err != nil {
		return nil, err
	}

	probs := make([]float64, len(out.Data))
	for i, v := range out.Data {
		probs[i] = float64(v)
	}
	return probs, nil
}

// Attribute runs a forward and backward pass for targetClass and returns
// the activations and gradients captured at layer.
func (c *ModelClient) Attribute(ctx context.Context, input *inference.Tensor, layer string, targetClass int) (*explain.Attribution, error) {
	req := &InferRequest{
		ID:     uuid.New().String(),
		Inputs: []InferTensor{toInferTensor(input)},
		Outputs: []RequestedOutput{
			{Name: OutputActivations},
			{Name: OutputGradients},
		},
		Parameters: map[string]interface{}{
			"target_layer": layer,
			"target_class": targetClass,
		},
	}

	resp, err := c.post(ctx, fmt.Sprintf("%s/v2/models/%s/explain", c.baseURL, c.model), req)
	if err != nil {
		return nil, err
	}

	acts, err := findOutput(resp, OutputActivations)
	if err != nil {
		return nil, err
	}
	grads, err := findOutput(resp, OutputGradients)
	if err != nil {
		return nil, err
	}

	return &explain.Attribution{
		Activations: featureMap(acts),
		Gradients:   featureMap(grads),
	}, nil
}

// HealthCheck verifies the server reports ready
func (c *ModelClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/v2/health/ready", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func (c *ModelClient) post(ctx context.Context, endpoint string, payload *InferRequest) (*InferResponse, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "forensics-worker")
	httpReq.Header.Set("X-Request-ID", payload.ID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to model server failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model server returned error status %d: %s", resp.StatusCode, string(body))
	}

	var inferResp InferResponse
	if err := json.Unmarshal(body, &inferResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	c.logger.Debug("Model server call complete", "endpoint", endpoint, "request_id", payload.ID, "outputs", len(inferResp.Outputs))
	return &inferResp, nil
}

func toInferTensor(t *inference.Tensor) InferTensor {
	return InferTensor{
		Name:     inputName,
		Shape:    t.Shape[:],
		Datatype: "FP32",
		Data:     t.Data,
	}
}

func findOutput(resp *InferResponse, name string) (*InferTensor, error) {
	for i := range resp.Outputs {
		if resp.Outputs[i].Name == name {
			return &resp.Outputs[i], nil
		}
	}
	return nil, fmt.Errorf("model server response missing output %q", name)
}

// featureMap drops a leading batch dimension of 1
func featureMap(t *InferTensor) explain.FeatureMap {
	shape := t.Shape
	if len(shape) > 2 && shape[0] == 1 {
		shape = shape[1:]
	}
	return explain.FeatureMap{Shape: shape, Data: t.Data}
}
