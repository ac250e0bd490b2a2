package context

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPConfigClient implements ConfigClient over plain HTTP/JSON. grpc was
// dropped for this surface (see DESIGN.md: no protoc stubs can be generated
// without running the toolchain); the wire shape is a single POST of the
// signed ConfigRequest, JSON-encoded.
type HTTPConfigClient struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPConfigClient constructs a client pointed at baseURL (e.g.
// "https://config.example.org"). A nil httpClient uses http.DefaultClient.
func NewHTTPConfigClient(baseURL string, httpClient *http.Client) *HTTPConfigClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPConfigClient{BaseURL: baseURL, Client: httpClient}
}

type wireRequest struct {
	ContextID string `json:"context_id"`
	Signer    string `json:"signer"`
	Nonce     uint64 `json:"nonce"`
	Operation string `json:"operation"`
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
}

// Send posts req to BaseURL+"/context-config" and decodes the response.
func (c *HTTPConfigClient) Send(req ConfigRequest, timeout time.Duration) (ConfigResponse, error) {
	wire := wireRequest{
		ContextID: req.ContextID.String(),
		Signer:    req.Signer.String(),
		Nonce:     req.Nonce,
		Operation: req.Operation,
		Payload:   req.Payload,
		Signature: req.Signature,
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return ConfigResponse{}, fmt.Errorf("context: marshal config request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.BaseURL+"/context-config", bytes.NewReader(body))
	if err != nil {
		return ConfigResponse{}, fmt.Errorf("context: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := c.Client
	if timeout > 0 {
		clientCopy := *client
		clientCopy.Timeout = timeout
		client = &clientCopy
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return ConfigResponse{}, fmt.Errorf("context: send config request: %w", err)
	}
	defer resp.Body.Close()

	var out ConfigResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ConfigResponse{}, fmt.Errorf("context: decode config response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && out.Error == "" {
		out.Error = fmt.Sprintf("context config service returned status %d", resp.StatusCode)
	}
	return out, nil
}
