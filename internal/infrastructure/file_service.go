package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dpsim-api/internal/domain"

	"go.uber.org/zap"
)

// ContentResolver turns content references into fetchable locations.
type ContentResolver interface {
	// Resolve returns "" without contacting the registry for the
	// "no content" sentinels.
	Resolve(ctx context.Context, ref string) (string, error)
	ProvisionSlot(ctx context.Context) (string, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type FileServiceClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewFileServiceClient(baseURL string, timeout time.Duration, logger *zap.Logger) *FileServiceClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileServiceClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type fileData struct {
	FileID string `json:"fileID"`
	URL    string `json:"url"`
}

func (c *FileServiceClient) Resolve(ctx context.Context, ref string) (string, error) {
	if domain.IsNoContent(ref) {
		return "", nil
	}

	endpoint := c.baseURL + "/files/" + url.PathEscape(ref)
	data, err := c.call(ctx, "resolve", ref, http.MethodGet, endpoint)
	if err != nil {
		return "", err
	}
	if data.URL == "" {
		return "", &ResolutionError{Op: "resolve", Ref: ref, URL: endpoint, Kind: KindMalformed, Message: "response carries no url"}
	}

	c.logger.Debug("content resolved", zap.String("ref", ref), zap.String("url", data.URL))
	return data.URL, nil
}

func (c *FileServiceClient) ProvisionSlot(ctx context.Context) (string, error) {
	endpoint := c.baseURL + "/files"
	data, err := c.call(ctx, "provision", "", http.MethodPost, endpoint)
	if err != nil {
		return "", err
	}
	if data.FileID == "" {
		return "", &ResolutionError{Op: "provision", URL: endpoint, Kind: KindMalformed, Message: "response carries no fileID"}
	}

	c.logger.Debug("results slot provisioned", zap.String("file_id", data.FileID))
	return data.FileID, nil
}

func (c *FileServiceClient) Fetch(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, &ResolutionError{Op: "fetch", URL: location, Kind: KindMalformed, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ResolutionError{Op: "fetch", URL: location, Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ResolutionError{Op: "fetch", URL: location, Kind: KindTransport, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError("fetch", "", location, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, nil
}

func (c *FileServiceClient) call(ctx context.Context, op, ref, method, endpoint string) (*fileData, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
	if err != nil {
		return nil, &ResolutionError{Op: op, Ref: ref, URL: endpoint, Kind: KindMalformed, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ResolutionError{Op: op, Ref: ref, URL: endpoint, Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ResolutionError{Op: op, Ref: ref, URL: endpoint, Kind: KindTransport, Err: err}
	}

	result, decodeErr := decodeEnvelope[fileData](body)
	switch {
	case decodeErr == nil && result.Err != nil:
		if isUnauthorized(resp.StatusCode) {
			return nil, statusError(op, ref, endpoint, resp.StatusCode, result.Err.Message)
		}
		return nil, &ResolutionError{Op: op, Ref: ref, URL: endpoint, Kind: KindRegistry, StatusCode: resp.StatusCode, Message: result.Err.Message}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, statusError(op, ref, endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	case decodeErr != nil:
		return nil, &ResolutionError{Op: op, Ref: ref, URL: endpoint, Kind: KindMalformed, StatusCode: resp.StatusCode, Err: decodeErr}
	}

	return result.Data, nil
}

// registryResult is the decoded form of the registry's {"data": ...} /
// {"error": ...} envelope. Exactly one of Data and Err is set.
type registryResult[T any] struct {
	Data *T
	Err  *registryError
}

type registryError struct {
	Message string `json:"message"`
}

func decodeEnvelope[T any](body []byte) (registryResult[T], error) {
	var envelope struct {
		Data  *T             `json:"data"`
		Error *registryError `json:"error"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&envelope); err != nil {
		return registryResult[T]{}, fmt.Errorf("failed to decode registry response: %w", err)
	}

	switch {
	case envelope.Error != nil:
		return registryResult[T]{Err: envelope.Error}, nil
	case envelope.Data != nil:
		return registryResult[T]{Data: envelope.Data}, nil
	}
	return registryResult[T]{}, fmt.Errorf("registry response has neither data nor error")
}
