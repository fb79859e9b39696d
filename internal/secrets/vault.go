package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotReady signals that a vault object exists but its value has not been
// materialized yet. Reads retry on this error.
var ErrNotReady = errors.New("vault object not ready")

// VaultReader dereferences an opaque object id into its secret value.
type VaultReader interface {
	Read(ctx context.Context, objectID string) ([]byte, error)
}

// HTTPVaultReader reads vault objects over HTTP with a bearer token.
type HTTPVaultReader struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (v *HTTPVaultReader) Read(ctx context.Context, objectID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/objects/%s", v.BaseURL, objectID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+v.Token)

	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", objectID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusTooEarly:
		return nil, fmt.Errorf("vault read %s: %w", objectID, ErrNotReady)
	default:
		return nil, fmt.Errorf("vault read %s: status %d", objectID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", objectID, err)
	}
	var obj struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("vault read %s: decode: %w", objectID, err)
	}
	return obj.Value, nil
}

// readWithRetry dereferences an object id, retrying not-yet-ready responses
// with bounded exponential backoff. Other errors fail immediately.
func readWithRetry(ctx context.Context, r VaultReader, objectID string) ([]byte, error) {
	const maxAttempts = 5
	backoff := 200 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		value, err := r.Read(ctx, objectID)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotReady) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
