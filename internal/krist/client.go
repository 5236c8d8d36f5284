package krist

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/bardlex/kristminer/pkg/circuit"
	"github.com/bardlex/kristminer/pkg/errors"
	"github.com/bardlex/kristminer/pkg/log"
	"github.com/bardlex/kristminer/pkg/retry"
)

// DefaultNodeURL is the public Krist node.
const DefaultNodeURL = "https://krist.dev"

// Config holds node client configuration
type Config struct {
	URL               string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// HTTPClient talks to a Krist node over its JSON HTTP API. Read-only calls
// are retried with backoff; submissions are sent exactly once.
type HTTPClient struct {
	baseURL        string
	http           *http.Client
	limiter        *rate.Limiter
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

// NewHTTPClient creates a node client.
//
// Parameters:
//   - cfg: node URL, per-request timeout and request rate
//   - logger: component logger; breaker transitions are logged through it
func NewHTTPClient(cfg *Config, logger *log.Logger) (*HTTPClient, error) {
	base := strings.TrimRight(cfg.URL, "/")
	if base == "" {
		base = DefaultNodeURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "node_client_creation",
			"invalid node URL").
			WithContext("url", cfg.URL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}

	logger = logger.WithComponent("krist").WithFields("node", base)

	cbConfig := &circuit.Config{
		Name:            "krist-node",
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("node circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &HTTPClient{
		baseURL:        base,
		http:           &http.Client{Timeout: timeout},
		limiter:        rate.NewLimiter(limit, burst),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NodeConfig(),
		logger:         logger,
	}, nil
}

// BaseURL returns the node URL the client talks to.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// GetChainInfo returns the last block's short hash and the current work.
func (c *HTTPClient) GetChainInfo(ctx context.Context) (ChainInfo, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (ChainInfo, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (ChainInfo, error) {
			var last lastBlockResponse
			if err := c.do(ctx, "get_last_block", http.MethodGet, "/blocks/last", nil, &last); err != nil {
				return ChainInfo{}, err
			}

			blockID := last.Block.ShortHash
			if blockID == "" && len(last.Block.Hash) >= 12 {
				blockID = last.Block.Hash[:12]
			}
			if blockID == "" {
				return ChainInfo{}, errors.New(errors.ErrorTypeNode, "get_last_block",
					"node returned a block without a hash")
			}

			var work workResponse
			if err := c.do(ctx, "get_work", http.MethodGet, "/work", nil, &work); err != nil {
				return ChainInfo{}, err
			}

			return ChainInfo{BlockID: blockID, Target: work.Work}, nil
		})
	})
}

// SubmitSolution submits a nonce. It is never retried: a lost response
// cannot be told apart from a lost request, and re-finding is cheaper.
func (c *HTTPClient) SubmitSolution(ctx context.Context, address, block, nonce string) (SubmitStatus, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (SubmitStatus, error) {
		var resp submitResponse
		err := c.do(ctx, "submit_solution", http.MethodPost, "/submit",
			submitRequest{Address: address, Nonce: nonce}, &resp)

		code := resp.Error
		if err != nil {
			if !errors.IsType(err, errors.ErrorTypeNode) {
				return SubmitRejected, err
			}
			code, _ = errors.GetContext(err)["code"].(string)
		}

		switch {
		case err == nil && resp.Success:
			return SubmitAccepted, nil
		case code == ErrCodeSolutionDuplicate:
			return SubmitStale, nil
		case code == ErrCodeSolutionIncorrect, err == nil && code == "":
			return SubmitRejected, nil
		default:
			c.logger.Warn("unexpected submission response", "block", block, "nonce", nonce, "code", code)
			if err != nil {
				return SubmitRejected, err
			}
			return SubmitRejected, errors.New(errors.ErrorTypeNode, "submit_solution", "node refused solution").
				WithContext("code", code)
		}
	})
}

// AddressFor resolves the address owned by privateKey through /login.
func (c *HTTPClient) AddressFor(ctx context.Context, privateKey string) (string, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (string, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (string, error) {
			var resp loginResponse
			if err := c.do(ctx, "login", http.MethodPost, "/login", loginRequest{PrivateKey: privateKey}, &resp); err != nil {
				return "", err
			}
			if resp.Address == "" {
				return "", errors.New(errors.ErrorTypeNode, "login", "node did not return an address")
			}
			return resp.Address, nil
		})
	})
}

// Balance returns the balance of address.
func (c *HTTPClient) Balance(ctx context.Context, address string) (int64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (int64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (int64, error) {
			var resp addressResponse
			err := c.do(ctx, "get_address", http.MethodGet, "/addresses/"+url.PathEscape(address), nil, &resp)
			if err != nil {
				if code, _ := errors.GetContext(err)["code"].(string); code == ErrCodeAddressNotFound {
					return 0, nil
				}
				return 0, err
			}
			return resp.Address.Balance, nil
		})
	})
}

// Transfer sends amount from the address of fromKey to to. Retrying is left
// to the caller, which knows whether a repeated transfer is safe.
func (c *HTTPClient) Transfer(ctx context.Context, fromKey, to string, amount int64) (*Transaction, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*Transaction, error) {
		var resp transferResponse
		err := c.do(ctx, "transfer", http.MethodPost, "/transactions",
			transferRequest{PrivateKey: fromKey, To: to, Amount: amount}, &resp)
		if err != nil {
			return nil, err
		}
		return &resp.Transaction, nil
	})
}

// do performs one request and decodes the envelope into out. Responses with
// ok=false become node errors; transport problems and 5xx become network errors.
func (c *HTTPClient) do(ctx context.Context, operation, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTimeout, operation, "rate limiter wait aborted")
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, operation, "failed to encode request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, operation, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		errorType := errors.ErrorTypeNetwork
		if stderrors.Is(err, context.DeadlineExceeded) {
			errorType = errors.ErrorTypeTimeout
		}
		return errors.Wrap(err, errorType, operation, "request to node failed").
			WithContext("path", path)
	}
	defer resp.Body.Close()
	c.logger.LogDuration(operation, time.Since(start).Nanoseconds())

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, operation, "failed to read response").
			WithContext("path", path)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.New(errors.ErrorTypeNetwork, operation,
			fmt.Sprintf("node returned HTTP %d", resp.StatusCode)).
			WithContext("path", path)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNode, operation, "malformed node response").
			WithContext("path", path).
			WithContext("status", resp.StatusCode)
	}
	if !env.OK {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		return errors.New(errors.ErrorTypeNode, operation, msg).
			WithContext("code", env.Error).
			WithContext("status", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNode, operation, "malformed node response").
				WithContext("path", path)
		}
	}
	return nil
}
