package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/utils"
)

// AdminSecretHeader authenticates against the Hasura indexer.
const AdminSecretHeader = "x-hasura-admin-secret"

// Config holds GraphQL endpoint configuration
type Config struct {
	URL         string        `yaml:"url" json:"url"`                 // HTTP endpoint for queries
	WSURL       string        `yaml:"wsUrl" json:"wsUrl"`             // Websocket endpoint for subscriptions
	AdminSecret string        `yaml:"adminSecret" json:"-"`           // Sent as x-hasura-admin-secret when set
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`         // Per-request timeout (default: 10s)
	PageSize    int           `yaml:"pageSize" json:"pageSize"`       // Rows per table per poll (default: 100)
}

// DefaultConfig returns default GraphQL configuration
func DefaultConfig() Config {
	return Config{
		URL:      "http://localhost:8080/v1/graphql",
		WSURL:    "ws://localhost:8080/v1/graphql",
		Timeout:  10 * time.Second,
		PageSize: 100,
	}
}

// Client talks to the indexer's GraphQL HTTP endpoint with a reused HTTP client
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a new GraphQL client with connection reuse
func New(config Config, logger *zap.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultConfig().PageSize
	}
	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     utils.OrNamed(logger, "GRAPHQL"),
	}
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.config
}

const depositFields = `event_id chain_id block_number amount from id`

// GraphQL queries
const (
	latestBlocksQuery = `
		query LatestBlocks {
			chain_metadata {
				chain_id
				block_height
			}
		}
	`

	depositsSinceQuery = `
		query DepositsSince($chainId: Int!, $fromBlock: Int!, $limit: Int!) {
			native: RelayDepository_RelayNativeDeposit(
				where: { chain_id: { _eq: $chainId }, block_number: { _gt: $fromBlock } }
				order_by: { block_number: asc }
				limit: $limit
			) {
				` + depositFields + `
			}
			erc20: RelayDepository_RelayErc20Deposit(
				where: { chain_id: { _eq: $chainId }, block_number: { _gt: $fromBlock } }
				order_by: { block_number: asc }
				limit: $limit
			) {
				` + depositFields + ` token
			}
			chain_metadata(where: { chain_id: { _eq: $chainId } }) {
				chain_id
				block_height
			}
		}
	`

	countSinceQuery = `
		query DailyCount($chainId: Int, $minBlock: Int) {
			counted: %s_aggregate(where: { block_number: { _gte: $minBlock }, chain_id: { _eq: $chainId } }) {
				aggregate {
					count(columns: event_id, distinct: false)
				}
			}
		}
	`
)

// Table returns the indexer table holding deposits of kind.
func Table(kind models.DepositKind) string {
	if kind == models.KindNative {
		return "RelayDepository_RelayNativeDeposit"
	}
	return "RelayDepository_RelayErc20Deposit"
}

// Request represents a GraphQL request
type Request struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// Error is one entry of a GraphQL error response.
type Error struct {
	Message string `json:"message"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []Error         `json:"errors"`
}

type chainMetadata struct {
	ChainID     models.FlexInt `json:"chain_id"`
	BlockHeight models.FlexInt `json:"block_height"`
}

// do posts a query and decodes its data into out.
func (c *Client) do(ctx context.Context, operation, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(Request{Query: query, Variables: variables})
	if err != nil {
		return utils.WrapError(err, utils.ErrorTypeInternal, "MARSHAL_FAILED", "error marshaling request", "GRAPHQL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return utils.WrapError(err, utils.ErrorTypeInternal, "REQUEST_FAILED", "error creating request", "GRAPHQL")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.AdminSecret != "" {
		req.Header.Set(AdminSecretHeader, c.config.AdminSecret)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return utils.WrapError(err, utils.ErrorTypeNetwork, "HTTP_FAILED", "graphql request failed", "GRAPHQL").
			WithContext("operation", operation).
			AsRetryable()
	}
	defer resp.Body.Close()

	c.logger.Debug("graphql request completed",
		zap.String("operation", operation),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		appErr := utils.NewAppError(utils.ErrorTypeGraphQL, "HTTP_STATUS",
			fmt.Sprintf("unexpected status code: %d", resp.StatusCode), "GRAPHQL").
			WithContext("operation", operation).
			WithDetails(strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			appErr = appErr.AsRetryable()
		}
		return appErr
	}

	var result response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return utils.WrapError(err, utils.ErrorTypeGraphQL, "DECODE_FAILED", "error decoding response", "GRAPHQL").
			WithContext("operation", operation)
	}
	if len(result.Errors) > 0 {
		messages := make([]string, len(result.Errors))
		for i, e := range result.Errors {
			messages[i] = e.Message
		}
		return utils.NewAppError(utils.ErrorTypeGraphQL, "QUERY_ERRORS", "graphql errors: "+strings.Join(messages, "; "), "GRAPHQL").
			WithContext("operation", operation)
	}
	if out == nil || len(result.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(result.Data, out); err != nil {
		return utils.WrapError(err, utils.ErrorTypeGraphQL, "DECODE_FAILED", "error decoding data", "GRAPHQL").
			WithContext("operation", operation)
	}
	return nil
}

// LatestBlockHeights returns the indexed block height per chain.
func (c *Client) LatestBlockHeights(ctx context.Context) (map[int64]int64, error) {
	var data struct {
		ChainMetadata []chainMetadata `json:"chain_metadata"`
	}
	if err := c.do(ctx, "LatestBlocks", latestBlocksQuery, nil, &data); err != nil {
		return nil, err
	}
	heights := make(map[int64]int64, len(data.ChainMetadata))
	for _, m := range data.ChainMetadata {
		heights[int64(m.ChainID)] = int64(m.BlockHeight)
	}
	return heights, nil
}

// DepositPage is one poll of a chain: deposits after a block, oldest first,
// and the chain's indexed height at query time. Complete is false when a
// table hit the page size and more rows may follow.
type DepositPage struct {
	Deposits    []models.RawDeposit
	BlockHeight int64
	Complete    bool
}

// DepositsSince fetches native and ERC-20 deposits with block_number > fromBlock.
func (c *Client) DepositsSince(ctx context.Context, chainID, fromBlock int64) (DepositPage, error) {
	var data struct {
		Native        []models.RawDeposit `json:"native"`
		ERC20         []models.RawDeposit `json:"erc20"`
		ChainMetadata []chainMetadata     `json:"chain_metadata"`
	}
	variables := map[string]interface{}{
		"chainId":   chainID,
		"fromBlock": fromBlock,
		"limit":     c.config.PageSize,
	}
	if err := c.do(ctx, "DepositsSince", depositsSinceQuery, variables, &data); err != nil {
		return DepositPage{}, err
	}

	page := DepositPage{
		Deposits: make([]models.RawDeposit, 0, len(data.Native)+len(data.ERC20)),
		Complete: len(data.Native) < c.config.PageSize && len(data.ERC20) < c.config.PageSize,
	}
	for _, d := range data.Native {
		d.Kind = models.KindNative
		page.Deposits = append(page.Deposits, d)
	}
	for _, d := range data.ERC20 {
		d.Kind = models.KindERC20
		page.Deposits = append(page.Deposits, d)
	}
	for _, m := range data.ChainMetadata {
		if int64(m.ChainID) == chainID {
			page.BlockHeight = int64(m.BlockHeight)
		}
	}
	return page, nil
}

// CountSince counts deposits of kind on chainID with block_number >= minBlock.
func (c *Client) CountSince(ctx context.Context, kind models.DepositKind, chainID, minBlock int64) (int64, error) {
	var data struct {
		Counted struct {
			Aggregate struct {
				Count int64 `json:"count"`
			} `json:"aggregate"`
		} `json:"counted"`
	}
	variables := map[string]interface{}{
		"chainId":  chainID,
		"minBlock": minBlock,
	}
	if err := c.do(ctx, "DailyCount", fmt.Sprintf(countSinceQuery, Table(kind)), variables, &data); err != nil {
		return 0, err
	}
	return data.Counted.Aggregate.Count, nil
}

// Close releases idle connections
func (c *Client) Close() {
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
