package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const metadataCheckTimeout = 10 * time.Second

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errDatasetRequired      = errors.New("bigquery dataset is required")
	errTableNameRequired    = errors.New("bigquery table name is required")
	errClientNotInitialized = errors.New("bigquery client not initialized")
)

// Client is the analytics warehouse handle: one dataset and the order facts table in it.
type Client struct {
	bq      *bigquery.Client
	dataset *bigquery.Dataset
	facts   string
}

// Row carries a value with the insert ID BigQuery uses to drop duplicate
// streaming inserts. Values must be structs or pointers to structs.
type Row struct {
	InsertID string
	Value    any
}

// NewClient opens the warehouse and fails when the order facts table is missing.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	datasetID := strings.TrimSpace(cfg.Dataset)
	facts := strings.TrimSpace(cfg.OrderFactsTable)
	switch {
	case projectID == "":
		return nil, errProjectIDRequired
	case datasetID == "":
		return nil, errDatasetRequired
	case facts == "":
		return nil, errTableNameRequired
	}

	bq, err := bigquery.NewClient(ctx, projectID, credentialOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	c := &Client{bq: bq, dataset: bq.Dataset(datasetID), facts: facts}
	if err := c.Ping(ctx); err != nil {
		_ = bq.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"dataset": datasetID,
			"table":   facts,
		}), "bigquery client initialized")
	}
	return c, nil
}

// credentialOptions prefers inline JSON credentials over a credentials file.
// With neither set the client falls back to application default credentials.
func credentialOptions(gcp config.GCPConfig) []option.ClientOption {
	if strings.TrimSpace(gcp.CredentialsJSON) != "" {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	}
	if path := strings.TrimSpace(gcp.ApplicationCredentials); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

// Ping checks that the order facts table exists and is a plain table.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.dataset == nil {
		return errClientNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, metadataCheckTimeout)
	defer cancel()

	meta, err := c.dataset.Table(c.facts).Metadata(ctx)
	switch {
	case isNotFound(err):
		return fmt.Errorf("order facts table %s.%s does not exist", c.dataset.DatasetID, c.facts)
	case err != nil:
		return fmt.Errorf("checking order facts table %s.%s: %w", c.dataset.DatasetID, c.facts, err)
	case meta.Type != "" && meta.Type != bigquery.RegularTable:
		return fmt.Errorf("%s.%s is a %s, expected a table", c.dataset.DatasetID, c.facts, meta.Type)
	}
	return nil
}

// InsertRows streams rows into table. Row values get their insert IDs attached;
// anything else is passed to the inserter as is.
func (c *Client) InsertRows(ctx context.Context, table string, rows []any) error {
	if c == nil || c.dataset == nil {
		return errClientNotInitialized
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return errTableNameRequired
	}
	if len(rows) == 0 {
		return nil
	}
	return c.dataset.Table(table).Inserter().Put(ctx, savers(rows))
}

func savers(rows []any) []any {
	out := make([]any, len(rows))
	for i, row := range rows {
		if r, ok := row.(Row); ok {
			out[i] = &bigquery.StructSaver{Struct: r.Value, InsertID: r.InsertID}
			continue
		}
		out[i] = row
	}
	return out
}

func (c *Client) Close() error {
	if c == nil || c.bq == nil {
		return nil
	}
	return c.bq.Close()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
