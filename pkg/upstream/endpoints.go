package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/sp-api-ingest/pkg/ingest"
	"github.com/Sternrassler/sp-api-ingest/pkg/pagination"
)

// Business and temporal keys per entity.
const (
	OrderKeyField     = "AmazonOrderId"
	OrderTimeField    = "PurchaseDate"
	OrderItemKeyField = "OrderItemId"
	InventoryKeyField = "sellerSku"
	InventoryTime     = "lastUpdatedTime"
)

// MaxSKUsPerRequest is the upstream limit on sellerSkus per inventory lookup.
const MaxSKUsPerRequest = 50

// listResponse covers both the payload-wrapped and the flat response layouts.
// Entity lists arrive under different names per endpoint.
type listResponse struct {
	Payload    *listBody `json:"payload"`
	Pagination *struct {
		NextToken string `json:"nextToken"`
	} `json:"pagination"`
	listBody
}

type listBody struct {
	Orders             []map[string]any `json:"Orders"`
	OrderItems         []map[string]any `json:"OrderItems"`
	AmazonOrderID      string           `json:"AmazonOrderId"`
	InventorySummaries []map[string]any `json:"inventorySummaries"`
	NextToken          string           `json:"NextToken"`
	NextTokenLower     string           `json:"nextToken"`
}

func (r *listResponse) body() *listBody {
	if r.Payload != nil {
		return r.Payload
	}
	return &r.listBody
}

func (r *listResponse) next() string {
	b := r.body()
	switch {
	case b.NextToken != "":
		return b.NextToken
	case b.NextTokenLower != "":
		return b.NextTokenLower
	case r.Pagination != nil:
		return r.Pagination.NextToken
	case r.NextToken != "":
		return r.NextToken
	default:
		return r.NextTokenLower
	}
}

// UnmarshalJSON keeps the embedded body from shadowing the payload field.
func (r *listResponse) UnmarshalJSON(data []byte) error {
	type wrapped struct {
		Payload    json.RawMessage `json:"payload"`
		Pagination *struct {
			NextToken string `json:"nextToken"`
		} `json:"pagination"`
	}
	var w wrapped
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Pagination = w.Pagination
	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		r.Payload = &listBody{}
		if err := json.Unmarshal(w.Payload, r.Payload); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
	}
	return json.Unmarshal(data, &r.listBody)
}

// toPage converts raw entries into records, counting the ones without a key.
func toPage(entries []map[string]any, next string, enrich func(map[string]any), timeField string, keyFields ...string) ingest.Page {
	page := ingest.Page{NextCursor: next, Records: make([]ingest.Record, 0, len(entries))}
	for _, fields := range entries {
		if fields == nil {
			page.Rejected++
			continue
		}
		if enrich != nil {
			enrich(fields)
		}
		rec, err := ingest.NewRecord(fields, timeField, keyFields...)
		if err != nil {
			page.Rejected++
			continue
		}
		page.Records = append(page.Records, rec)
	}
	return page
}

// Orders returns a FetchFunc over orders created in [start, end).
func (c *Client) Orders(start, end time.Time) pagination.FetchFunc {
	return func(ctx context.Context, cursor string) (ingest.Page, error) {
		query := url.Values{}
		query.Set("MarketplaceIds", c.config.MarketplaceID)
		if cursor != "" {
			query.Set("NextToken", cursor)
		} else {
			query.Set("CreatedAfter", start.UTC().Format(time.RFC3339))
			if !end.IsZero() {
				query.Set("CreatedBefore", end.UTC().Format(time.RFC3339))
			}
		}

		var resp listResponse
		if err := c.get(ctx, OrdersEndpoint, query, &resp); err != nil {
			return ingest.Page{}, err
		}
		page := toPage(resp.body().Orders, resp.next(), nil, OrderTimeField, OrderKeyField)
		c.logRejected(OrdersEndpoint, page)
		return page, nil
	}
}

// OrderItems returns a FetchFunc over the line items of one order. Each item
// is tagged with its order id so the business key is order|item.
func (c *Client) OrderItems(orderID string) pagination.FetchFunc {
	endpoint := OrderItemsEndpoint(orderID)
	return func(ctx context.Context, cursor string) (ingest.Page, error) {
		query := url.Values{}
		if cursor != "" {
			query.Set("NextToken", cursor)
		}

		var resp listResponse
		if err := c.get(ctx, endpoint, query, &resp); err != nil {
			return ingest.Page{}, err
		}
		tag := func(fields map[string]any) {
			if _, ok := fields[OrderKeyField]; !ok {
				fields[OrderKeyField] = orderID
			}
		}
		page := toPage(resp.body().OrderItems, resp.next(), tag, "", OrderKeyField, OrderItemKeyField)
		c.logRejected(OrderItemsEndpoint(orderID), page)
		return page, nil
	}
}

// InventorySummaries returns a FetchFunc over the marketplace inventory.
func (c *Client) InventorySummaries() pagination.FetchFunc {
	return func(ctx context.Context, cursor string) (ingest.Page, error) {
		query := c.inventoryQuery()
		if cursor != "" {
			query.Set("nextToken", cursor)
		}

		var resp listResponse
		if err := c.get(ctx, InventorySummariesEndpoint, query, &resp); err != nil {
			return ingest.Page{}, err
		}
		page := toPage(resp.body().InventorySummaries, resp.next(), nil, InventoryTime, InventoryKeyField)
		c.logRejected(InventorySummariesEndpoint, page)
		return page, nil
	}
}

// InventoryBySKU returns a FetchFunc that looks up the inventory of specific
// SKUs. The upstream caps one request at MaxSKUsPerRequest keys.
func (c *Client) InventoryBySKU(skus []string) pagination.FetchFunc {
	return func(ctx context.Context, cursor string) (ingest.Page, error) {
		if len(skus) == 0 {
			return ingest.Page{}, nil
		}
		if len(skus) > MaxSKUsPerRequest {
			return ingest.Page{}, &ingest.UpstreamError{
				Class:    ingest.ErrorClassClient,
				Endpoint: InventoryDetailsEndpoint,
				Message:  fmt.Sprintf("%d skus exceed the per-request limit of %d", len(skus), MaxSKUsPerRequest),
			}
		}

		query := c.inventoryQuery()
		query.Set("sellerSkus", strings.Join(skus, ","))
		if cursor != "" {
			query.Set("nextToken", cursor)
		}

		var resp listResponse
		if err := c.get(ctx, InventoryDetailsEndpoint, query, &resp); err != nil {
			return ingest.Page{}, err
		}
		page := toPage(resp.body().InventorySummaries, resp.next(), nil, InventoryTime, InventoryKeyField)
		c.logRejected(InventoryDetailsEndpoint, page)
		return page, nil
	}
}

func (c *Client) inventoryQuery() url.Values {
	query := url.Values{}
	query.Set("marketplaceIds", c.config.MarketplaceID)
	query.Set("details", "true")
	query.Set("granularityType", "Marketplace")
	query.Set("granularityId", c.config.MarketplaceID)
	return query
}

func (c *Client) logRejected(endpoint string, page ingest.Page) {
	if page.Rejected == 0 {
		return
	}
	c.logger.Warn().
		Str("endpoint", metricLabel(endpoint)).
		Int("rejected", page.Rejected).
		Int("accepted", len(page.Records)).
		Msg("Dropped records without business key")
}
