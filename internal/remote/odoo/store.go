package odoo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote"
)

// Odoo models provided by the warehouse addressing module.
const (
	AddressModel    = "wms.address"
	AllocationModel = "wms.allocation"
	CounterModel    = "wms.usage.counter"
	LabelModel      = "wms.label.log"
)

var (
	addressFields       = []string{"code", "description", "active", "facility_id"}
	allocationFields    = []string{"address", "product_code", "product_description", "validity", "user", "allocated_at", "active", "barcode", "lot"}
	legacyAllocationFds = []string{"endereco", "coddv", "desc", "validade", "usuario", "data_hora", "barcode", "lot"}
	counterFields       = []string{"key", "total", "categories", "version", "updated_at"}
	labelFields         = []string{"entry_id", "address_code", "product_code", "copies", "user", "printed_at", "metadata"}
)

type addressRow struct {
	Code        remote.Text `json:"code"`
	Description remote.Text `json:"description"`
	Active      bool        `json:"active"`
	FacilityID  remote.Text `json:"facility_id"`
}

type counterRow struct {
	Key        remote.Text `json:"key"`
	Total      int64       `json:"total"`
	Categories remote.Text `json:"categories"` // JSON object
	Version    int64       `json:"version"`
	UpdatedAt  remote.Text `json:"updated_at"`
}

type labelRow struct {
	EntryID     remote.Text `json:"entry_id"`
	AddressCode remote.Text `json:"address_code"`
	ProductCode remote.Text `json:"product_code"`
	Copies      int         `json:"copies"`
	User        remote.Text `json:"user"`
	PrintedAt   remote.Text `json:"printed_at"`
	Metadata    remote.Text `json:"metadata"` // JSON object
}

func (c *Client) allocationFields() []string {
	if c.legacy {
		return legacyAllocationFds
	}
	return allocationFields
}

func (c *Client) LoadAddresses(ctx context.Context, facilityID string, page, pageSize int) ([]models.Address, error) {
	domain := []interface{}{[]interface{}{"facility_id", "=", facilityID}}
	var rows []addressRow
	if err := c.SearchRead(ctx, AddressModel, domain, addressFields, pageSize, page*pageSize, &rows); err != nil {
		return nil, err
	}

	out := make([]models.Address, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Address{
			Code:        r.Code.String(),
			Description: r.Description.String(),
			Active:      r.Active,
			FacilityID:  facilityID,
		})
	}
	return out, nil
}

func (c *Client) LoadAllocations(ctx context.Context, facilityID string, page, pageSize int) ([]remote.AllocationRow, error) {
	domain := []interface{}{
		[]interface{}{"facility_id", "=", facilityID},
		[]interface{}{"active", "=", true},
	}
	var rows []remote.AllocationRow
	if err := c.SearchRead(ctx, AllocationModel, domain, c.allocationFields(), pageSize, page*pageSize, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) QueryLiveStatus(ctx context.Context, productCode, facilityID string) ([]remote.AllocationRow, error) {
	productField := "product_code"
	if c.legacy {
		productField = "coddv"
	}
	domain := []interface{}{
		[]interface{}{"facility_id", "=", facilityID},
		[]interface{}{productField, "=", productCode},
		[]interface{}{"active", "=", true},
	}
	var rows []remote.AllocationRow
	if err := c.SearchRead(ctx, AllocationModel, domain, c.allocationFields(), 0, 0, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// CallProcedure invokes a server method on the allocation model with the
// params as a single dict argument.
func (c *Client) CallProcedure(ctx context.Context, name string, params remote.Params) (remote.Result, error) {
	var reply interface{}
	if err := c.ExecuteKw(ctx, AllocationModel, name, []interface{}{map[string]interface{}(params)}, nil, &reply); err != nil {
		return nil, err
	}
	if m, ok := reply.(map[string]interface{}); ok {
		return remote.Result(m), nil
	}
	return remote.Result{"value": reply}, nil
}

// Ping asks the common endpoint for the server version; it needs no session.
func (c *Client) Ping(ctx context.Context) error {
	var version map[string]interface{}
	if err := c.call(ctx, c.CommonURL, "version", []interface{}{}, &version); err != nil {
		return classify(err, "ping")
	}
	return nil
}

func (c *Client) FetchCounter(ctx context.Context, key string) (*models.UsageCounter, error) {
	domain := []interface{}{[]interface{}{"key", "=", key}}
	var rows []counterRow
	if err := c.SearchRead(ctx, CounterModel, domain, counterFields, 1, 0, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	r := rows[0]
	counter := &models.UsageCounter{
		Key:        r.Key.String(),
		Total:      r.Total,
		Version:    r.Version,
		Categories: map[string]int64{},
	}
	if raw := r.Categories.String(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &counter.Categories); err != nil {
			return nil, fmt.Errorf("decode counter %s categories: %w", key, err)
		}
	}
	at, err := remote.ParseTimestamp(r.UpdatedAt.String(), time.UTC)
	if err != nil {
		return nil, err
	}
	counter.UpdatedAt = at
	return counter, nil
}

func (c *Client) StoreCounter(ctx context.Context, counter *models.UsageCounter) error {
	categories, err := json.Marshal(counter.Categories)
	if err != nil {
		return err
	}
	values := map[string]interface{}{
		"key":        counter.Key,
		"total":      counter.Total,
		"categories": string(categories),
		"version":    counter.Version,
		"updated_at": counter.UpdatedAt.UTC().Format("2006-01-02 15:04:05"),
	}
	var ok interface{}
	return c.ExecuteKw(ctx, CounterModel, "store_counter", []interface{}{values}, nil, &ok)
}

func (c *Client) FetchLabelEntries(ctx context.Context, facilityID string) ([]models.LabelLogEntry, error) {
	domain := []interface{}{[]interface{}{"facility_id", "=", facilityID}}
	var rows []labelRow
	if err := c.SearchRead(ctx, LabelModel, domain, labelFields, 0, 0, &rows); err != nil {
		return nil, err
	}

	out := make([]models.LabelLogEntry, 0, len(rows))
	for _, r := range rows {
		at, err := remote.ParseTimestamp(r.PrintedAt.String(), time.UTC)
		if err != nil {
			return nil, err
		}
		entry := models.LabelLogEntry{
			ID:          r.EntryID.String(),
			AddressCode: r.AddressCode.String(),
			ProductCode: r.ProductCode.String(),
			Copies:      r.Copies,
			User:        r.User.String(),
			PrintedAt:   at,
		}
		if raw := r.Metadata.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode label %s metadata: %w", entry.ID, err)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func (c *Client) StoreLabelEntry(ctx context.Context, facilityID string, entry *models.LabelLogEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	values := map[string]interface{}{
		"facility_id":  facilityID,
		"entry_id":     entry.ID,
		"address_code": entry.AddressCode,
		"product_code": entry.ProductCode,
		"copies":       entry.Copies,
		"user":         entry.User,
		"printed_at":   entry.PrintedAt.UTC().Format("2006-01-02 15:04:05"),
		"metadata":     string(metadata),
	}
	var ok interface{}
	return c.ExecuteKw(ctx, LabelModel, "store_entry", []interface{}{values}, nil, &ok)
}

var (
	_ remote.Store         = (*Client)(nil)
	_ remote.CounterStore  = (*Client)(nil)
	_ remote.LabelLogStore = (*Client)(nil)
)
