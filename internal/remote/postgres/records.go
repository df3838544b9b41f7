package postgres

import (
	"time"

	"gorm.io/datatypes"

	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote"
)

type addressRecord struct {
	FacilityID  string `gorm:"primaryKey;size:32"`
	Code        string `gorm:"primaryKey;size:32"`
	Description string
	Active      bool `gorm:"not null;default:true"`
}

func (addressRecord) TableName() string { return "wms_addresses" }

type allocationRecord struct {
	ID                 uint   `gorm:"primaryKey"`
	FacilityID         string `gorm:"size:32;index:idx_wms_allocations_facility_address"`
	Address            string `gorm:"size:32;index:idx_wms_allocations_facility_address"`
	ProductCode        string `gorm:"size:64;index"`
	ProductDescription string
	Validity           string `gorm:"size:4"`
	UserName           string
	AllocatedAt        time.Time
	Active             bool `gorm:"not null;default:true"`
	Barcode            string
	Lot                string
}

func (allocationRecord) TableName() string { return "wms_allocations" }

// legacyIndexRecord is the single-address product index kept for older
// clients that look a product up by one address.
type legacyIndexRecord struct {
	FacilityID  string `gorm:"primaryKey;size:32"`
	ProductCode string `gorm:"primaryKey;size:64"`
	Address     string `gorm:"size:32"`
}

func (legacyIndexRecord) TableName() string { return "wms_legacy_index" }

type counterRecord struct {
	Key        string `gorm:"primaryKey;size:128"`
	Total      int64
	Categories datatypes.JSONMap `gorm:"type:jsonb"`
	Version    int64
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false"`
}

func (counterRecord) TableName() string { return "wms_usage_counters" }

type labelRecord struct {
	EntryID     string `gorm:"primaryKey;size:64"`
	FacilityID  string `gorm:"size:32;index"`
	AddressCode string `gorm:"size:32"`
	ProductCode string `gorm:"size:64"`
	Copies      int
	UserName    string
	PrintedAt   time.Time
	Metadata    datatypes.JSONMap `gorm:"type:jsonb"`
}

func (labelRecord) TableName() string { return "wms_label_log" }

func (r allocationRecord) row() remote.AllocationRow {
	return remote.RowOf(models.Allocation{
		Address:            r.Address,
		ProductCode:        r.ProductCode,
		ProductDescription: r.ProductDescription,
		Validity:           models.Validity(r.Validity),
		User:               r.UserName,
		AllocatedAt:        r.AllocatedAt,
		Active:             r.Active,
		Barcode:            r.Barcode,
		Lot:                r.Lot,
	})
}

func counterFromRecord(r counterRecord) *models.UsageCounter {
	c := &models.UsageCounter{
		Key:        r.Key,
		Total:      r.Total,
		Version:    r.Version,
		UpdatedAt:  r.UpdatedAt,
		Categories: make(map[string]int64, len(r.Categories)),
	}
	for k, v := range r.Categories {
		switch n := v.(type) {
		case float64:
			c.Categories[k] = int64(n)
		case int64:
			c.Categories[k] = n
		case int:
			c.Categories[k] = int64(n)
		}
	}
	return c
}

func counterToRecord(c *models.UsageCounter) counterRecord {
	cats := make(datatypes.JSONMap, len(c.Categories))
	for k, v := range c.Categories {
		cats[k] = v
	}
	return counterRecord{
		Key:        c.Key,
		Total:      c.Total,
		Categories: cats,
		Version:    c.Version,
		UpdatedAt:  c.UpdatedAt,
	}
}

func labelFromRecord(r labelRecord) models.LabelLogEntry {
	e := models.LabelLogEntry{
		ID:          r.EntryID,
		AddressCode: r.AddressCode,
		ProductCode: r.ProductCode,
		Copies:      r.Copies,
		User:        r.UserName,
		PrintedAt:   r.PrintedAt,
	}
	if len(r.Metadata) > 0 {
		e.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			if s, ok := v.(string); ok {
				e.Metadata[k] = s
			}
		}
	}
	return e
}

func labelToRecord(facilityID string, e *models.LabelLogEntry) labelRecord {
	meta := make(datatypes.JSONMap, len(e.Metadata))
	for k, v := range e.Metadata {
		meta[k] = v
	}
	return labelRecord{
		EntryID:     e.ID,
		FacilityID:  facilityID,
		AddressCode: e.AddressCode,
		ProductCode: e.ProductCode,
		Copies:      e.Copies,
		UserName:    e.User,
		PrintedAt:   e.PrintedAt,
		Metadata:    meta,
	}
}
