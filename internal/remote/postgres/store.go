// Package postgres implements the remote store on a PostgreSQL database.
// Mutations go through plpgsql functions so each one runs atomically on the
// server, the same way the Odoo module exposes them as model methods.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote"
)

//go:embed schema.sql
var functionsSQL string

// Store is a remote.Store backed by gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New wraps an open connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates the tables and (re)installs the procedures.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&addressRecord{},
		&allocationRecord{},
		&legacyIndexRecord{},
		&counterRecord{},
		&labelRecord{},
	)
	if err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}

	// the function bodies hold several statements; run them on the raw
	// connection so no placeholder rewriting happens
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if _, err := sqlDB.ExecContext(ctx, functionsSQL); err != nil {
		return fmt.Errorf("install procedures: %w", err)
	}
	return nil
}

func (s *Store) LoadAddresses(ctx context.Context, facilityID string, page, pageSize int) ([]models.Address, error) {
	var rows []addressRecord
	err := s.db.WithContext(ctx).
		Where("facility_id = ?", facilityID).
		Order("code").
		Limit(pageSize).Offset(page * pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, classify(err, "load addresses")
	}

	out := make([]models.Address, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Address{
			Code:        r.Code,
			Description: r.Description,
			Active:      r.Active,
			FacilityID:  r.FacilityID,
		})
	}
	return out, nil
}

func (s *Store) LoadAllocations(ctx context.Context, facilityID string, page, pageSize int) ([]remote.AllocationRow, error) {
	var rows []allocationRecord
	err := s.db.WithContext(ctx).
		Where("facility_id = ? AND active", facilityID).
		Order("id").
		Limit(pageSize).Offset(page * pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, classify(err, "load allocations")
	}
	return toRows(rows), nil
}

func (s *Store) QueryLiveStatus(ctx context.Context, productCode, facilityID string) ([]remote.AllocationRow, error) {
	var rows []allocationRecord
	err := s.db.WithContext(ctx).
		Where("facility_id = ? AND product_code = ? AND active", facilityID, productCode).
		Order("address").
		Find(&rows).Error
	if err != nil {
		return nil, classify(err, "live status")
	}
	return toRows(rows), nil
}

func toRows(rows []allocationRecord) []remote.AllocationRow {
	out := make([]remote.AllocationRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.row())
	}
	return out
}

// CallProcedure runs the plpgsql function for name.
func (s *Store) CallProcedure(ctx context.Context, name string, p remote.Params) (remote.Result, error) {
	facility := p.String("facility_id")
	at := p.Time("at", s.now())
	db := s.db.WithContext(ctx)

	var n int
	var err error
	switch name {
	case remote.ProcAllocate, remote.ProcAddAdditional:
		err = db.Raw("SELECT wms_allocate(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			facility, p.String("address"), p.String("product_code"), p.String("product_description"),
			p.String("validity"), p.String("user"), p.Bool("allow_multiple") || name == remote.ProcAddAdditional,
			p.String("barcode"), p.String("lot"), at,
		).Scan(&n).Error
	case remote.ProcTransfer:
		err = db.Raw("SELECT wms_transfer(?, ?, ?, ?, ?, ?)",
			facility, p.String("address"), p.String("destination_address"),
			p.String("product_code"), p.String("user"), at,
		).Scan(&n).Error
	case remote.ProcDeallocate:
		err = db.Raw("SELECT wms_deallocate(?, ?, ?, ?)",
			facility, p.String("address"), p.String("product_code"), p.Bool("clear_legacy_index"),
		).Scan(&n).Error
	case remote.ProcRegisterAddress:
		code, nerr := models.NormalizeAddressCode(p.String("address"))
		if nerr != nil {
			return nil, remote.Reject(apperr.InvalidFormat, "%s: %v", name, nerr)
		}
		var registered string
		err = db.Raw("SELECT wms_register_address(?, ?, ?)",
			facility, code, p.String("description"),
		).Scan(&registered).Error
		if err == nil {
			return remote.Result{"address": registered}, nil
		}
	default:
		return nil, remote.Reject(apperr.Kind(""), "unknown procedure %q", name)
	}
	if err != nil {
		return nil, classify(err, name)
	}
	return remote.Result{"address": p.String("address"), "count": n}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return classify(err, "ping")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return classify(err, "ping")
	}
	return nil
}

func (s *Store) FetchCounter(ctx context.Context, key string) (*models.UsageCounter, error) {
	var r counterRecord
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "fetch counter")
	}
	return counterFromRecord(r), nil
}

func (s *Store) StoreCounter(ctx context.Context, counter *models.UsageCounter) error {
	r := counterToRecord(counter)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&r).Error
	return classify(err, "store counter")
}

func (s *Store) FetchLabelEntries(ctx context.Context, facilityID string) ([]models.LabelLogEntry, error) {
	var rows []labelRecord
	err := s.db.WithContext(ctx).Where("facility_id = ?", facilityID).Order("printed_at").Find(&rows).Error
	if err != nil {
		return nil, classify(err, "fetch labels")
	}
	out := make([]models.LabelLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, labelFromRecord(r))
	}
	return out, nil
}

func (s *Store) StoreLabelEntry(ctx context.Context, facilityID string, entry *models.LabelLogEntry) error {
	r := labelToRecord(facilityID, entry)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_id"}},
		UpdateAll: true,
	}).Create(&r).Error
	return classify(err, "store label")
}

// SQLSTATE values the procedures and constraints produce.
const (
	codeRaiseException  = "P0001"
	codeUniqueViolation = "23505"
	codeQueryCanceled   = "57014"
)

// classify maps a database error onto the remote kinds. Function refusals
// carry "<code>: <message>" in the exception text.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return remote.Classify(err, op)
	}

	switch {
	case pgErr.Code == codeRaiseException:
		code, msg, found := strings.Cut(pgErr.Message, ":")
		if !found {
			return remote.Reject(apperr.Kind(""), "%s: %s", op, pgErr.Message)
		}
		return remote.Reject(apperr.Kind(strings.TrimSpace(code)), "%s: %s", op, strings.TrimSpace(msg))
	case pgErr.Code == codeUniqueViolation:
		return remote.Reject(apperr.DuplicateAllocation, "%s: %s", op, pgErr.Detail)
	case pgErr.Code == codeQueryCanceled:
		return apperr.Wrap(apperr.Timeout, err, "%s", op)
	case transientClass(pgErr.Code):
		return apperr.Wrap(apperr.RemoteFailure, err, "%s", op)
	}
	return remote.Reject(apperr.Kind(""), "%s: %s (%s)", op, pgErr.Message, pgErr.Code)
}

// transientClass reports SQLSTATE classes worth retrying: connection
// exceptions, resource shortage, operator intervention, rollbacks.
func transientClass(code string) bool {
	if len(code) < 2 {
		return false
	}
	switch code[:2] {
	case "08", "53", "57", "40":
		return true
	}
	return false
}

var (
	_ remote.Store         = (*Store)(nil)
	_ remote.CounterStore  = (*Store)(nil)
	_ remote.LabelLogStore = (*Store)(nil)
)
