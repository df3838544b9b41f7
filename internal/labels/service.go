package labels

import (
	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/cache"
	"github.com/xelth-com/eckaddr/internal/models"
)

// Directory resolves address codes to slots. *cache.Cache satisfies it.
type Directory interface {
	Address(code string) (models.Address, bool)
	ProductsAt(addr string) []models.Allocation
	Search(text string) []cache.Slot
}

// Printer renders a job and records it in the log.
type Printer struct {
	Directory Directory
	Generator Generator
	Log       *Log
}

// Print resolves every address of job, renders the PDF and records the job.
// Unknown or malformed codes fail the whole job before anything is logged.
func (p *Printer) Print(job Job, layout Layout) ([]byte, []models.LabelLogEntry, error) {
	if len(job.Addresses) == 0 {
		return nil, nil, apperr.New(apperr.InvalidFormat, "print job has no addresses")
	}
	slots := make([]cache.Slot, 0, len(job.Addresses))
	codes := make([]string, 0, len(job.Addresses))
	for _, raw := range job.Addresses {
		code, err := models.NormalizeAddressCode(raw)
		if err != nil {
			return nil, nil, apperr.Wrap(apperr.InvalidFormat, err, "label address %q", raw)
		}
		addr, ok := p.Directory.Address(code)
		if !ok {
			return nil, nil, apperr.New(apperr.AddressNotFound, "address %s not found", code)
		}
		slots = append(slots, cache.Slot{Address: addr, Allocations: p.Directory.ProductsAt(code)})
		codes = append(codes, code)
	}
	if job.Copies > 0 {
		layout.Copies = job.Copies
	}

	pdf, err := p.Generator.AddressLabels(slots, layout)
	if err != nil {
		return nil, nil, err
	}
	job.Addresses = codes
	entries, err := p.Log.Record(job)
	if err != nil {
		return nil, nil, err
	}
	return pdf, entries, nil
}

// ZoneAddresses lists the codes of every known address in zone, e.g. "PF01".
func ZoneAddresses(dir Directory, zone string) []string {
	var out []string
	for _, s := range dir.Search("") {
		c, err := models.ParseAddressCode(s.Address.Code)
		if err == nil && c.Zone == zone {
			out = append(out, s.Address.Code)
		}
	}
	return out
}
