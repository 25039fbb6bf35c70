package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// PackVersion identifies the audit pack format.
const PackVersion = "1.0.0"

// PackSection is one titled block of an audit pack.
type PackSection struct {
	Title string `json:"title"`
	Type  string `json:"type"`
	Count int    `json:"count,omitempty"`
	Data  any    `json:"data"`
}

// PackMetadata describes when and for whom a pack was generated.
type PackMetadata struct {
	GeneratedAt    time.Time `json:"generated_at"`
	TaxYear        int       `json:"tax_year"`
	OrganizationID string    `json:"organization_id"`
	PackVersion    string    `json:"pack_version"`
	Generator      string    `json:"generator"`
}

// AuditPack is the export handed to examiners: organization data, per
// employee calculations, the vault chain proof, and the methodology text.
type AuditPack struct {
	Metadata PackMetadata  `json:"metadata"`
	Sections []PackSection `json:"sections"`
}

// EntryProof is the compact entry form included in the chain section.
type EntryProof struct {
	Sequence     int64   `json:"sequence"`
	Type         string  `json:"type"`
	EntryHash    string  `json:"entry_hash"`
	PreviousHash *string `json:"previous_hash"`
	CreatedAt    string  `json:"created_at"`
	ActorID      *string `json:"actor_id"`
}

// ExportOptions controls pack assembly. Extra sections come from callers
// that own the data (employee roster, calculation details).
type ExportOptions struct {
	TaxYear        int
	IncludeEntries bool
	EntryLimit     int
	Extra          []PackSection
	Actor          Actor
}

// Exporter assembles audit defense packs.
type Exporter struct {
	Ledger  *Ledger
	Checker Checker
	Log     zerolog.Logger
}

// GeneratePack builds the pack and records the export in the vault itself,
// so pack generation appears in the very chain it proves.
func (e Exporter) GeneratePack(ctx context.Context, orgID uuid.UUID, opts ExportOptions) (AuditPack, error) {
	if e.Ledger == nil {
		return AuditPack{}, ErrStoreUnavailable
	}

	pack := AuditPack{
		Metadata: PackMetadata{
			GeneratedAt:    time.Now().UTC(),
			TaxYear:        opts.TaxYear,
			OrganizationID: orgID.String(),
			PackVersion:    PackVersion,
			Generator:      "SafeHarbor Audit Defense Pack Generator",
		},
	}
	pack.Sections = append(pack.Sections, opts.Extra...)

	if opts.IncludeEntries {
		integrity, err := e.Checker.VerifyChain(ctx, orgID)
		if err != nil {
			return AuditPack{}, err
		}
		limit := opts.EntryLimit
		if limit <= 0 {
			limit = 500
		}
		entries, err := e.Ledger.Entries(ctx, ListFilter{OrganizationID: orgID, Limit: limit})
		if err != nil {
			return AuditPack{}, err
		}
		proofs := make([]EntryProof, 0, len(entries))
		for i := len(entries) - 1; i >= 0; i-- {
			entry := entries[i]
			var actorID *string
			if entry.ActorID != nil {
				s := entry.ActorID.String()
				actorID = &s
			}
			proofs = append(proofs, EntryProof{
				Sequence:     entry.Sequence,
				Type:         string(entry.Type),
				EntryHash:    entry.EntryHash,
				PreviousHash: entry.PreviousHash,
				CreatedAt:    entry.CreatedAt.UTC().Format(time.RFC3339Nano),
				ActorID:      actorID,
			})
		}
		chainStatus := "verified"
		if !integrity.IsValid {
			chainStatus = integrity.Message
		}
		pack.Sections = append(pack.Sections, PackSection{
			Title: "Compliance Vault Chain",
			Type:  "vault",
			Count: len(proofs),
			Data: map[string]any{
				"chain_integrity": chainStatus,
				"entries_checked": integrity.EntriesChecked,
				"entries":         proofs,
			},
		})
	}

	pack.Sections = append(pack.Sections, PackSection{
		Title: "Calculation Methodology",
		Type:  "methodology",
		Data:  methodologyDoc(),
	})

	_, err := e.Ledger.Append(ctx, orgID, TypeExport, map[string]any{
		"action":       "audit_pack_generated",
		"tax_year":     opts.TaxYear,
		"pack_version": PackVersion,
		"sections":     len(pack.Sections),
	}, opts.Actor)
	if err != nil {
		return AuditPack{}, fmt.Errorf("vault: record export: %w", err)
	}

	e.Log.Info().
		Str("organization_id", orgID.String()).
		Int("tax_year", opts.TaxYear).
		Int("sections", len(pack.Sections)).
		Msg("audit pack generated")
	return pack, nil
}

// WriteWorkbook renders the pack as an XLSX workbook: a summary sheet, one
// sheet for the chain proof, and one row per remaining section with its JSON
// payload.
func WriteWorkbook(pack AuditPack, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	const summary = "Summary"
	f.SetSheetName("Sheet1", summary)
	f.SetCellValue(summary, "A1", "Audit Defense Pack")
	f.SetCellValue(summary, "A2", "Organization")
	f.SetCellValue(summary, "B2", pack.Metadata.OrganizationID)
	f.SetCellValue(summary, "A3", "Tax Year")
	f.SetCellValue(summary, "B3", pack.Metadata.TaxYear)
	f.SetCellValue(summary, "A4", "Generated At")
	f.SetCellValue(summary, "B4", pack.Metadata.GeneratedAt.Format(time.RFC3339))
	f.SetCellValue(summary, "A5", "Pack Version")
	f.SetCellValue(summary, "B5", pack.Metadata.PackVersion)
	f.SetCellValue(summary, "A6", "Sections")
	f.SetCellValue(summary, "B6", len(pack.Sections))

	const sections = "Sections"
	if _, err := f.NewSheet(sections); err != nil {
		return err
	}
	f.SetCellValue(sections, "A1", "Title")
	f.SetCellValue(sections, "B1", "Type")
	f.SetCellValue(sections, "C1", "Count")
	f.SetCellValue(sections, "D1", "Data")
	for i, section := range pack.Sections {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(sections, "A"+row, section.Title)
		f.SetCellValue(sections, "B"+row, section.Type)
		f.SetCellValue(sections, "C"+row, section.Count)
		data, err := json.Marshal(section.Data)
		if err != nil {
			return err
		}
		f.SetCellValue(sections, "D"+row, string(data))

		if section.Type != "vault" {
			continue
		}
		if err := writeChainSheet(f, section); err != nil {
			return err
		}
	}

	return f.Write(w)
}

func writeChainSheet(f *excelize.File, section PackSection) error {
	const chain = "Vault Chain"
	if _, err := f.NewSheet(chain); err != nil {
		return err
	}
	f.SetCellValue(chain, "A1", "Sequence")
	f.SetCellValue(chain, "B1", "Type")
	f.SetCellValue(chain, "C1", "Entry Hash")
	f.SetCellValue(chain, "D1", "Previous Hash")
	f.SetCellValue(chain, "E1", "Created At")

	data, ok := section.Data.(map[string]any)
	if !ok {
		return nil
	}
	proofs, ok := data["entries"].([]EntryProof)
	if !ok {
		return nil
	}
	for i, p := range proofs {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(chain, "A"+row, p.Sequence)
		f.SetCellValue(chain, "B"+row, p.Type)
		f.SetCellValue(chain, "C"+row, p.EntryHash)
		prev := ""
		if p.PreviousHash != nil {
			prev = *p.PreviousHash
		}
		f.SetCellValue(chain, "D"+row, prev)
		f.SetCellValue(chain, "E"+row, p.CreatedAt)
	}
	return nil
}

func methodologyDoc() map[string]any {
	return map[string]any{
		"title":   "Tip and Overtime Credit Calculation Methodology",
		"version": PackVersion,
		"sections": []map[string]string{
			{
				"heading": "Regular Rate of Pay (FLSA Section 7)",
				"content": "Regular rate calculated as total compensation divided by total hours worked. Includes: hourly wages, shift differentials, non-discretionary bonuses, commissions. Excludes: discretionary bonuses, gifts, expense reimbursements, overtime premium pay. Per 29 CFR 778.109.",
			},
			{
				"heading": "Qualified Overtime Premium",
				"content": "Calculated as Regular Rate x 0.5 x Qualified OT Hours. Double-time hours excluded by statute. Only hours worked beyond 40 in a workweek qualify.",
			},
			{
				"heading": "Treasury Tipped Occupation Codes (TTOC)",
				"content": "Model-assisted classification with a determinism envelope (model_id, prompt_hash, response_hash) for reproducibility. Human review required for confidence scores below 85%. IRS-defined occupation codes across restaurant, hospitality, casino, personal care, and transportation industries.",
			},
			{
				"heading": "MAGI Phase-Out",
				"content": "Credits phase out based on Modified Adjusted Gross Income. Single: $75K-$100K. Married Filing Jointly: $150K-$200K. Head of Household: $112.5K-$150K.",
			},
			{
				"heading": "Compliance Vault",
				"content": "All calculations and decisions recorded in an immutable hash-chained ledger. SHA-256 hash linking with 7-year retention per IRS requirements. Supports audit defense with full calculation traceability.",
			},
		},
	}
}
