package model

import "time"

// SelectionState tracks what the user decided about a suggested candidate.
type SelectionState string

const (
	SelectionProposed SelectionState = "proposed"
	SelectionSelected SelectionState = "selected"
	SelectionRejected SelectionState = "rejected"
)

// CandidateMatch is one ranked suggestion for a BOM item. Rank 1 is the
// best candidate; ranks within a batch are contiguous starting at 1.
type CandidateMatch struct {
	ID            int64          `json:"id"`
	BOMItemID     int64          `json:"bom_item_id"`
	Rank          int            `json:"rank"`
	PartNumber    string         `json:"part_number"`
	Justification string         `json:"justification"`
	Selection     SelectionState `json:"selection"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CatalogEntry is a normalized snapshot of one external catalog record,
// shared read-mostly across BOM items and refreshed in place on upsert.
type CatalogEntry struct {
	ID                     int64     `json:"id"`
	MouserPartNumber       string    `json:"mouser_part_number"`
	ManufacturerPartNumber string    `json:"manufacturer_part_number,omitempty"`
	Manufacturer           string    `json:"manufacturer,omitempty"`
	Description            string    `json:"description,omitempty"`
	DatasheetURL           string    `json:"datasheet_url,omitempty"`
	Price                  string    `json:"price,omitempty"`
	Availability           string    `json:"availability,omitempty"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// RankedMatch pairs a resolved catalog entry with the ranking stage's
// justification. Rank is assigned from slice order when a batch is
// persisted, which keeps ranks unique and contiguous by construction.
type RankedMatch struct {
	Entry         CatalogEntry `json:"entry"`
	Justification string       `json:"justification"`
}

// ItemResult is one BOM item joined with its persisted candidates, as
// returned by the status surface for finished projects.
type ItemResult struct {
	Item       BOMItem          `json:"item"`
	Candidates []CandidateMatch `json:"candidates"`
	Entries    []CatalogEntry   `json:"entries"`
}
