package lead

import "time"

// Lead is the read-side projection of the CRM lead record. This core only
// consumes identity and contact fields to populate packets; lead scoring
// and outreach live outside this repository.
type Lead struct {
	ID                string
	OwnerName         *string
	Phone             *string
	Email             *string
	PropertyAddress   *string
	CaseNumber        *string
	ExcessFundsAmount *string
	EstimatedEquity   *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
