package logistics

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentworkforce/sitesync/internal/remote"
	"github.com/shopspring/decimal"
)

const (
	CollectionSites    = "sites"
	CollectionContacts = "contacts"
	CollectionSettings = "app_settings"

	DefaultContactCategory = "Other"
	PaymentStatusPaid      = "paid"

	// timestampLayout matches what browser clients write (toISOString), so
	// stored timestamps sort lexically.
	timestampLayout = "2006-01-02T15:04:05.000Z"
)

type Status string

const (
	StatusAssigned         Status = "assigned"
	StatusOutboundComplete Status = "outbound_complete"
	StatusCompleted        Status = "completed"
)

// Rank orders statuses along the lifecycle. Empty counts as assigned; unknown
// values rank below everything so any known status can replace them.
func (s Status) Rank() int {
	switch s {
	case "", StatusAssigned:
		return 0
	case StatusOutboundComplete:
		return 1
	case StatusCompleted:
		return 2
	default:
		return -1
	}
}

func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// Advance returns target when it is further along than current, otherwise
// current. Status never moves backwards.
func Advance(current, target Status) Status {
	if target.Rank() > current.Rank() {
		return target
	}
	if current == "" {
		return StatusAssigned
	}
	return current
}

type ProductItem struct {
	Name         string `json:"name" validate:"required"`
	Count        int    `json:"count" validate:"gte=0"`
	Collected    int    `json:"collected"`
	Returned     int    `json:"returned"`
	IsAdminAdded bool   `json:"isAdminAdded,omitempty"`
	IsNew        bool   `json:"isNew,omitempty"`
}

// Gap is collected minus returned. Negative gaps are valid.
func (p ProductItem) Gap() int {
	return p.Collected - p.Returned
}

// UnmarshalJSON tolerates quantities written as strings, null or negative
// numbers; anything unusable becomes 0.
func (p *ProductItem) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name         string          `json:"name"`
		Count        json.RawMessage `json:"count"`
		Collected    json.RawMessage `json:"collected"`
		Returned     json.RawMessage `json:"returned"`
		IsAdminAdded bool            `json:"isAdminAdded"`
		IsNew        bool            `json:"isNew"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = ProductItem{
		Name:         raw.Name,
		Count:        quantityFromJSON(raw.Count),
		Collected:    quantityFromJSON(raw.Collected),
		Returned:     quantityFromJSON(raw.Returned),
		IsAdminAdded: raw.IsAdminAdded,
		IsNew:        raw.IsNew,
	}
	return nil
}

func quantityFromJSON(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 {
			return 0
		}
		if n > MaxQuantity {
			return MaxQuantity
		}
		return int(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseQuantity(s)
	}
	return 0
}

type PaymentAmount struct {
	Name   string          `json:"name" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
}

type Site struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Date           string          `json:"date,omitempty"`
	Address        string          `json:"address,omitempty"`
	Status         Status          `json:"status"`
	Location       string          `json:"location,omitempty"`
	Products       []ProductItem   `json:"products"`
	PaymentStatus  string          `json:"payment_status,omitempty"`
	PaymentAmounts []PaymentAmount `json:"payment_amounts,omitempty"`
	TeamMembers    []string        `json:"team_members,omitempty"`
	CreatedAt      string          `json:"created_at,omitempty"`
	CompletedAt    string          `json:"completed_at,omitempty"`
	PaidAt         string          `json:"paid_at,omitempty"`
}

// Selectable reports whether the landing list lets an operator open the site.
func (s Site) Selectable() bool {
	return s.Status == "" || s.Status == StatusAssigned
}

// NextPhase is the operator screen the site's status leads to.
func (s Site) NextPhase() (Phase, bool) {
	switch s.Status {
	case "", StatusAssigned:
		return PhaseOutbound, true
	case StatusOutboundComplete:
		return PhaseInbound, true
	default:
		return "", false
	}
}

func (s Site) Paid() bool {
	return s.PaymentStatus == PaymentStatusPaid
}

func (s Site) CompletedWithTeam() bool {
	return len(s.TeamMembers) > 0 || s.CompletedAt != ""
}

// PaymentTotal sums the payment breakdown.
func (s Site) PaymentTotal() decimal.Decimal {
	total := decimal.Zero
	for _, amount := range s.PaymentAmounts {
		total = total.Add(amount.Amount)
	}
	return total
}

func (s Site) clone() Site {
	out := s
	if s.Products != nil {
		out.Products = append([]ProductItem(nil), s.Products...)
	}
	if s.PaymentAmounts != nil {
		out.PaymentAmounts = append([]PaymentAmount(nil), s.PaymentAmounts...)
	}
	if s.TeamMembers != nil {
		out.TeamMembers = append([]string(nil), s.TeamMembers...)
	}
	return out
}

type Contact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Category string `json:"category,omitempty"`
}

// CategoryOrDefault returns the grouping key, falling back to "Other".
func (c Contact) CategoryOrDefault() string {
	if c.Category == "" {
		return DefaultContactCategory
	}
	return c.Category
}

type NewSite struct {
	Name     string        `json:"name" validate:"required"`
	Date     string        `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Address  string        `json:"address,omitempty"`
	Location string        `json:"location,omitempty" validate:"omitempty,url"`
	Products []ProductItem `json:"products" validate:"dive"`
}

type NewContact struct {
	Name     string `json:"name" validate:"required"`
	Phone    string `json:"phone" validate:"required"`
	Category string `json:"category,omitempty"`
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func decodeSite(record remote.Record) (Site, error) {
	var site Site
	if err := decodeRecord(record, &site); err != nil {
		return Site{}, err
	}
	if site.ID == "" {
		return Site{}, fmt.Errorf("%w: site record without id", ErrInvalidInput)
	}
	return site, nil
}

func decodeContact(record remote.Record) (Contact, error) {
	var contact Contact
	if err := decodeRecord(record, &contact); err != nil {
		return Contact{}, err
	}
	if contact.ID == "" {
		return Contact{}, fmt.Errorf("%w: contact record without id", ErrInvalidInput)
	}
	return contact, nil
}

// decodeRecord converts a generic record into dst. The id is normalised to a
// string first because some stores hand out numeric keys.
func decodeRecord(record remote.Record, dst any) error {
	normalized := record.Clone()
	if normalized == nil {
		normalized = remote.Record{}
	}
	if id := record.ID(); id != "" {
		normalized["id"] = id
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// mergeFields overlays fields onto current and decodes the result into dst.
// A nil field value removes the field.
func mergeFields(current any, fields remote.Record, dst any) error {
	data, err := json.Marshal(current)
	if err != nil {
		return err
	}
	var merged remote.Record
	if err := json.Unmarshal(data, &merged); err != nil {
		return err
	}
	normalized, err := remote.NormalizeRecord(fields)
	if err != nil {
		return err
	}
	for key, value := range normalized {
		if key == "id" {
			continue
		}
		if value == nil {
			delete(merged, key)
			continue
		}
		merged[key] = value
	}
	return decodeRecord(merged, dst)
}
