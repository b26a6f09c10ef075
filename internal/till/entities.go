// Package till provides the per-entity data access layer of the
// point-of-sale, wrapping the sync engine's generic save/patch/delete
// operations with entity-specific defaults.
//
// The layer is deliberately thin: it generates ids, fills required
// defaults, and converts between typed entities and the schemaless
// documents the engine works with. Business rules live with the
// callers.
package till

import "time"

// Collection names in the remote document store.
const (
	ColSales       = "sales"
	ColProducts    = "products"
	ColStaff       = "staff"
	ColShifts      = "shifts"
	ColTables      = "tables"
	ColTabs        = "tabs"
	ColCustomers   = "customers"
	ColGiftCards   = "giftcards"
	ColDailyNotes  = "dailyNotes"
	ColSpecialDays = "specialDays"
	ColSettings    = "settings"
)

// Collections returns every entity collection the engine must watch.
// The settings collection is configured separately.
func Collections() []string {
	return []string{
		ColSales, ColProducts, ColStaff, ColShifts, ColTables,
		ColTabs, ColCustomers, ColGiftCards, ColDailyNotes, ColSpecialDays,
	}
}

// SaleItem is one line on a sale.
type SaleItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// Sale is a completed or open transaction.
type Sale struct {
	ID        string     `json:"id"`
	Items     []SaleItem `json:"items,omitempty"`
	Total     float64    `json:"total"`
	Payment   string     `json:"payment,omitempty"` // cash, card, giftcard
	TableID   string     `json:"tableId,omitempty"`
	StaffID   string     `json:"staffId,omitempty"`
	CreatedAt string     `json:"createdAt,omitempty"`
}

// Product is a menu item.
type Product struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Category  string  `json:"category,omitempty"`
	SortOrder int     `json:"sortOrder,omitempty"`
	Archived  bool    `json:"archived,omitempty"`
}

// StaffMember is an employee on the rota.
type StaffMember struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Role       string  `json:"role,omitempty"`
	HourlyRate float64 `json:"hourlyRate,omitempty"`
}

// Shift is one rota entry for a staff member.
type Shift struct {
	ID      string `json:"id"`
	StaffID string `json:"staffId"`
	Start   string `json:"start"`
	End     string `json:"end,omitempty"`
}

// Table is a physical table in the café.
type Table struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Seats int    `json:"seats,omitempty"`
	Zone  string `json:"zone,omitempty"`
}

// Tab is an open bill attached to a table or customer.
type Tab struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	TableID   string     `json:"tableId,omitempty"`
	Items     []SaleItem `json:"items,omitempty"`
	OpenedAt  string     `json:"openedAt,omitempty"`
	CreatedBy string     `json:"createdBy,omitempty"`
}

// Customer is a loyalty-scheme member.
type Customer struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	LoyaltyPoints int    `json:"loyaltyPoints,omitempty"`
}

// GiftCard is a prepaid card not yet claimed by a customer account.
type GiftCard struct {
	ID      string  `json:"id"`
	Code    string  `json:"code"`
	Balance float64 `json:"balance"`
	SoldAt  string  `json:"soldAt,omitempty"`
}

// DailyNote is a free-text note pinned to a calendar day.
type DailyNote struct {
	ID   string `json:"id"`
	Date string `json:"date"`
	Text string `json:"text"`
}

// SpecialDay marks a date with non-standard opening or pay rules.
type SpecialDay struct {
	ID     string `json:"id"`
	Date   string `json:"date"`
	Label  string `json:"label,omitempty"`
	Closed bool   `json:"closed,omitempty"`
}

// Settings is the singleton user-arrangement record. LastUpdated
// arbitrates between a locally pending change and a remote echo of an
// older value.
type Settings struct {
	ID            string   `json:"id"`
	CategoryOrder []string `json:"categoryOrder,omitempty"`
	ProductOrder  []string `json:"productOrder,omitempty"`
	Theme         string   `json:"theme,omitempty"`
	LastUpdated   int64    `json:"lastUpdated"`
}

// nowStamp is the creation timestamp format used across entities.
func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
