package till

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stevenmcginty/tillsync/internal/engine"
	"github.com/stevenmcginty/tillsync/internal/remote"
)

// Store is the data access facade over the sync engine.
type Store struct {
	engine *engine.Engine
	logger *log.Logger
}

// NewStore creates a facade over the given engine.
//
// If logger is nil, the default logger is used.
func NewStore(e *engine.Engine, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{engine: e, logger: logger}
}

// Engine exposes the underlying engine for status and subscriptions.
func (s *Store) Engine() *engine.Engine {
	return s.engine
}

// toDoc converts a typed entity to the schemaless document the engine
// stores, going through JSON so the field names match the wire format.
func toDoc(v any) (remote.Document, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity: %w", err)
	}
	var doc remote.Document
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode entity document: %w", err)
	}
	return doc, nil
}

// decodeAll converts merged documents into typed entities. Documents
// that fail to decode are logged and skipped rather than failing the
// whole read: one malformed record must not blank a screen.
func decodeAll[T any](s *Store, collection string) []T {
	docs := s.engine.Merged(collection)
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		blob, err := json.Marshal(doc)
		if err != nil {
			s.logger.Printf("Warning: failed to re-encode %s document: %v", collection, err)
			continue
		}
		var entity T
		if err := json.Unmarshal(blob, &entity); err != nil {
			s.logger.Printf("Warning: skipping malformed %s document %s: %v",
				collection, remote.DocID(doc), err)
			continue
		}
		out = append(out, entity)
	}
	return out
}

// save fills the id and delegates to the engine.
func (s *Store) save(collection string, id *string, entity any) {
	if *id == "" {
		*id = uuid.NewString()
	}
	doc, err := toDoc(entity)
	if err != nil {
		s.logger.Printf("Warning: dropping save to %s: %v", collection, err)
		return
	}
	s.engine.Save(collection, doc)
}

// Sales

// SaveSale records a sale. A missing id and createdAt are filled in.
func (s *Store) SaveSale(sale *Sale) {
	if sale.CreatedAt == "" {
		sale.CreatedAt = nowStamp()
	}
	s.save(ColSales, &sale.ID, sale)
}

// VoidSale removes a sale.
func (s *Store) VoidSale(id string) {
	s.engine.Delete(ColSales, id)
}

// Sales returns the merged sales view.
func (s *Store) Sales() []Sale {
	return decodeAll[Sale](s, ColSales)
}

// Products

func (s *Store) SaveProduct(p *Product) {
	s.save(ColProducts, &p.ID, p)
}

func (s *Store) PatchProduct(id string, fields remote.Document) {
	s.engine.Patch(ColProducts, id, fields)
}

func (s *Store) DeleteProduct(id string) {
	s.engine.Delete(ColProducts, id)
}

func (s *Store) Products() []Product {
	return decodeAll[Product](s, ColProducts)
}

// Staff and shifts

func (s *Store) SaveStaff(m *StaffMember) {
	s.save(ColStaff, &m.ID, m)
}

func (s *Store) DeleteStaff(id string) {
	s.engine.Delete(ColStaff, id)
}

func (s *Store) Staff() []StaffMember {
	return decodeAll[StaffMember](s, ColStaff)
}

// SaveShift records a rota entry; a missing start defaults to now.
func (s *Store) SaveShift(sh *Shift) {
	if sh.Start == "" {
		sh.Start = nowStamp()
	}
	s.save(ColShifts, &sh.ID, sh)
}

// PatchShift applies a partial-field update to a rota entry.
func (s *Store) PatchShift(id string, fields remote.Document) {
	s.engine.Patch(ColShifts, id, fields)
}

// EndShift stamps the shift's end time.
func (s *Store) EndShift(id string, end time.Time) {
	s.PatchShift(id, remote.Document{
		"end": end.UTC().Format(time.RFC3339),
	})
}

func (s *Store) DeleteShift(id string) {
	s.engine.Delete(ColShifts, id)
}

func (s *Store) Shifts() []Shift {
	return decodeAll[Shift](s, ColShifts)
}

// Tables and tabs

func (s *Store) SaveTable(tbl *Table) {
	s.save(ColTables, &tbl.ID, tbl)
}

func (s *Store) PatchTable(id string, fields remote.Document) {
	s.engine.Patch(ColTables, id, fields)
}

func (s *Store) DeleteTable(id string) {
	s.engine.Delete(ColTables, id)
}

func (s *Store) Tables() []Table {
	return decodeAll[Table](s, ColTables)
}

// SaveTab opens or updates a tab; a missing openedAt is filled in.
func (s *Store) SaveTab(tab *Tab) {
	if tab.OpenedAt == "" {
		tab.OpenedAt = nowStamp()
	}
	s.save(ColTabs, &tab.ID, tab)
}

// CloseTab settles and removes an open tab.
func (s *Store) CloseTab(id string) {
	s.engine.Delete(ColTabs, id)
}

func (s *Store) Tabs() []Tab {
	return decodeAll[Tab](s, ColTabs)
}

// Customers

func (s *Store) SaveCustomer(c *Customer) {
	s.save(ColCustomers, &c.ID, c)
}

// PatchCustomer applies a partial-field update to a customer record.
func (s *Store) PatchCustomer(id string, fields remote.Document) {
	s.engine.Patch(ColCustomers, id, fields)
}

// AddLoyaltyPoints adjusts a customer's points balance.
func (s *Store) AddLoyaltyPoints(id string, points int) {
	for _, c := range s.Customers() {
		if c.ID == id {
			s.PatchCustomer(id, remote.Document{
				"loyaltyPoints": c.LoyaltyPoints + points,
			})
			return
		}
	}
	s.logger.Printf("Warning: loyalty adjustment for unknown customer %s", id)
}

func (s *Store) DeleteCustomer(id string) {
	s.engine.Delete(ColCustomers, id)
}

func (s *Store) Customers() []Customer {
	return decodeAll[Customer](s, ColCustomers)
}

// Gift cards

// SaveGiftCard records an unclaimed card; a missing soldAt is filled in.
func (s *Store) SaveGiftCard(g *GiftCard) {
	if g.SoldAt == "" {
		g.SoldAt = nowStamp()
	}
	s.save(ColGiftCards, &g.ID, g)
}

// RedeemGiftCard reduces a card's balance, deleting it once empty.
func (s *Store) RedeemGiftCard(id string, amount float64) {
	for _, g := range s.GiftCards() {
		if g.ID == id {
			balance := g.Balance - amount
			if balance <= 0 {
				s.engine.Delete(ColGiftCards, id)
				return
			}
			s.engine.Patch(ColGiftCards, id, remote.Document{"balance": balance})
			return
		}
	}
	s.logger.Printf("Warning: redemption against unknown gift card %s", id)
}

func (s *Store) GiftCards() []GiftCard {
	return decodeAll[GiftCard](s, ColGiftCards)
}

// Notes and special days

func (s *Store) SaveDailyNote(n *DailyNote) {
	s.save(ColDailyNotes, &n.ID, n)
}

func (s *Store) DailyNotes() []DailyNote {
	return decodeAll[DailyNote](s, ColDailyNotes)
}

func (s *Store) SaveSpecialDay(d *SpecialDay) {
	s.save(ColSpecialDays, &d.ID, d)
}

func (s *Store) DeleteSpecialDay(id string) {
	s.engine.Delete(ColSpecialDays, id)
}

func (s *Store) SpecialDays() []SpecialDay {
	return decodeAll[SpecialDay](s, ColSpecialDays)
}

// Settings

// SaveSettings stamps lastUpdated and stores the singleton settings
// record. The stamp is what suppresses the record's own echo from the
// live subscription.
func (s *Store) SaveSettings(cfg *Settings) {
	cfg.ID = "settings"
	cfg.LastUpdated = time.Now().UnixMilli()
	doc, err := toDoc(cfg)
	if err != nil {
		s.logger.Printf("Warning: dropping settings save: %v", err)
		return
	}
	s.engine.SaveSettings(doc)
}

// Settings returns the current settings, or zero-valued defaults if
// none have ever been saved.
func (s *Store) Settings() Settings {
	doc := s.engine.Settings()
	if doc == nil {
		return Settings{ID: "settings"}
	}
	blob, err := json.Marshal(doc)
	if err != nil {
		s.logger.Printf("Warning: failed to encode settings: %v", err)
		return Settings{ID: "settings"}
	}
	var out Settings
	if err := json.Unmarshal(blob, &out); err != nil {
		s.logger.Printf("Warning: malformed settings document: %v", err)
		return Settings{ID: "settings"}
	}
	return out
}
