package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kasirledger/internal/domain"
	"kasirledger/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu                    sync.RWMutex
	products              map[string]domain.Product
	stockLevels           map[string]domain.StockLevel
	stockMovements        map[string][]domain.StockMovement
	creditAccounts        map[string]domain.CreditAccount
	creditEntries         map[string][]domain.CreditEntry
	sessionsByID          map[string]domain.RegisterSession
	openSessionByRegister map[string]string
	cashMovements         map[string][]domain.CashMovement
	salesByID             map[string]domain.Sale
	salesByIdem           map[string]string
	alertsByID            map[string]domain.Alert
	openAlertByKey        map[string]string
	auditLogs             []domain.AuditLog
	idempotency           map[string]domain.IdempotencyRecord
	purchaseOrdersByID    map[string]domain.PurchaseOrder
	usersByUsername       map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// hardcoded dev defaults are used with a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := make(map[string]domain.UserAccount, 2)
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		products:              make(map[string]domain.Product),
		stockLevels:           make(map[string]domain.StockLevel),
		stockMovements:        make(map[string][]domain.StockMovement),
		creditAccounts:        make(map[string]domain.CreditAccount),
		creditEntries:         make(map[string][]domain.CreditEntry),
		sessionsByID:          make(map[string]domain.RegisterSession),
		openSessionByRegister: make(map[string]string),
		cashMovements:         make(map[string][]domain.CashMovement),
		salesByID:             make(map[string]domain.Sale),
		salesByIdem:           make(map[string]string),
		alertsByID:            make(map[string]domain.Alert),
		openAlertByKey:        make(map[string]string),
		auditLogs:             make([]domain.AuditLog, 0, 128),
		idempotency:           make(map[string]domain.IdempotencyRecord),
		purchaseOrdersByID:    make(map[string]domain.PurchaseOrder),
		usersByUsername:       seedUsers(),
	}
}

// NewSeeded returns a store with a demo catalog; every product starts with an
// initial_stock movement of 120 units so levels reconcile with the ledger.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	products := []domain.Product{
		{Entity: domain.NewEntity("SKU-MIE-01", now), Name: "Mie Goreng Instan", PriceCents: 3500, ReorderPoint: 24, Active: true},
		{Entity: domain.NewEntity("SKU-TELUR-01", now), Name: "Telur 10 Butir", PriceCents: 26500, ReorderPoint: 12, Active: true},
		{Entity: domain.NewEntity("SKU-SUSU-01", now), Name: "Susu UHT 1L", PriceCents: 18900, ReorderPoint: 12, Active: true},
		{Entity: domain.NewEntity("SKU-ROTI-01", now), Name: "Roti Tawar", PriceCents: 17800, ReorderPoint: 10, Active: true},
		{Entity: domain.NewEntity("SKU-KOPI-01", now), Name: "Kopi Sachet", PriceCents: 2600, ReorderPoint: 40, Active: true},
		{Entity: domain.NewEntity("SKU-GULA-01", now), Name: "Gula 1kg", PriceCents: 17400, ReorderPoint: 10, Active: true},
	}
	for _, p := range products {
		s.products[p.ID] = p
		s.stockMovements[p.ID] = []domain.StockMovement{{
			Entity:    domain.NewEntity("seed-"+strings.ToLower(p.ID), now),
			ProductID: p.ID,
			Delta:     120,
			Kind:      domain.StockInitialStock,
			Reference: "seed",
		}}
		s.stockLevels[p.ID] = domain.StockLevel{ProductID: p.ID, Quantity: 120, Version: 1, UpdatedAt: now}
	}
	return s
}

func (s *Store) UpsertProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.ID) == "" || product.PriceCents < 0 {
		return nil, domain.NewValidationError("product", "id and non-negative price required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.products[product.ID]; ok {
		product.CreatedAt = existing.CreatedAt
	}
	s.products[product.ID] = product
	saved := cloneProduct(product)
	return &saved, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copyProduct := cloneProduct(product)
	return &copyProduct, nil
}

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = cloneProduct(p)
		}
	}
	return result, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, cloneProduct(p))
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.ID, b.ID)
	})
	return products, nil
}

func (s *Store) StockLevels(_ context.Context, productIDs []string) (map[string]domain.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	levels := make(map[string]domain.StockLevel, len(productIDs))
	for _, id := range productIDs {
		level, ok := s.stockLevels[id]
		if !ok {
			level = domain.StockLevel{ProductID: id}
		}
		levels[id] = level
	}
	return levels, nil
}

func (s *Store) AppendStockMovements(_ context.Context, batch []store.StockAppend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStockLocked(batch); err != nil {
		return err
	}
	s.applyStockLocked(batch)
	return nil
}

func (s *Store) ListStockMovements(_ context.Context, productID string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.stockMovements[productID]), nil
}

func (s *Store) checkStockLocked(batch []store.StockAppend) error {
	seen := make(map[string]struct{}, len(batch))
	for _, item := range batch {
		productID := item.Movement.ProductID
		if _, dup := seen[productID]; dup {
			return domain.NewValidationError("stock", "duplicate product in movement batch")
		}
		seen[productID] = struct{}{}
		if s.stockLevels[productID].Version != item.ExpectedVersion {
			return domain.ErrConcurrencyConflict
		}
	}
	return nil
}

func (s *Store) applyStockLocked(batch []store.StockAppend) {
	for _, item := range batch {
		m := item.Movement
		level := s.stockLevels[m.ProductID]
		level.ProductID = m.ProductID
		level.Quantity += m.Delta
		level.Version++
		level.UpdatedAt = m.CreatedAt
		s.stockLevels[m.ProductID] = level
		s.stockMovements[m.ProductID] = append(s.stockMovements[m.ProductID], m)
	}
}

func (s *Store) CreateCreditAccount(_ context.Context, account domain.CreditAccount) (*domain.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.creditAccounts[account.CustomerID]; exists {
		return nil, domain.ErrAlreadyExists
	}
	s.creditAccounts[account.CustomerID] = account
	saved := account
	return &saved, nil
}

func (s *Store) GetCreditAccount(_ context.Context, customerID string) (*domain.CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.creditAccounts[customerID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &account, nil
}

func (s *Store) UpdateCreditLimit(_ context.Context, customerID string, limitCents int64, expectedVersion int64, at time.Time) (*domain.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.creditAccounts[customerID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if account.Version != expectedVersion {
		return nil, domain.ErrConcurrencyConflict
	}
	account.CreditLimitCents = limitCents
	account.Version++
	account.Touch(at)
	s.creditAccounts[customerID] = account
	return &account, nil
}

func (s *Store) AppendCreditEntry(_ context.Context, entry store.CreditAppend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkCreditLocked(entry); err != nil {
		return err
	}
	s.applyCreditLocked(entry)
	return nil
}

func (s *Store) CommitCreditPayment(_ context.Context, commit store.CreditPaymentCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMovementsLocked(nil, commit.Cash, &commit.Credit); err != nil {
		return err
	}
	s.applyMovementsLocked(nil, commit.Cash, &commit.Credit)
	s.auditLogs = append(s.auditLogs, commit.Audit)
	return nil
}

func (s *Store) ListCreditEntries(_ context.Context, customerID string) ([]domain.CreditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.creditEntries[customerID]), nil
}

func (s *Store) checkCreditLocked(entry store.CreditAppend) error {
	account, ok := s.creditAccounts[entry.Entry.CustomerID]
	if !ok {
		return domain.ErrNotFound
	}
	if account.Version != entry.ExpectedVersion {
		return domain.ErrConcurrencyConflict
	}
	return nil
}

func (s *Store) applyCreditLocked(entry store.CreditAppend) {
	account := s.creditAccounts[entry.Entry.CustomerID]
	account.OutstandingCents += entry.Entry.AmountCents
	account.Version++
	account.Touch(entry.Entry.CreatedAt)
	s.creditAccounts[account.CustomerID] = account
	s.creditEntries[account.CustomerID] = append(s.creditEntries[account.CustomerID], entry.Entry)
}

func (s *Store) OpenSession(_ context.Context, session domain.RegisterSession) (*domain.RegisterSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, open := s.openSessionByRegister[session.RegisterID]; open {
		return nil, domain.ErrRegisterAlreadyOpen
	}
	s.sessionsByID[session.ID] = session
	s.openSessionByRegister[session.RegisterID] = session.ID
	saved := cloneSession(session)
	return &saved, nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*domain.RegisterSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copySession := cloneSession(session)
	return &copySession, nil
}

func (s *Store) GetOpenSession(_ context.Context, registerID string) (*domain.RegisterSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, ok := s.openSessionByRegister[registerID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copySession := cloneSession(s.sessionsByID[sessionID])
	return &copySession, nil
}

func (s *Store) ListOpenSessions(_ context.Context) ([]domain.RegisterSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]domain.RegisterSession, 0, len(s.openSessionByRegister))
	for _, sessionID := range s.openSessionByRegister {
		sessions = append(sessions, cloneSession(s.sessionsByID[sessionID]))
	}
	slices.SortFunc(sessions, func(a, b domain.RegisterSession) int {
		return a.OpenedAt.Compare(b.OpenedAt)
	})
	return sessions, nil
}

func (s *Store) AppendCashMovement(_ context.Context, movement store.CashAppend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkCashLocked(movement); err != nil {
		return err
	}
	s.applyCashLocked(movement)
	return nil
}

func (s *Store) ListCashMovements(_ context.Context, sessionID string) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.cashMovements[sessionID]), nil
}

func (s *Store) CloseSession(_ context.Context, close store.SessionClose) (*domain.RegisterSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[close.SessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if session.Status != domain.SessionOpen {
		return nil, domain.ErrRegisterClosed
	}
	if session.Version != close.ExpectedVersion {
		return nil, domain.ErrConcurrencyConflict
	}

	closedAt := close.ClosedAt.UTC()
	closing := close.ClosingBalanceCents
	session.Status = domain.SessionClosed
	session.ClosedAt = &closedAt
	session.ClosingBalanceCents = &closing
	if close.CountedCashCents != nil {
		counted := *close.CountedCashCents
		session.CountedCashCents = &counted
	}
	session.Version++
	session.Touch(closedAt)
	s.sessionsByID[session.ID] = session
	delete(s.openSessionByRegister, session.RegisterID)

	saved := cloneSession(session)
	return &saved, nil
}

func (s *Store) checkCashLocked(movement store.CashAppend) error {
	session, ok := s.sessionsByID[movement.Movement.SessionID]
	if !ok {
		return domain.ErrNotFound
	}
	if session.Status != domain.SessionOpen {
		return domain.ErrRegisterClosed
	}
	if session.Version != movement.ExpectedVersion {
		return domain.ErrConcurrencyConflict
	}
	return nil
}

func (s *Store) applyCashLocked(movement store.CashAppend) {
	m := movement.Movement
	session := s.sessionsByID[m.SessionID]
	session.BalanceCents += m.AmountCents
	session.Version++
	session.Touch(m.CreatedAt)
	s.sessionsByID[session.ID] = session
	s.cashMovements[m.SessionID] = append(s.cashMovements[m.SessionID], m)
}

func (s *Store) CommitSale(_ context.Context, commit store.SaleCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if commit.Sale.IdempotencyKey != "" {
		if _, exists := s.salesByIdem[commit.Sale.IdempotencyKey]; exists {
			return domain.ErrAlreadyExists
		}
	}
	if err := s.checkMovementsLocked(commit.Stock, commit.Cash, commit.Credit); err != nil {
		return err
	}

	s.applyMovementsLocked(commit.Stock, commit.Cash, commit.Credit)
	s.salesByID[commit.Sale.ID] = cloneSale(commit.Sale)
	if commit.Sale.IdempotencyKey != "" {
		s.salesByIdem[commit.Sale.IdempotencyKey] = commit.Sale.ID
	}
	s.auditLogs = append(s.auditLogs, commit.Audit)
	return nil
}

func (s *Store) ReverseSale(_ context.Context, reversal store.SaleReversal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.salesByID[reversal.Sale.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Status != domain.SaleCommitted {
		return domain.ErrConcurrencyConflict
	}
	if err := s.checkMovementsLocked(reversal.Stock, reversal.Cash, reversal.Credit); err != nil {
		return err
	}

	s.applyMovementsLocked(reversal.Stock, reversal.Cash, reversal.Credit)
	s.salesByID[reversal.Sale.ID] = cloneSale(reversal.Sale)
	s.auditLogs = append(s.auditLogs, reversal.Audit)
	return nil
}

func (s *Store) checkMovementsLocked(stock []store.StockAppend, cash *store.CashAppend, credit *store.CreditAppend) error {
	if err := s.checkStockLocked(stock); err != nil {
		return err
	}
	if cash != nil {
		if err := s.checkCashLocked(*cash); err != nil {
			return err
		}
	}
	if credit != nil {
		if err := s.checkCreditLocked(*credit); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMovementsLocked(stock []store.StockAppend, cash *store.CashAppend, credit *store.CreditAppend) {
	s.applyStockLocked(stock)
	if cash != nil {
		s.applyCashLocked(*cash)
	}
	if credit != nil {
		s.applyCreditLocked(*credit)
	}
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copySale := cloneSale(sale)
	return &copySale, nil
}

func (s *Store) FindSaleByIdempotencyKey(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saleID, ok := s.salesByIdem[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copySale := cloneSale(s.salesByID[saleID])
	return &copySale, nil
}

func alertKey(subjectType string, subjectID string, alertType domain.AlertType) string {
	return subjectType + "|" + subjectID + "|" + string(alertType)
}

func (s *Store) CreateAlert(_ context.Context, alert domain.Alert) (*domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := alertKey(alert.SubjectType, alert.SubjectID, alert.Type)
	if _, open := s.openAlertByKey[key]; open {
		return nil, domain.ErrAlreadyExists
	}
	s.alertsByID[alert.ID] = alert
	s.openAlertByKey[key] = alert.ID
	saved := alert
	return &saved, nil
}

func (s *Store) GetAlert(_ context.Context, alertID string) (*domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alert, ok := s.alertsByID[alertID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &alert, nil
}

func (s *Store) FindOpenAlert(_ context.Context, subjectType string, subjectID string, alertType domain.AlertType) (*domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alertID, ok := s.openAlertByKey[alertKey(subjectType, subjectID, alertType)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	alert := s.alertsByID[alertID]
	return &alert, nil
}

func (s *Store) TransitionAlert(_ context.Context, alertID string, from []domain.AlertStatus, to domain.AlertStatus, at time.Time) (*domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alertsByID[alertID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !slices.Contains(from, alert.Status) {
		return nil, domain.ErrConcurrencyConflict
	}

	at = at.UTC()
	alert.Status = to
	alert.Touch(at)
	if to == domain.AlertAcknowledged {
		alert.AcknowledgedAt = &at
	}
	if to.Terminal() {
		alert.ClosedAt = &at
		delete(s.openAlertByKey, alertKey(alert.SubjectType, alert.SubjectID, alert.Type))
	}
	s.alertsByID[alertID] = alert
	return &alert, nil
}

func (s *Store) RefreshAlert(_ context.Context, alertID string, update domain.AlertRefresh) (*domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alertsByID[alertID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if alert.Status.Terminal() {
		return nil, domain.ErrConcurrencyConflict
	}
	alert.Severity = update.Severity
	alert.Message = update.Message
	alert.MetricValue = update.MetricValue
	alert.Threshold = update.Threshold
	alert.Touch(update.At.UTC())
	s.alertsByID[alertID] = alert
	return &alert, nil
}

func (s *Store) ListAlerts(_ context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	minRank := filter.MinSeverity.Rank()
	alerts := make([]domain.Alert, 0, len(s.openAlertByKey))
	for _, alert := range s.alertsByID {
		if !filter.IncludeTerminal && alert.Status.Terminal() {
			continue
		}
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, alert.Type) {
			continue
		}
		if alert.Severity.Rank() < minRank {
			continue
		}
		if filter.SubjectType != "" && alert.SubjectType != filter.SubjectType {
			continue
		}
		if filter.SubjectID != "" && alert.SubjectID != filter.SubjectID {
			continue
		}
		alerts = append(alerts, alert)
	}
	slices.SortFunc(alerts, domain.CompareAlerts)
	if filter.Limit > 0 && len(alerts) > filter.Limit {
		alerts = alerts[:filter.Limit]
	}
	return alerts, nil
}

func (s *Store) AppendAudit(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditBySubject(_ context.Context, subjectType string, subjectID string) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, 8)
	for _, entry := range s.auditLogs {
		if entry.SubjectType == subjectType && entry.SubjectID == subjectID {
			logs = append(logs, entry)
		}
	}
	slices.SortStableFunc(logs, func(a, b domain.AuditLog) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return logs, nil
}

func (s *Store) ListAuditByActor(_ context.Context, actorID string, limit int) ([]domain.AuditLog, error) {
	return s.listAuditNewestFirst(limit, func(entry domain.AuditLog) bool {
		return entry.ActorID == actorID
	}), nil
}

func (s *Store) ListAuditByRange(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	return s.listAuditNewestFirst(limit, func(entry domain.AuditLog) bool {
		return !entry.CreatedAt.Before(from) && entry.CreatedAt.Before(to)
	}), nil
}

func (s *Store) listAuditNewestFirst(limit int, match func(domain.AuditLog) bool) []domain.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	logs := make([]domain.AuditLog, 0, limit)
	for _, entry := range s.auditLogs {
		if match(entry) {
			logs = append(logs, entry)
		}
	}
	slices.SortStableFunc(logs, func(a, b domain.AuditLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(logs) > limit {
		logs = logs[:limit]
	}
	return logs
}

func (s *Store) PurgeAuditBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.auditLogs[:0]
	purged := int64(0)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, entry)
	}
	s.auditLogs = kept
	return purged, nil
}

func (s *Store) Claim(_ context.Context, rec domain.IdempotencyRecord, now time.Time) (bool, *domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.idempotency[rec.Key]; ok && !existing.Reclaimable(now) {
		current := cloneIdempotency(existing)
		return false, &current, nil
	}
	s.idempotency[rec.Key] = cloneIdempotency(rec)
	return true, nil, nil
}

func (s *Store) GetIdempotency(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.idempotency[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	current := cloneIdempotency(rec)
	return &current, nil
}

func (s *Store) CompleteIdempotency(_ context.Context, key string, token string, payload []byte, expiresAt time.Time) error {
	return s.settleIdempotency(key, token, domain.IdempotencyCompleted, payload, expiresAt)
}

func (s *Store) FailIdempotency(_ context.Context, key string, token string, payload []byte, expiresAt time.Time) error {
	return s.settleIdempotency(key, token, domain.IdempotencyFailed, payload, expiresAt)
}

func (s *Store) settleIdempotency(key string, token string, status domain.IdempotencyStatus, payload []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.idempotency[key]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.Status != domain.IdempotencyPending || rec.Token != token {
		return domain.ErrConcurrencyConflict
	}
	rec.Status = status
	rec.Payload = slices.Clone(payload)
	rec.ExpiresAt = expiresAt.UTC()
	s.idempotency[key] = rec
	return nil
}

func (s *Store) PurgeExpiredIdempotency(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := int64(0)
	for key, rec := range s.idempotency {
		if now.After(rec.ExpiresAt) {
			delete(s.idempotency, key)
			purged++
		}
	}
	return purged, nil
}

func (s *Store) CreatePurchaseOrder(_ context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if len(po.Items) == 0 {
		return nil, domain.NewValidationError("items", "purchase order needs at least one item")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range po.Items {
		if _, ok := s.products[item.ProductID]; !ok {
			return nil, domain.ErrNotFound
		}
	}
	s.purchaseOrdersByID[po.ID] = clonePurchaseOrder(po)
	saved := clonePurchaseOrder(po)
	return &saved, nil
}

func (s *Store) GetPurchaseOrder(_ context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	po, ok := s.purchaseOrdersByID[purchaseOrderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copyPO := clonePurchaseOrder(po)
	return &copyPO, nil
}

func (s *Store) ListPurchaseOrders(_ context.Context, status domain.PurchaseOrderStatus, limit int) ([]domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	orders := make([]domain.PurchaseOrder, 0, len(s.purchaseOrdersByID))
	for _, po := range s.purchaseOrdersByID {
		if status != "" && po.Status != status {
			continue
		}
		orders = append(orders, clonePurchaseOrder(po))
	}
	slices.SortFunc(orders, func(a, b domain.PurchaseOrder) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *Store) ReceivePurchaseOrder(_ context.Context, purchaseOrderID string, receivedBy string, at time.Time, stock []store.StockAppend, audit domain.AuditLog) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	po, ok := s.purchaseOrdersByID[purchaseOrderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if po.Status != domain.PurchaseOrderPending {
		return nil, domain.NewValidationError("status", "purchase order already received")
	}
	if err := s.checkStockLocked(stock); err != nil {
		return nil, err
	}

	s.applyStockLocked(stock)
	at = at.UTC()
	po.Status = domain.PurchaseOrderReceived
	po.ReceivedAt = &at
	po.ReceivedBy = receivedBy
	po.Touch(at)
	s.purchaseOrdersByID[po.ID] = po
	s.auditLogs = append(s.auditLogs, audit)

	saved := clonePurchaseOrder(po)
	return &saved, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return domain.ErrAlreadyExists
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return domain.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneProduct(p domain.Product) domain.Product {
	if p.ExpiresAt != nil {
		at := *p.ExpiresAt
		p.ExpiresAt = &at
	}
	return p
}

func cloneSale(sale domain.Sale) domain.Sale {
	sale.Lines = slices.Clone(sale.Lines)
	sale.PaymentSplits = slices.Clone(sale.PaymentSplits)
	return sale
}

func cloneSession(session domain.RegisterSession) domain.RegisterSession {
	if session.ClosingBalanceCents != nil {
		closing := *session.ClosingBalanceCents
		session.ClosingBalanceCents = &closing
	}
	if session.CountedCashCents != nil {
		counted := *session.CountedCashCents
		session.CountedCashCents = &counted
	}
	return session
}

func cloneIdempotency(rec domain.IdempotencyRecord) domain.IdempotencyRecord {
	rec.Payload = slices.Clone(rec.Payload)
	return rec
}

func clonePurchaseOrder(po domain.PurchaseOrder) domain.PurchaseOrder {
	po.Items = slices.Clone(po.Items)
	return po
}
