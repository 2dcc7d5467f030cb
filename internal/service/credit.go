package service

import (
	"context"
	"errors"
	"strings"

	"kasirledger/internal/domain"
	"kasirledger/internal/ledger"
	"kasirledger/internal/metrics"
	"kasirledger/internal/store"
)

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

// OpenCreditAccount creates a customer's credit account. Admin only.
func (s *Service) OpenCreditAccount(ctx context.Context, req domain.CreditAccountRequest) (domain.CreditAccount, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.CreditAccount{}, err
	}
	account, err := s.credit.OpenAccount(ctx, strings.TrimSpace(req.CustomerID), req.CreditLimitCents)
	if err != nil {
		return domain.CreditAccount{}, err
	}
	s.record(ctx, domain.KindCreditAccount, account.CustomerID, "credit_account_open", nil, account)
	return *account, nil
}

// SetCreditLimit changes a limit without touching outstanding debt. A limit
// below outstanding is allowed; further charges are then refused. Admin only.
func (s *Service) SetCreditLimit(ctx context.Context, req domain.CreditAccountRequest) (domain.CreditAccount, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.CreditAccount{}, err
	}
	before, err := s.credit.Account(ctx, req.CustomerID)
	if err != nil {
		return domain.CreditAccount{}, err
	}
	account, err := s.credit.SetLimit(ctx, req.CustomerID, req.CreditLimitCents)
	if err != nil {
		return domain.CreditAccount{}, err
	}
	s.record(ctx, domain.KindCreditAccount, account.CustomerID, "credit_limit_update", before, account)
	s.alerts.Notify(context.WithoutCancel(ctx), domain.AlertTrigger{SubjectType: domain.KindCustomer, SubjectID: account.CustomerID})
	return *account, nil
}

func (s *Service) CreditAccount(ctx context.Context, customerID string) (domain.CreditAccount, error) {
	account, err := s.credit.Account(ctx, customerID)
	if err != nil {
		return domain.CreditAccount{}, err
	}
	return *account, nil
}

func (s *Service) CreditEntries(ctx context.Context, customerID string) ([]domain.CreditEntry, error) {
	if _, err := s.credit.Account(ctx, customerID); err != nil {
		return nil, err
	}
	return s.credit.Entries(ctx, customerID)
}

// RecordCreditPayment reduces a customer's outstanding debt. When a register
// is given the payment also lands in its drawer as a credit_payment
// movement. The debt change, the drawer movement and the audit entry commit
// together; a closed register fails the whole payment.
func (s *Service) RecordCreditPayment(ctx context.Context, req domain.CreditPaymentRequest) (domain.CreditEntry, error) {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.RegisterID = strings.TrimSpace(req.RegisterID)
	if req.CustomerID == "" {
		return domain.CreditEntry{}, domain.NewValidationError("customer_id", "customer id is required")
	}
	if req.AmountCents <= 0 {
		return domain.CreditEntry{}, domain.NewValidationError("amount_cents", "payment must be positive")
	}

	commit, err := s.commitCreditPayment(ctx, req)
	if err != nil {
		return domain.CreditEntry{}, err
	}
	if commit.Cash != nil {
		metrics.CashMovements.WithLabelValues(string(domain.CashCreditPayment)).Inc()
	}

	s.alerts.Notify(context.WithoutCancel(ctx), domain.AlertTrigger{SubjectType: domain.KindCustomer, SubjectID: req.CustomerID})
	return commit.Credit.Entry, nil
}

func (s *Service) commitCreditPayment(ctx context.Context, req domain.CreditPaymentRequest) (store.CreditPaymentCommit, error) {
	keys := []string{ledger.CustomerKey(req.CustomerID)}
	if req.RegisterID != "" {
		keys = append(keys, ledger.RegisterKey(req.RegisterID))
	}
	unlock := s.locks.Lock(keys...)
	defer unlock()

	return ledger.RetryOnConflict(ctx, ledger.DefaultMaxTries, nil, func() (store.CreditPaymentCommit, error) {
		account, err := s.credit.Account(ctx, req.CustomerID)
		if err != nil {
			return store.CreditPaymentCommit{}, err
		}
		if err := ledger.CheckPayment(*account, req.AmountCents); err != nil {
			return store.CreditPaymentCommit{}, err
		}

		commit := store.CreditPaymentCommit{
			Credit: s.credit.NewEntry(*account, domain.CreditPayment, req.AmountCents, req.Reference),
		}
		if req.RegisterID != "" {
			session, err := s.cash.OpenSessionFor(ctx, req.RegisterID)
			if err != nil {
				return store.CreditPaymentCommit{}, err
			}
			cash, err := s.cash.NewMovement(*session, domain.CashCreditPayment, req.AmountCents, commit.Credit.Entry.ID, "credit payment "+req.CustomerID)
			if err != nil {
				return store.CreditPaymentCommit{}, err
			}
			commit.Cash = &cash
		}

		entry, err := s.audit.Build(ctx, domain.KindCreditEntry, commit.Credit.Entry.ID, "credit_payment", nil, commit.Credit.Entry)
		if err != nil {
			return store.CreditPaymentCommit{}, err
		}
		commit.Audit = entry

		if err := s.repo.CommitCreditPayment(ctx, commit); err != nil {
			return store.CreditPaymentCommit{}, err
		}
		return commit, nil
	})
}
