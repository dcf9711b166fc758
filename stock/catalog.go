package stock

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// CATALOG
// =============================================================================

// PutCategory creates or replaces a drug category.
func (svc *Service) PutCategory(ctx context.Context, c DrugCategory, actor ActorID) error {
	if c.ID == "" {
		return invalid("id", "is required")
	}
	if c.DailyLimit < 0 {
		return invalid("dailyLimit", "must not be negative")
	}
	err := svc.store.WithTx(ctx, func(s Store) error {
		if err := s.Catalog().PutCategory(ctx, c); err != nil {
			return err
		}
		return AppendAudit(ctx, s, AuditCatalogChanged, actor, map[string]any{"category": c}, svc.ledger.now())
	})
	if err != nil {
		return svc.fail("put category", err, zap.String("category_id", string(c.ID)))
	}
	return nil
}

// PutDrug creates or replaces a drug. Its category must exist.
func (svc *Service) PutDrug(ctx context.Context, d Drug, actor ActorID) error {
	if d.ID == "" {
		return invalid("id", "is required")
	}
	if d.CategoryID == "" {
		return invalid("categoryId", "is required")
	}
	err := svc.store.WithTx(ctx, func(s Store) error {
		if _, err := s.Catalog().Category(ctx, d.CategoryID); err != nil {
			return err
		}
		if err := s.Catalog().PutDrug(ctx, d); err != nil {
			return err
		}
		return AppendAudit(ctx, s, AuditCatalogChanged, actor, map[string]any{"drug": d}, svc.ledger.now())
	})
	if err != nil {
		return svc.fail("put drug", err, zap.String("drug_id", string(d.ID)))
	}
	return nil
}

// =============================================================================
// PRESCRIPTIONS
// =============================================================================

// CreatePrescription stores a new PENDING prescription. Missing IDs are
// generated.
func (svc *Service) CreatePrescription(ctx context.Context, p Prescription, actor ActorID) (*Prescription, error) {
	if p.PrescriberID == "" {
		return nil, invalid("prescriberId", "is required")
	}
	if len(p.Lines) == 0 {
		return nil, invalid("lines", "must not be empty")
	}
	if p.ID == "" {
		p.ID = PrescriptionID(uuid.NewString())
	}
	p.Status = StatusPending
	p.CreatedAt = svc.ledger.now()
	seen := make(map[LineID]bool, len(p.Lines))
	for i := range p.Lines {
		l := &p.Lines[i]
		if l.Quantity <= 0 {
			return nil, invalid(fmt.Sprintf("lines[%d].quantity", i), "must be positive")
		}
		if l.ID == "" {
			l.ID = LineID(uuid.NewString())
		}
		if seen[l.ID] {
			return nil, invalid(fmt.Sprintf("lines[%d].id", i), "duplicate line id")
		}
		seen[l.ID] = true
		l.PrescriptionID = p.ID
		l.Position = i + 1
	}

	var out *Prescription
	err := svc.store.WithTx(ctx, func(s Store) error {
		for _, l := range p.Lines {
			if _, err := s.Catalog().Drug(ctx, l.DrugID); err != nil {
				return err
			}
		}
		if err := s.Prescriptions().Create(ctx, p); err != nil {
			return err
		}
		if err := AppendAudit(ctx, s, AuditPrescriptionCreated, actor, map[string]any{
			"prescriptionId": p.ID,
			"prescriberId":   p.PrescriberID,
			"lines":          len(p.Lines),
		}, svc.ledger.now()); err != nil {
			return err
		}
		var err error
		out, err = s.Prescriptions().Get(ctx, p.ID)
		return err
	})
	if err != nil {
		return nil, svc.fail("create prescription", err, zap.String("prescription_id", string(p.ID)))
	}
	return out, nil
}

// GetPrescription loads a prescription with its lines.
func (svc *Service) GetPrescription(ctx context.Context, id PrescriptionID) (*Prescription, error) {
	var out *Prescription
	err := svc.store.WithTx(ctx, func(s Store) error {
		var err error
		out, err = s.Prescriptions().Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, svc.fail("get prescription", err, zap.String("prescription_id", string(id)))
	}
	return out, nil
}

// CancelPrescription moves a PENDING prescription to CANCELLED. Anything
// else is a Conflict.
func (svc *Service) CancelPrescription(ctx context.Context, id PrescriptionID, actor ActorID, reason string) error {
	err := svc.store.WithTx(ctx, func(s Store) error {
		if err := s.Prescriptions().SetStatus(ctx, id, StatusPending, StatusCancelled); err != nil {
			return err
		}
		return AppendAudit(ctx, s, AuditPrescriptionCancelled, actor, map[string]any{
			"prescriptionId": id,
			"reason":         reason,
		}, svc.ledger.now())
	})
	if err != nil {
		return svc.fail("cancel prescription", err, zap.String("prescription_id", string(id)))
	}
	svc.logger.Info("prescription cancelled", zap.String("prescription_id", string(id)))
	return nil
}
