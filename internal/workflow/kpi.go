package workflow

import (
	"context"

	"sales-insight-service/internal/apperr"
	"sales-insight-service/internal/models"
)

// KPIReport aggregates a store's labeled outcomes.
type KPIReport struct {
	StoreID          string  `json:"storeId"`
	TotalSessions    int     `json:"totalSessions"`
	Won              int     `json:"won"`
	Lost             int     `json:"lost"`
	Pending          int     `json:"pending"`
	Canceled         int     `json:"canceled"`
	Unlabeled        int     `json:"unlabeled"`
	PendingApprovals int     `json:"pendingApprovals"`
	ConversionRate   float64 `json:"conversionRate"`
}

const kpiSessionLimit = 1000

// KPI computes outcome totals and the conversion rate. Sales see their own
// sessions; managers and auditors see their store. Conversion counts only
// decided deals: won / (won + lost).
func (s *Service) KPI(ctx context.Context, claims models.UserClaims) (KPIReport, error) {
	var sessions []models.Session
	var err error
	switch claims.Role {
	case models.RoleSales:
		sessions, err = s.store.ListByUser(ctx, claims.UserID, kpiSessionLimit)
	case models.RoleManager, models.RoleAuditor:
		sessions, err = s.store.ListByStore(ctx, claims.StoreID, kpiSessionLimit)
	default:
		return KPIReport{}, apperr.Unauthorized("unrecognized role")
	}
	if err != nil {
		return KPIReport{}, err
	}

	report := KPIReport{StoreID: claims.StoreID, TotalSessions: len(sessions)}
	for _, sess := range sessions {
		if sess.OutcomeRequest != nil && sess.OutcomeRequest.Status == models.RequestPending {
			report.PendingApprovals++
		}
		if sess.OutcomeLabel == nil {
			report.Unlabeled++
			continue
		}
		switch *sess.OutcomeLabel {
		case models.OutcomeWon:
			report.Won++
		case models.OutcomeLost:
			report.Lost++
		case models.OutcomePending:
			report.Pending++
		case models.OutcomeCanceled:
			report.Canceled++
		}
	}
	if decided := report.Won + report.Lost; decided > 0 {
		report.ConversionRate = float64(report.Won) / float64(decided) * 100
	}
	return report, nil
}
