// Package revenue computes per-deployment revenue shares for closed billing
// periods. Runs are idempotent: one entry per (deployment, period start),
// re-running a period upserts the same row.
package revenue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/driftlabs/agentgrid/internal/models"
	"github.com/driftlabs/agentgrid/internal/monitoring"
)

// Service errors
var (
	ErrInvalidPeriod   = errors.New("invalid revenue period")
	ErrEntryNotFound   = errors.New("revenue entry not found")
	ErrEntryNotPending = errors.New("revenue entry already settled or failed")
)

// Calculator runs the revenue share batch job
type Calculator struct {
	db *pgxpool.Pool
}

// NewCalculator creates a revenue calculator
func NewCalculator(db *pgxpool.Pool) *Calculator {
	return &Calculator{db: db}
}

// deploymentPeriod is one deployment's activity within a period
type deploymentPeriod struct {
	DeploymentID uuid.UUID
	TemplateID   uuid.UUID
	DeveloperID  uuid.UUID
	PricingModel models.PricingModel
	BasePrice    decimal.Decimal
	RevenueShare int
	UsageCount   int64
}

// RunResult summarizes one batch run
type RunResult struct {
	PeriodStart      time.Time       `json:"period_start"`
	PeriodEnd        time.Time       `json:"period_end"`
	TotalDeployments int             `json:"total_deployments"`
	EntriesWritten   int             `json:"entries_written"`
	SkippedZero      int             `json:"skipped_zero"`
	FailedCount      int             `json:"failed_count"`
	TotalRevenue     decimal.Decimal `json:"total_revenue"`
	Errors           []EntryError    `json:"errors,omitempty"`
}

// EntryError captures a per-deployment failure without aborting the batch
type EntryError struct {
	DeploymentID uuid.UUID `json:"deployment_id"`
	Error        string    `json:"error"`
}

// ComputeShares splits revenue between developer and platform. The developer
// share rounds to 2 decimals; the platform gets the exact remainder so the
// two always sum to the revenue amount.
func ComputeShares(revenue decimal.Decimal, sharePct int) (developer, platform decimal.Decimal) {
	developer = revenue.Mul(decimal.NewFromInt(int64(sharePct))).Div(decimal.NewFromInt(100)).Round(2)
	platform = revenue.Sub(developer)
	return developer, platform
}

// RevenueFor computes a deployment's revenue for a period from its pricing
// model: subscriptions bill the base price once per period, usage based
// pricing bills base price per recorded use.
func RevenueFor(pricing models.PricingModel, basePrice decimal.Decimal, usageCount int64) decimal.Decimal {
	switch pricing {
	case models.PricingModelSubscription:
		return basePrice
	case models.PricingModelUsageBased:
		return basePrice.Mul(decimal.NewFromInt(usageCount))
	default:
		return decimal.Zero
	}
}

// Run executes the revenue batch for [periodStart, periodEnd). Deployments
// with nothing to bill are skipped; a failing deployment is recorded and the
// batch continues.
func (c *Calculator) Run(ctx context.Context, periodStart, periodEnd time.Time) (*RunResult, error) {
	if !periodEnd.After(periodStart) {
		return nil, ErrInvalidPeriod
	}

	activity, err := c.collectActivity(ctx, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		PeriodStart:      periodStart,
		PeriodEnd:        periodEnd,
		TotalDeployments: len(activity),
	}

	metrics := monitoring.Get()

	for _, dp := range activity {
		revenue := RevenueFor(dp.PricingModel, dp.BasePrice, dp.UsageCount)
		// Subscriptions bill even with no activity; usage based billing
		// with zero uses comes out zero and is skipped.
		if revenue.IsZero() {
			result.SkippedZero++
			continue
		}

		developer, platform := ComputeShares(revenue, dp.RevenueShare)

		entry := &models.RevenueEntry{
			TemplateID:      dp.TemplateID,
			DeploymentID:    dp.DeploymentID,
			DeveloperID:     dp.DeveloperID,
			PeriodStart:     periodStart,
			PeriodEnd:       periodEnd,
			TotalUsageCount: dp.UsageCount,
			RevenueAmount:   revenue,
			DeveloperShare:  developer,
			PlatformShare:   platform,
			PaymentStatus:   models.PaymentStatusPending,
		}

		if err := c.upsertEntry(ctx, entry); err != nil {
			log.Error().
				Err(err).
				Str("deployment_id", dp.DeploymentID.String()).
				Msg("Failed to write revenue entry")
			result.FailedCount++
			result.Errors = append(result.Errors, EntryError{
				DeploymentID: dp.DeploymentID,
				Error:        err.Error(),
			})
			continue
		}

		result.EntriesWritten++
		result.TotalRevenue = result.TotalRevenue.Add(revenue)
		if metrics != nil {
			metrics.RevenueEntriesTotal.Inc()
		}
	}

	if metrics != nil {
		status := "success"
		if result.FailedCount > 0 {
			status = "partial"
		}
		metrics.RevenueRunsTotal.WithLabelValues(status).Inc()
	}

	return result, nil
}

// collectActivity joins deployments against their templates and usage for
// the period. Deployments archived before the period started are excluded;
// ones archived mid-period still bill for their recorded usage. The inner
// join on agent_templates cannot drop a deployment: template_id is a NOT
// NULL foreign key and templates are never hard-deleted.
func (c *Calculator) collectActivity(ctx context.Context, periodStart, periodEnd time.Time) ([]deploymentPeriod, error) {
	rows, err := c.db.Query(ctx, `
		SELECT
			d.id,
			t.id,
			t.developer_id,
			t.pricing_model,
			t.base_price,
			t.revenue_share_percentage,
			COUNT(u.id) AS usage_count
		FROM deployments d
		JOIN agent_templates t ON t.id = d.template_id
		LEFT JOIN usage_records u ON u.deployment_id = d.id
			AND u.occurred_at >= $1
			AND u.occurred_at < $2
		WHERE d.created_at < $2
			AND (d.archived_at IS NULL OR d.archived_at >= $1)
		GROUP BY d.id, t.id, t.developer_id, t.pricing_model, t.base_price, t.revenue_share_percentage
		ORDER BY d.id
	`, periodStart, periodEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to query period activity: %w", err)
	}
	defer rows.Close()

	var activity []deploymentPeriod
	for rows.Next() {
		var dp deploymentPeriod
		if err := rows.Scan(&dp.DeploymentID, &dp.TemplateID, &dp.DeveloperID,
			&dp.PricingModel, &dp.BasePrice, &dp.RevenueShare, &dp.UsageCount); err != nil {
			return nil, fmt.Errorf("failed to scan period activity: %w", err)
		}
		activity = append(activity, dp)
	}
	return activity, rows.Err()
}

// upsertEntry writes one revenue entry, replacing any prior run's row for
// the same deployment and period
func (c *Calculator) upsertEntry(ctx context.Context, entry *models.RevenueEntry) error {
	_, err := c.db.Exec(ctx, `
		INSERT INTO revenue_entries (
			template_id, deployment_id, developer_id, period_start, period_end,
			total_usage_count, revenue_amount, developer_share, platform_share, payment_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (deployment_id, period_start) DO UPDATE SET
			period_end = EXCLUDED.period_end,
			total_usage_count = EXCLUDED.total_usage_count,
			revenue_amount = EXCLUDED.revenue_amount,
			developer_share = EXCLUDED.developer_share,
			platform_share = EXCLUDED.platform_share,
			updated_at = NOW()
	`, entry.TemplateID, entry.DeploymentID, entry.DeveloperID, entry.PeriodStart, entry.PeriodEnd,
		entry.TotalUsageCount, entry.RevenueAmount, entry.DeveloperShare, entry.PlatformShare, entry.PaymentStatus)
	if err != nil {
		return fmt.Errorf("failed to upsert revenue entry: %w", err)
	}
	return nil
}

// ListByDeveloper returns a developer's revenue entries, newest period first.
// A non-nil periodStart narrows the result to that billing period.
func (c *Calculator) ListByDeveloper(ctx context.Context, developerID uuid.UUID, periodStart *time.Time, limit, offset int) ([]models.RevenueEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := c.db.Query(ctx, `
		SELECT id, template_id, deployment_id, developer_id, period_start, period_end,
			total_usage_count, revenue_amount, developer_share, platform_share, payment_status,
			created_at, updated_at
		FROM revenue_entries
		WHERE developer_id = $1 AND ($2::timestamptz IS NULL OR period_start = $2)
		ORDER BY period_start DESC, deployment_id
		LIMIT $3 OFFSET $4
	`, developerID, periodStart, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query revenue entries: %w", err)
	}
	defer rows.Close()

	var entries []models.RevenueEntry
	for rows.Next() {
		var e models.RevenueEntry
		if err := rows.Scan(&e.ID, &e.TemplateID, &e.DeploymentID, &e.DeveloperID, &e.PeriodStart, &e.PeriodEnd,
			&e.TotalUsageCount, &e.RevenueAmount, &e.DeveloperShare, &e.PlatformShare, &e.PaymentStatus,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan revenue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkPaid transitions a pending entry to paid
func (c *Calculator) MarkPaid(ctx context.Context, entryID uuid.UUID) error {
	result, err := c.db.Exec(ctx, `
		UPDATE revenue_entries
		SET payment_status = $1, updated_at = NOW()
		WHERE id = $2 AND payment_status = $3
	`, models.PaymentStatusPaid, entryID, models.PaymentStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark revenue entry paid: %w", err)
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := c.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM revenue_entries WHERE id = $1)`, entryID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check revenue entry: %w", err)
		}
		if !exists {
			return ErrEntryNotFound
		}
		return ErrEntryNotPending
	}
	return nil
}

// PreviousMonth returns the closed calendar month before now, in UTC
func PreviousMonth(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, -1, 0)
	return start, end
}
