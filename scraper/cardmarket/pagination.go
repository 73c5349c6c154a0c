package cardmarket

import (
	"context"
	"fmt"
	"time"

	"cardmarket-tracker/utils"
)

// PaginationPolicy bounds every loop of the pagination controller.
type PaginationPolicy struct {
	FirstRowTimeout time.Duration
	InitialSettle   time.Duration

	ClickAttempts   int
	SettleDelay     time.Duration
	ClickRetryDelay time.Duration

	ScrollIterations int
	ScrollSettle     time.Duration
	IdleLimit        int
}

// DefaultPaginationPolicy returns the limits tuned for cardmarket.com.
func DefaultPaginationPolicy() PaginationPolicy {
	return PaginationPolicy{
		FirstRowTimeout:  30 * time.Second,
		InitialSettle:    3 * time.Second,
		ClickAttempts:    10,
		SettleDelay:      2 * time.Second,
		ClickRetryDelay:  time.Second,
		ScrollIterations: 20,
		ScrollSettle:     time.Second,
		IdleLimit:        3,
	}
}

// Controller loads a listing table to exhaustion.
type Controller struct {
	rowSelector string
	triggers    []Trigger
	policy      PaginationPolicy
	sleep       utils.SleepFunc
	logger      *utils.Logger
}

// NewController creates a Controller. A nil sleep uses the real clock.
func NewController(rowSelector string, triggers []Trigger, policy PaginationPolicy, sleep utils.SleepFunc, logger *utils.Logger) *Controller {
	if sleep == nil {
		sleep = utils.Sleep
	}
	return &Controller{
		rowSelector: rowSelector,
		triggers:    triggers,
		policy:      policy,
		sleep:       sleep,
		logger:      logger,
	}
}

// Exhaust drives the page until no new rows appear and returns the last row
// count seen. The count is advisory; callers re-read the full row set.
func (c *Controller) Exhaust(ctx context.Context, page Page) (int, error) {
	if err := page.WaitVisible(ctx, c.rowSelector, c.policy.FirstRowTimeout); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNoRowsFound, c.rowSelector, err)
	}
	if err := c.sleep(ctx, c.policy.InitialSettle); err != nil {
		return 0, err
	}

	count, err := page.Count(ctx, c.rowSelector)
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	c.logger.Info("[pagination] initial rows: %d", count)

	for _, t := range c.triggers {
		count, err = c.clickUntilExhausted(ctx, page, t, count)
		if err != nil {
			return count, err
		}
	}

	count, err = c.scrollUntilIdle(ctx, page, count)
	if err != nil {
		return count, err
	}

	c.logger.Info("[pagination] exhausted at %d rows", count)
	return count, nil
}

func (c *Controller) clickUntilExhausted(ctx context.Context, page Page, t Trigger, count int) (int, error) {
	for attempt := 1; attempt <= c.policy.ClickAttempts; attempt++ {
		clicked, err := page.ClickTrigger(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return count, ctx.Err()
			}
			c.logger.Warn("[pagination] %s click failed (attempt %d/%d): %v",
				t.Name, attempt, c.policy.ClickAttempts, err)
			if err := c.sleep(ctx, c.policy.ClickRetryDelay); err != nil {
				return count, err
			}
			continue
		}
		if !clicked {
			return count, nil
		}

		if err := c.sleep(ctx, c.policy.SettleDelay); err != nil {
			return count, err
		}
		next, err := page.Count(ctx, c.rowSelector)
		if err != nil {
			c.logger.Warn("[pagination] recount after %s failed (attempt %d/%d): %v",
				t.Name, attempt, c.policy.ClickAttempts, err)
			if err := c.sleep(ctx, c.policy.ClickRetryDelay); err != nil {
				return count, err
			}
			continue
		}
		if next <= count {
			c.logger.Debug("[pagination] %s exhausted at %d rows", t.Name, count)
			return count, nil
		}
		c.logger.Debug("[pagination] %s: %d -> %d rows", t.Name, count, next)
		count = next
	}
	return count, nil
}

func (c *Controller) scrollUntilIdle(ctx context.Context, page Page, count int) (int, error) {
	idle := 0
	for i := 0; i < c.policy.ScrollIterations; i++ {
		if err := page.ScrollToBottom(ctx); err != nil {
			c.logger.Warn("[pagination] scroll failed: %v", err)
		}
		if err := c.sleep(ctx, c.policy.ScrollSettle); err != nil {
			return count, err
		}

		current, err := page.Count(ctx, c.rowSelector)
		if err != nil {
			c.logger.Warn("[pagination] recount after scroll failed: %v", err)
		}
		if err == nil && current > count {
			count = current
			idle = 0
			continue
		}

		idle++
		if idle >= c.policy.IdleLimit {
			break
		}
	}
	return count, nil
}
