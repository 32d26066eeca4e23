package license

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Start begins the background session re-check loop
func (c *Client) Start() {
	c.wg.Add(1)
	go c.backgroundCheck()
}

// Stop gracefully stops the background loop
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
}

func (c *Client) backgroundCheck() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
			c.Refresh(ctx)
			cancel()
		}
	}
}

// Refresh checks the session once. A lapsed session is replaced by validating
// the remembered key; server outages are tolerated for the grace period.
func (c *Client) Refresh(ctx context.Context) {
	if c.Token() != "" {
		status, err := c.CheckSession(ctx)
		if err != nil {
			c.unreachable(err)
			return
		}
		if status.Valid {
			return
		}
		c.logger.Info("Session no longer valid, revalidating", zap.String("reason", status.Reason))
	}

	_, err := c.Revalidate(ctx)
	switch {
	case err == nil:
		c.logger.Info("License revalidated")
	case errors.Is(err, ErrNoKey):
	case Terminal(ReasonOf(err)):
		c.logger.Warn("License rejected", zap.String("reason", ReasonOf(err)))
	default:
		c.unreachable(err)
	}
}

func (c *Client) unreachable(err error) {
	c.logger.Warn("License check failed", zap.Error(err))

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.isValid && c.now().Sub(c.lastCheck) > c.config.GracePeriod {
		c.isValid = false
		c.logger.Warn("License marked as invalid after grace period without successful check",
			zap.Duration("grace_period", c.config.GracePeriod))
	}
}
