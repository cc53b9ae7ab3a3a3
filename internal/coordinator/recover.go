package coordinator

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/kbridge-dev/kbridge/internal/session"
)

// Recover rebuilds coordinator state from the cluster after a process
// restart. Workloads still carrying an interceptor substitution are found by
// label, their sessions re-registered (which re-acquires the target locks),
// and their tunnel artifacts re-bound so Teardown can converge on them.
//
// Recovered sessions come back FAILED, not ACTIVE: the in-memory tunnel
// state is gone, so the only meaningful next step is teardown, which
// restores the original workload definitions.
func (c *Coordinator) Recover(ctx context.Context) ([]*session.Session, error) {
	deployments, err := c.cluster.ListManagedDeployments(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing managed workloads for recovery")
	}

	recovered := make([]*session.Session, 0, len(deployments))

	for i := range deployments {
		deploy := &deployments[i]

		installation, err := c.installer.RecoverInstallation(deploy, 0)
		if err != nil {
			c.logger.Warn("skipping unrecoverable workload",
				"namespace", deploy.Namespace,
				"name", deploy.Name,
				"error", err,
			)

			continue
		}

		sess := session.New(installation.Ref, installation.ForwardAddress, 0)
		sess.ID = installation.SessionID
		sess.State = session.StateFailed
		sess.InterceptorID = installation.ID

		if err := c.store.Add(sess); err != nil {
			c.logger.Warn("recovered session conflicts with live state",
				"session", sess.ID,
				"error", err,
			)

			continue
		}

		pair := c.tunnels.RecoverPair(sess.ID)
		sess.TunnelID = pair.ID

		c.mu.Lock()
		c.pairs[sess.ID] = pair
		c.installations[sess.ID] = installation
		c.mu.Unlock()

		recovered = append(recovered, sess)

		c.logger.Info("recovered session from cluster state",
			"session", sess.ID,
			"target", sess.Target.Key(),
		)
	}

	c.metrics.RecordActiveSessions(ctx, c.store.ActiveCount())

	return recovered, nil
}
