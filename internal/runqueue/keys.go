package runqueue

import (
	"strconv"
	"strings"
)

// QueueDescriptor identifies a task queue inside an environment.
type QueueDescriptor struct {
	OrgID         string
	ProjectID     string
	EnvironmentID string
	Queue         string
}

type keys struct {
	prefix string
}

const queueSep = ":queue:"

// TenantID is the environment scope that concurrency ceilings and fairness
// apply to.
func (d QueueDescriptor) TenantID() string {
	return "org:" + d.OrgID + ":proj:" + d.ProjectID + ":env:" + d.EnvironmentID
}

// QueueID is the tenant-qualified queue name.
func (d QueueDescriptor) QueueID() string {
	return d.TenantID() + queueSep + d.Queue
}

// TenantFromQueueID splits a QueueID back into its tenant.
func TenantFromQueueID(queueID string) (string, bool) {
	i := strings.Index(queueID, queueSep)
	if i <= 0 {
		return "", false
	}
	return queueID[:i], true
}

func (k keys) queue(queueID string) string { return k.prefix + queueID }
func (k keys) queueConcurrency(queueID string) string { return k.prefix + queueID + ":currentConcurrency" }
func (k keys) queueLimit(queueID string) string { return k.prefix + queueID + ":concurrencyLimit" }
func (k keys) envConcurrency(tenantID string) string { return k.prefix + tenantID + ":currentConcurrency" }
func (k keys) envLimit(tenantID string) string { return k.prefix + tenantID + ":concurrencyLimit" }
func (k keys) message(runID string) string { return k.prefix + "message:" + runID }
func (k keys) messagePrefix() string { return k.prefix + "message:" }
func (k keys) workerQueue(name string) string { return k.prefix + "workerQueue:" + name }
func (k keys) workerQueuePrefix() string { return k.prefix + "workerQueue:" }
func (k keys) masterShard(shard int) string { return k.prefix + "masterQueue:shard:" + strconv.Itoa(shard) }
func (k keys) consumers() string { return k.prefix + "consumers" }
func (k keys) stripPrefix(key string) string { return strings.TrimPrefix(key, k.prefix) }
